// Package config provides configuration management for wasmgate.
package config

import (
	"strconv"
	"time"
)

// Config is the root configuration structure for wasmgate.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Admission AdmissionConfig `mapstructure:"admission"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	// Host to bind the listeners to
	Host string `mapstructure:"host"`

	// Port the traffic listener serves function requests on
	Port int `mapstructure:"port"`

	// AdminPort serves the deploy API, metrics and health checks
	AdminPort int `mapstructure:"admin_port"`

	// BaseDomain for subdomain routing (e.g. "wasmgate.dev" serves
	// requests for "<function>.wasmgate.dev")
	BaseDomain string `mapstructure:"base_domain"`

	// Request timeouts
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout bounds how long graceful shutdown waits for
	// in-flight requests to drain
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Maximum request body size in bytes, forwarded into the sandbox
	MaxBodySize int64 `mapstructure:"max_body_size"`
}

// RegistryConfig holds function metadata and artifact storage settings.
type RegistryConfig struct {
	// DataDir holds the metadata database and local artifact blobs
	DataDir string `mapstructure:"data_dir"`

	// RouteRefresh is how often the router re-reads the route table
	RouteRefresh time.Duration `mapstructure:"route_refresh"`

	// InvocationRetention is how long invocation log records are kept
	InvocationRetention time.Duration `mapstructure:"invocation_retention"`

	// Blobs configures where artifact bytes live
	Blobs BlobConfig `mapstructure:"blobs"`

	// Database tuning
	Database DatabaseConfig `mapstructure:"database"`
}

// BlobConfig holds artifact blob backend settings.
type BlobConfig struct {
	// Backend is "filesystem" or "s3"
	Backend string `mapstructure:"backend"`

	// Compression applied to stored artifacts ("", "gzip", "zstd")
	Compression string `mapstructure:"compression"`

	// S3 settings, used when Backend is "s3"
	S3 S3Config `mapstructure:"s3"`
}

// S3Config holds S3-compatible object storage settings.
type S3Config struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

// DatabaseConfig holds SQLite settings for the metadata store.
type DatabaseConfig struct {
	// Path to the SQLite database file; derived from DataDir when empty
	Path string `mapstructure:"path"`

	// Enable WAL mode (recommended)
	WALMode bool `mapstructure:"wal_mode"`

	// Busy timeout
	BusyTimeout time.Duration `mapstructure:"busy_timeout"`

	// Maximum open connections
	MaxOpenConns int `mapstructure:"max_open_conns"`

	// Maximum idle connections
	MaxIdleConns int `mapstructure:"max_idle_conns"`
}

// SandboxConfig holds WASM execution settings.
type SandboxConfig struct {
	// Deadline is the default wall-clock limit per function call
	Deadline time.Duration `mapstructure:"deadline"`

	// MemoryLimitMB is the default sandbox memory ceiling
	MemoryLimitMB int `mapstructure:"memory_limit_mb"`

	// AllowedHosts functions may reach over HTTP; empty means none
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

// AdmissionConfig holds concurrency admission settings.
type AdmissionConfig struct {
	// GlobalLimit caps concurrent executions across all functions
	GlobalLimit int `mapstructure:"global_limit"`

	// FunctionLimit is the default per-function concurrency cap,
	// overridable per function at deploy time
	FunctionLimit int `mapstructure:"function_limit"`

	// WaitTimeout bounds how long a request waits for a slot
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`

	// QueueDepth bounds how many requests may wait per function before
	// immediate rejection
	QueueDepth int `mapstructure:"queue_depth"`
}

// PoolConfig holds warm instance pool settings.
type PoolConfig struct {
	// MaxIdle caps idle instances pooled across all functions
	MaxIdle int `mapstructure:"max_idle"`

	// IdleTimeout before an unused instance is evicted
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// EvictionInterval is how often the idle sweep runs
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
}

// AuthConfig holds deploy API authentication settings.
type AuthConfig struct {
	// Enabled requires GitHub token auth on the deploy API
	Enabled bool `mapstructure:"enabled"`

	// GitHubAPIURL overrides the GitHub API endpoint (tests, GHE)
	GitHubAPIURL string `mapstructure:"github_api_url"`

	// MaxFunctionsPerOwner caps deployed functions per account
	MaxFunctionsPerOwner int `mapstructure:"max_functions_per_owner"`
}

// WatcherConfig holds local artifact directory watching settings.
type WatcherConfig struct {
	// Enabled watches Dir and deploys dropped .wasm files
	Enabled bool `mapstructure:"enabled"`

	// Dir is the directory to watch
	Dir string `mapstructure:"dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Log format (json, console)
	Format string `mapstructure:"format"`
}

// Address returns the traffic listener address in host:port format.
func (s *ServerConfig) Address() string {
	return s.Host + ":" + strconv.Itoa(s.Port)
}

// AdminAddress returns the admin listener address in host:port format.
func (s *ServerConfig) AdminAddress() string {
	return s.Host + ":" + strconv.Itoa(s.AdminPort)
}
