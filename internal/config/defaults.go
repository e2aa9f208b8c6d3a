package config

import "time"

// Default configuration values.
const (
	// Server defaults.
	DefaultHost            = "localhost"
	DefaultPort            = 8080
	DefaultAdminPort       = 8081
	DefaultBaseDomain      = "wasmgate.local"
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
	DefaultMaxBodySize     int64 = 10 * 1024 * 1024 // 10MB

	// Registry defaults.
	DefaultDataDir             = "data"
	DefaultRouteRefresh        = 10 * time.Second
	DefaultInvocationRetention = 7 * 24 * time.Hour
	DefaultBlobBackend         = "filesystem"
	DefaultBusyTimeout         = 5 * time.Second
	DefaultMaxOpenConns        = 1 // SQLite works best with a single writer
	DefaultMaxIdleConns        = 1

	// Sandbox defaults.
	DefaultDeadline      = 30 * time.Second
	DefaultMemoryLimitMB = 128

	// Admission defaults.
	DefaultGlobalLimit   = 256
	DefaultFunctionLimit = 16
	DefaultWaitTimeout   = 2 * time.Second
	DefaultQueueDepth    = 32

	// Pool defaults.
	DefaultMaxIdle          = 64
	DefaultPoolIdleTimeout  = 5 * time.Minute
	DefaultEvictionInterval = 30 * time.Second

	// Auth defaults.
	DefaultGitHubAPIURL         = "https://api.github.com"
	DefaultMaxFunctionsPerOwner = 10

	// Logging defaults.
	DefaultLogLevel  = "info"
	DefaultLogFormat = "console"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            DefaultHost,
			Port:            DefaultPort,
			AdminPort:       DefaultAdminPort,
			BaseDomain:      DefaultBaseDomain,
			ReadTimeout:     DefaultReadTimeout,
			WriteTimeout:    DefaultWriteTimeout,
			IdleTimeout:     DefaultIdleTimeout,
			ShutdownTimeout: DefaultShutdownTimeout,
			MaxBodySize:     DefaultMaxBodySize,
		},
		Registry: RegistryConfig{
			DataDir:             DefaultDataDir,
			RouteRefresh:        DefaultRouteRefresh,
			InvocationRetention: DefaultInvocationRetention,
			Blobs: BlobConfig{
				Backend: DefaultBlobBackend,
			},
			Database: DatabaseConfig{
				WALMode:      true,
				BusyTimeout:  DefaultBusyTimeout,
				MaxOpenConns: DefaultMaxOpenConns,
				MaxIdleConns: DefaultMaxIdleConns,
			},
		},
		Sandbox: SandboxConfig{
			Deadline:      DefaultDeadline,
			MemoryLimitMB: DefaultMemoryLimitMB,
		},
		Admission: AdmissionConfig{
			GlobalLimit:   DefaultGlobalLimit,
			FunctionLimit: DefaultFunctionLimit,
			WaitTimeout:   DefaultWaitTimeout,
			QueueDepth:    DefaultQueueDepth,
		},
		Pool: PoolConfig{
			MaxIdle:          DefaultMaxIdle,
			IdleTimeout:      DefaultPoolIdleTimeout,
			EvictionInterval: DefaultEvictionInterval,
		},
		Auth: AuthConfig{
			Enabled:              false,
			GitHubAPIURL:         DefaultGitHubAPIURL,
			MaxFunctionsPerOwner: DefaultMaxFunctionsPerOwner,
		},
		Watcher: WatcherConfig{
			Enabled: false,
			Dir:     "functions",
		},
		Logging: LoggingConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}
