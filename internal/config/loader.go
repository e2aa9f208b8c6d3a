package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

type LoadOptions struct {
	ConfigFile string
	EnvPrefix  string
	Defaults   *Config
}

func Load(opts LoadOptions) (*Config, error) {
	v := viper.New()

	defaults := opts.Defaults
	if defaults == nil {
		defaults = Default()
	}
	setViperDefaults(v, defaults)

	if opts.EnvPrefix == "" {
		opts.EnvPrefix = "WASMGATE"
	}
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("wasmgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/wasmgate")
		v.AddConfigPath("/etc/wasmgate")
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func LoadFromFile(path string) (*Config, error) {
	return Load(LoadOptions{ConfigFile: path})
}

func LoadWithDefaults() (*Config, error) {
	return Load(LoadOptions{})
}

func setViperDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.admin_port", cfg.Server.AdminPort)
	v.SetDefault("server.base_domain", cfg.Server.BaseDomain)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.idle_timeout", cfg.Server.IdleTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)
	v.SetDefault("server.max_body_size", cfg.Server.MaxBodySize)

	v.SetDefault("registry.data_dir", cfg.Registry.DataDir)
	v.SetDefault("registry.route_refresh", cfg.Registry.RouteRefresh)
	v.SetDefault("registry.invocation_retention", cfg.Registry.InvocationRetention)
	v.SetDefault("registry.blobs.backend", cfg.Registry.Blobs.Backend)
	v.SetDefault("registry.blobs.compression", cfg.Registry.Blobs.Compression)
	v.SetDefault("registry.database.wal_mode", cfg.Registry.Database.WALMode)
	v.SetDefault("registry.database.busy_timeout", cfg.Registry.Database.BusyTimeout)
	v.SetDefault("registry.database.max_open_conns", cfg.Registry.Database.MaxOpenConns)
	v.SetDefault("registry.database.max_idle_conns", cfg.Registry.Database.MaxIdleConns)

	v.SetDefault("sandbox.deadline", cfg.Sandbox.Deadline)
	v.SetDefault("sandbox.memory_limit_mb", cfg.Sandbox.MemoryLimitMB)
	v.SetDefault("sandbox.allowed_hosts", cfg.Sandbox.AllowedHosts)

	v.SetDefault("admission.global_limit", cfg.Admission.GlobalLimit)
	v.SetDefault("admission.function_limit", cfg.Admission.FunctionLimit)
	v.SetDefault("admission.wait_timeout", cfg.Admission.WaitTimeout)
	v.SetDefault("admission.queue_depth", cfg.Admission.QueueDepth)

	v.SetDefault("pool.max_idle", cfg.Pool.MaxIdle)
	v.SetDefault("pool.idle_timeout", cfg.Pool.IdleTimeout)
	v.SetDefault("pool.eviction_interval", cfg.Pool.EvictionInterval)

	v.SetDefault("auth.enabled", cfg.Auth.Enabled)
	v.SetDefault("auth.github_api_url", cfg.Auth.GitHubAPIURL)
	v.SetDefault("auth.max_functions_per_owner", cfg.Auth.MaxFunctionsPerOwner)

	v.SetDefault("watcher.enabled", cfg.Watcher.Enabled)
	v.SetDefault("watcher.dir", cfg.Watcher.Dir)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
}
