package config

import (
	"fmt"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("configuration validation failed:\n")
	for _, err := range e {
		sb.WriteString("  - ")
		sb.WriteString(err.Error())
		sb.WriteString("\n")
	}
	return sb.String()
}

func Validate(cfg *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateRegistry(&cfg.Registry)...)
	errs = append(errs, validateSandbox(&cfg.Sandbox)...)
	errs = append(errs, validateAdmission(&cfg.Admission)...)
	errs = append(errs, validatePool(&cfg.Pool)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(cfg *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Port < 1 || cfg.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.AdminPort < 1 || cfg.AdminPort > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.admin_port",
			Message: "must be between 1 and 65535",
		})
	}

	if cfg.AdminPort == cfg.Port {
		errs = append(errs, ValidationError{
			Field:   "server.admin_port",
			Message: "must differ from server.port",
		})
	}

	if cfg.BaseDomain == "" {
		errs = append(errs, ValidationError{
			Field:   "server.base_domain",
			Message: "is required for subdomain routing",
		})
	}

	if cfg.ReadTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.WriteTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.MaxBodySize < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_size",
			Message: "must be positive",
		})
	}

	return errs
}

func validateRegistry(cfg *RegistryConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.DataDir == "" {
		errs = append(errs, ValidationError{
			Field:   "registry.data_dir",
			Message: "is required",
		})
	}

	switch cfg.Blobs.Backend {
	case "filesystem":
	case "s3":
		if cfg.Blobs.S3.Region == "" {
			errs = append(errs, ValidationError{
				Field:   "registry.blobs.s3.region",
				Message: "is required for the s3 backend",
			})
		}
		if cfg.Blobs.S3.Bucket == "" {
			errs = append(errs, ValidationError{
				Field:   "registry.blobs.s3.bucket",
				Message: "is required for the s3 backend",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "registry.blobs.backend",
			Message: fmt.Sprintf("unknown backend %q (expected filesystem or s3)", cfg.Blobs.Backend),
		})
	}

	switch cfg.Blobs.Compression {
	case "", "gzip", "zstd":
	default:
		errs = append(errs, ValidationError{
			Field:   "registry.blobs.compression",
			Message: fmt.Sprintf("unknown compression %q (expected gzip or zstd)", cfg.Blobs.Compression),
		})
	}

	if cfg.RouteRefresh <= 0 {
		errs = append(errs, ValidationError{
			Field:   "registry.route_refresh",
			Message: "must be positive",
		})
	}

	return errs
}

func validateSandbox(cfg *SandboxConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.Deadline <= 0 {
		errs = append(errs, ValidationError{
			Field:   "sandbox.deadline",
			Message: "must be positive",
		})
	}

	if cfg.MemoryLimitMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "sandbox.memory_limit_mb",
			Message: "must be at least 1",
		})
	}

	return errs
}

func validateAdmission(cfg *AdmissionConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.GlobalLimit < 1 {
		errs = append(errs, ValidationError{
			Field:   "admission.global_limit",
			Message: "must be at least 1",
		})
	}

	if cfg.FunctionLimit < 1 {
		errs = append(errs, ValidationError{
			Field:   "admission.function_limit",
			Message: "must be at least 1",
		})
	}

	if cfg.FunctionLimit > cfg.GlobalLimit {
		errs = append(errs, ValidationError{
			Field:   "admission.function_limit",
			Message: "must not exceed admission.global_limit",
		})
	}

	if cfg.WaitTimeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "admission.wait_timeout",
			Message: "must be non-negative",
		})
	}

	if cfg.QueueDepth < 0 {
		errs = append(errs, ValidationError{
			Field:   "admission.queue_depth",
			Message: "must be non-negative",
		})
	}

	return errs
}

func validatePool(cfg *PoolConfig) ValidationErrors {
	var errs ValidationErrors

	if cfg.MaxIdle < 0 {
		errs = append(errs, ValidationError{
			Field:   "pool.max_idle",
			Message: "must be non-negative",
		})
	}

	if cfg.EvictionInterval <= 0 {
		errs = append(errs, ValidationError{
			Field:   "pool.eviction_interval",
			Message: "must be positive",
		})
	}

	return errs
}

func validateLogging(cfg *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("unknown level %q", cfg.Level),
		})
	}

	switch cfg.Format {
	case "json", "console":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("unknown format %q", cfg.Format),
		})
	}

	return errs
}
