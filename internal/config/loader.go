package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "crankshaft.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CRANKSHAFT_PORT")
	setString(&cfg.Server.CORSOrigin, "CRANKSHAFT_CORS_ORIGIN")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CRANKSHAFT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CRANKSHAFT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CRANKSHAFT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CRANKSHAFT_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CRANKSHAFT_PG_HEALTH_CHECK")
	setInt(&cfg.Postgres.MergeRetries, "CRANKSHAFT_PG_MERGE_RETRIES")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Logging.Level, "CRANKSHAFT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CRANKSHAFT_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CRANKSHAFT_LOG_ASYNC")
	setInt(&cfg.Logging.BufferSize, "CRANKSHAFT_LOG_BUFFER_SIZE")
	setInt(&cfg.Logging.Workers, "CRANKSHAFT_LOG_WORKERS")

	setInt64(&cfg.Cache.MaxSizeMB, "CRANKSHAFT_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "CRANKSHAFT_CACHE_TTL")

	setInt(&cfg.Breaker.MaxFailures, "CRANKSHAFT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CRANKSHAFT_BREAKER_TIMEOUT")

	setInt(&cfg.Scheduler.Slots, "CRANKSHAFT_SLOTS")
	setDuration(&cfg.Scheduler.PollInterval, "CRANKSHAFT_POLL_INTERVAL")

	setDuration(&cfg.Locks.LeaseDuration, "CRANKSHAFT_LOCK_LEASE")
	setDuration(&cfg.Locks.RenewInterval, "CRANKSHAFT_LOCK_RENEW_INTERVAL")
	setInt(&cfg.Locks.AcquireRetries, "CRANKSHAFT_LOCK_ACQUIRE_RETRIES")
	setDuration(&cfg.Locks.AcquireBackoff, "CRANKSHAFT_LOCK_ACQUIRE_BACKOFF")

	setString(&cfg.Runtime.RunnerCommand, "CRANKSHAFT_RUNNER_COMMAND")
	setDuration(&cfg.Runtime.PhaseTimeout, "CRANKSHAFT_PHASE_TIMEOUT")
	setDuration(&cfg.Runtime.CancelGrace, "CRANKSHAFT_CANCEL_GRACE")
	setString(&cfg.Runtime.WorkspaceRoot, "CRANKSHAFT_WORKSPACE_ROOT")
	setInt64(&cfg.Runtime.MaxWorkspaceOps, "CRANKSHAFT_MAX_WORKSPACE_OPS")

	setString(&cfg.Templates.CustomDir, "CRANKSHAFT_TEMPLATE_DIR")

	setString(&cfg.Telemetry.OTLPEndpoint, "CRANKSHAFT_OTLP_ENDPOINT")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Scheduler.Slots < 1 {
		return errors.New("scheduler.slots must be >= 1")
	}
	if cfg.Locks.LeaseDuration <= 0 {
		return errors.New("locks.lease_duration must be positive")
	}
	if cfg.Locks.RenewInterval >= cfg.Locks.LeaseDuration {
		return errors.New("locks.renew_interval must be shorter than the lease")
	}
	if cfg.Runtime.RunnerCommand == "" {
		return errors.New("runtime.runner_command is required")
	}
	if cfg.Runtime.PhaseTimeout <= 0 {
		return errors.New("runtime.phase_timeout must be positive")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
