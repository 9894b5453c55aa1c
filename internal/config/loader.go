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
const DefaultConfigFile = "ccmulti.yaml"

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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
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
	setString(&cfg.Server.Port, "CCMULTI_PORT")
	setString(&cfg.Server.CORSOrigin, "CCMULTI_CORS_ORIGIN")
	setDuration(&cfg.Server.ShutdownTimeout, "CCMULTI_SHUTDOWN_TIMEOUT")

	setString(&cfg.Sessions.Dir, "CCMULTI_SESSIONS_DIR")
	setInt(&cfg.Sessions.MaxSessions, "CCMULTI_MAX_SESSIONS")
	setInt(&cfg.Sessions.BufferCap, "CCMULTI_BUFFER_CAP")
	setDuration(&cfg.Sessions.IdleTimeout, "CCMULTI_IDLE_TIMEOUT")
	setDuration(&cfg.Sessions.SweepInterval, "CCMULTI_SWEEP_INTERVAL")
	setString(&cfg.Sessions.Command, "CCMULTI_COMMAND")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CCMULTI_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CCMULTI_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CCMULTI_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CCMULTI_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CCMULTI_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setInt64(&cfg.Cache.MaxSizeMB, "CCMULTI_CACHE_SIZE_MB")

	setString(&cfg.Logging.Level, "CCMULTI_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CCMULTI_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CCMULTI_LOG_ASYNC")

	setString(&cfg.Otel.Endpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setBool(&cfg.Otel.Insecure, "CCMULTI_OTEL_INSECURE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Sessions.Dir == "" {
		return errors.New("sessions.dir is required")
	}
	if cfg.Sessions.Command == "" {
		return errors.New("sessions.command is required")
	}
	if cfg.Sessions.MaxSessions < 1 {
		return errors.New("sessions.max_sessions must be >= 1")
	}
	if cfg.Sessions.BufferCap < 1 {
		return errors.New("sessions.buffer_cap must be >= 1")
	}
	if cfg.Sessions.IdleTimeout <= 0 {
		return errors.New("sessions.idle_timeout must be positive")
	}
	if cfg.Sessions.SweepInterval <= 0 {
		return errors.New("sessions.sweep_interval must be positive")
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
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
