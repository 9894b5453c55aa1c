// Package config provides hierarchical configuration loading for ccmulti.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the ccmulti service.
type Config struct {
	Server   Server   `yaml:"server"`
	Sessions Sessions `yaml:"sessions"`
	Postgres Postgres `yaml:"postgres"`
	NATS     NATS     `yaml:"nats"`
	Cache    Cache    `yaml:"cache"`
	Logging  Logging  `yaml:"logging"`
	Otel     Otel     `yaml:"otel"`
}

// Server holds HTTP server configuration.
type Server struct {
	Port            string        `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Sessions holds session manager configuration.
type Sessions struct {
	Dir           string        `yaml:"dir"`            // Durable log file directory
	MaxSessions   int           `yaml:"max_sessions"`   // Cap on concurrently live sessions
	BufferCap     int           `yaml:"buffer_cap"`     // In-memory replay depth per session
	IdleTimeout   time.Duration `yaml:"idle_timeout"`   // Idle sessions past this are swept
	SweepInterval time.Duration `yaml:"sweep_interval"` // Staleness sweep period
	Command       string        `yaml:"command"`        // Claude Code binary
	BaseArgs      []string      `yaml:"base_args"`      // Appended to every spawn
}

// Postgres holds the optional archival store configuration. An empty DSN
// disables the store entirely.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// NATS holds the optional JetStream mirror configuration. An empty URL
// disables the mirror.
type NATS struct {
	URL string `yaml:"url"`
}

// Cache holds the in-process summary cache configuration.
type Cache struct {
	MaxSizeMB int64 `yaml:"max_size_mb"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Otel holds OpenTelemetry export configuration. Disabled unless an
// endpoint is set.
type Otel struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:            "8080",
			CORSOrigin:      "http://localhost:3000",
			ShutdownTimeout: 15 * time.Second,
		},
		Sessions: Sessions{
			Dir:           "./sessions",
			MaxSessions:   16,
			BufferCap:     2048,
			IdleTimeout:   time.Minute,
			SweepInterval: time.Minute,
			Command:       "claude",
		},
		Postgres: Postgres{
			MaxConns:        15,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		Cache: Cache{
			MaxSizeMB: 64,
		},
		Logging: Logging{
			Level:   "info",
			Service: "ccmulti",
		},
		Otel: Otel{
			Insecure: true,
		},
	}
}
