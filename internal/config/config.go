// Package config defines the service configuration and its defaults.
package config

import (
	"runtime"
	"time"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config contains process configuration.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// LogFormat is text or json.
	LogFormat string `koanf:"log_format"`

	// Addr configures the HTTP listen address, e.g. ":8080".
	Addr string `koanf:"addr"`

	// StoreDriver selects the backend: memory, sqlite, postgres or redis.
	StoreDriver string `koanf:"store_driver"`

	// StoreDSN is the sqlite file path or the postgres connection string.
	StoreDSN string `koanf:"store_dsn"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisDB       int    `koanf:"redis_db"`

	// StoreTimeoutMS bounds every storage call.
	StoreTimeoutMS int `koanf:"store_timeout_ms"`

	// ScanQueueSize bounds the async ingestion queue.
	ScanQueueSize int `koanf:"queue_size"`

	// WorkerCount sets the number of ingestion workers.
	WorkerCount int `koanf:"worker_count"`

	// DedupeSize caps how many scan ids are remembered for idempotency.
	DedupeSize int `koanf:"dedupe_size"`

	// MaxStandingsLimit caps GET /api/standings?limit.
	MaxStandingsLimit int `koanf:"max_standings_limit"`

	// TraceStdout installs the stdout span exporter.
	TraceStdout bool `koanf:"trace_stdout"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:          "info",
		LogFormat:         "text",
		Addr:              ":9080",
		StoreDriver:       DriverMemory,
		StoreDSN:          "laufevent.db",
		RedisAddr:         "localhost:6379",
		StoreTimeoutMS:    5000,
		ScanQueueSize:     10_000,
		WorkerCount:       runtime.NumCPU() * 2,
		DedupeSize:        100_000,
		MaxStandingsLimit: 100,
	}
}

// StoreTimeout returns StoreTimeoutMS as a duration.
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}
