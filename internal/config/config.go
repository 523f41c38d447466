// Package config loads flowctl settings from defaults, an optional YAML file
// and FLOWCTL_* environment variables, in that order of precedence.
package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/rendis/flowctl/internal/engine"
	"github.com/rendis/flowctl/internal/scheduler"
	"github.com/rendis/flowctl/internal/secrets"
	"github.com/rendis/flowctl/internal/store"
)

// Config is the complete process configuration.
type Config struct {
	SiteID    int64     `koanf:"site_id" validate:"gte=0"`
	Project   string    `koanf:"project" validate:"required"`
	Database  Database  `koanf:"database"`
	Engine    Engine    `koanf:"engine"`
	Scheduler Scheduler `koanf:"scheduler"`
	Secrets   Secrets   `koanf:"secrets"`
	Log       Log       `koanf:"log"`
	Metrics   Metrics   `koanf:"metrics"`
	MCP       MCP       `koanf:"mcp"`
}

// Database selects the store backend.
type Database struct {
	Driver       string `koanf:"driver" validate:"oneof=libsql sqlite postgres postgresql pgx"`
	DSN          string `koanf:"dsn" validate:"required"`
	MaxOpenConns int    `koanf:"max_open_conns" validate:"gte=0"`
}

// Engine tunes the dispatcher.
type Engine struct {
	Workers           int           `koanf:"workers" validate:"min=1"`
	Tick              time.Duration `koanf:"tick" validate:"gt=0"`
	MinPollInterval   time.Duration `koanf:"min_poll_interval" validate:"gt=0"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval" validate:"gt=0"`
	WorkerTTL         time.Duration `koanf:"worker_ttl" validate:"gtfield=HeartbeatInterval"`
	ClaimBatch        int           `koanf:"claim_batch" validate:"gte=0"`
	// BreakerThreshold opens an operator's circuit after that many
	// consecutive retryable failures; zero disables the breaker.
	BreakerThreshold int           `koanf:"breaker_threshold" validate:"gte=0"`
	BreakerCooldown  time.Duration `koanf:"breaker_cooldown" validate:"gte=0"`
}

// Scheduler controls cron sessions.
type Scheduler struct {
	Enabled bool          `koanf:"enabled"`
	Tick    time.Duration `koanf:"tick" validate:"gt=0"`
}

// Secrets holds vault key material. Either MasterKey (base64 of 32 bytes) or
// Passphrase with Salt; neither disables secrets.
type Secrets struct {
	MasterKey  string `koanf:"master_key" validate:"omitempty,base64"`
	Passphrase string `koanf:"passphrase" validate:"required_with=Salt"`
	Salt       string `koanf:"salt" validate:"required_with=Passphrase"`
	Iterations int    `koanf:"iterations" validate:"gte=0"`
}

// Log configures the process logger.
type Log struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn warning error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

// Metrics exposes Prometheus collectors over HTTP when Addr is set.
type Metrics struct {
	Addr string `koanf:"addr" validate:"omitempty,hostname_port"`
}

// MCP controls the stdio tool server of `flowctl server`.
type MCP struct {
	Enabled       bool          `koanf:"enabled"`
	WatchInterval time.Duration `koanf:"watch_interval" validate:"gt=0"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		SiteID:  0,
		Project: "default",
		Database: Database{
			Driver: string(store.DialectLibSQL),
			DSN:    "file:flowctl.db",
		},
		Engine: Engine{
			Workers:           engine.DefaultPoolSize,
			Tick:              engine.DefaultTick,
			MinPollInterval:   engine.DefaultMinPollInterval,
			HeartbeatInterval: engine.DefaultHeartbeatInterval,
			WorkerTTL:         engine.DefaultWorkerTTL,
			ClaimBatch:        0,
			BreakerThreshold:  5,
			BreakerCooldown:   30 * time.Second,
		},
		Scheduler: Scheduler{Enabled: true, Tick: scheduler.DefaultTick},
		Log:       Log{Level: "info", Format: "text"},
		MCP:       MCP{WatchInterval: 2 * time.Second},
	}
}

// Dialect returns the configured store backend.
func (d Database) Dialect() (store.Dialect, error) {
	return store.ParseDialect(d.Driver)
}

// DispatcherConfig maps the engine section onto the dispatcher settings.
func (e Engine) DispatcherConfig() engine.DispatcherConfig {
	cfg := engine.DispatcherConfig{
		PoolSize:          e.Workers,
		Tick:              e.Tick,
		MinPollInterval:   e.MinPollInterval,
		HeartbeatInterval: e.HeartbeatInterval,
		WorkerTTL:         e.WorkerTTL,
		ClaimBatch:        e.ClaimBatch,
	}
	if e.BreakerThreshold > 0 {
		cfg.CircuitBreaker = &engine.CircuitBreakerConfig{
			FailureThreshold: e.BreakerThreshold,
			Cooldown:         e.BreakerCooldown,
			HalfOpenMax:      1,
		}
	}
	return cfg
}

// VaultConfig decodes the key material.
func (s Secrets) VaultConfig() (secrets.VaultConfig, error) {
	cfg := secrets.VaultConfig{
		Passphrase: s.Passphrase,
		Salt:       []byte(s.Salt),
		Iterations: s.Iterations,
	}
	if s.MasterKey != "" {
		key, err := base64.StdEncoding.DecodeString(s.MasterKey)
		if err != nil {
			return cfg, fmt.Errorf("decode secrets.master_key: %w", err)
		}
		cfg.MasterKey = key
	}
	return cfg, nil
}
