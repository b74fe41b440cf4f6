package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Liveness modes for the run lock.
const (
	LivenessProcess   = "process"
	LivenessHeartbeat = "heartbeat"
)

// Config holds all governor configuration.
type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Lock      LockConfig
	Pipeline  PipelineConfig
	Events    EventsConfig
	Health    HealthConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port          string        `envconfig:"PORT" default:"8000"`
	Host          string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"30s"`
	CORSOrigins   []string      `envconfig:"CORS_ORIGINS" default:"*"`
}

// StorageConfig locates the state record, lock record and audit log.
type StorageConfig struct {
	DataDir     string `envconfig:"DATA_DIR" default:"./var/governor"`
	StateFsync  bool   `envconfig:"STATE_FSYNC" default:"true"`
	AuditFsync  bool   `envconfig:"AUDIT_FSYNC" default:"false"`
	AuditLog    string `envconfig:"AUDIT_LOG" default:""`
	FallbackLog string `envconfig:"AUDIT_FALLBACK" default:"stderr"`
}

// LockConfig holds the staleness policy for the run lock.
type LockConfig struct {
	StaleAfter     time.Duration `envconfig:"LOCK_STALE_AFTER" default:"10m"`
	Liveness       string        `envconfig:"LOCK_LIVENESS" default:"process"`
	HeartbeatGrace time.Duration `envconfig:"LOCK_HEARTBEAT_GRACE" default:"2m"`
	RenewInterval  time.Duration `envconfig:"LOCK_RENEW_INTERVAL" default:"15s"`
}

// PipelineConfig points at the stage definition file.
type PipelineConfig struct {
	DefinitionFile string        `envconfig:"PIPELINE_FILE" default:"pipeline.yaml"`
	StageTimeout   time.Duration `envconfig:"STAGE_TIMEOUT" default:"2h"`
}

// EventsConfig holds live feed and audit sink tuning.
type EventsConfig struct {
	Backlog          int           `envconfig:"EVENTS_BACKLOG" default:"200"`
	SubscriberBuffer int           `envconfig:"EVENTS_SUBSCRIBER_BUFFER" default:"64"`
	BreakerFailures  uint32        `envconfig:"AUDIT_BREAKER_FAILURES" default:"5"`
	BreakerCooldown  time.Duration `envconfig:"AUDIT_BREAKER_COOLDOWN" default:"30s"`
}

// HealthConfig holds the orchestrator self-check cadence.
type HealthConfig struct {
	ProbeInterval time.Duration `envconfig:"HEALTH_PROBE_INTERVAL" default:"5s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration for control routes.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"20"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"40"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Validate rejects policy values that would make lock reclaim unsafe.
func (c *Config) Validate() error {
	switch c.Lock.Liveness {
	case LivenessProcess, LivenessHeartbeat:
	default:
		return fmt.Errorf("invalid LOCK_LIVENESS %q: want %q or %q", c.Lock.Liveness, LivenessProcess, LivenessHeartbeat)
	}
	if c.Lock.StaleAfter <= 0 {
		return fmt.Errorf("LOCK_STALE_AFTER must be > 0")
	}
	if c.Lock.RenewInterval <= 0 || c.Lock.RenewInterval >= c.Lock.StaleAfter {
		return fmt.Errorf("LOCK_RENEW_INTERVAL must be > 0 and shorter than LOCK_STALE_AFTER")
	}
	if c.Lock.Liveness == LivenessHeartbeat && c.Lock.HeartbeatGrace <= c.Lock.RenewInterval {
		return fmt.Errorf("LOCK_HEARTBEAT_GRACE must exceed LOCK_RENEW_INTERVAL")
	}
	if c.Events.Backlog < 0 || c.Events.SubscriberBuffer <= 0 {
		return fmt.Errorf("EVENTS_BACKLOG must be >= 0 and EVENTS_SUBSCRIBER_BUFFER > 0")
	}
	return nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8000",
			Host:          "0.0.0.0",
			ShutdownGrace: 30 * time.Second,
			CORSOrigins:   []string{"*"},
		},
		Storage: StorageConfig{
			DataDir:     "./var/governor",
			StateFsync:  true,
			AuditFsync:  false,
			FallbackLog: "stderr",
		},
		Lock: LockConfig{
			StaleAfter:     10 * time.Minute,
			Liveness:       LivenessProcess,
			HeartbeatGrace: 2 * time.Minute,
			RenewInterval:  15 * time.Second,
		},
		Pipeline: PipelineConfig{
			DefinitionFile: "pipeline.yaml",
			StageTimeout:   2 * time.Hour,
		},
		Events: EventsConfig{
			Backlog:          200,
			SubscriberBuffer: 64,
			BreakerFailures:  5,
			BreakerCooldown:  30 * time.Second,
		},
		Health: HealthConfig{
			ProbeInterval: 5 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 20,
			Burst:             40,
			Enabled:           true,
		},
	}
}
