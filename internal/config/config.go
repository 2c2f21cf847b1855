// Package config provides configuration loading for scribed.
//
// Configuration precedence, highest first: environment variables, the
// YAML config file, hardcoded defaults.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete scribed configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
	Storage       StorageConfig       `koanf:"storage"`
	Session       SessionConfig       `koanf:"session"`
	Outbox        OutboxConfig        `koanf:"outbox"`
	Watchdog      WatchdogConfig      `koanf:"watchdog"`
	Learning      LearningConfig      `koanf:"learning"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds zap configuration.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
}

// StorageConfig holds the badger store configuration.
type StorageConfig struct {
	// Path is the badger data directory. Ignored when InMemory is set.
	Path       string        `koanf:"path"`
	InMemory   bool          `koanf:"in_memory"`
	SyncWrites bool          `koanf:"sync_writes"`
	GCInterval time.Duration `koanf:"gc_interval"`
}

// SessionConfig tunes session retry and recovery behavior.
type SessionConfig struct {
	RetryCeiling        int           `koanf:"retry_ceiling"`
	SegmentRetryCeiling int           `koanf:"segment_retry_ceiling"`
	RetryBackoff        time.Duration `koanf:"retry_backoff"`
	StallAge            time.Duration `koanf:"stall_age"`
	SessionTTL          time.Duration `koanf:"session_ttl"`
}

// OutboxConfig tunes the audit outbox drain worker and its sink.
type OutboxConfig struct {
	DrainInterval       time.Duration `koanf:"drain_interval"`
	MaxAttempts         int           `koanf:"max_attempts"`
	InitialBackoff      time.Duration `koanf:"initial_backoff"`
	MaxBackoff          time.Duration `koanf:"max_backoff"`
	BackoffMultiplier   float64       `koanf:"backoff_multiplier"`
	RandomizationFactor float64       `koanf:"randomization_factor"`
	DeliveryRate        float64       `koanf:"delivery_rate"`
	BatchLimit          int           `koanf:"batch_limit"`
	ClaimTimeout        time.Duration `koanf:"claim_timeout"`

	// Sink selects the delivery backend: "http", "nats", or "log".
	Sink string `koanf:"sink"`

	// HTTPEndpoint is the sink URL when Sink is "http".
	HTTPEndpoint string `koanf:"http_endpoint"`

	// NATSURL and NATSSubjectPrefix configure the "nats" sink.
	NATSURL           string `koanf:"nats_url"`
	NATSSubjectPrefix string `koanf:"nats_subject_prefix"`
}

// WatchdogConfig tunes the stall watchdog.
type WatchdogConfig struct {
	Interval              time.Duration            `koanf:"interval"`
	DefaultStallThreshold time.Duration            `koanf:"default_stall_threshold"`
	StallThresholds       map[string]time.Duration `koanf:"stall_thresholds"`
}

// LearningConfig tunes the rule lifecycle engine.
type LearningConfig struct {
	// DisableAutoPromote is the global kill switch for automatic
	// lifecycle transitions.
	DisableAutoPromote bool `koanf:"disable_auto_promote"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8480,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: true,
			ServiceName:     "scribed",
		},
		Storage: StorageConfig{
			Path:       "/var/lib/scribed",
			SyncWrites: true,
			GCInterval: 10 * time.Minute,
		},
		Session: SessionConfig{
			RetryCeiling:        5,
			SegmentRetryCeiling: 3,
			RetryBackoff:        30 * time.Second,
			StallAge:            10 * time.Minute,
			SessionTTL:          72 * time.Hour,
		},
		Outbox: OutboxConfig{
			DrainInterval:       5 * time.Second,
			MaxAttempts:         8,
			InitialBackoff:      5 * time.Second,
			MaxBackoff:          30 * time.Minute,
			BackoffMultiplier:   2.0,
			RandomizationFactor: 0.5,
			DeliveryRate:        20,
			BatchLimit:          64,
			ClaimTimeout:        5 * time.Minute,
			Sink:                "log",
			NATSSubjectPrefix:   "scribed.audit",
		},
		Watchdog: WatchdogConfig{
			Interval:              30 * time.Second,
			DefaultStallThreshold: 5 * time.Minute,
			StallThresholds: map[string]time.Duration{
				"recording":            120 * time.Second,
				"uploading_chunks":     180 * time.Second,
				"transcribing_partial": 300 * time.Second,
				"extracting":           300 * time.Second,
				"finalizing":           180 * time.Second,
				"awaiting_budget":      600 * time.Second,
			},
		},
		Learning: LearningConfig{},
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("server.shutdown_timeout must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug/info/warn/error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q is not json or console", c.Logging.Format)
	}

	if !c.Storage.InMemory && c.Storage.Path == "" {
		return errors.New("storage.path is required unless storage.in_memory is set")
	}

	if c.Session.RetryCeiling < 1 {
		return errors.New("session.retry_ceiling must be at least 1")
	}
	if c.Session.SessionTTL <= 0 {
		return errors.New("session.session_ttl must be positive")
	}

	if c.Outbox.MaxAttempts < 1 {
		return errors.New("outbox.max_attempts must be at least 1")
	}
	if c.Outbox.BackoffMultiplier <= 1 {
		return errors.New("outbox.backoff_multiplier must be greater than 1")
	}
	if c.Outbox.MaxBackoff < c.Outbox.InitialBackoff {
		return errors.New("outbox.max_backoff must be at least outbox.initial_backoff")
	}
	if c.Outbox.ClaimTimeout <= 0 {
		return errors.New("outbox.claim_timeout must be positive")
	}
	switch c.Outbox.Sink {
	case "log":
	case "http":
		if c.Outbox.HTTPEndpoint == "" {
			return errors.New("outbox.http_endpoint is required for the http sink")
		}
	case "nats":
		if c.Outbox.NATSURL == "" {
			return errors.New("outbox.nats_url is required for the nats sink")
		}
	default:
		return fmt.Errorf("outbox.sink %q is not one of log/http/nats", c.Outbox.Sink)
	}

	if c.Watchdog.Interval <= 0 {
		return errors.New("watchdog.interval must be positive")
	}
	if c.Watchdog.DefaultStallThreshold <= 0 {
		return errors.New("watchdog.default_stall_threshold must be positive")
	}

	return nil
}
