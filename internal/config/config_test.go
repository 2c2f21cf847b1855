package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8480, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 5, cfg.Session.RetryCeiling)
	assert.Equal(t, 8, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 30*time.Minute, cfg.Outbox.MaxBackoff)
	assert.Equal(t, "log", cfg.Outbox.Sink)
	assert.Equal(t, 120*time.Second, cfg.Watchdog.StallThresholds["recording"])
	assert.False(t, cfg.Learning.DisableAutoPromote)
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribed.yaml")
	content := `
server:
  port: 9000
logging:
  level: debug
  format: console
storage:
  in_memory: true
outbox:
  sink: nats
  nats_url: nats://localhost:4222
  max_attempts: 4
watchdog:
  stall_thresholds:
    hardening: 180s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, "nats", cfg.Outbox.Sink)
	assert.Equal(t, 4, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 180*time.Second, cfg.Watchdog.StallThresholds["hardening"])

	// Untouched keys keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Outbox.DrainInterval)
	assert.Equal(t, 72*time.Hour, cfg.Session.SessionTTL)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o600))

	t.Setenv("SCRIBED_SERVER_PORT", "9100")
	t.Setenv("SCRIBED_SESSION_RETRY_CEILING", "7")
	t.Setenv("SCRIBED_STORAGE_IN_MEMORY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Session.RetryCeiling)
	assert.True(t, cfg.Storage.InMemory)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8480, cfg.Server.Port)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scribed.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [whoops"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"missing storage path", func(c *Config) { c.Storage.Path = "" }},
		{"zero retry ceiling", func(c *Config) { c.Session.RetryCeiling = 0 }},
		{"zero ttl", func(c *Config) { c.Session.SessionTTL = 0 }},
		{"zero attempts", func(c *Config) { c.Outbox.MaxAttempts = 0 }},
		{"flat multiplier", func(c *Config) { c.Outbox.BackoffMultiplier = 1 }},
		{"inverted backoff", func(c *Config) { c.Outbox.MaxBackoff = time.Second }},
		{"zero claim timeout", func(c *Config) { c.Outbox.ClaimTimeout = 0 }},
		{"http sink without endpoint", func(c *Config) { c.Outbox.Sink = "http" }},
		{"nats sink without url", func(c *Config) { c.Outbox.Sink = "nats" }},
		{"unknown sink", func(c *Config) { c.Outbox.Sink = "carrier_pigeon" }},
		{"zero watchdog interval", func(c *Config) { c.Watchdog.Interval = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			require.NoError(t, cfg.Validate())
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
