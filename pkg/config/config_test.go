package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 50
	cfg.RateLimiting.WebSocket.Burst = 100
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Second, cfg.Signal.HandshakeTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Client.RetryInterval)
	assert.Equal(t, time.Second, cfg.Client.SweepInterval)
	assert.Equal(t, "chat", cfg.Client.DataChannelLabel)
	assert.Equal(t, "memory", cfg.Storage.Driver)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	// Zero out rate limiting values to ensure they are ignored when disabled.
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 0
	cfg.RateLimiting.WebSocket.Burst = 0

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected config to be valid when rate limiting disabled, got error: %v", err)
	}
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"ws connections per minute must be > 0", func(c *Config) { c.RateLimiting.WebSocket.ConnectionsPerMinute = 0 }},
		{"ws messages per second must be > 0", func(c *Config) { c.RateLimiting.WebSocket.MessagesPerSecond = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"handshake timeout must be > 0", func(c *Config) { c.Signal.HandshakeTimeout = 0 }},
		{"pong timeout must exceed ping interval", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"retry interval must be > 0", func(c *Config) { c.Client.RetryInterval = 0 }},
		{"data channel label required", func(c *Config) { c.Client.DataChannelLabel = "" }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "postgres" }},
		{"sqlite path required", func(c *Config) { c.Storage.Driver = "sqlite"; c.Storage.SQLitePath = "" }},
		{"redis address required", func(c *Config) { c.Storage.Driver = "redis"; c.Redis.Address = "" }},
		{"port range order", func(c *Config) { c.WebRTC.PortRange.Min = 5000; c.WebRTC.PortRange.Max = 4000 }},
		{"tracing sample rate", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SampleRate = 2 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error for case %q, got nil", tc.name)
			}
		})
	}
}

func TestLoad_UsesDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load("non-existent-config.yaml")
	assert.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "/ws", cfg.Signal.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_LoadsFromYAMLAndAppliesEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
server:
  address: ":9000"
  read_timeout: 10s

signal:
  handshake_timeout: 3s
  reconnect_query_timeout: 2s

client:
  server_url: "ws://rendezvous.local:9000/ws"
  username: "alice"
  retry_interval: 250ms

storage:
  driver: sqlite
  sqlite_path: /tmp/peerlink-test.db

logging:
  level: debug
`)

	t.Setenv("PEERLINK_USERNAME", "bob")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 3*time.Second, cfg.Signal.HandshakeTimeout)
	assert.Equal(t, "ws://rendezvous.local:9000/ws", cfg.Client.ServerURL)
	assert.Equal(t, "bob", cfg.Client.Username)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.RetryInterval)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_RejectsInvalidFile(t *testing.T) {
	path := writeTempConfig(t, `
storage:
  driver: floppy
`)
	_, err := Load(path)
	assert.Error(t, err)
}
