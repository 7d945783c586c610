package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	req := require.New(t)
	t.Chdir(t.TempDir())

	cfg := Load()
	req.Equal("8080", cfg.ServerPort)
	req.Equal(StoreJetStream, cfg.StoreBackend)
	req.Equal(2*time.Minute, cfg.WSIdleTimeout)
	req.Equal(30*time.Second, cfg.WSHeartbeatInterval)
	req.Equal(256, cfg.WSSendBuffer)
	req.Equal([]string{"*"}, cfg.AllowedOrigins)
	req.Empty(cfg.JWTKeys)
	req.NoError(cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	req := require.New(t)
	t.Chdir(t.TempDir())
	t.Setenv("STORE_BACKEND", "Badger")
	t.Setenv("BADGER_PATH", "/var/lib/support")
	t.Setenv("WS_IDLE_TIMEOUT", "45s")
	t.Setenv("WS_SEND_BUFFER", "not-a-number")
	t.Setenv("ALLOWED_ORIGINS", "https://app.moy.example, https://agents.moy.example")
	t.Setenv("JWT_KEYS", "k1:alpha, k2:beta, broken")
	t.Setenv("TRACING_ENABLED", "true")

	cfg := Load()
	req.Equal(StoreBadger, cfg.StoreBackend)
	req.Equal("/var/lib/support", cfg.BadgerPath)
	req.Equal(45*time.Second, cfg.WSIdleTimeout)
	req.Equal(256, cfg.WSSendBuffer)
	req.Equal([]string{"https://app.moy.example", "https://agents.moy.example"}, cfg.AllowedOrigins)
	req.Equal(map[string]string{"k1": "alpha", "k2": "beta"}, cfg.JWTKeys)
	req.True(cfg.TracingEnabled)
}

func TestLoad_DotEnv(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	t.Chdir(dir)
	req.NoError(os.WriteFile(filepath.Join(dir, ".env"), []byte("INBOX_PREVIEW_LENGTH=64\nPORT=9090\n"), 0o600))
	t.Setenv("PORT", "7070")
	t.Cleanup(func() { os.Unsetenv("INBOX_PREVIEW_LENGTH") })

	cfg := Load()
	req.Equal(64, cfg.InboxPreviewLength)
	req.Equal("7070", cfg.ServerPort)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Unknown backend", func(c *Config) { c.StoreBackend = "postgres" }},
		{"Badger without path", func(c *Config) { c.StoreBackend = StoreBadger; c.BadgerPath = "" }},
		{"Empty secret", func(c *Config) { c.JWTSecret = "" }},
		{"Zero idle timeout", func(c *Config) { c.WSIdleTimeout = 0 }},
		{"Heartbeat not shorter than idle", func(c *Config) { c.WSHeartbeatInterval = c.WSIdleTimeout }},
		{"Zero send buffer", func(c *Config) { c.WSSendBuffer = 0 }},
		{"Zero rate limit", func(c *Config) { c.RateLimitRequests = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
