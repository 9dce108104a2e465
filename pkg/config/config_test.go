package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "http://127.0.0.1:4096", cfg.Agent.BaseURL)
	assert.Equal(t, 8390, cfg.API.Port)
	assert.Equal(t, 30, cfg.Outbox.LeaseSeconds)
	assert.Equal(t, 20, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 1000, cfg.Outbox.BackoffBaseMS)
	assert.Equal(t, 300000, cfg.Outbox.BackoffCeilingMS)
	assert.Equal(t, 6, cfg.Routes.TTLHours)
	assert.Equal(t, "*/15 * * * *", cfg.Outbox.PruneSchedule)
	assert.False(t, cfg.Telegram.Enabled)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Agent.BaseURL, cfg.Agent.BaseURL)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"agent": {"base_url": "http://10.0.0.5:4096", "directories": ["/work/api"]},
		"outbox": {"lease_seconds": 45, "max_attempts": 20, "backoff_base_ms": 1000, "backoff_ceiling_ms": 300000},
		"routes": {"ttl_hours": 12},
		"telegram": {"enabled": true, "token": "123:abc", "operator_chats": {"alice": "555"}}
	}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.5:4096", cfg.Agent.BaseURL)
	assert.Equal(t, []string{"/work/api"}, cfg.Agent.Directories)
	assert.Equal(t, 45, cfg.Outbox.LeaseSeconds)
	assert.Equal(t, 12, cfg.Routes.TTLHours)
	assert.Equal(t, "555", cfg.Telegram.OperatorChats["alice"])
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"agent": {"base_url": "http://from-file:1"}}`), 0o644))
	t.Setenv("VIBESTATION_AGENT_BASE_URL", "http://from-env:2")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:2", cfg.Agent.BaseURL)
}

func TestLoadConfig_MalformedFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"missing agent url", func(c *Config) { c.Agent.BaseURL = "" }, "agent.base_url"},
		{"zero lease", func(c *Config) { c.Outbox.LeaseSeconds = 0 }, "lease_seconds"},
		{"negative attempts", func(c *Config) { c.Outbox.MaxAttempts = -1 }, "max_attempts"},
		{"ceiling below base", func(c *Config) { c.Outbox.BackoffCeilingMS = 10 }, "backoff"},
		{"zero ttl", func(c *Config) { c.Routes.TTLHours = 0 }, "ttl_hours"},
		{"bad cron", func(c *Config) { c.Outbox.PruneSchedule = "not a cron" }, "prune_schedule"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true }, "telegram.token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.errSub)
		})
	}
}

func TestValidate_EmptyScheduleDisablesPruning(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Outbox.PruneSchedule = ""
	assert.NoError(t, cfg.Validate())
}
