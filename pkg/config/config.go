// Package config loads the vibestation configuration: a JSON file under
// the station home directory with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
)

// AgentConfig points at the coding agent server.
type AgentConfig struct {
	BaseURL     string   `env:"VIBESTATION_AGENT_BASE_URL"    json:"base_url"`
	Token       string   `env:"VIBESTATION_AGENT_TOKEN"       json:"token,omitempty"`
	Directories []string `env:"VIBESTATION_AGENT_DIRECTORIES" json:"directories,omitempty"`
}

// TelegramConfig configures the built-in Telegram delivery worker.
type TelegramConfig struct {
	Enabled       bool              `env:"VIBESTATION_TELEGRAM_ENABLED"    json:"enabled"`
	Token         string            `env:"VIBESTATION_TELEGRAM_TOKEN"      json:"token,omitempty"`
	AllowFrom     []string          `env:"VIBESTATION_TELEGRAM_ALLOW_FROM" json:"allow_from,omitempty"`
	OperatorChats map[string]string `json:"operator_chats,omitempty"` // owner id -> chat id
}

// APIConfig configures the worker-facing HTTP server.
type APIConfig struct {
	Host        string `env:"VIBESTATION_API_HOST"         json:"host"`
	Port        int    `env:"VIBESTATION_API_PORT"         json:"port"`
	WorkerToken string `env:"VIBESTATION_API_WORKER_TOKEN" json:"worker_token,omitempty"`
}

// OutboxConfig configures the persistent outbound queue.
type OutboxConfig struct {
	Path             string `env:"VIBESTATION_OUTBOX_PATH"               json:"path,omitempty"`
	LeaseSeconds     int    `env:"VIBESTATION_OUTBOX_LEASE_SECONDS"      json:"lease_seconds"`
	MaxAttempts      int    `env:"VIBESTATION_OUTBOX_MAX_ATTEMPTS"       json:"max_attempts"`
	BackoffBaseMS    int    `env:"VIBESTATION_OUTBOX_BACKOFF_BASE_MS"    json:"backoff_base_ms"`
	BackoffCeilingMS int    `env:"VIBESTATION_OUTBOX_BACKOFF_CEILING_MS" json:"backoff_ceiling_ms"`
	KeepDelivered    int    `env:"VIBESTATION_OUTBOX_KEEP_DELIVERED"     json:"keep_delivered"`
	DeadMaxAgeHours  int    `env:"VIBESTATION_OUTBOX_DEAD_MAX_AGE_HOURS" json:"dead_max_age_hours"`
	PruneSchedule    string `env:"VIBESTATION_OUTBOX_PRUNE_SCHEDULE"     json:"prune_schedule"`
	ChunkSize        int    `env:"VIBESTATION_OUTBOX_CHUNK_SIZE"         json:"chunk_size"`
}

// RoutesConfig configures the session routing table.
type RoutesConfig struct {
	TTLHours int `env:"VIBESTATION_ROUTES_TTL_HOURS" json:"ttl_hours"`
}

// BusConfig configures the in-memory event bus.
type BusConfig struct {
	History int `env:"VIBESTATION_BUS_HISTORY" json:"history"`
}

// PreviewsConfig configures diff-preview storage and deep links.
type PreviewsConfig struct {
	Path        string `env:"VIBESTATION_PREVIEWS_PATH"         json:"path,omitempty"`
	BaseURL     string `env:"VIBESTATION_PREVIEWS_BASE_URL"     json:"base_url,omitempty"`
	MaxAgeHours int    `env:"VIBESTATION_PREVIEWS_MAX_AGE_HOURS" json:"max_age_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `env:"VIBESTATION_LOG_LEVEL" json:"level"`
	File  string `env:"VIBESTATION_LOG_FILE"  json:"file,omitempty"`
}

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Telegram TelegramConfig `json:"telegram,omitzero"`
	API      APIConfig      `json:"api"`
	Outbox   OutboxConfig   `json:"outbox"`
	Routes   RoutesConfig   `json:"routes"`
	Bus      BusConfig      `json:"bus,omitzero"`
	Previews PreviewsConfig `json:"previews,omitzero"`
	Log      LogConfig      `json:"log,omitzero"`
}

// HomePath returns the station home directory.
func HomePath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vibestation")
}

func DefaultConfig() *Config {
	home := HomePath()
	return &Config{
		Agent: AgentConfig{
			BaseURL: "http://127.0.0.1:4096",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8390,
		},
		Outbox: OutboxConfig{
			Path:             filepath.Join(home, "outbox.json"),
			LeaseSeconds:     30,
			MaxAttempts:      20,
			BackoffBaseMS:    1000,
			BackoffCeilingMS: 300000,
			KeepDelivered:    200,
			DeadMaxAgeHours:  72,
			PruneSchedule:    "*/15 * * * *",
			ChunkSize:        4000,
		},
		Routes: RoutesConfig{TTLHours: 6},
		Bus:    BusConfig{History: 200},
		Previews: PreviewsConfig{
			Path:        filepath.Join(home, "previews.json"),
			BaseURL:     "http://127.0.0.1:8390/preview",
			MaxAgeHours: 24,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig reads the config file, applies environment overrides and
// validates. A missing file yields the defaults; an invalid one is a
// hard error, never silently ignored.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := env.Parse(cfg); err != nil {
				return nil, err
			}
			return cfg, cfg.Validate()
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Validate fails fast on configuration that would break delivery
// invariants at runtime.
func (c *Config) Validate() error {
	if c.Agent.BaseURL == "" {
		return fmt.Errorf("agent.base_url is required")
	}
	if c.Outbox.LeaseSeconds <= 0 {
		return fmt.Errorf("outbox.lease_seconds must be positive, got %d", c.Outbox.LeaseSeconds)
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("outbox.max_attempts must be positive, got %d", c.Outbox.MaxAttempts)
	}
	if c.Outbox.BackoffBaseMS <= 0 || c.Outbox.BackoffCeilingMS < c.Outbox.BackoffBaseMS {
		return fmt.Errorf("outbox backoff bounds invalid: base=%dms ceiling=%dms",
			c.Outbox.BackoffBaseMS, c.Outbox.BackoffCeilingMS)
	}
	if c.Routes.TTLHours <= 0 {
		return fmt.Errorf("routes.ttl_hours must be positive, got %d", c.Routes.TTLHours)
	}
	if c.Outbox.PruneSchedule != "" && !gronx.New().IsValid(c.Outbox.PruneSchedule) {
		return fmt.Errorf("outbox.prune_schedule %q is not a valid cron expression", c.Outbox.PruneSchedule)
	}
	if c.Telegram.Enabled && c.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required when telegram is enabled")
	}
	return nil
}
