package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultModel             = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens         = 4096
	DefaultMaxToolIterations = 5
	DefaultBufSize           = 100
	DefaultPollInterval      = "3m"
	DefaultCommandRetention  = "168h"
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Channels ChannelsConfig `json:"channels"`
	Tasks    TasksConfig    `json:"tasks"`
	Queue    QueueConfig    `json:"queue"`
}

type AgentConfig struct {
	Workspace         string `json:"workspace"`
	Model             string `json:"model"`
	MaxTokens         int    `json:"maxTokens"`
	MaxToolIterations int    `json:"maxToolIterations"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty"`
}

type TasksConfig struct {
	ListID       string `json:"listId,omitempty"`
	PollInterval string `json:"pollInterval"`
	ClientPath   string `json:"clientPath"`
	TokenPath    string `json:"tokenPath"`
}

type QueueConfig struct {
	DBPath string `json:"dbPath"`
	// RetainCompleted is how long completed commands are kept before the
	// maintenance job purges them.
	RetainCompleted string `json:"retainCompleted"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:         filepath.Join(dir, "workspace"),
			Model:             DefaultModel,
			MaxTokens:         DefaultMaxTokens,
			MaxToolIterations: DefaultMaxToolIterations,
		},
		Provider: ProviderConfig{},
		Channels: ChannelsConfig{},
		Tasks: TasksConfig{
			PollInterval: DefaultPollInterval,
			ClientPath:   filepath.Join(dir, "google-client.json"),
			TokenPath:    filepath.Join(dir, "google-token.json"),
		},
		Queue: QueueConfig{
			DBPath:          filepath.Join(dir, "data", "queue.db"),
			RetainCompleted: DefaultCommandRetention,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".donna")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("DONNA_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("DONNA_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if token := os.Getenv("DONNA_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if listID := os.Getenv("DONNA_TASK_LIST_ID"); listID != "" {
		cfg.Tasks.ListID = listID
	}
	if interval := os.Getenv("DONNA_POLL_INTERVAL"); interval != "" {
		cfg.Tasks.PollInterval = interval
	}
	if path := os.Getenv("DONNA_QUEUE_DB_PATH"); path != "" {
		cfg.Queue.DBPath = path
	}
	if path := os.Getenv("DONNA_GOOGLE_CLIENT_PATH"); path != "" {
		cfg.Tasks.ClientPath = path
	}
	if path := os.Getenv("DONNA_GOOGLE_TOKEN_PATH"); path != "" {
		cfg.Tasks.TokenPath = path
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Tasks.PollInterval == "" {
		cfg.Tasks.PollInterval = DefaultPollInterval
	}
	if cfg.Queue.RetainCompleted == "" {
		cfg.Queue.RetainCompleted = DefaultCommandRetention
	}

	return cfg, nil
}

// PollIntervalDuration parses the configured poll interval, falling back to the
// default when the value does not parse or is not positive.
func (t TasksConfig) PollIntervalDuration() time.Duration {
	d, err := time.ParseDuration(t.PollInterval)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultPollInterval)
	}
	return d
}

// RetainCompletedDuration parses the completed-command retention window,
// falling back to the default when the value does not parse.
func (q QueueConfig) RetainCompletedDuration() time.Duration {
	d, err := time.ParseDuration(q.RetainCompleted)
	if err != nil || d <= 0 {
		d, _ = time.ParseDuration(DefaultCommandRetention)
	}
	return d
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
