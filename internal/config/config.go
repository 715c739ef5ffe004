package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ProviderConfig holds per-provider settings for multi-provider LLM support.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"` // custom endpoint (e.g. OpenRouter)
}

// LLMConfig holds configuration for all LLM providers.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai", "openai_compatible".
	Provider string `yaml:"provider"`

	GeminiModel    string `yaml:"gemini_model"`
	AnthropicModel string `yaml:"anthropic_model"`
	OpenAIModel    string `yaml:"openai_model"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"` // provider name for model prefix
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"` // e.g. https://api.openai.com/v1
}

// TodoistConfig configures the remote task store client.
type TodoistConfig struct {
	Token string `yaml:"token"`
	// BaseURL overrides the sync endpoint, mainly for tests.
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	// PruneCompleted drops tasks marked completed from session state
	// after each merge. Off by default: completed tasks stay visible
	// until the next full sync replaces them.
	PruneCompleted bool `yaml:"prune_completed"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// DigestConfig configures the scheduled agenda digest.
type DigestConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression, e.g. "0 8 * * *" for 08:00 daily.
	Schedule string `yaml:"schedule"`
}

// TelemetryConfig configures the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "otlp-http", "stdout", "none"
	Endpoint string `yaml:"endpoint"` // OTLP collector endpoint
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel           string `yaml:"log_level"`
	TurnTimeoutSeconds int    `yaml:"turn_timeout_seconds"`
	// HistoryLimit caps how many prior messages are sent to the LLM per turn.
	HistoryLimit int `yaml:"history_limit"`

	LLM     LLMConfig     `yaml:"llm"`
	Todoist TodoistConfig `yaml:"todoist"`

	// Providers holds per-provider configuration (API keys, custom endpoints).
	Providers map[string]ProviderConfig `yaml:"providers"`

	Channels  ChannelsConfig  `yaml:"channels"`
	Digest    DigestConfig    `yaml:"digest"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// COACH holds the coaching persona loaded from COACH.md.
	COACH string `yaml:"-"`

	NeedsGenesis bool `yaml:"-"`
}

// LLMProviderAPIKey returns the API key for the specified LLM provider.
// Env vars take precedence: GEMINI_API_KEY, ANTHROPIC_API_KEY, OPENAI_API_KEY.
func (c Config) LLMProviderAPIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GEMINI_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
		"openrouter": "OPENROUTER_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok && p.APIKey != "" {
			return p.APIKey
		}
	}
	return ""
}

// ResolveLLMConfig returns the effective provider, model, and API key.
func (c Config) ResolveLLMConfig() (provider, model, apiKey string) {
	provider = c.LLM.Provider
	if provider == "" {
		provider = "google"
	}

	switch provider {
	case "anthropic":
		model = c.LLM.AnthropicModel
	case "openai", "openai_compatible", "openrouter":
		model = c.LLM.OpenAIModel
	case "google":
		model = c.LLM.GeminiModel
	}

	apiKey = c.LLMProviderAPIKey(provider)
	return provider, model, apiKey
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which configuration a process is running.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	provider, model, _ := c.ResolveLLMConfig()
	fmt.Fprintf(h, "log=%s|timeout=%d|history=%d|provider=%s|model=%s|prune=%t|digest=%s",
		c.LogLevel, c.TurnTimeoutSeconds, c.HistoryLimit, provider, model,
		c.Todoist.PruneCompleted, c.Digest.Schedule)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel:           "info",
		TurnTimeoutSeconds: int((2 * time.Minute).Seconds()),
		HistoryLimit:       40,
		Todoist: TodoistConfig{
			TimeoutSeconds: 30,
		},
		Digest: DigestConfig{
			Schedule: "0 8 * * *",
		},
		Telemetry: TelemetryConfig{
			Exporter: "none",
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKCOACH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskcoach")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskcoach home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	loadTextFiles(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.TurnTimeoutSeconds <= 0 {
		cfg.TurnTimeoutSeconds = int((2 * time.Minute).Seconds())
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 40
	}
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	// Normalize legacy provider name.
	if cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.GeminiModel == "" {
		cfg.LLM.GeminiModel = "gemini-2.5-flash"
	}
	if cfg.Todoist.TimeoutSeconds <= 0 {
		cfg.Todoist.TimeoutSeconds = 30
	}
	if strings.TrimSpace(cfg.Digest.Schedule) == "" {
		cfg.Digest.Schedule = "0 8 * * *"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKCOACH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKCOACH_TURN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TurnTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKCOACH_HISTORY_LIMIT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HistoryLimit = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("TODOIST_API_TOKEN"); raw != "" {
		cfg.Todoist.Token = raw
	}
	if raw := os.Getenv("TODOIST_BASE_URL"); raw != "" {
		cfg.Todoist.BaseURL = raw
	}
	if raw := os.Getenv("GEMINI_MODEL"); raw != "" {
		cfg.LLM.GeminiModel = raw
	}
}

func loadTextFiles(cfg *Config) {
	coachPath := filepath.Join(cfg.HomeDir, "COACH.md")
	if b, err := os.ReadFile(coachPath); err == nil {
		cfg.COACH = string(b)
	}
}
