package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	t.Setenv("TASKCOACH_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be true without config.yaml")
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.LLM.Provider != "google" {
		t.Fatalf("provider = %q, want google", cfg.LLM.Provider)
	}
	if cfg.Todoist.TimeoutSeconds != 30 {
		t.Fatalf("todoist timeout = %d, want 30", cfg.Todoist.TimeoutSeconds)
	}
	if cfg.Todoist.PruneCompleted {
		t.Fatal("prune_completed should default to false")
	}
	if cfg.Digest.Schedule != "0 8 * * *" {
		t.Fatalf("digest schedule = %q", cfg.Digest.Schedule)
	}
}

func TestLoad_ParsesYAMLAndNormalizes(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKCOACH_HOME", home)

	yaml := `
log_level: debug
history_limit: 12
llm:
  provider: gemini
todoist:
  token: td-token
  prune_completed: true
channels:
  telegram:
    token: 12345678:telegram-secret
    allowed_ids: [42]
    enabled: true
`
	if err := os.WriteFile(ConfigPath(home), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.NeedsGenesis {
		t.Fatal("NeedsGenesis should be false with config.yaml present")
	}
	if cfg.LogLevel != "debug" || cfg.HistoryLimit != 12 {
		t.Fatalf("cfg = %+v", cfg)
	}
	// Legacy provider name normalizes to google.
	if cfg.LLM.Provider != "google" {
		t.Fatalf("provider = %q, want google", cfg.LLM.Provider)
	}
	if !cfg.Todoist.PruneCompleted || cfg.Todoist.Token != "td-token" {
		t.Fatalf("todoist = %+v", cfg.Todoist)
	}
	if !cfg.Channels.Telegram.Enabled || len(cfg.Channels.Telegram.AllowedIDs) != 1 {
		t.Fatalf("telegram = %+v", cfg.Channels.Telegram)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TASKCOACH_HOME", t.TempDir())
	t.Setenv("TELEGRAM_TOKEN", "env-telegram")
	t.Setenv("TODOIST_API_TOKEN", "env-todoist")
	t.Setenv("TASKCOACH_LOG_LEVEL", "warn")
	t.Setenv("TASKCOACH_HISTORY_LIMIT", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Channels.Telegram.Token != "env-telegram" {
		t.Fatalf("telegram token = %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Todoist.Token != "env-todoist" {
		t.Fatalf("todoist token = %q", cfg.Todoist.Token)
	}
	if cfg.LogLevel != "warn" || cfg.HistoryLimit != 7 {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoad_ReadsCoachPersona(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKCOACH_HOME", home)

	persona := "You are Alex, a no-nonsense coach."
	if err := os.WriteFile(filepath.Join(home, "COACH.md"), []byte(persona), 0o644); err != nil {
		t.Fatalf("write COACH.md: %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.COACH != persona {
		t.Fatalf("COACH = %q", cfg.COACH)
	}
}

func TestResolveLLMConfig(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-anthropic")

	cfg := Config{
		LLM: LLMConfig{Provider: "anthropic", AnthropicModel: "claude-sonnet-4-5"},
	}
	provider, model, apiKey := cfg.ResolveLLMConfig()
	if provider != "anthropic" || model != "claude-sonnet-4-5" {
		t.Fatalf("provider=%q model=%q", provider, model)
	}
	if apiKey != "env-anthropic" {
		t.Fatalf("apiKey = %q, want env override", apiKey)
	}
}

func TestLLMProviderAPIKey_ConfigFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	cfg := Config{
		Providers: map[string]ProviderConfig{
			"openai": {APIKey: "cfg-openai"},
		},
	}
	if got := cfg.LLMProviderAPIKey("openai"); got != "cfg-openai" {
		t.Fatalf("apiKey = %q", got)
	}
	if got := cfg.LLMProviderAPIKey("anthropic"); got != "" {
		t.Fatalf("apiKey = %q, want empty", got)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	a := Config{LogLevel: "info", HistoryLimit: 40}
	b := Config{LogLevel: "info", HistoryLimit: 40}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs produced different fingerprints")
	}
	b.HistoryLimit = 41
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different configs produced identical fingerprints")
	}
}
