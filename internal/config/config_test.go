package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		DBPath:     "/tmp/loom.sqlite",
		ListenAddr: "127.0.0.1:9999",
		Provider: ProviderConfig{
			APIKey: "sk-test",
			Model:  "claude-sonnet-4-20250514",
		},
		Embedder: EmbedderConfig{
			APIKey: "sk-embed",
			Model:  "text-embedding-3-small",
		},
		Context: ContextConfig{BudgetTokens: 8000, TopK: 8},
		Limits:  LimitsConfig{MaxToolDepth: 16, WallClockSeconds: 600, ModelRetries: 2, EmbedRetries: 3},
	}
}

func TestConfig_SaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	want := validConfig()
	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%v, want 0600", info.Mode().Perm())
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Provider.Model != want.Provider.Model {
		t.Fatalf("Provider.Model=%q, want %q", got.Provider.Model, want.Provider.Model)
	}
	if got.Context.BudgetTokens != 8000 || got.Context.TopK != 8 {
		t.Fatalf("Context=%+v, want budget 8000 topK 8", got.Context)
	}
	if got.WallClock() != 600*time.Second {
		t.Fatalf("WallClock=%v, want 10m", got.WallClock())
	}
}

func TestConfig_ValidateRejectsMissingModel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Provider.Model = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate accepted missing provider.model")
	}
}

func TestConfig_ValidateRejectsBadLogLevel(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.LogLevel = "loud"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate accepted log_level=loud")
	}
}

func TestConfig_APIKeyEnvFallback(t *testing.T) {
	cfg := validConfig()
	cfg.Provider.APIKey = ""
	cfg.Embedder.APIKey = ""
	t.Setenv("ANTHROPIC_API_KEY", "sk-env-anthropic")
	t.Setenv("OPENAI_API_KEY", "sk-env-openai")

	if got := cfg.ProviderAPIKey(); got != "sk-env-anthropic" {
		t.Fatalf("ProviderAPIKey=%q, want env fallback", got)
	}
	if got := cfg.EmbedderAPIKey(); got != "sk-env-openai" {
		t.Fatalf("EmbedderAPIKey=%q, want env fallback", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate with env keys: %v", err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	cfg := &Config{}
	if got := cfg.ResolvedListenAddr(); got != "127.0.0.1:8321" {
		t.Fatalf("ResolvedListenAddr=%q", got)
	}
	if got := cfg.ResolvedDBPath(); got == "" {
		t.Fatalf("ResolvedDBPath is empty")
	}
	cfg.DBPath = "custom.sqlite"
	if got := cfg.ResolvedDBPath(); got != "custom.sqlite" {
		t.Fatalf("ResolvedDBPath=%q, want custom.sqlite", got)
	}
}
