package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for loom-agent.
//
// NOTE: This file may contain API keys. Always keep it chmod 0600.
type Config struct {
	// DBPath is the sqlite database file. If empty, a default under the
	// user's home directory is used.
	DBPath string `yaml:"db_path,omitempty"`

	// ListenAddr is the HTTP listen address, e.g. "127.0.0.1:8321".
	ListenAddr string `yaml:"listen_addr,omitempty"`

	Provider ProviderConfig `yaml:"provider"`
	Embedder EmbedderConfig `yaml:"embedder"`
	Context  ContextConfig  `yaml:"context,omitempty"`
	Limits   LimitsConfig   `yaml:"limits,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

// ProviderConfig selects the chat model. APIKey falls back to
// ANTHROPIC_API_KEY when empty.
type ProviderConfig struct {
	APIKey          string `yaml:"api_key,omitempty"`
	BaseURL         string `yaml:"base_url,omitempty"`
	Model           string `yaml:"model"`
	MaxOutputTokens int    `yaml:"max_output_tokens,omitempty"`
}

// EmbedderConfig selects the embedding model. APIKey falls back to
// OPENAI_API_KEY when empty.
type EmbedderConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Model   string `yaml:"model,omitempty"`
}

type ContextConfig struct {
	// BudgetTokens caps the assembled context size per turn.
	BudgetTokens int `yaml:"budget_tokens,omitempty"`
	// TopK is the number of semantic matches added at the lowest tier.
	TopK int `yaml:"top_k,omitempty"`
}

type LimitsConfig struct {
	MaxToolDepth int `yaml:"max_tool_depth,omitempty"`
	// WallClockSeconds bounds processing time per request. Time spent
	// waiting on human approval does not count against it.
	WallClockSeconds int `yaml:"wall_clock_seconds,omitempty"`
	ModelRetries     int `yaml:"model_retries,omitempty"`
	// EmbedRetries bounds embedding batch attempts during indexing.
	EmbedRetries int `yaml:"embed_retries,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.Provider.Model) == "" {
		return errors.New("missing provider.model")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if c.Context.BudgetTokens < 0 || c.Context.TopK < 0 {
		return errors.New("context values must be non-negative")
	}
	if c.Limits.MaxToolDepth < 0 || c.Limits.WallClockSeconds < 0 || c.Limits.ModelRetries < 0 || c.Limits.EmbedRetries < 0 {
		return errors.New("limits must be non-negative")
	}
	return nil
}

// ProviderAPIKey returns the configured key or the ANTHROPIC_API_KEY
// environment variable.
func (c *Config) ProviderAPIKey() string {
	if key := strings.TrimSpace(c.Provider.APIKey); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
}

// EmbedderAPIKey returns the configured key or the OPENAI_API_KEY
// environment variable. Empty means semantic retrieval and indexing are
// disabled.
func (c *Config) EmbedderAPIKey() string {
	if key := strings.TrimSpace(c.Embedder.APIKey); key != "" {
		return key
	}
	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

// ResolvedDBPath returns DBPath or the default location.
func (c *Config) ResolvedDBPath() string {
	if p := strings.TrimSpace(c.DBPath); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "loom-agent.sqlite"
	}
	return filepath.Join(home, ".loom-agent", "loom-agent.sqlite")
}

// ResolvedListenAddr returns ListenAddr or the local default.
func (c *Config) ResolvedListenAddr() string {
	if addr := strings.TrimSpace(c.ListenAddr); addr != "" {
		return addr
	}
	return "127.0.0.1:8321"
}

// WallClock returns the wall-clock budget as a duration, zero meaning "use
// the built-in default".
func (c *Config) WallClock() time.Duration {
	return time.Duration(c.Limits.WallClockSeconds) * time.Second
}

// DefaultConfigPath returns the default config path:
//
//	~/.loom-agent/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "loom-agent.config.yaml"
	}
	return filepath.Join(home, ".loom-agent", "config.yaml")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
