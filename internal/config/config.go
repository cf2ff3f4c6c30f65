package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the on-disk configuration for the taskcore worker binary.
type Config struct {
	// StorePath is the SQLite file backing the Store Adapter (C1).
	StorePath string `json:"store_path"`

	// DefaultModelID is used for any task that doesn't set its own model_id.
	DefaultModelID string `json:"default_model_id"`
	// SummarizerModelID overrides the model used for turn summaries; empty
	// falls back to a task's own model_id.
	SummarizerModelID string `json:"summarizer_model_id,omitempty"`
	// ModelAliases maps short configured names to full provider model ids.
	ModelAliases map[string]string `json:"model_aliases,omitempty"`

	// Provider selects the LLM binding: "bedrock" or "direct".
	Provider string `json:"provider"`
	// BedrockRegion/BedrockProfile are used when Provider == "bedrock".
	BedrockRegion  string `json:"bedrock_region,omitempty"`
	BedrockProfile string `json:"bedrock_profile,omitempty"`
	// DirectAPIKeyEnv names the environment variable holding the API key
	// when Provider == "direct".
	DirectAPIKeyEnv string `json:"direct_api_key_env,omitempty"`

	// MaxIterations is the default per-task iteration budget.
	MaxIterations int `json:"max_iterations"`
	// IterationWarningThreshold is the remaining-iterations count at which
	// the dynamic system prompt starts warning the model to wrap up.
	IterationWarningThreshold int `json:"iteration_warning_threshold"`

	// BashTimeout bounds the bash tool's command execution.
	BashTimeout time.Duration `json:"bash_timeout"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

// Validate checks the fields Load/Save and the worker entrypoint depend on.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.StorePath) == "" {
		return errors.New("missing store_path")
	}
	if strings.TrimSpace(c.DefaultModelID) == "" {
		return errors.New("missing default_model_id")
	}
	switch c.Provider {
	case "bedrock":
		if strings.TrimSpace(c.BedrockRegion) == "" {
			return errors.New("bedrock provider requires bedrock_region")
		}
	case "direct":
		if strings.TrimSpace(c.DirectAPIKeyEnv) == "" {
			return errors.New("direct provider requires direct_api_key_env")
		}
	default:
		return fmt.Errorf("unknown provider %q (want bedrock|direct)", c.Provider)
	}
	if c.MaxIterations <= 0 {
		return errors.New("max_iterations must be positive")
	}
	if c.IterationWarningThreshold < 0 || c.IterationWarningThreshold > c.MaxIterations {
		return errors.New("iteration_warning_threshold must be between 0 and max_iterations")
	}
	if c.BashTimeout <= 0 {
		return errors.New("bash_timeout must be positive")
	}
	return nil
}

// ResolveModel expands a configured alias to its full provider model id,
// returning modelID unchanged when no alias matches.
func (c *Config) ResolveModel(modelID string) string {
	if full, ok := c.ModelAliases[modelID]; ok {
		return full
	}
	return modelID
}

// DefaultConfigPath returns the default config path:
//
//	~/.taskcore/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "taskcore.config.json"
	}
	return filepath.Join(home, ".taskcore", "config.json")
}

// Default returns a Config with the teacher's convention of sane, explicit
// defaults for every tunable the spec names.
func Default() *Config {
	return &Config{
		StorePath:                 filepath.Join(filepath.Dir(DefaultConfigPath()), "taskcore.db"),
		DefaultModelID:            "claude-sonnet-4",
		Provider:                  "bedrock",
		BedrockRegion:             "us-east-1",
		MaxIterations:             250,
		IterationWarningThreshold: 20,
		BashTimeout:               2 * time.Minute,
		LogFormat:                 "json",
		LogLevel:                  "info",
	}
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
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

	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
