package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config drives the demo assistant wiring.
	Config struct {
		Model   ModelConfig   `yaml:"model"`
		Session SessionConfig `yaml:"session"`
		Stream  StreamConfig  `yaml:"stream"`
		// MaxSteps bounds the model/tool loop per run. Zero uses the
		// executor default.
		MaxSteps int `yaml:"max_steps"`
		// SystemPrompt seeds the assistant persona.
		SystemPrompt string `yaml:"system_prompt"`
	}

	// ModelConfig selects and configures the provider client.
	ModelConfig struct {
		// Provider is openai, anthropic or script (offline demo).
		Provider string `yaml:"provider"`
		// Name is the provider model identifier.
		Name string `yaml:"name"`
		// APIKeyEnv names the environment variable holding the key.
		APIKeyEnv string `yaml:"api_key_env"`
		// TokensPerMinute enables the adaptive rate limiter when set.
		TokensPerMinute float64 `yaml:"tokens_per_minute"`
	}

	// SessionConfig selects the transcript store.
	SessionConfig struct {
		// Backend is inmem or mongo.
		Backend string `yaml:"backend"`
		// URI is the MongoDB connection string.
		URI string `yaml:"uri"`
		// Database is the MongoDB database name.
		Database string `yaml:"database"`
		// Timeout bounds store operations.
		Timeout time.Duration `yaml:"timeout"`
	}

	// StreamConfig optionally mirrors run events to Pulse.
	StreamConfig struct {
		// RedisAddr enables the Pulse sink when set.
		RedisAddr string `yaml:"redis_addr"`
		// StreamMaxLen bounds entries per run stream.
		StreamMaxLen int `yaml:"stream_max_len"`
	}
)

// LoadConfig reads and validates the YAML config at path. A missing path
// yields the offline defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{
		Model:        ModelConfig{Provider: "script"},
		Session:      SessionConfig{Backend: "inmem"},
		SystemPrompt: "You are a concise assistant.",
	}
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	switch cfg.Model.Provider {
	case "openai", "anthropic", "script":
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Model.Provider)
	}
	switch cfg.Session.Backend {
	case "inmem":
	case "mongo":
		if cfg.Session.URI == "" {
			return nil, fmt.Errorf("session backend mongo requires a uri")
		}
		if cfg.Session.Database == "" {
			return nil, fmt.Errorf("session backend mongo requires a database")
		}
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Session.Backend)
	}
	return cfg, nil
}

func (m ModelConfig) apiKey() (string, error) {
	if m.APIKeyEnv == "" {
		return "", fmt.Errorf("model provider %s requires api_key_env", m.Provider)
	}
	key := os.Getenv(m.APIKeyEnv)
	if key == "" {
		return "", fmt.Errorf("environment variable %s is empty", m.APIKeyEnv)
	}
	return key, nil
}
