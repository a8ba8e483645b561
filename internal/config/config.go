// Package config loads the pith configuration file and derives the
// on-disk layout (workspace, database, env file) from the base directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Config represents the parsed config.yaml
type Config struct {
	Model    ModelConfig    `yaml:"model"`
	Server   ServerConfig   `yaml:"server"`
	Agent    AgentConfig    `yaml:"agent"`
	Telegram TelegramConfig `yaml:"telegram"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ModelConfig struct {
	Provider  string `yaml:"provider"` // "anthropic", "openai", "ollama"
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"` // name of the env var holding the key
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type AgentConfig struct {
	MaxMessages   int    `yaml:"max_messages"`    // history window per turn
	MemoryTopN    int    `yaml:"memory_top_n"`    // memories recalled per turn
	CompactKeep   int    `yaml:"compact_keep"`    // messages kept by compaction
	MaxToolOutput int    `yaml:"max_tool_output"` // chars before truncation
	RemotePrefix  string `yaml:"remote_prefix"`   // prefix for remote tool names
}

type TelegramConfig struct {
	TokenEnv     string  `yaml:"token_env"`
	AllowedUsers []int64 `yaml:"allowed_users"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	ShowCaller bool   `yaml:"show_caller"`
}

// DefaultConfig returns the built-in defaults. Model identity has no
// default: provider and model must come from config.yaml.
func DefaultConfig() *Config {
	return &Config{
		Model: ModelConfig{
			MaxTokens: 8192,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8420,
		},
		Agent: AgentConfig{
			MaxMessages:   20,
			MemoryTopN:    8,
			CompactKeep:   50,
			MaxToolOutput: 8000,
			RemotePrefix:  "mcp",
		},
		Telegram: TelegramConfig{
			TokenEnv: "TELEGRAM_BOT_TOKEN",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads config.yaml from the base directory, loads .env alongside it,
// interpolates ${VAR} references and fills unset fields from defaults.
func Load(baseDir string) (*Config, error) {
	base, err := ExpandHome(baseDir)
	if err != nil {
		return nil, err
	}

	// .env first so interpolation and api_key_env lookups can see it
	if _, err := LoadEnvFile(filepath.Join(base, ".env")); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	path := filepath.Join(base, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes, interpolates and validates a config document.
func Parse(data []byte) (*Config, error) {
	// Decode into a generic tree first so ${VAR} interpolation reaches
	// every string value regardless of nesting.
	var tree map[string]interface{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	interpolateTree(tree)

	expanded, err := yaml.Marshal(tree)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(expanded, cfg); err != nil {
		return nil, err
	}

	if err := mergo.Merge(cfg, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the service cannot run without.
func (c *Config) Validate() error {
	if c.Model.Provider == "" {
		return fmt.Errorf("model.provider is required in config.yaml")
	}
	if c.Model.Model == "" {
		return fmt.Errorf("model.model is required in config.yaml")
	}
	// Local providers authenticate with nothing; everything else needs a key
	if c.Model.APIKeyEnv == "" && c.Model.Provider != "ollama" {
		return fmt.Errorf("model.api_key_env is required in config.yaml")
	}
	return nil
}

// APIKey resolves the configured key env var, empty if unset.
func (c *Config) APIKey() string {
	if c.Model.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Model.APIKeyEnv)
}

// TelegramToken resolves the bot token env var, empty if unset.
// An empty token means the telegram channel stays off.
func (c *Config) TelegramToken() string {
	if c.Telegram.TokenEnv == "" {
		return ""
	}
	return os.Getenv(c.Telegram.TokenEnv)
}

// Interpolate expands ${VAR} references in a single string, leaving
// unknown variables intact so a missing one is visible in the value.
func Interpolate(s string) string {
	return os.Expand(s, lookupVar)
}

// interpolateTree expands ${VAR} references in every string value in place.
func interpolateTree(node interface{}) {
	switch v := node.(type) {
	case map[string]interface{}:
		for key, val := range v {
			if s, ok := val.(string); ok {
				v[key] = Interpolate(s)
			} else {
				interpolateTree(val)
			}
		}
	case []interface{}:
		for i, val := range v {
			if s, ok := val.(string); ok {
				v[i] = Interpolate(s)
			} else {
				interpolateTree(val)
			}
		}
	}
}

// lookupVar resolves env references, leaving unknown ones intact so a
// missing variable is visible in the resulting value.
func lookupVar(name string) string {
	if val, ok := os.LookupEnv(name); ok {
		return val
	}
	return "${" + name + "}"
}

// ExpandHome resolves a leading ~ to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to resolve home directory: %w", err)
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
	}
	return path, nil
}
