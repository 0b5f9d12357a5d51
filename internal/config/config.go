// Package config loads the daemon's typed configuration from config.yaml,
// with environment-variable overrides and sane defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the daemon configuration.
type Config struct {
	// PollInterval is a poll interval in seconds. It is validated and saved,
	// but the daemon does not apply it: the scheduler reconciles tasks every
	// scheduler.DefaultReconcileInterval.
	PollInterval int `mapstructure:"poll_interval" yaml:"poll_interval"`

	// AgentCommand is the command to run for agents (default: claude).
	AgentCommand string `mapstructure:"agent_command" yaml:"agent_command"`

	// AgentArgs are the arguments to pass to the agent command (default: ["-p"]).
	AgentArgs []string `mapstructure:"agent_args" yaml:"agent_args"`

	// MaxConcurrentAgents is the maximum number of concurrent agents.
	MaxConcurrentAgents int `mapstructure:"max_concurrency" yaml:"max_concurrency"`

	// LogLevel is the logging level (debug, info, warn, error).
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// ClaimTimeoutSeconds is how long a task may sit claimed-but-idle before
	// the scheduler's stale-claim sweep reclaims it.
	ClaimTimeoutSeconds int `mapstructure:"claim_timeout" yaml:"claim_timeout"`

	// RetentionDays is how long soft-deleted tasks are kept before the
	// retention sweep purges them permanently.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days"`

	// SoftDeleteDays is how long a closed task sits before the retention
	// sweep soft-deletes it.
	SoftDeleteDays int `mapstructure:"soft_delete_days" yaml:"soft_delete_days"`

	// AgentProvider selects the agent runner implementation: "exec" (default,
	// shells out to AgentCommand) or "anthropic" (calls the Anthropic API
	// directly via internal/agent/anthropicrunner).
	AgentProvider string `mapstructure:"agent_provider" yaml:"agent_provider"`

	// AnthropicAPIKeyEnv is the environment variable read for the API key
	// when AgentProvider is "anthropic".
	AnthropicAPIKeyEnv string `mapstructure:"anthropic_api_key_env" yaml:"anthropic_api_key_env"`

	// AnthropicModel is the model ID requested when AgentProvider is
	// "anthropic". Empty uses anthropicrunner.DefaultModel.
	AnthropicModel string `mapstructure:"anthropic_model" yaml:"anthropic_model"`

	// AnthropicMaxTokens caps response length when AgentProvider is
	// "anthropic". Zero uses anthropicrunner.DefaultMaxTokens.
	AnthropicMaxTokens int64 `mapstructure:"anthropic_max_tokens" yaml:"anthropic_max_tokens"`
}

// ClaimTimeout returns ClaimTimeoutSeconds as a time.Duration.
func (c *Config) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutSeconds) * time.Second
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:        1,
		AgentCommand:        "claude",
		AgentArgs:           []string{"-p"},
		MaxConcurrentAgents: 3,
		LogLevel:            "info",
		ClaimTimeoutSeconds: 300,
		RetentionDays:       30,
		SoftDeleteDays:      7,
		AgentProvider:       "exec",
		AnthropicAPIKeyEnv:  "ANTHROPIC_API_KEY",
	}
}

func configViper(covenDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(covenDir)

	def := DefaultConfig()
	v.SetDefault("poll_interval", def.PollInterval)
	v.SetDefault("agent_command", def.AgentCommand)
	v.SetDefault("agent_args", def.AgentArgs)
	v.SetDefault("max_concurrency", def.MaxConcurrentAgents)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("claim_timeout", def.ClaimTimeoutSeconds)
	v.SetDefault("retention_days", def.RetentionDays)
	v.SetDefault("soft_delete_days", def.SoftDeleteDays)
	v.SetDefault("agent_provider", def.AgentProvider)
	v.SetDefault("anthropic_api_key_env", def.AnthropicAPIKeyEnv)
	v.SetDefault("anthropic_model", def.AnthropicModel)
	v.SetDefault("anthropic_max_tokens", def.AnthropicMaxTokens)

	v.SetEnvPrefix("COVEND")
	v.AutomaticEnv()

	return v
}

// Load loads configuration from .coven/config.yaml, falling back to
// .coven/config.json for workspaces written by an older version of the
// daemon, or returns defaults if neither exists.
func Load(covenDir string) (*Config, error) {
	v := configViper(covenDir)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		legacy, legacyErr := loadLegacyJSON(covenDir)
		if legacyErr != nil {
			return nil, legacyErr
		}
		if legacy != nil {
			return legacy, nil
		}
		return DefaultConfig(), nil
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// loadLegacyJSON reads a pre-existing .coven/config.json from a workspace
// last run by an older, JSON-configured build of the daemon. Returns
// (nil, nil) if no legacy file exists.
func loadLegacyJSON(covenDir string) (*Config, error) {
	legacyPath := filepath.Join(covenDir, "config.json")
	data, err := os.ReadFile(legacyPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read legacy config file: %w", err)
	}

	var legacy struct {
		PollInterval        int      `json:"poll_interval"`
		AgentCommand        string   `json:"agent_command"`
		AgentArgs           []string `json:"agent_args"`
		MaxConcurrentAgents int      `json:"max_concurrent_agents"`
		LogLevel            string   `json:"log_level"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("failed to parse legacy config file: %w", err)
	}

	cfg := DefaultConfig()
	if legacy.PollInterval != 0 {
		cfg.PollInterval = legacy.PollInterval
	}
	if legacy.AgentCommand != "" {
		cfg.AgentCommand = legacy.AgentCommand
	}
	if legacy.AgentArgs != nil {
		cfg.AgentArgs = legacy.AgentArgs
	}
	if legacy.MaxConcurrentAgents != 0 {
		cfg.MaxConcurrentAgents = legacy.MaxConcurrentAgents
	}
	if legacy.LogLevel != "" {
		cfg.LogLevel = legacy.LogLevel
	}
	return cfg, nil
}

// Save writes the configuration to .coven/config.yaml.
func (c *Config) Save(covenDir string) error {
	configPath := filepath.Join(covenDir, "config.yaml")

	v := viper.New()
	v.SetConfigType("yaml")
	v.Set("poll_interval", c.PollInterval)
	v.Set("agent_command", c.AgentCommand)
	v.Set("agent_args", c.AgentArgs)
	v.Set("max_concurrency", c.MaxConcurrentAgents)
	v.Set("log_level", c.LogLevel)
	v.Set("claim_timeout", c.ClaimTimeoutSeconds)
	v.Set("retention_days", c.RetentionDays)
	v.Set("soft_delete_days", c.SoftDeleteDays)
	v.Set("agent_provider", c.AgentProvider)
	v.Set("anthropic_api_key_env", c.AnthropicAPIKeyEnv)
	v.Set("anthropic_model", c.AnthropicModel)
	v.Set("anthropic_max_tokens", c.AnthropicMaxTokens)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.PollInterval < 1 {
		return fmt.Errorf("poll_interval must be at least 1 second")
	}
	if c.MaxConcurrentAgents < 1 {
		return fmt.Errorf("max_concurrency must be at least 1")
	}
	if c.ClaimTimeoutSeconds < 0 {
		return fmt.Errorf("claim_timeout must not be negative")
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("retention_days must not be negative")
	}
	if c.SoftDeleteDays < 0 {
		return fmt.Errorf("soft_delete_days must not be negative")
	}
	switch c.AgentProvider {
	case "", "exec", "anthropic":
	default:
		return fmt.Errorf("agent_provider must be \"exec\" or \"anthropic\", got %q", c.AgentProvider)
	}
	return nil
}
