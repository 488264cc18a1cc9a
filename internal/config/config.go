package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models sicalgate.yml, the service configuration. The rate-limit
// policy is deliberately NOT part of this file: it ships as a separate,
// signed artifact (see ratelimit.go in this package).
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Workspace string `yaml:"workspace"`
	Security  struct {
		TokenLifetimeSeconds   int    `yaml:"token_lifetime_seconds"`
		RateLimitConfigPath    string `yaml:"rate_limit_config_path"`
		AuditLogPath           string `yaml:"audit_log_path"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"security"`
	Agent struct {
		URL            string `yaml:"url"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"agent"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sicalgate.yml")
}

// Load reads config from workspace, falling back to defaults when the file
// does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(workspace), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default(".")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("config.server.listen is required")
	}
	if c.Security.TokenLifetimeSeconds < 0 {
		return fmt.Errorf("config.security.token_lifetime_seconds must not be negative")
	}
	if c.Agent.TimeoutSeconds < 0 {
		return fmt.Errorf("config.agent.timeout_seconds must not be negative")
	}
	return nil
}

// Default returns the default Config for a workspace.
func Default(workspace string) *Config {
	var cfg Config
	cfg.Server.Listen = ":8137"
	cfg.Server.BasePath = "/v1"
	cfg.Workspace = workspace
	cfg.Security.TokenLifetimeSeconds = 300
	cfg.Security.RateLimitConfigPath = "rate_limit_config.json"
	cfg.Security.AuditLogPath = "security_audit.jsonl"
	cfg.Agent.TimeoutSeconds = 120
	return &cfg
}
