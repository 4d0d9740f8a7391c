package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models vetline.yml.
type Config struct {
	Project struct {
		ID      string `yaml:"id"`
		BaseURL string `yaml:"base_url"`
	} `yaml:"project"`
	Gates struct {
		ApprovalSLAHours     int `yaml:"approval_sla_hours"`
		ConfirmationSLAHours int `yaml:"confirmation_sla_hours"`
	} `yaml:"gates"`
	Retry struct {
		MaxAttempts int `yaml:"max_attempts"`
		BaseDelayMS int `yaml:"base_delay_ms"`
		Multiplier  int `yaml:"multiplier"`
		MaxDelayMS  int `yaml:"max_delay_ms"`
	} `yaml:"retry"`
	Agents struct {
		Executor string `yaml:"executor"`
		Reviewer string `yaml:"reviewer"`
	} `yaml:"agents"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound event target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// ApprovalSLA returns the approval gate deadline as a duration.
func (c *Config) ApprovalSLA() time.Duration {
	return time.Duration(c.Gates.ApprovalSLAHours) * time.Hour
}

// ConfirmationSLA returns the confirmation gate deadline as a duration.
func (c *Config) ConfirmationSLA() time.Duration {
	return time.Duration(c.Gates.ConfirmationSLAHours) * time.Hour
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Gates.ApprovalSLAHours <= 0 {
		return fmt.Errorf("config.gates.approval_sla_hours must be positive")
	}
	if c.Gates.ConfirmationSLAHours <= 0 {
		return fmt.Errorf("config.gates.confirmation_sla_hours must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config.retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelayMS <= 0 {
		return fmt.Errorf("config.retry.base_delay_ms must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("config.retry.multiplier must be at least 1")
	}
	if c.Retry.MaxDelayMS < c.Retry.BaseDelayMS {
		return fmt.Errorf("config.retry.max_delay_ms must be at least base_delay_ms")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "vetline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run vt init or pass --project", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, projectID)), &cfg)
	cfg.Project.ID = projectID
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

const defaultTemplate = `project:
  id: %s
  base_url: http://localhost:3000

gates:
  approval_sla_hours: 24
  confirmation_sla_hours: 48

retry:
  max_attempts: 3
  base_delay_ms: 1000
  multiplier: 2
  max_delay_ms: 30000

agents:
  executor: claude
  reviewer: codex
`
