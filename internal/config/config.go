package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models prodline.yml.
type Config struct {
	Organization struct {
		ID   string `yaml:"id" json:"id"`
		Name string `yaml:"name" json:"name"`
	} `yaml:"organization" json:"organization"`
	Workflow struct {
		// AllowCycles disables the topological check on save. Off by
		// default; shops with rework loops opt in explicitly.
		AllowCycles bool `yaml:"allow_cycles" json:"allow_cycles"`
	} `yaml:"workflow" json:"workflow"`
	Planning struct {
		AllowOverlap bool `yaml:"allow_overlap" json:"allow_overlap"`
	} `yaml:"planning" json:"planning"`
	Heatmap struct {
		WindowDays int `yaml:"window_days" json:"window_days"`
	} `yaml:"heatmap" json:"heatmap"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" json:"webhooks,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with pl org config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Organization.ID == "" {
		return fmt.Errorf("config.organization.id is required")
	}
	if c.Heatmap.WindowDays < 0 {
		return fmt.Errorf("config.heatmap.window_days must not be negative")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("webhook %d has negative timeout", i)
		}
	}
	return nil
}

// WindowDays returns the configured heatmap window, defaulting to a year.
func (c *Config) WindowDays() int {
	if c.Heatmap.WindowDays > 0 {
		return c.Heatmap.WindowDays
	}
	return 365
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "prodline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(orgID string) string {
	return fmt.Sprintf(defaultTemplate, orgID)
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

// Default returns the default Config struct for an organization.
func Default(orgID string) *Config {
	var cfg Config
	cfg.Organization.ID = orgID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, orgID))).Decode(&cfg)
	return &cfg
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

const defaultTemplate = `organization:
  id: %s
  name: ""

workflow:
  allow_cycles: false

planning:
  allow_overlap: false

heatmap:
  window_days: 365

rbac:
  roles:
    owner:
      description: "Full control over the organization"
      permissions:
        - operation.manage
        - workflow.save
        - workflow.read
        - command.manage
        - planning.manage
        - history.append
        - progress.read
        - heatmap.read
        - event.read
        - rbac.manage
    planner:
      description: "Schedules operators and posts"
      permissions:
        - workflow.read
        - command.manage
        - planning.manage
        - progress.read
        - heatmap.read
    operator:
      description: "Reports completed units from a post"
      permissions:
        - workflow.read
        - history.append
        - progress.read
`
