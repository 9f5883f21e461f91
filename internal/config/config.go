package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models jobline.yml: one shop's currency, rate tables, roles and
// outbound webhooks.
type Config struct {
	Shop struct {
		ID            string `yaml:"id" json:"id"`
		Name          string `yaml:"name" json:"name"`
		Currency      string `yaml:"currency" json:"currency"`
		JobCardPrefix string `yaml:"job_card_prefix" json:"job_card_prefix"`
	} `yaml:"shop" json:"shop"`
	LaborCategories   map[string]Rate `yaml:"labor_categories" json:"labor_categories"`
	MachineCategories map[string]Rate `yaml:"machine_categories" json:"machine_categories"`
	RBAC              struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type Rate struct {
	HourlyRate  decimal.Decimal `yaml:"hourly_rate" json:"hourly_rate"`
	Description string          `yaml:"description,omitempty" json:"description,omitempty"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events,omitempty" json:"events,omitempty"`
	Secret         string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty" json:"timeout_seconds,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Shop.ID == "" {
		return fmt.Errorf("config.shop.id is required")
	}
	if c.Shop.Currency == "" {
		return fmt.Errorf("config.shop.currency is required")
	}
	if strings.ContainsAny(c.Shop.JobCardPrefix, " -") {
		return fmt.Errorf("config.shop.job_card_prefix must not contain spaces or dashes")
	}
	for ns, rates := range map[string]map[string]Rate{"labor_categories": c.LaborCategories, "machine_categories": c.MachineCategories} {
		for name, r := range rates {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("config.%s contains an empty category name", ns)
			}
			if r.HourlyRate.IsNegative() {
				return fmt.Errorf("config.%s.%s.hourly_rate must not be negative", ns, name)
			}
		}
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
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be an http(s) url", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "jobline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(shopID string) string {
	return fmt.Sprintf(defaultTemplate, shopID, shopID)
}

// Default returns the default Config struct for a shop.
func Default(shopID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(shopID))).Decode(&cfg)
	cfg.Shop.ID = shopID
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

// ToYAML renders the config for export.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// Prefix is the job card prefix, defaulting to JC.
func (c *Config) Prefix() string {
	if c.Shop.JobCardPrefix == "" {
		return "JC"
	}
	return c.Shop.JobCardPrefix
}

const defaultTemplate = `shop:
  id: %s
  name: %s
  currency: USD
  job_card_prefix: JC

labor_categories:
  general:
    hourly_rate: 40
    description: "General mechanical work"
  electrical:
    hourly_rate: 55
  body:
    hourly_rate: 45
  paint:
    hourly_rate: 50

machine_categories:
  lift:
    hourly_rate: 8
  paint_booth:
    hourly_rate: 30
  diagnostic_scanner:
    hourly_rate: 12.5
  wheel_aligner:
    hourly_rate: 15

rbac:
  roles:
    owner:
      description: "Shop owner"
      permissions: [job.create, job.verify, job.assign, timer.operate, consumable.update, job.supervise, job.qa, job.read, shop.admin]
    estimator:
      description: "Creates and verifies job cards"
      permissions: [job.create, job.verify, job.assign, consumable.update, job.read]
    technician:
      description: "Works job items on the shop floor"
      permissions: [timer.operate, consumable.update, job.read]
    supervisor:
      description: "Signs off completed jobs"
      permissions: [job.assign, timer.operate, consumable.update, job.supervise, job.read]
    qa:
      description: "Inspects supervisor-approved jobs"
      permissions: [job.qa, job.read]
`
