package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models gigline.yml.
type Config struct {
	Server      ServerConfig    `yaml:"server"`
	Ledger      LedgerConfig    `yaml:"ledger"`
	Marketplace Marketplace     `yaml:"marketplace"`
	Webhooks    []WebhookConfig `yaml:"webhooks"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// LedgerConfig describes the external contract CLI used to mirror gigs
// on-chain. Source is the signing identity passed to the CLI; callers may
// override it per request.
type LedgerConfig struct {
	Command        string `yaml:"command"`
	ContractID     string `yaml:"contract_id"`
	Network        string `yaml:"network"`
	Source         string `yaml:"source"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Marketplace struct {
	// DefaultClientAddress is attributed to gigs posted without a client
	// address. It is only honored when AllowDefaultClient is set; otherwise
	// such requests are rejected.
	DefaultClientAddress string `yaml:"default_client_address"`
	AllowDefaultClient   bool   `yaml:"allow_default_client"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.Command == "" {
		return fmt.Errorf("config.ledger.command is required")
	}
	if c.Ledger.TimeoutSeconds < 0 {
		return fmt.Errorf("config.ledger.timeout_seconds must not be negative")
	}
	if c.Marketplace.AllowDefaultClient && c.Marketplace.DefaultClientAddress == "" {
		return fmt.Errorf("config.marketplace.default_client_address is required when allow_default_client is set")
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
	return filepath.Join(workspace, "gigline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:8080",
		},
		Ledger: LedgerConfig{
			Command:        "soroban",
			Network:        "testnet",
			TimeoutSeconds: 30,
		},
	}
}

// GenerateDefault returns default config YAML for gig workspace init.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: ""
  # jwt_secret: set to enable wallet session tokens (POST /auth/session)

ledger:
  command: soroban
  # contract_id: C...
  network: testnet
  # source: signing identity or secret known to the CLI
  timeout_seconds: 30

marketplace:
  # default_client_address: G...
  allow_default_client: false

# webhooks:
#   - url: https://example.com/hooks/gigline
#     events: [gig.created, gig.completed]
#     timeout_seconds: 5
`
