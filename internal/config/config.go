package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models rampline.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Audit struct {
		Enabled         bool     `yaml:"enabled"`
		URL             string   `yaml:"url"`
		APIKey          string   `yaml:"api_key"`
		TimeoutSeconds  int      `yaml:"timeout_seconds"`
		IntervalSeconds int      `yaml:"interval_seconds"`
		Events          []string `yaml:"events"`
	} `yaml:"audit"`
	Proof struct {
		Chain string `yaml:"chain"`
	} `yaml:"proof"`
	Export struct {
		FileURLBase string `yaml:"file_url_base"`
	} `yaml:"export"`
}

func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = "127.0.0.1:8080"
	cfg.Server.BasePath = "/v0"
	cfg.Audit.TimeoutSeconds = 5
	cfg.Audit.IntervalSeconds = 2
	cfg.Proof.Chain = "REDBELLY_TESTNET"
	cfg.Export.FileURLBase = "/v0/exports"
	return cfg
}

func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rampline.yml")
}

// Load reads rampline.yml from the workspace, falling back to defaults when
// the file is absent.
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

func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	switch c.Proof.Chain {
	case "REDBELLY_TESTNET", "REDBELLY_MAINNET":
	default:
		return fmt.Errorf("config.proof.chain must be REDBELLY_TESTNET or REDBELLY_MAINNET, got %q", c.Proof.Chain)
	}
	if c.Audit.Enabled && c.Audit.URL == "" {
		return fmt.Errorf("config.audit.url is required when audit is enabled")
	}
	if c.Audit.TimeoutSeconds < 0 || c.Audit.IntervalSeconds < 0 {
		return fmt.Errorf("config.audit timeouts must not be negative")
	}
	return nil
}
