package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models reviewflow.yml.
type Config struct {
	VCS struct {
		BaseURL string `yaml:"base_url"`
		Token   string `yaml:"token"`
	} `yaml:"vcs"`
	AI struct {
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
		APIKey  string `yaml:"api_key"`
	} `yaml:"ai"`
	Queue struct {
		Workers      int `yaml:"workers"`
		PollInterval int `yaml:"poll_interval_ms"`
	} `yaml:"queue"`
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	LogLevel string `yaml:"log_level"`
}

// Load reads and validates config from the workspace. A missing file is not
// an error: defaults apply until the user writes one.
func Load(workspace string) (*Config, error) {
	cfg, err := FromFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Queue.Workers < 0 {
		return fmt.Errorf("config.queue.workers must be >= 0")
	}
	if c.Queue.PollInterval < 0 {
		return fmt.Errorf("config.queue.poll_interval_ms must be >= 0")
	}
	if c.VCS.BaseURL == "" {
		return fmt.Errorf("config.vcs.base_url is required")
	}
	if c.AI.BaseURL == "" {
		return fmt.Errorf("config.ai.base_url is required")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "reviewflow.yml")
}

// Default returns the default Config. Tokens come from the environment so
// they never land in the checked-in file.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	if v := os.Getenv("REVIEWFLOW_VCS_TOKEN"); v != "" {
		cfg.VCS.Token = v
	}
	if v := os.Getenv("REVIEWFLOW_AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	return &cfg
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

const defaultTemplate = `vcs:
  base_url: https://api.github.com
  token: ""

ai:
  base_url: https://api.openai.com/v1
  model: gpt-4o-mini
  api_key: ""

queue:
  workers: 4
  poll_interval_ms: 250

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log_level: info
`
