package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full moissond configuration.
type Config struct {
	Listen  string `yaml:"listen"`
	DBPath  string `yaml:"db_path"`
	DataDir string `yaml:"data_dir"`

	Fetch struct {
		// BrowserEnabled turns on headless-Chrome escalation for thin
		// HTTP results.
		BrowserEnabled bool   `yaml:"browser_enabled"`
		BrowserURL     string `yaml:"browser_url"`
		TimeoutSec     int    `yaml:"timeout_sec"`
	} `yaml:"fetch"`

	Inference struct {
		BaseURL string `yaml:"base_url"`
		APIKey  string `yaml:"api_key"`
		Model   string `yaml:"model"`
	} `yaml:"inference"`

	Pipeline struct {
		FetchConcurrency       int `yaml:"fetch_concurrency"`
		RawPersistConcurrency  int `yaml:"raw_persist_concurrency"`
		StructuringConcurrency int `yaml:"structuring_concurrency"`
		DeadLetterConcurrency  int `yaml:"dead_letter_concurrency"`
		DeadLetterDelaySec     int `yaml:"dead_letter_delay_sec"`
		ReplayCap              int `yaml:"replay_cap"`
	} `yaml:"pipeline"`

	WebhookURL string `yaml:"webhook_url"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{
		Listen:  ":8090",
		DBPath:  "moisson.db",
		DataDir: "data/projects",
	}
	cfg.Fetch.TimeoutSec = 30
	return cfg
}

// LoadConfig reads a YAML config file merged over defaults, then applies
// environment overrides for secrets.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("MOISSON_OPENAI_API_KEY"); v != "" {
		cfg.Inference.APIKey = v
	}
	if v := os.Getenv("MOISSON_OPENAI_BASE_URL"); v != "" {
		cfg.Inference.BaseURL = v
	}
	if v := os.Getenv("MOISSON_LISTEN"); v != "" {
		cfg.Listen = v
	}

	return cfg, cfg.Validate()
}

// Validate checks that required fields are present.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Fetch.TimeoutSec <= 0 {
		return fmt.Errorf("fetch.timeout_sec must be > 0")
	}
	return nil
}

func (c *Config) fetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSec) * time.Second
}

func (c *Config) deadLetterDelay() time.Duration {
	return time.Duration(c.Pipeline.DeadLetterDelaySec) * time.Second
}
