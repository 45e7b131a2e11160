// Package config loads sync core configuration from a YAML document.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration for YAML decoding of values like "60s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config holds all tunables for the sync core.
type Config struct {
	// Backend is the tenant-scoped cloud API.
	Backend struct {
		BaseURL        string   `yaml:"base_url"`
		APIKey         string   `yaml:"api_key"`
		RequestTimeout Duration `yaml:"request_timeout"`
		PullTimeout    Duration `yaml:"pull_timeout"`
	} `yaml:"backend"`

	// Hardware is the isolated local-network device endpoint.
	Hardware struct {
		BaseURL   string   `yaml:"base_url"`
		Interface string   `yaml:"interface"`
		Timeout   Duration `yaml:"timeout"`
	} `yaml:"hardware"`

	Storage struct {
		DataDir     string `yaml:"data_dir"`
		JournalFile string `yaml:"journal_file"`
	} `yaml:"storage"`

	Poll struct {
		Interval     Duration `yaml:"interval"`
		BulkInterval Duration `yaml:"bulk_interval"`
		LogEvery     int      `yaml:"log_every"`
	} `yaml:"poll"`

	Queue struct {
		BackoffBase Duration `yaml:"backoff_base"`
		BackoffCap  Duration `yaml:"backoff_cap"`
	} `yaml:"queue"`

	Auth struct {
		RefreshInterval Duration `yaml:"refresh_interval"`
		BackoffBase     Duration `yaml:"backoff_base"`
		BackoffCap      Duration `yaml:"backoff_cap"`
	} `yaml:"auth"`

	Connectivity struct {
		TransitionWindow Duration `yaml:"transition_window"`
	} `yaml:"connectivity"`

	Overlay struct {
		PredictionTTL Duration `yaml:"prediction_ttl"`
	} `yaml:"overlay"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.Backend.RequestTimeout = Duration(10 * time.Second)
	cfg.Backend.PullTimeout = Duration(30 * time.Second)
	cfg.Hardware.Timeout = Duration(3 * time.Second)
	cfg.Storage.DataDir = defaultDataDir()
	cfg.Storage.JournalFile = "journal.db"
	cfg.Poll.Interval = Duration(60 * time.Second)
	cfg.Poll.BulkInterval = Duration(15 * time.Minute)
	cfg.Poll.LogEvery = 10
	cfg.Queue.BackoffBase = Duration(5 * time.Second)
	cfg.Queue.BackoffCap = Duration(300 * time.Second)
	cfg.Auth.RefreshInterval = Duration(10 * time.Minute)
	cfg.Auth.BackoffBase = Duration(1 * time.Minute)
	cfg.Auth.BackoffCap = Duration(15 * time.Minute)
	cfg.Connectivity.TransitionWindow = Duration(1500 * time.Millisecond)
	cfg.Overlay.PredictionTTL = Duration(24 * time.Hour)
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and sane ranges.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("config: backend.base_url is required")
	}
	if c.Backend.APIKey == "" {
		return fmt.Errorf("config: backend.api_key is required")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir is required")
	}
	if c.Poll.Interval.Std() <= 0 {
		return fmt.Errorf("config: poll.interval must be positive")
	}
	if c.Queue.BackoffBase.Std() <= 0 || c.Queue.BackoffCap.Std() < c.Queue.BackoffBase.Std() {
		return fmt.Errorf("config: queue backoff range is invalid")
	}
	if c.Overlay.PredictionTTL.Std() <= 0 {
		return fmt.Errorf("config: overlay.prediction_ttl must be positive")
	}
	return nil
}

// defaultDataDir returns the app-private data directory.
func defaultDataDir() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ".fieldscout"
	}
	return base + "/fieldscout"
}
