package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL      = "http://127.0.0.1:8000"
	DefaultTimeout      = 30 * time.Second
	DefaultStatePath    = "configs/cli_state.json"
	DefaultHistoryPath  = "configs/cli_history"
	DefaultWaitInterval = time.Second
	DefaultWaitMax      = 300 * time.Second
)

// WaitConfig controls polling in the wait command.
type WaitConfig struct {
	Interval time.Duration `yaml:"interval"`
	Max      time.Duration `yaml:"max"`
}

// Config holds CLI configuration.
type Config struct {
	BaseURL     string        `yaml:"baseURL"`
	Timeout     time.Duration `yaml:"timeout"`
	StatePath   string        `yaml:"statePath"`
	HistoryPath string        `yaml:"historyPath"`
	PrettyJSON  *bool         `yaml:"prettyJSON"`
	Wait        WaitConfig    `yaml:"wait"`
}

// Load reads path; a missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config file failed: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file failed: %w", err)
		}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.StatePath == "" {
		cfg.StatePath = DefaultStatePath
	}
	if cfg.HistoryPath == "" {
		cfg.HistoryPath = DefaultHistoryPath
	}
	if cfg.PrettyJSON == nil {
		value := true
		cfg.PrettyJSON = &value
	}
	if cfg.Wait.Interval == 0 {
		cfg.Wait.Interval = DefaultWaitInterval
	}
	if cfg.Wait.Max == 0 {
		cfg.Wait.Max = DefaultWaitMax
	}
}
