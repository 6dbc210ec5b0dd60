package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"protoeval/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultConfigPath = "configs/evaluate_api.yaml"
	serviceVersion    = "0.1.0"
)

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// MaxUploadBytes is how much of a multipart body is held in memory
	// before spilling to temp files.
	MaxUploadBytes int64 `yaml:"maxUploadBytes"`
}

type StorageConfig struct {
	JobsRoot string `yaml:"jobsRoot"`
}

// EnvironmentsConfig optionally replaces the built-in version table.
type EnvironmentsConfig struct {
	TableFile string `yaml:"tableFile"`
}

type UploadConfig struct {
	MaxFiles int `yaml:"maxFiles"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AppConfig is the evaluate-api config file.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	Logger       logger.Config      `yaml:"logger"`
	Storage      StorageConfig      `yaml:"storage"`
	Environments EnvironmentsConfig `yaml:"environments"`
	Upload       UploadConfig       `yaml:"upload"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s failed: %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s failed: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	setDefault(&c.Server.Addr, "0.0.0.0:8000")
	setDefault(&c.Server.ReadTimeout, 30*time.Second)
	setDefault(&c.Server.WriteTimeout, 30*time.Second)
	setDefault(&c.Server.IdleTimeout, time.Minute)
	setDefault(&c.Server.ShutdownTimeout, 10*time.Second)
	setDefault(&c.Server.MaxUploadBytes, 32<<20)
	setDefault(&c.Storage.JobsRoot, "storage/jobs")
	setDefault(&c.Upload.MaxFiles, 64)
	setDefault(&c.Metrics.Path, "/metrics")
	setDefault(&c.Logger.Level, "info")
}

func (c *AppConfig) validate() error {
	var errs []error
	if c.Server.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("server.maxUploadBytes must not be negative"))
	}
	if c.Upload.MaxFiles < 1 {
		errs = append(errs, errors.New("upload.maxFiles must be at least 1"))
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path %q must start with /", c.Metrics.Path))
	}
	return errors.Join(errs...)
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}
