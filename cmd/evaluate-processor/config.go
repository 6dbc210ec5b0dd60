package main

import (
	"fmt"
	"os"
	"time"

	"protoeval/internal/common/cache"
	"protoeval/internal/common/mq"
	"protoeval/internal/common/storage"
	"protoeval/internal/evaluate/environment"
	"protoeval/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultJobsRoot        = "storage/jobs"
	defaultAnalyzeScript   = "scripts/opentrons/analyze.py"
	defaultSimulateScript  = "scripts/opentrons/simulate.py"
	defaultToolTimeout     = 120 * time.Second
	defaultPollInterval    = 5 * time.Second
	defaultClaimTTL        = 30 * time.Minute
	defaultStatusTopic     = "evaluate.job.final"
	defaultArchivePrefix   = "evaluate/jobs"
	defaultToolWaitDelay   = 5 * time.Second
	defaultMetricsAddr     = "0.0.0.0:9102"
	defaultShutdownTimeout = 10 * time.Second
)

// StorageConfig locates job directories.
type StorageConfig struct {
	JobsRoot string `yaml:"jobsRoot"`
}

// EnvironmentsConfig controls where and how interpreters are built.
type EnvironmentsConfig struct {
	environment.ProvisionerConfig `yaml:",inline"`
	TableFile                     string `yaml:"tableFile"`
}

// ToolsConfig locates the analyzer and simulator scripts.
type ToolsConfig struct {
	AnalyzeScript     string        `yaml:"analyzeScript"`
	SimulateScript    string        `yaml:"simulateScript"`
	AnalysisTimeout   time.Duration `yaml:"analysisTimeout"`
	SimulationTimeout time.Duration `yaml:"simulationTimeout"`
	WaitDelay         time.Duration `yaml:"waitDelay"`
}

// WorkerConfig controls the scan loop.
type WorkerConfig struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	PoolSize     int           `yaml:"poolSize"`
	ClaimTTL     time.Duration `yaml:"claimTTL"`
}

// EventsConfig enables final status events on Kafka.
type EventsConfig struct {
	Enabled bool           `yaml:"enabled"`
	Topic   string         `yaml:"topic"`
	Kafka   mq.KafkaConfig `yaml:"kafka"`
}

// ArchiveConfig enables uploading finished jobs to object storage.
type ArchiveConfig struct {
	Enabled bool                `yaml:"enabled"`
	Prefix  string              `yaml:"prefix"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
}

// LockConfig selects a shared Redis lock for provisioning.
type LockConfig struct {
	Enabled bool              `yaml:"enabled"`
	Redis   cache.RedisConfig `yaml:"redis"`
}

// MetricsConfig exposes prometheus metrics on a side listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AppConfig holds evaluate-processor configuration.
type AppConfig struct {
	Logger       logger.Config      `yaml:"logger"`
	Storage      StorageConfig      `yaml:"storage"`
	Environments EnvironmentsConfig `yaml:"environments"`
	Tools        ToolsConfig        `yaml:"tools"`
	Worker       WorkerConfig       `yaml:"worker"`
	Lock         LockConfig         `yaml:"lock"`
	Events       EventsConfig       `yaml:"events"`
	Archive      ArchiveConfig      `yaml:"archive"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

// loadAppConfig reads path when it exists; a missing file means defaults.
func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := loadYAML(path, &cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file failed: %w", err)
		}
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.Storage.JobsRoot == "" {
		cfg.Storage.JobsRoot = defaultJobsRoot
	}
	if cfg.Tools.AnalyzeScript == "" {
		cfg.Tools.AnalyzeScript = defaultAnalyzeScript
	}
	if cfg.Tools.SimulateScript == "" {
		cfg.Tools.SimulateScript = defaultSimulateScript
	}
	if cfg.Tools.AnalysisTimeout == 0 {
		cfg.Tools.AnalysisTimeout = defaultToolTimeout
	}
	if cfg.Tools.SimulationTimeout == 0 {
		cfg.Tools.SimulationTimeout = cfg.Tools.AnalysisTimeout
	}
	if cfg.Tools.WaitDelay == 0 {
		cfg.Tools.WaitDelay = defaultToolWaitDelay
	}
	if cfg.Worker.PollInterval == 0 {
		cfg.Worker.PollInterval = defaultPollInterval
	}
	if cfg.Worker.PoolSize == 0 {
		cfg.Worker.PoolSize = 1
	}
	if cfg.Worker.ClaimTTL == 0 {
		cfg.Worker.ClaimTTL = defaultClaimTTL
	}
	if cfg.Events.Topic == "" {
		cfg.Events.Topic = defaultStatusTopic
	}
	if cfg.Archive.Prefix == "" {
		cfg.Archive.Prefix = defaultArchivePrefix
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = defaultMetricsAddr
	}
}
