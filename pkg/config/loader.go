package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "jobstream.yaml"

// JobstreamYAMLConfig represents the complete jobstream.yaml file structure.
// Every section is optional.
type JobstreamYAMLConfig struct {
	Queue        *QueueConfig        `yaml:"queue"`
	Retention    *RetentionConfig    `yaml:"retention"`
	Dispatch     *DispatchConfig     `yaml:"dispatch"`
	Events       *EventsConfig       `yaml:"events"`
	Redis        *RedisConfig        `yaml:"redis"`
	Auth         *AuthConfig         `yaml:"auth"`
	Segmentation *SegmentationConfig `yaml:"segmentation"`
	CRM          *CRMConfig          `yaml:"crm"`
	Pipeline     *PipelineConfig     `yaml:"pipeline"`
	System       *SystemConfig       `yaml:"system"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Read jobstream.yaml from configDir
//  2. Expand {{.VAR}} environment placeholders
//  3. Parse YAML into structs
//  4. Merge each section over the built-in defaults
//  5. Validate all configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidationFailed, err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"workers", stats.Workers,
		"transport", stats.Transport,
		"sequencer", stats.Sequencer,
		"redis_enabled", stats.RedisEnabled,
		"sync_enabled", stats.SyncEnabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	var file JobstreamYAMLConfig
	if err := loader.loadYAML(FileName, &file); err != nil {
		return nil, NewLoadError(FileName, err)
	}

	cfg := Defaults()
	cfg.configDir = configDir

	if err := mergeSection("queue", cfg.Queue, file.Queue); err != nil {
		return nil, err
	}
	if err := mergeSection("retention", cfg.Retention, file.Retention); err != nil {
		return nil, err
	}
	if err := mergeSection("dispatch", cfg.Dispatch, file.Dispatch); err != nil {
		return nil, err
	}
	if err := mergeSection("events", cfg.Events, file.Events); err != nil {
		return nil, err
	}
	if err := mergeSection("redis", cfg.Redis, file.Redis); err != nil {
		return nil, err
	}
	if err := mergeSection("auth", cfg.Auth, file.Auth); err != nil {
		return nil, err
	}
	if err := mergeSection("segmentation", cfg.Segmentation, file.Segmentation); err != nil {
		return nil, err
	}
	if err := mergeSection("crm", cfg.CRM, file.CRM); err != nil {
		return nil, err
	}
	if err := mergeSection("pipeline", cfg.Pipeline, file.Pipeline); err != nil {
		return nil, err
	}
	if err := mergeSection("system", cfg.System, file.System); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Defaults returns a Config holding only built-in defaults. Used by tests
// and as the merge base of load.
func Defaults() *Config {
	return &Config{
		Queue:        DefaultQueueConfig(),
		Retention:    DefaultRetentionConfig(),
		Dispatch:     DefaultDispatchConfig(),
		Events:       DefaultEventsConfig(),
		Redis:        DefaultRedisConfig(),
		Auth:         DefaultAuthConfig(),
		Segmentation: DefaultSegmentationConfig(),
		CRM:          DefaultCRMConfig(),
		Pipeline:     DefaultPipelineConfig(),
		System:       &SystemConfig{},
	}
}

// mergeSection merges user-provided values over defaults. Zero values in
// src keep the default.
func mergeSection[T any](name string, dst, src *T) error {
	if src == nil {
		return nil
	}
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge %s config: %w", name, err)
	}
	return nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// ExpandEnv passes malformed templates through so the YAML parser
	// reports the error.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}
