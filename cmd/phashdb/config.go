package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/liliang-cn/phashdb/pkg/core"
	"github.com/liliang-cn/phashdb/pkg/phashdb"
)

const defaultConfigPath = "phashdb.yaml"

type BackfillConfig struct {
	BatchSize int `yaml:"batch_size,omitempty"`
	Workers   int `yaml:"workers,omitempty"`
}

type Config struct {
	Database        string         `yaml:"database"`
	FingerprintSize int            `yaml:"fingerprint_size,omitempty"`
	Strategy        string         `yaml:"strategy"`
	Selection       string         `yaml:"selection"`
	LogLevel        string         `yaml:"log_level"`
	BusyTimeout     time.Duration  `yaml:"busy_timeout,omitempty"`
	Backfill        BackfillConfig `yaml:"backfill,omitempty"`
}

func DefaultConfig() *Config {
	def := core.DefaultConfig()
	return &Config{
		Database:    "phashdb.db",
		Strategy:    def.QueryStrategy.String(),
		Selection:   def.Selection.String(),
		LogLevel:    "warn",
		BusyTimeout: def.BusyTimeout,
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// options converts the file config into facade options
func (c *Config) options(logs io.Writer) (phashdb.Config, []phashdb.Option, error) {
	strategy, err := core.ParseQueryStrategy(c.Strategy)
	if err != nil {
		return phashdb.Config{}, nil, err
	}
	selection, err := core.ParseSelectionPolicy(c.Selection)
	if err != nil {
		return phashdb.Config{}, nil, err
	}
	level, ok := core.ParseLogLevel(c.LogLevel)
	if !ok {
		return phashdb.Config{}, nil, fmt.Errorf("%w: unknown log level %q", core.ErrInvalidConfig, c.LogLevel)
	}

	config := phashdb.DefaultConfig(c.Database)
	config.FingerprintSize = c.FingerprintSize
	config.QueryStrategy = strategy
	config.Selection = selection
	config.BusyTimeout = c.BusyTimeout
	config.Logger = core.NewLogger(logs, level)

	opts := []phashdb.Option{phashdb.WithBackfill(c.Backfill.BatchSize, c.Backfill.Workers)}
	return config, opts, nil
}
