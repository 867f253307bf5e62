// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overcache

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures the client engine.
type Config struct {
	Collections        []Collection  `yaml:"collections"`
	DefaultTTL         time.Duration `yaml:"default_ttl"`         // 15m
	PreloadCollections []string      `yaml:"preload_collections"` // reference data fetched at session start

	MaxRetries          int           `yaml:"max_retries"`            // 3
	RemoteTimeout       time.Duration `yaml:"remote_timeout"`         // 15s per remote call
	BackoffMin          time.Duration `yaml:"backoff_min"`            // 1s
	BackoffMax          time.Duration `yaml:"backoff_max"`            // 60s
	BackoffJitter       time.Duration `yaml:"backoff_jitter"`         // 500ms
	SyncSchedule        string        `yaml:"sync_schedule"`          // cron spec, "" disables
	FailFastOnRejection bool          `yaml:"fail_fast_on_rejection"` // rejected writes fail without retries

	LogStageTimings bool                 `yaml:"log_stage_timings"`
	StageMetrics    StageMetricsRecorder `yaml:"-"`
}

// DefaultConfig returns the configuration for the default accounting
// collections.
func DefaultConfig() *Config {
	return &Config{
		Collections:        DefaultCollections(),
		DefaultTTL:         DefaultTTL,
		PreloadCollections: []string{"chart_of_accounts", "journals", "accounting_periods"},
		MaxRetries:         3,
		RemoteTimeout:      15 * time.Second,
		BackoffMin:         1 * time.Second,
		BackoffMax:         60 * time.Second,
		BackoffJitter:      500 * time.Millisecond,
		SyncSchedule:       "@every 30s",
	}
}

// LoadConfig reads a YAML file over DefaultConfig. Durations are written as
// strings ("5m", "24h").
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return config, nil
}

// Validate fills zero values with defaults and checks references.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.RemoteTimeout <= 0 {
		c.RemoteTimeout = def.RemoteTimeout
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = def.BackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = max(def.BackoffMax, c.BackoffMin)
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = def.DefaultTTL
	}

	if err := validateSchedule(c.SyncSchedule); err != nil {
		return err
	}

	cols, err := NewCollections(c.Collections, c.DefaultTTL)
	if err != nil {
		return err
	}
	for _, name := range c.PreloadCollections {
		col, err := cols.Lookup(name)
		if err != nil {
			return fmt.Errorf("preload: %w", err)
		}
		if !col.Cacheable {
			return fmt.Errorf("preload: collection %q is not cacheable", name)
		}
	}
	return nil
}

// Registry builds the collection registry described by the config.
func (c *Config) Registry() (*Collections, error) {
	return NewCollections(c.Collections, c.DefaultTTL)
}
