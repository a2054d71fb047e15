// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads sentinel's configuration from a YAML file, with
// SENTINEL_* environment variables taking precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/sentinel/internal/backend/sqlite"
	"github.com/tombee/sentinel/internal/log"
	"github.com/tombee/sentinel/internal/monitor"
	"github.com/tombee/sentinel/internal/tracing"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/ratelimit"
	"github.com/tombee/sentinel/pkg/retry"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Config represents the complete sentinel configuration.
type Config struct {
	Log       LogConfig        `yaml:"log"`
	Limits    ratelimit.Config `yaml:"limits"`
	Retry     retry.Config     `yaml:"retry"`
	Monitor   MonitorConfig    `yaml:"monitor"`
	Storage   StorageConfig    `yaml:"storage"`
	Plugins   PluginsConfig    `yaml:"plugins"`
	Templates TemplatesConfig  `yaml:"templates"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Tracing   tracing.Config   `yaml:"tracing"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`

	// AddSource adds source file and line information to logs.
	AddSource bool `yaml:"add_source"`
}

// MonitorConfig configures the monitor scheduler.
type MonitorConfig struct {
	// Enabled starts the scheduler loop in sentineld.
	Enabled bool `yaml:"enabled"`

	// TickInterval is how often due tasks are looked for.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Concurrency bounds targets observed in parallel within one task run.
	Concurrency int `yaml:"concurrency"`
}

// StorageConfig selects where executions and monitor state live.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging for the SQLite backend.
	WAL bool `yaml:"wal"`
}

// PluginsConfig configures plugin manifest discovery.
type PluginsConfig struct {
	// Dir is scanned for *.plugin.yaml manifests. Empty disables manifests.
	Dir string `yaml:"dir"`

	// Watch reloads manifests when files under Dir change.
	Watch bool `yaml:"watch"`
}

// TemplatesConfig configures workflow template loading.
type TemplatesConfig struct {
	// Dir is scanned for template YAML files.
	Dir string `yaml:"dir"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address of the /metrics endpoint.
	Addr string `yaml:"addr"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: string(log.FormatJSON),
		},
		Limits: ratelimit.DefaultConfig(),
		Retry:  retry.DefaultConfig(),
		Monitor: MonitorConfig{
			Enabled:      true,
			TickInterval: monitor.DefaultTickInterval,
			Concurrency:  monitor.DefaultConcurrency,
		},
		Storage: StorageConfig{
			Backend: StorageMemory,
			Path:    filepath.Join(defaultDataDir(), "sentinel.db"),
			WAL:     true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Tracing: tracing.DefaultConfig(),
	}
}

// Load loads configuration from an optional YAML file, then applies defaults
// and environment overrides, then validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &sentinelerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values left by a minimal config file.
func (c *Config) applyDefaults() {
	defaults := Default()

	if c.Log.Level == "" {
		c.Log.Level = defaults.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = defaults.Log.Format
	}
	if c.Limits.GlobalLimit == 0 {
		c.Limits.GlobalLimit = defaults.Limits.GlobalLimit
	}
	if c.Limits.HostLimit == 0 {
		c.Limits.HostLimit = defaults.Limits.HostLimit
	}
	c.Retry = c.Retry.Normalize()
	if c.Monitor.TickInterval == 0 {
		c.Monitor.TickInterval = defaults.Monitor.TickInterval
	}
	if c.Monitor.Concurrency == 0 {
		c.Monitor.Concurrency = defaults.Monitor.Concurrency
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = defaults.Storage.Backend
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaults.Storage.Path
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = defaults.Metrics.Addr
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = defaults.Tracing.ServiceName
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = defaults.Tracing.Exporter
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	// Log configuration
	if val := os.Getenv("SENTINEL_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	} else if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = parseBool(val)
	}
	if val := os.Getenv("SENTINEL_DEBUG"); parseBool(val) {
		c.Log.Level = "debug"
		c.Log.AddSource = true
	}

	// Limits
	if val := os.Getenv("SENTINEL_GLOBAL_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Limits.GlobalLimit = n
		}
	}
	if val := os.Getenv("SENTINEL_PER_HOST_CONCURRENCY"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Limits.HostLimit = n
		}
	}
	if val := os.Getenv("SENTINEL_PER_HOST_DELAY"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Limits.HostDelay = d
		}
	}

	// Monitor
	if val := os.Getenv("SENTINEL_MONITOR_ENABLED"); val != "" {
		c.Monitor.Enabled = parseBool(val)
	}
	if val := os.Getenv("SENTINEL_MONITOR_TICK"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Monitor.TickInterval = d
		}
	}

	// Storage
	if val := os.Getenv("SENTINEL_STORAGE"); val != "" {
		c.Storage.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("SENTINEL_DB_PATH"); val != "" {
		c.Storage.Path = val
	}

	// Directories
	if val := os.Getenv("SENTINEL_PLUGINS_DIR"); val != "" {
		c.Plugins.Dir = val
	}
	if val := os.Getenv("SENTINEL_TEMPLATES_DIR"); val != "" {
		c.Templates.Dir = val
	}

	// Observability
	if val := os.Getenv("SENTINEL_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
		c.Metrics.Enabled = true
	}
	if val := os.Getenv("SENTINEL_TRACING_ENABLED"); val != "" {
		c.Tracing.Enabled = parseBool(val)
	}
}

// Validate checks that the configuration is valid. The first problem found
// is returned as a ConfigError naming the offending key.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[c.Log.Level] {
		return invalid("log.level", fmt.Sprintf("must be one of [trace, debug, info, warn, error], got %q", c.Log.Level))
	}
	if c.Log.Format != string(log.FormatJSON) && c.Log.Format != string(log.FormatText) {
		return invalid("log.format", fmt.Sprintf("must be one of [json, text], got %q", c.Log.Format))
	}

	if c.Limits.GlobalLimit < 1 {
		return invalid("limits.global_concurrency", fmt.Sprintf("must be at least 1, got %d", c.Limits.GlobalLimit))
	}
	if c.Limits.HostLimit < 1 {
		return invalid("limits.per_host_concurrency", fmt.Sprintf("must be at least 1, got %d", c.Limits.HostLimit))
	}
	if c.Limits.HostDelay < 0 {
		return invalid("limits.per_host_delay", "must not be negative")
	}

	if err := c.Retry.Validate(); err != nil {
		return &sentinelerrors.ConfigError{Key: "retry", Reason: err.Error(), Cause: err}
	}

	if c.Monitor.TickInterval <= 0 {
		return invalid("monitor.tick_interval", "must be positive")
	}
	if c.Monitor.Concurrency < 1 {
		return invalid("monitor.concurrency", fmt.Sprintf("must be at least 1, got %d", c.Monitor.Concurrency))
	}

	switch c.Storage.Backend {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			return invalid("storage.path", "required for the sqlite backend")
		}
	default:
		return invalid("storage.backend", fmt.Sprintf("must be one of [memory, sqlite], got %q", c.Storage.Backend))
	}

	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return invalid("metrics.addr", "required when metrics are enabled")
	}

	switch c.Tracing.Exporter {
	case tracing.ExporterStdout, tracing.ExporterNone:
	default:
		return invalid("tracing.exporter", fmt.Sprintf("must be one of [stdout, none], got %q", c.Tracing.Exporter))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return invalid("tracing.sample_rate", fmt.Sprintf("must be between 0.0 and 1.0, got %v", c.Tracing.SampleRate))
	}
	return nil
}

// LoggerConfig converts the log section for internal/log.
func (c *Config) LoggerConfig() *log.Config {
	cfg := log.DefaultConfig()
	cfg.Level = c.Log.Level
	cfg.Format = log.Format(c.Log.Format)
	cfg.AddSource = c.Log.AddSource
	return cfg
}

// SQLite returns the sqlite backend configuration.
func (c *Config) SQLite() sqlite.Config {
	return sqlite.Config{Path: c.Storage.Path, WAL: c.Storage.WAL}
}

func invalid(key, reason string) error {
	return &sentinelerrors.ConfigError{Key: key, Reason: reason}
}

func parseBool(val string) bool {
	return val == "1" || strings.EqualFold(val, "true")
}
