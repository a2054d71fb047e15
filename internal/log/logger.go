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

// Package log configures the structured slog loggers used by sentinel binaries.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Format represents the log output format.
type Format string

const (
	// FormatJSON outputs logs in JSON format for machine parsing.
	FormatJSON Format = "json"
	// FormatText outputs logs in human-readable text format.
	FormatText Format = "text"
)

// LevelTrace is more verbose than Debug. Plugin payloads are logged at this level.
const LevelTrace = slog.Level(-8)

// Standard field keys for structured logging.
const (
	ExecutionIDKey = "execution_id"
	TemplateIDKey  = "template_id"
	StepIDKey      = "step_id"
	PluginIDKey    = "plugin_id"
	TaskIDKey      = "task_id"
	ProgramIDKey   = "program_id"
	HostKey        = "host"
	DurationKey    = "duration_ms"
	EventKey       = "event"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string

	// Format sets the output format (json, text).
	Format Format

	// Output is the writer for log output. Default: os.Stderr
	Output io.Writer

	// AddSource adds source file and line information to logs.
	AddSource bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv creates a Config from environment variables.
// Supported environment variables:
//   - SENTINEL_DEBUG: true/1 to enable debug level and source logging (takes precedence)
//   - SENTINEL_LOG_LEVEL: takes precedence over LOG_LEVEL
//   - LOG_LEVEL: trace, debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//   - LOG_SOURCE: 1 to enable source file/line
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("SENTINEL_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}

	if debug == "" {
		if level := os.Getenv("SENTINEL_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}

	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}

	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}

	return cfg
}

// New creates a structured logger. Trace entries are labelled TRACE, and
// values under credential-like keys (see Redacted) are masked.
func New(cfg *Config) *slog.Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr,
	}
	if cfg.Format == FormatText {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

// sensitiveKeys are matched case-insensitively against attribute keys.
// Plugin headers and MCP environments routinely carry tool API keys.
var sensitiveKeys = []string{"authorization", "api_key", "apikey", "token", "secret", "password", "cookie"}

// Redacted replaces masked values.
const Redacted = "[REDACTED]"

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if lvl, ok := a.Value.Any().(slog.Level); ok && lvl <= LevelTrace {
			return slog.String(slog.LevelKey, "TRACE")
		}
		return a
	}
	if isSensitive(a.Key) && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, Redacted)
	}
	return a
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, k := range sensitiveKeys {
		if strings.Contains(key, k) {
			return true
		}
	}
	return false
}

// ParseLevel converts a string level to slog.Level. Unknown values map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// WithComponent returns a new logger with a component name field.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// WithExecution adds execution and template identifiers to all subsequent entries.
func WithExecution(logger *slog.Logger, executionID, templateID string) *slog.Logger {
	return logger.With(
		slog.String(ExecutionIDKey, executionID),
		slog.String(TemplateIDKey, templateID),
	)
}

// WithStep adds step and plugin identifiers to all subsequent entries.
func WithStep(logger *slog.Logger, stepID, pluginID string) *slog.Logger {
	return logger.With(
		slog.String(StepIDKey, stepID),
		slog.String(PluginIDKey, pluginID),
	)
}

// WithTask adds monitor task context.
func WithTask(logger *slog.Logger, taskID, programID string) *slog.Logger {
	return logger.With(
		slog.String(TaskIDKey, taskID),
		slog.String(ProgramIDKey, programID),
	)
}

// Error creates an error attribute.
func Error(err error) slog.Attr {
	return slog.Any("error", err)
}

// Trace logs a message at trace level with optional attributes.
func Trace(logger *slog.Logger, msg string, attrs ...slog.Attr) {
	ctx := context.Background()
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
}
