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

// Package monitor runs recurring per-program monitor tasks: plugin chains with
// fallbacks, snapshot diffing into change events, risk scoring, and optional
// workflow auto-triggering.
package monitor

import (
	"fmt"
	"time"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// Category is one of the independent things a task can watch.
type Category string

// Monitor categories.
const (
	CategoryDNS           Category = "dns"
	CategoryCertificate   Category = "certificate"
	CategoryContent       Category = "content"
	CategoryAPI           Category = "api"
	CategoryPort          Category = "port"
	CategoryWeb           Category = "web"
	CategoryVulnerability Category = "vulnerability"
)

// Categories lists every category in run order.
var Categories = []Category{
	CategoryDNS,
	CategoryCertificate,
	CategoryContent,
	CategoryAPI,
	CategoryPort,
	CategoryWeb,
	CategoryVulnerability,
}

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// EventType returns the change event type produced when an observation in
// this category differs from the previous one.
func (c Category) EventType() EventType {
	switch c {
	case CategoryDNS:
		return EventDNSChange
	case CategoryCertificate:
		return EventCertificateChange
	case CategoryContent:
		return EventContentChange
	case CategoryAPI:
		return EventAPIChange
	case CategoryPort:
		return EventPortChange
	case CategoryWeb:
		return EventServiceChange
	case CategoryVulnerability:
		return EventConfigurationExposed
	}
	return EventAssetModified
}

// PluginConfig is an ordered plugin chain: the primary plugin, then each
// fallback until one succeeds.
type PluginConfig struct {
	PluginID        string         `json:"plugin_id" yaml:"plugin_id"`
	FallbackPlugins []string       `json:"fallback_plugins,omitempty" yaml:"fallback_plugins,omitempty"`
	PluginParams    map[string]any `json:"plugin_params,omitempty" yaml:"plugin_params,omitempty"`
}

// Chain returns the primary plugin followed by the fallbacks.
func (p PluginConfig) Chain() []string {
	return append([]string{p.PluginID}, p.FallbackPlugins...)
}

// CategoryConfig toggles a category and lists its plugin chains.
type CategoryConfig struct {
	Enabled bool           `json:"enabled" yaml:"enabled"`
	Plugins []PluginConfig `json:"plugins,omitempty" yaml:"plugins,omitempty"`
}

// Config is a task's monitoring configuration.
type Config struct {
	Categories map[Category]CategoryConfig `json:"categories" yaml:"categories"`

	// Targets are watched in addition to the program's imported assets.
	Targets []string `json:"targets,omitempty" yaml:"targets,omitempty"`

	AutoTriggerEnabled     bool     `json:"auto_trigger_enabled" yaml:"auto_trigger_enabled"`
	AutoTriggerMinSeverity Severity `json:"auto_trigger_min_severity" yaml:"auto_trigger_min_severity"`
}

// DefaultConfig enables every category except vulnerability scanning, with
// one default plugin chain each. Auto-trigger fires from medium severity up.
func DefaultConfig() Config {
	single := func(id string, fallbacks ...string) CategoryConfig {
		return CategoryConfig{Enabled: true, Plugins: []PluginConfig{{PluginID: id, FallbackPlugins: fallbacks}}}
	}
	return Config{
		Categories: map[Category]CategoryConfig{
			CategoryDNS:           single("subdomain_enumerator", "dns_resolver"),
			CategoryCertificate:   single("cert_monitor"),
			CategoryContent:       single("content_monitor"),
			CategoryAPI:           single("api_monitor"),
			CategoryPort:          single("port_scanner"),
			CategoryWeb:           single("web_prober"),
			CategoryVulnerability: {Enabled: false},
		},
		AutoTriggerEnabled:     true,
		AutoTriggerMinSeverity: SeverityMedium,
	}
}

// Enabled returns the enabled categories, in run order, that have plugins.
func (c Config) Enabled() []Category {
	var out []Category
	for _, cat := range Categories {
		cc, ok := c.Categories[cat]
		if ok && cc.Enabled && len(cc.Plugins) > 0 {
			out = append(out, cat)
		}
	}
	return out
}

// SetEnabled toggles one category, keeping its plugins.
func (c *Config) SetEnabled(cat Category, enabled bool) {
	if c.Categories == nil {
		c.Categories = make(map[Category]CategoryConfig)
	}
	cc := c.Categories[cat]
	cc.Enabled = enabled
	c.Categories[cat] = cc
}

// Validate checks category names and plugin chains.
func (c Config) Validate() error {
	for cat, cc := range c.Categories {
		if !cat.IsValid() {
			return &sentinelerrors.ValidationError{
				Field:      "categories",
				Message:    fmt.Sprintf("unknown category %q", cat),
				Suggestion: "use dns, certificate, content, api, port, web or vulnerability",
			}
		}
		for i, p := range cc.Plugins {
			if p.PluginID == "" {
				return &sentinelerrors.ValidationError{
					Field:   fmt.Sprintf("categories.%s.plugins[%d].plugin_id", cat, i),
					Message: "plugin_id is required",
				}
			}
		}
	}
	if c.AutoTriggerMinSeverity != "" && !c.AutoTriggerMinSeverity.IsValid() {
		return &sentinelerrors.ValidationError{
			Field:   "auto_trigger_min_severity",
			Message: fmt.Sprintf("unknown severity %q", c.AutoTriggerMinSeverity),
		}
	}
	return nil
}

// Clone returns a deep copy of the config.
func (c Config) Clone() Config {
	out := c
	out.Targets = append([]string(nil), c.Targets...)
	if c.Categories != nil {
		out.Categories = make(map[Category]CategoryConfig, len(c.Categories))
		for cat, cc := range c.Categories {
			plugins := make([]PluginConfig, len(cc.Plugins))
			for i, p := range cc.Plugins {
				p.FallbackPlugins = append([]string(nil), p.FallbackPlugins...)
				p.PluginParams = cloneParams(p.PluginParams)
				plugins[i] = p
			}
			cc.Plugins = plugins
			out.Categories[cat] = cc
		}
	}
	return out
}

func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Task is a recurring monitor run for one program.
type Task struct {
	ID             string     `json:"id"`
	ProgramID      string     `json:"program_id"`
	Name           string     `json:"name"`
	IntervalSecs   int64      `json:"interval_secs"`
	Enabled        bool       `json:"enabled"`
	Config         Config     `json:"config"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	RunCount       int64      `json:"run_count"`
	EventsDetected int64      `json:"events_detected"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Interval returns the run interval as a duration.
func (t *Task) Interval() time.Duration {
	return time.Duration(t.IntervalSecs) * time.Second
}

// Due reports whether the task should run at now.
func (t *Task) Due(now time.Time) bool {
	return t.Enabled && t.NextRunAt != nil && !t.NextRunAt.After(now)
}

// schedule sets next_run_at to now + interval, or clears it when disabled.
func (t *Task) schedule(now time.Time) {
	if !t.Enabled {
		t.NextRunAt = nil
		return
	}
	next := now.Add(t.Interval())
	t.NextRunAt = &next
}

// Validate checks the task's required fields.
func (t *Task) Validate() error {
	if t.ProgramID == "" {
		return &sentinelerrors.ValidationError{Field: "program_id", Message: "program_id is required"}
	}
	if t.Name == "" {
		return &sentinelerrors.ValidationError{Field: "name", Message: "name is required"}
	}
	if t.IntervalSecs <= 0 {
		return &sentinelerrors.ValidationError{
			Field:      "interval_secs",
			Message:    "interval must be positive",
			Suggestion: "use e.g. 3600 for hourly runs",
		}
	}
	return t.Config.Validate()
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Config = t.Config.Clone()
	if t.LastRunAt != nil {
		v := *t.LastRunAt
		c.LastRunAt = &v
	}
	if t.NextRunAt != nil {
		v := *t.NextRunAt
		c.NextRunAt = &v
	}
	return &c
}

// TaskUpdate carries the user-editable task fields. Nil fields are unchanged.
type TaskUpdate struct {
	Name         *string `json:"name,omitempty"`
	IntervalSecs *int64  `json:"interval_secs,omitempty"`
	Enabled      *bool   `json:"enabled,omitempty"`
	Config       *Config `json:"config,omitempty"`
}
