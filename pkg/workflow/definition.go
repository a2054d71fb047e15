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

// Package workflow runs DAGs of plugin steps: template definitions, pre-flight
// validation, execution state, the execution store and the executor.
package workflow

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/retry"
	"github.com/tombee/sentinel/pkg/workflow/dataflow"
)

// TemplatePattern matches template files in a templates directory.
const TemplatePattern = "**/*.{yaml,yml}"

// InputMapping populates a step input field from an upstream step's output.
type InputMapping = dataflow.Mapping

// Template is a reusable workflow definition.
type Template struct {
	ID          string   `json:"id" yaml:"id"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string   `json:"category,omitempty" yaml:"category,omitempty"`
	Steps       []Step   `json:"steps" yaml:"steps"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Source is the file the template was loaded from, if any
	Source string `json:"source,omitempty" yaml:"-"`
}

// Step is one plugin invocation in a template.
type Step struct {
	ID            string         `json:"id" yaml:"id"`
	Name          string         `json:"name,omitempty" yaml:"name,omitempty"`
	PluginID      string         `json:"plugin_id" yaml:"plugin_id"`
	Config        map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	InputMappings []InputMapping `json:"input_mappings,omitempty" yaml:"input_mappings,omitempty"`

	// Retry overrides the executor's retry policy for this step.
	Retry *retry.Config `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Timeout bounds each plugin attempt, in seconds. Zero leaves it to the transport.
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// DisplayName returns Name, falling back to ID.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// Clone returns a deep copy of the template's step list and metadata.
// Executions hold a clone so later edits never affect a running execution.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	c.Steps = cloneSteps(t.Steps)
	return &c
}

func cloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i, s := range steps {
		s.Config = cloneMap(s.Config)
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.InputMappings = append([]InputMapping(nil), s.InputMappings...)
		if s.Retry != nil {
			r := *s.Retry
			s.Retry = &r
		}
		out[i] = s
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ParseTemplate decodes a YAML template. It does not validate the step graph.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, &sentinelerrors.ValidationError{
			Field:      "template",
			Message:    fmt.Sprintf("invalid YAML: %v", err),
			Suggestion: "check indentation and field names",
		}
	}
	if t.ID == "" {
		return nil, &sentinelerrors.ValidationError{
			Field:   "id",
			Message: "template id is required",
		}
	}
	return &t, nil
}

// LoadTemplates reads every template file under dir. Unparseable files are
// logged and skipped; a duplicate id is an error.
func LoadTemplates(dir string, logger *slog.Logger) ([]*Template, error) {
	if logger == nil {
		logger = slog.Default()
	}
	matches, err := doublestar.Glob(os.DirFS(dir), TemplatePattern)
	if err != nil {
		return nil, fmt.Errorf("scanning templates in %s: %w", dir, err)
	}
	sort.Strings(matches)

	seen := make(map[string]string, len(matches))
	var out []*Template
	for _, rel := range matches {
		path := filepath.Join(dir, filepath.FromSlash(rel))
		data, err := fs.ReadFile(os.DirFS(dir), rel)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		t, err := ParseTemplate(data)
		if err != nil {
			logger.Warn("skipping invalid template", slog.String("path", path), slog.Any("error", err))
			continue
		}
		if prev, dup := seen[t.ID]; dup {
			return nil, &sentinelerrors.ValidationError{
				Field:      "id",
				Message:    fmt.Sprintf("template %q defined in both %s and %s", t.ID, prev, path),
				Suggestion: "give every template a unique id",
			}
		}
		seen[t.ID] = path
		t.Source = path
		out = append(out, t)
	}
	return out, nil
}
