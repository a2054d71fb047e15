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

// Package dataflow moves data between workflow steps: it extracts values
// from upstream outputs with a small path grammar, transforms them and
// fills the downstream plugin's input.
package dataflow

import (
	"context"
	"fmt"

	"github.com/tombee/sentinel/internal/jq"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/plugin"
)

// Mapping populates one input field of a step from an upstream step's output.
type Mapping struct {
	TargetField  string `json:"target_field" yaml:"target_field"`
	SourceStepID string `json:"source_step_id" yaml:"source_step_id"`
	SourcePath   string `json:"source_path" yaml:"source_path"`
	Transform    string `json:"transform,omitempty" yaml:"transform,omitempty"`
}

// Compiled is a Mapping with its path and transform parsed.
type Compiled struct {
	Mapping
	path      *Path
	transform Transform
}

// Compile parses the mapping's path and transform.
func Compile(m Mapping) (*Compiled, error) {
	if m.TargetField == "" {
		return nil, fmt.Errorf("mapping has no target_field")
	}
	if m.SourceStepID == "" {
		return nil, fmt.Errorf("mapping for %q has no source_step_id", m.TargetField)
	}
	path, err := ParsePath(m.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("mapping for %q: %w", m.TargetField, err)
	}
	t, err := ParseTransform(m.Transform)
	if err != nil {
		return nil, fmt.Errorf("mapping for %q: %w", m.TargetField, err)
	}
	return &Compiled{Mapping: m, path: path, transform: t}, nil
}

// Mapper resolves mappings against dependency outputs.
type Mapper struct {
	jq *jq.Executor
}

// NewMapper creates a Mapper. A nil executor gets the default limits.
func NewMapper(exec *jq.Executor) *Mapper {
	if exec == nil {
		exec = jq.NewExecutor(jq.DefaultTimeout, jq.DefaultMaxInputSize)
	}
	return &Mapper{jq: exec}
}

// Resolve evaluates one mapping. found is false when the source step has no
// output, the path does not resolve, or the transform produced nothing.
func (m *Mapper) Resolve(ctx context.Context, c *Compiled, outputs map[string]map[string]any) (any, bool, error) {
	out, ok := outputs[c.SourceStepID]
	if !ok || out == nil {
		return nil, false, nil
	}
	v, ok := c.path.Eval(out)
	if !ok {
		return nil, false, nil
	}
	return c.transform.Apply(ctx, m.jq, v)
}

// Request carries everything ResolveInputs needs for one step.
type Request struct {
	StepID   string
	Mappings []*Compiled
	Schema   *plugin.Schema

	// Base is the input before mappings: execution inputs and step config
	Base map[string]any

	// Outputs holds the output of every successful dependency
	Outputs map[string]map[string]any

	// Failed marks dependencies that finished without success
	Failed map[string]bool
}

// ResolveInputs overlays resolved mappings on req.Base and fills schema
// defaults. A mapping that resolves to nothing, or to an empty sequence,
// keeps any base value; failing that a required field takes its schema
// default, and without one the step fails with MissingRequiredInputError.
// Optional fields without a value are left out.
func (m *Mapper) ResolveInputs(ctx context.Context, req Request) (map[string]any, error) {
	input := make(map[string]any, len(req.Base)+len(req.Mappings))
	for k, v := range req.Base {
		input[k] = v
	}

	for _, c := range req.Mappings {
		v, found, err := m.Resolve(ctx, c, req.Outputs)
		if err != nil {
			return nil, fmt.Errorf("step %q: mapping %q: %w", req.StepID, c.TargetField, err)
		}
		if found && !isEmpty(v) {
			input[c.TargetField] = v
			continue
		}
		if existing, ok := input[c.TargetField]; ok && !isEmpty(existing) {
			continue
		}
		if def, ok := req.Schema.DefaultFor(c.TargetField); ok {
			input[c.TargetField] = def
			continue
		}
		if req.Schema.IsRequired(c.TargetField) {
			return nil, &sentinelerrors.MissingRequiredInputError{
				StepID:         req.StepID,
				Field:          c.TargetField,
				SourceStepID:   c.SourceStepID,
				UpstreamFailed: req.Failed[c.SourceStepID],
			}
		}
		if found {
			// an empty sequence is still a real answer for an optional field
			input[c.TargetField] = v
		}
	}

	if req.Schema != nil {
		for name := range req.Schema.Properties {
			if _, ok := input[name]; ok {
				continue
			}
			if def, ok := req.Schema.DefaultFor(name); ok {
				input[name] = def
			}
		}
	}
	return input, nil
}

// isEmpty treats nil, "" and empty sequences as no value.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	if items, ok := toSlice(v); ok {
		return len(items) == 0
	}
	return false
}
