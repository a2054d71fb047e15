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

package workflow

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/heimdalr/dag"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/plugin"
	"github.com/tombee/sentinel/pkg/workflow/dataflow"
)

// Plan is a validated template ready to execute.
type Plan struct {
	Template *Template

	order    []string
	steps    map[string]*Step
	mappings map[string][]*dataflow.Compiled
}

// Order returns step ids in a dependency-respecting order. Ties keep
// template order.
func (p *Plan) Order() []string {
	return append([]string(nil), p.order...)
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) *Step {
	return p.steps[id]
}

// Mappings returns the compiled input mappings of a step.
func (p *Plan) Mappings(id string) []*dataflow.Compiled {
	return p.mappings[id]
}

// Validate checks a template before anything runs. It returns an
// InvalidWorkflowError for an empty template, duplicate or missing step ids,
// unknown plugins, dangling or cyclic dependencies, bad input mappings, step
// config that contradicts the plugin's input schema, and bad retry overrides.
// The template is cloned; later edits to t do not affect the plan.
func Validate(t *Template, registry plugin.Registry) (*Plan, error) {
	if t == nil {
		return nil, &sentinelerrors.InvalidWorkflowError{Reason: "template is nil"}
	}
	t = t.Clone()
	invalid := func(stepID, format string, args ...any) error {
		return &sentinelerrors.InvalidWorkflowError{TemplateID: t.ID, StepID: stepID, Reason: fmt.Sprintf(format, args...)}
	}

	if t.ID == "" {
		return nil, invalid("", "template id is required")
	}
	if len(t.Steps) == 0 {
		return nil, invalid("", "template has no steps")
	}

	p := &Plan{
		Template: t,
		steps:    make(map[string]*Step, len(t.Steps)),
		mappings: make(map[string][]*dataflow.Compiled, len(t.Steps)),
	}
	for i := range t.Steps {
		s := &t.Steps[i]
		if s.ID == "" {
			return nil, invalid("", "step %d has no id", i)
		}
		if _, dup := p.steps[s.ID]; dup {
			return nil, invalid(s.ID, "duplicate step id")
		}
		p.steps[s.ID] = s
	}

	for i := range t.Steps {
		s := &t.Steps[i]
		if s.PluginID == "" {
			return nil, invalid(s.ID, "plugin_id is required")
		}
		desc, err := registry.Get(s.PluginID)
		if err != nil {
			if errors.Is(err, sentinelerrors.ErrPluginNotFound) {
				return nil, invalid(s.ID, "unknown plugin %q", s.PluginID)
			}
			return nil, invalid(s.ID, "resolving plugin %q: %v", s.PluginID, err)
		}

		s.DependsOn = dedupe(s.DependsOn)
		deps := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, invalid(s.ID, "step depends on itself")
			}
			if _, ok := p.steps[dep]; !ok {
				return nil, invalid(s.ID, "depends on unknown step %q", dep)
			}
			deps[dep] = true
		}

		targets := make(map[string]bool, len(s.InputMappings))
		for _, m := range s.InputMappings {
			c, err := dataflow.Compile(m)
			if err != nil {
				return nil, invalid(s.ID, "%v", err)
			}
			if targets[m.TargetField] {
				return nil, invalid(s.ID, "target_field %q is mapped more than once", m.TargetField)
			}
			targets[m.TargetField] = true
			if !deps[m.SourceStepID] {
				return nil, invalid(s.ID, "mapping for %q reads step %q, which is not in depends_on", m.TargetField, m.SourceStepID)
			}
			p.mappings[s.ID] = append(p.mappings[s.ID], c)
		}

		if issues := configIssues(desc.Input, s.Config); len(issues) > 0 {
			return nil, invalid(s.ID, "config does not match plugin %q input schema: %s", s.PluginID, strings.Join(issues, "; "))
		}

		if s.Retry != nil {
			if err := s.Retry.Validate(); err != nil {
				return nil, invalid(s.ID, "retry: %v", err)
			}
		}
		if s.Timeout < 0 {
			return nil, invalid(s.ID, "timeout must be >= 0")
		}
	}

	if err := checkAcyclic(t); err != nil {
		return nil, err
	}
	p.order = topoOrder(t.Steps)
	return p, nil
}

// configIssues type-checks the config fields the schema declares. Required
// fields are not enforced here since mappings may supply them at run time.
func configIssues(schema *plugin.Schema, config map[string]any) []string {
	if !schema.HasProperties() {
		return nil
	}
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var issues []string
	for _, k := range keys {
		prop := schema.Property(k)
		if prop == nil {
			continue
		}
		for _, issue := range plugin.Validate(prop, config[k]) {
			issue.Path = k + strings.TrimPrefix(issue.Path, "$")
			issues = append(issues, issue.String())
		}
	}
	return issues
}

// checkAcyclic loads the dependency edges into a DAG, which rejects any
// edge that would close a loop.
func checkAcyclic(t *Template) error {
	g := dag.NewDAG()
	for _, s := range t.Steps {
		if err := g.AddVertexByID(s.ID, s.ID); err != nil {
			return &sentinelerrors.InvalidWorkflowError{TemplateID: t.ID, StepID: s.ID, Reason: err.Error()}
		}
	}
	for _, s := range t.Steps {
		for _, dep := range s.DependsOn {
			err := g.AddEdge(dep, s.ID)
			if err == nil {
				continue
			}
			var loop dag.EdgeLoopError
			if errors.As(err, &loop) {
				return &sentinelerrors.InvalidWorkflowError{
					TemplateID: t.ID,
					StepID:     s.ID,
					Reason:     fmt.Sprintf("dependency cycle through %q", dep),
				}
			}
			return &sentinelerrors.InvalidWorkflowError{TemplateID: t.ID, StepID: s.ID, Reason: err.Error()}
		}
	}
	return nil
}

// topoOrder is Kahn's algorithm seeded in template order. The graph is
// known to be acyclic.
func topoOrder(steps []Step) []string {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	position := make(map[string]int, len(steps))
	var queue []string
	for i, s := range steps {
		position[s.ID] = i
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		var released []string
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				released = append(released, next)
			}
		}
		sort.Slice(released, func(i, j int) bool { return position[released[i]] < position[released[j]] })
		queue = append(queue, released...)
	}
	return order
}

func dedupe(ids []string) []string {
	if len(ids) < 2 {
		return ids
	}
	seen := make(map[string]bool, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
