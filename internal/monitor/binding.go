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

package monitor

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// Binding attaches a workflow template to a program. Bindings with
// AutoRunOnChange start the template for change events whose Condition holds.
type Binding struct {
	ID              string         `json:"id"`
	ProgramID       string         `json:"program_id"`
	TemplateID      string         `json:"template_id"`
	AutoRunOnChange bool           `json:"auto_run_on_change"`
	Enabled         bool           `json:"enabled"`
	Condition       string         `json:"condition,omitempty"`
	Inputs          map[string]any `json:"inputs,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Clone returns a deep copy of the binding.
func (b *Binding) Clone() *Binding {
	if b == nil {
		return nil
	}
	c := *b
	c.Inputs = cloneParams(b.Inputs)
	return &c
}

// Validate checks required fields and that the condition compiles.
func (b *Binding) Validate(conds *Conditions) error {
	if b.ProgramID == "" {
		return &sentinelerrors.ValidationError{Field: "program_id", Message: "program_id is required"}
	}
	if b.TemplateID == "" {
		return &sentinelerrors.ValidationError{Field: "template_id", Message: "template_id is required"}
	}
	if conds != nil {
		return conds.Check(b.Condition)
	}
	return nil
}

// Conditions evaluates binding conditions against change events. Compiled
// programs are cached by source.
//
// The environment exposes the event as "event" with fields event_type, category,
// severity, risk_score, asset_id, program_id, added and removed, plus the
// helper functions has, includes and length. Example:
//
//	event.risk_score >= 50 && has(event.added, "admin.example.com")
type Conditions struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// NewConditions creates an empty evaluator.
func NewConditions() *Conditions {
	return &Conditions{cache: make(map[string]*vm.Program)}
}

// Check compiles a condition without running it.
func (c *Conditions) Check(condition string) error {
	if condition == "" {
		return nil
	}
	if _, err := c.compile(condition); err != nil {
		return &sentinelerrors.ValidationError{
			Field:      "condition",
			Message:    fmt.Sprintf("failed to compile condition: %s", err.Error()),
			Suggestion: "conditions are boolean expr-lang expressions over event.*",
		}
	}
	return nil
}

// Match reports whether condition holds for ev. An empty condition matches.
func (c *Conditions) Match(condition string, ev *ChangeEvent) (bool, error) {
	if condition == "" {
		return true, nil
	}
	program, err := c.compile(condition)
	if err != nil {
		return false, &sentinelerrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("failed to compile condition: %s", err.Error()),
		}
	}

	env := conditionFuncs()
	env["event"] = eventEnv(ev)

	out, err := expr.Run(program, env)
	if err != nil {
		return false, &sentinelerrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition evaluation failed: %s", err.Error()),
		}
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, &sentinelerrors.ValidationError{
			Field:   "condition",
			Message: fmt.Sprintf("condition must return boolean, got %T", out),
		}
	}
	return ok, nil
}

func (c *Conditions) compile(condition string) (*vm.Program, error) {
	c.mu.RLock()
	if prog, ok := c.cache[condition]; ok {
		c.mu.RUnlock()
		return prog, nil
	}
	c.mu.RUnlock()

	prog, err := expr.Compile(condition,
		expr.Env(conditionFuncs()),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[condition] = prog
	c.mu.Unlock()
	return prog, nil
}

func eventEnv(ev *ChangeEvent) map[string]any {
	toAny := func(items []string) []any {
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out
	}
	return map[string]any{
		"event_type": string(ev.EventType),
		"category":   string(ev.Category),
		"severity":   string(ev.Severity),
		"risk_score": ev.RiskScore,
		"asset_id":   ev.AssetID,
		"program_id": ev.ProgramID,
		"added":      toAny(ev.Diff.Added),
		"removed":    toAny(ev.Diff.Removed),
	}
}

// "contains" is an expr operator, hence has/includes.
func conditionFuncs() map[string]any {
	return map[string]any{
		"has":      hasFunc,
		"includes": hasFunc,
		"length":   lengthFunc,
	}
}

func hasFunc(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("has requires exactly 2 arguments, got %d", len(args))
	}
	collection, target := args[0], args[1]
	if collection == nil {
		return false, nil
	}

	v := reflect.ValueOf(collection)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if reflect.DeepEqual(v.Index(i).Interface(), target) {
				return true, nil
			}
		}
		return false, nil
	case reflect.Map:
		key := reflect.ValueOf(target)
		if !key.IsValid() || !key.Type().AssignableTo(v.Type().Key()) {
			return false, nil
		}
		return v.MapIndex(key).IsValid(), nil
	case reflect.String:
		substr, ok := target.(string)
		return ok && substr != "" && strings.Contains(v.String(), substr), nil
	}
	return false, nil
}

func lengthFunc(args ...any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("length requires exactly 1 argument, got %d", len(args))
	}
	if args[0] == nil {
		return 0, nil
	}
	v := reflect.ValueOf(args[0])
	switch v.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map, reflect.String:
		return v.Len(), nil
	}
	return nil, fmt.Errorf("length: unsupported type %T", args[0])
}
