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

// Package plugin describes the schema-typed black boxes that workflow steps
// and monitor tasks invoke, and the registry that resolves them by id.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// Plugin is a single invocable unit. Implementations may have side effects;
// callers must not assume idempotence.
type Plugin interface {
	Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)
}

// Func adapts an ordinary function to the Plugin interface.
type Func func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, input)
}

// Descriptor is a registered plugin.
type Descriptor struct {
	ID          string  `json:"id" yaml:"id"`
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string  `json:"category,omitempty" yaml:"category,omitempty"`
	Input       *Schema `json:"input_schema,omitempty" yaml:"input,omitempty"`
	Output      *Schema `json:"output_schema,omitempty" yaml:"output,omitempty"`

	// Source records where the descriptor came from, e.g. a manifest path.
	Source string `json:"source,omitempty" yaml:"-"`

	Plugin Plugin `json:"-" yaml:"-"`
}

// Registry resolves plugin ids. Implementations must be safe for concurrent use.
type Registry interface {
	Get(id string) (*Descriptor, error)
	InputSchema(id string) (*Schema, error)
	OutputSchema(id string) (*Schema, error)
	List() []*Descriptor
}

// Ports returns the declared input and output ports of a plugin.
func Ports(r Registry, id string) (in, out []Port, err error) {
	d, err := r.Get(id)
	if err != nil {
		return nil, nil, err
	}
	return d.Input.Ports(), d.Output.Ports(), nil
}

// MemoryRegistry is an in-memory Registry.
type MemoryRegistry struct {
	mu      sync.RWMutex
	plugins map[string]*Descriptor
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{plugins: make(map[string]*Descriptor)}
}

// Register adds or replaces a plugin.
func (r *MemoryRegistry) Register(d *Descriptor) error {
	if d == nil || d.ID == "" {
		return &sentinelerrors.ValidationError{Field: "id", Message: "plugin id is required"}
	}
	if d.Plugin == nil {
		return &sentinelerrors.ValidationError{
			Field:      "plugin",
			Message:    fmt.Sprintf("plugin %q has no implementation", d.ID),
			Suggestion: "declare an exec or http transport in the manifest",
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins[d.ID] = d
	return nil
}

// RegisterFunc is a shorthand for registering a function-backed plugin.
func (r *MemoryRegistry) RegisterFunc(id string, input, output *Schema, fn Func) error {
	return r.Register(&Descriptor{ID: id, Name: id, Input: input, Output: output, Plugin: fn})
}

// Unregister removes a plugin. Unknown ids are ignored.
func (r *MemoryRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plugins, id)
}

// ReplaceSource atomically swaps every plugin whose Source has the given
// prefix for the supplied set. Plugins from other sources are untouched.
func (r *MemoryRegistry) ReplaceSource(prefix string, ds []*Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, d := range r.plugins {
		if hasPrefix(d.Source, prefix) {
			closePlugin(d.Plugin)
			delete(r.plugins, id)
		}
	}
	for _, d := range ds {
		if d != nil && d.ID != "" && d.Plugin != nil {
			r.plugins[d.ID] = d
		}
	}
}

// Get implements Registry.
func (r *MemoryRegistry) Get(id string) (*Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.plugins[id]
	if !ok {
		return nil, sentinelerrors.PluginNotFound(id)
	}
	return d, nil
}

// InputSchema implements Registry. A plugin without a declared schema gets an
// empty object schema.
func (r *MemoryRegistry) InputSchema(id string) (*Schema, error) {
	d, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if d.Input == nil {
		return &Schema{Type: "object"}, nil
	}
	return d.Input, nil
}

// OutputSchema implements Registry.
func (r *MemoryRegistry) OutputSchema(id string) (*Schema, error) {
	d, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	if d.Output == nil {
		return &Schema{Type: "object"}, nil
	}
	return d.Output, nil
}

// List implements Registry. Descriptors are sorted by id.
func (r *MemoryRegistry) List() []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Descriptor, 0, len(r.plugins))
	for _, d := range r.plugins {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close releases plugins that hold resources, such as running MCP servers.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for _, d := range r.plugins {
		if c, ok := d.Plugin.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

func closePlugin(p Plugin) {
	if c, ok := p.(io.Closer); ok {
		_ = c.Close()
	}
}

func hasPrefix(s, prefix string) bool {
	return prefix != "" && strings.HasPrefix(s, prefix)
}

var _ Registry = (*MemoryRegistry)(nil)
