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

package plugin

import (
	"sort"
)

// Schema is the JSON-Schema subset plugins use to describe their input and
// output: type, properties, required, items, enum and default.
type Schema struct {
	Type        string             `json:"type,omitempty" yaml:"type,omitempty"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty" yaml:"properties,omitempty"`
	Required    []string           `json:"required,omitempty" yaml:"required,omitempty"`
	Items       *Schema            `json:"items,omitempty" yaml:"items,omitempty"`
	Enum        []interface{}      `json:"enum,omitempty" yaml:"enum,omitempty"`
	Default     interface{}        `json:"default,omitempty" yaml:"default,omitempty"`
}

// Port is a named top-level field of a plugin schema.
type Port struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Required    bool   `json:"required"`
	HasDefault  bool   `json:"has_default"`
	Description string `json:"description,omitempty"`
}

// Property returns the schema of a top-level property, or nil.
func (s *Schema) Property(name string) *Schema {
	if s == nil {
		return nil
	}
	return s.Properties[name]
}

// HasProperties reports whether the schema declares any top-level fields.
func (s *Schema) HasProperties() bool {
	return s != nil && len(s.Properties) > 0
}

// IsRequired reports whether name is listed in required.
func (s *Schema) IsRequired(name string) bool {
	if s == nil {
		return false
	}
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// DefaultFor returns the declared default of a top-level property.
func (s *Schema) DefaultFor(name string) (interface{}, bool) {
	p := s.Property(name)
	if p == nil || p.Default == nil {
		return nil, false
	}
	return p.Default, true
}

// Ports lists the top-level properties sorted by name.
func (s *Schema) Ports() []Port {
	if s == nil {
		return nil
	}
	ports := make([]Port, 0, len(s.Properties))
	for name, p := range s.Properties {
		port := Port{Name: name, Required: s.IsRequired(name)}
		if p != nil {
			port.Type = p.Type
			port.Description = p.Description
			port.HasDefault = p.Default != nil
		}
		ports = append(ports, port)
	}
	// required fields that are not declared as properties are still ports
	for _, r := range s.Required {
		if _, ok := s.Properties[r]; !ok {
			ports = append(ports, Port{Name: r, Required: true})
		}
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
	return ports
}
