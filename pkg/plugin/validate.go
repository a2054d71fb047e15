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
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// Issue is a single schema violation.
type Issue struct {
	Path    string
	Keyword string
	Message string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s (%s): %s", i.Path, i.Keyword, i.Message)
}

// Validate checks data against schema and returns every violation found.
// Extra fields not declared in the schema are allowed.
func Validate(schema *Schema, data interface{}) []Issue {
	var issues []Issue
	validate(schema, data, "$", &issues)
	return issues
}

// ValidateInput validates a plugin input and returns a SchemaValidationError
// when it does not conform.
func ValidateInput(pluginID string, schema *Schema, input map[string]interface{}) error {
	issues := Validate(schema, input)
	if len(issues) == 0 {
		return nil
	}
	msgs := make([]string, len(issues))
	for i, is := range issues {
		msgs[i] = is.String()
	}
	return &sentinelerrors.SchemaValidationError{PluginID: pluginID, Issues: msgs}
}

func validate(schema *Schema, data interface{}, path string, issues *[]Issue) {
	if schema == nil {
		return
	}
	if schema.Type != "" && !matchesType(schema.Type, data) {
		*issues = append(*issues, Issue{path, "type", fmt.Sprintf("expected %s, got %s", schema.Type, describe(data))})
		return
	}

	if len(schema.Enum) > 0 && !inEnum(schema.Enum, data) {
		allowed, _ := json.Marshal(schema.Enum)
		*issues = append(*issues, Issue{path, "enum", fmt.Sprintf("value %v not in allowed values: %s", data, allowed)})
	}

	if obj, ok := asObject(data); ok {
		for _, r := range schema.Required {
			if v, exists := obj[r]; !exists || v == nil {
				*issues = append(*issues, Issue{path, "required", "missing required field: " + r})
			}
		}
		names := make([]string, 0, len(obj))
		for name := range obj {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if prop := schema.Properties[name]; prop != nil && obj[name] != nil {
				validate(prop, obj[name], path+"."+name, issues)
			}
		}
	}

	if schema.Items != nil {
		if items, ok := asArray(data); ok {
			for i, item := range items {
				validate(schema.Items, item, fmt.Sprintf("%s[%d]", path, i), issues)
			}
		}
	}
}

func matchesType(t string, data interface{}) bool {
	switch t {
	case "object":
		_, ok := asObject(data)
		return ok
	case "array":
		_, ok := asArray(data)
		return ok
	case "string":
		_, ok := data.(string)
		return ok
	case "boolean":
		_, ok := data.(bool)
		return ok
	case "number":
		_, ok := asNumber(data)
		return ok
	case "integer":
		f, ok := asNumber(data)
		return ok && f == math.Trunc(f)
	case "null":
		return data == nil
	default:
		// unknown types are not enforced
		return true
	}
}

func asObject(data interface{}) (map[string]interface{}, bool) {
	m, ok := data.(map[string]interface{})
	return m, ok
}

func asArray(data interface{}) ([]interface{}, bool) {
	if arr, ok := data.([]interface{}); ok {
		return arr, true
	}
	if data == nil {
		return nil, false
	}
	rv := reflect.ValueOf(data)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]interface{}, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func asNumber(data interface{}) (float64, bool) {
	switch v := data.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func inEnum(enum []interface{}, data interface{}) bool {
	for _, allowed := range enum {
		if reflect.DeepEqual(allowed, data) {
			return true
		}
		if a, ok := asNumber(allowed); ok {
			if d, ok := asNumber(data); ok && a == d {
				return true
			}
		}
	}
	return false
}

func describe(data interface{}) string {
	if data == nil {
		return "null"
	}
	return fmt.Sprintf("%T", data)
}
