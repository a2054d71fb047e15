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

// Package artifact turns raw plugin output into typed, countable artifacts.
package artifact

import (
	"reflect"
	"sort"
)

// Type is the kind of an artifact.
type Type string

const (
	Subdomains   Type = "subdomains"
	LiveHosts    Type = "live_hosts"
	Technologies Type = "technologies"
	Directories  Type = "directories"
	Endpoints    Type = "endpoints"
	Secrets      Type = "secrets"
	Finding      Type = "finding"
	Evidence     Type = "evidence"
	Asset        Type = "asset"
	RawData      Type = "raw_data"
)

// Artifact is one typed slice of a plugin's output.
// For collection types Data is a []any and Count its length; for RawData
// Data holds the unclassified keys and Count is 1.
type Artifact struct {
	Type   Type   `json:"artifact_type"`
	Data   any    `json:"data"`
	Count  int    `json:"count"`
	Source string `json:"source,omitempty"`
}

// Items returns the elements of a collection artifact, or the payload
// itself as a single element.
func (a Artifact) Items() []any {
	if items, ok := a.Data.([]any); ok {
		return items
	}
	if a.Data == nil {
		return nil
	}
	return []any{a.Data}
}

// collection keys in classification order; aliases merge into one artifact.
var collectionKeys = []struct {
	key string
	typ Type
}{
	{"subdomains", Subdomains},
	{"hosts", LiveHosts},
	{"liveHosts", LiveHosts},
	{"live_hosts", LiveHosts},
	{"technologies", Technologies},
	{"techStack", Technologies},
	{"directories", Directories},
	{"paths", Directories},
	{"endpoints", Endpoints},
	{"secrets", Secrets},
	{"findings", Finding},
	{"vulnerabilities", Finding},
	{"evidence", Evidence},
	{"assets", Asset},
}

// single-object keys that count as one finding
var objectKeys = []string{"finding", "vulnerability"}

// envelopeKey wraps the real payload in some plugin responses.
const envelopeKey = "data"

// Classify splits raw into artifacts. It never fails: anything it does not
// recognise, including malformed values under known keys, ends up in a
// single RawData artifact. A nil or empty output yields no artifacts.
func Classify(pluginID string, raw any) []Artifact {
	obj, ok := raw.(map[string]any)
	if !ok {
		if raw == nil {
			return []Artifact{}
		}
		return []Artifact{{Type: RawData, Data: raw, Count: 1, Source: pluginID}}
	}

	leftover := map[string]any{}
	payload := obj
	if !hasKnownKey(obj) {
		if inner, ok := obj[envelopeKey].(map[string]any); ok {
			payload = inner
			for k, v := range obj {
				if k != envelopeKey {
					leftover[k] = v
				}
			}
		}
	}

	out := classifyObject(pluginID, payload, leftover)
	if len(leftover) > 0 {
		out = append(out, Artifact{Type: RawData, Data: leftover, Count: 1, Source: pluginID})
	}
	return out
}

func classifyObject(pluginID string, obj map[string]any, leftover map[string]any) []Artifact {
	consumed := make(map[string]bool, len(obj))
	merged := make(map[Type][]any)
	var order []Type

	add := func(typ Type, items []any) {
		if _, seen := merged[typ]; !seen {
			order = append(order, typ)
		}
		merged[typ] = append(merged[typ], items...)
	}

	for _, ck := range collectionKeys {
		v, present := obj[ck.key]
		if !present {
			continue
		}
		items, ok := asSlice(v)
		if !ok {
			// malformed; preserved below as raw data
			continue
		}
		consumed[ck.key] = true
		if len(items) > 0 {
			add(ck.typ, items)
		}
	}

	for _, key := range objectKeys {
		v, present := obj[key]
		if !present {
			continue
		}
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			consumed[key] = true
			add(Finding, []any{m})
		}
	}

	for k, v := range obj {
		if !consumed[k] {
			leftover[k] = v
		}
	}

	out := make([]Artifact, 0, len(order)+1)
	for _, typ := range order {
		items := merged[typ]
		out = append(out, Artifact{Type: typ, Data: items, Count: len(items), Source: pluginID})
	}
	return out
}

func hasKnownKey(obj map[string]any) bool {
	for _, ck := range collectionKeys {
		if _, ok := obj[ck.key]; ok {
			return true
		}
	}
	for _, key := range objectKeys {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

// asSlice accepts []any and any other slice or array kind.
func asSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

// FindingsCount sums the counts of finding artifacts.
func FindingsCount(artifacts []Artifact) int {
	n := 0
	for _, a := range artifacts {
		if a.Type == Finding {
			n += a.Count
		}
	}
	return n
}

// ByType indexes artifacts by type.
func ByType(artifacts []Artifact) map[Type]Artifact {
	out := make(map[Type]Artifact, len(artifacts))
	for _, a := range artifacts {
		out[a.Type] = a
	}
	return out
}

// Types lists the distinct artifact types present, sorted.
func Types(artifacts []Artifact) []Type {
	seen := make(map[Type]bool, len(artifacts))
	var out []Type
	for _, a := range artifacts {
		if !seen[a.Type] {
			seen[a.Type] = true
			out = append(out, a.Type)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
