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

package dataflow

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/tombee/sentinel/internal/jq"
)

// TransformKind names a post-extraction transform.
type TransformKind string

const (
	TransformNone    TransformKind = ""
	TransformFirst   TransformKind = "first"
	TransformFlatten TransformKind = "flatten"
	TransformMap     TransformKind = "map"
)

const mapPrefix = "map:"

// projections are the fixed map:<kind> programs, applied to one element
// at a time. A null result drops the element.
var projections = map[string]string{
	"url": `
		if type == "string" then
			(if test("^[a-zA-Z][a-zA-Z0-9+.-]*://") then . else "https://" + . end)
		elif type == "object" then
			(.url // .href // .endpoint // (if (.host | type) == "string" then "https://" + .host else null end))
		else null end`,
	"host": `
		def hoststr: sub("^[a-zA-Z][a-zA-Z0-9+.-]*://"; "") | sub("[/?#].*$"; "") | sub(":[0-9]+$"; "") | ascii_downcase;
		if type == "string" then hoststr
		elif type == "object" then ((.host // .hostname // .subdomain // .domain // .url) | if type == "string" then hoststr else null end)
		else null end`,
	"domain": `
		def domainstr: sub("^[a-zA-Z][a-zA-Z0-9+.-]*://"; "") | sub("[/?#].*$"; "") | sub(":[0-9]+$"; "") | ascii_downcase | ltrimstr("*.");
		if type == "string" then domainstr
		elif type == "object" then ((.domain // .subdomain // .host // .hostname // .url) | if type == "string" then domainstr else null end)
		else null end`,
	"ip": `
		def ipstr: if test("^[0-9]{1,3}(\\.[0-9]{1,3}){3}$") or test("^[0-9a-fA-F]*:[0-9a-fA-F:]+$") then . else null end;
		if type == "string" then ipstr
		elif type == "object" then ((.ip // .ip_address // .address) | if type == "string" then ipstr else null end)
		else null end`,
	"port": `
		def portnum:
			if type == "number" then floor
			elif type == "string" then ((capture(":(?<p>[0-9]+)(/|$)").p // .) | try tonumber catch null)
			else null end;
		(if type == "object" then (.port // .Port) else . end) | portnum
		| if . == null or . < 1 or . > 65535 then null else . end`,
	"string": `if type == "null" then null elif type == "string" then . else tojson end`,
}

// ProjectionKinds lists the map:<kind> names, sorted.
func ProjectionKinds() []string {
	kinds := make([]string, 0, len(projections))
	for k := range projections {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Transform is a parsed transform expression.
type Transform struct {
	Kind TransformKind

	// Projection is the map:<kind> name when Kind is TransformMap
	Projection string
}

// ParseTransform parses "", "first", "flatten" or "map:<kind>".
func ParseTransform(s string) (Transform, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Transform{}, nil
	case s == string(TransformFirst):
		return Transform{Kind: TransformFirst}, nil
	case s == string(TransformFlatten):
		return Transform{Kind: TransformFlatten}, nil
	case strings.HasPrefix(s, mapPrefix):
		kind := strings.TrimPrefix(s, mapPrefix)
		if _, ok := projections[kind]; !ok {
			return Transform{}, fmt.Errorf("unknown projection %q (known: %s)", kind, strings.Join(ProjectionKinds(), ", "))
		}
		return Transform{Kind: TransformMap, Projection: kind}, nil
	default:
		return Transform{}, fmt.Errorf("unknown transform %q", s)
	}
}

// String renders the transform in its parseable form.
func (t Transform) String() string {
	if t.Kind == TransformMap {
		return mapPrefix + t.Projection
	}
	return string(t.Kind)
}

// Apply runs the transform. found is false when the result is nothing.
func (t Transform) Apply(ctx context.Context, exec *jq.Executor, v any) (any, bool, error) {
	switch t.Kind {
	case TransformNone:
		return v, true, nil
	case TransformFirst:
		items, ok := toSlice(v)
		if !ok {
			// a scalar is its own head
			return v, v != nil, nil
		}
		if len(items) == 0 {
			return nil, false, nil
		}
		return items[0], true, nil
	case TransformFlatten:
		items, ok := toSlice(v)
		if !ok {
			return v, v != nil, nil
		}
		out := make([]any, 0, len(items))
		for _, item := range items {
			if nested, ok := toSlice(item); ok {
				out = append(out, nested...)
			} else {
				out = append(out, item)
			}
		}
		return out, true, nil
	case TransformMap:
		return t.project(ctx, exec, v)
	default:
		return nil, false, fmt.Errorf("unknown transform %q", t.Kind)
	}
}

func (t Transform) project(ctx context.Context, exec *jq.Executor, v any) (any, bool, error) {
	program := projections[t.Projection]
	items, isSeq := toSlice(v)
	if !isSeq {
		out, err := projectOne(ctx, exec, program, v)
		if err != nil {
			return nil, false, err
		}
		return out, out != nil, nil
	}

	out := make([]any, 0, len(items))
	for _, item := range items {
		p, err := projectOne(ctx, exec, program, item)
		if err != nil {
			return nil, false, err
		}
		if p != nil {
			out = append(out, p)
		}
	}
	return out, true, nil
}

func projectOne(ctx context.Context, exec *jq.Executor, program string, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	out, err := exec.Execute(ctx, program, v)
	if err != nil {
		return nil, fmt.Errorf("projection: %w", err)
	}
	return integral(out), nil
}

// integral turns whole float64 results back into ints.
func integral(v any) any {
	f, ok := v.(float64)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return v
	}
	return int(f)
}
