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
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

type segmentKind int

const (
	segField segmentKind = iota
	segIndex
	segWildcard
)

type segment struct {
	kind  segmentKind
	field string
	index int
}

// Path is a parsed source path. The grammar is closed:
//
//	$          the whole output
//	.field     object member
//	[N]        array element (0-based)
//	[*]        every array element
//
// A leading "$" is optional, so "hosts[0].url" and "$.hosts[0].url" are the same path.
type Path struct {
	raw  string
	segs []segment
}

// ParsePath parses s, rejecting anything outside the grammar.
func ParsePath(s string) (*Path, error) {
	raw := strings.TrimSpace(s)
	rest := raw
	if rest == "" {
		return nil, fmt.Errorf("empty path")
	}
	if strings.HasPrefix(rest, "$") {
		rest = rest[1:]
	} else if rest[0] != '.' && rest[0] != '[' {
		rest = "." + rest
	}

	p := &Path{raw: raw}
	for i := 0; i < len(rest); {
		switch rest[i] {
		case '.':
			j := i + 1
			for j < len(rest) && isFieldChar(rest[j]) {
				j++
			}
			if j == i+1 {
				return nil, fmt.Errorf("path %q: expected field name at offset %d", raw, i+1)
			}
			p.segs = append(p.segs, segment{kind: segField, field: rest[i+1 : j]})
			i = j
		case '[':
			end := strings.IndexByte(rest[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("path %q: unclosed bracket", raw)
			}
			inner := rest[i+1 : i+end]
			if inner == "*" {
				p.segs = append(p.segs, segment{kind: segWildcard})
			} else {
				n, err := strconv.Atoi(inner)
				if err != nil || n < 0 {
					return nil, fmt.Errorf("path %q: invalid index %q", raw, inner)
				}
				p.segs = append(p.segs, segment{kind: segIndex, index: n})
			}
			i += end + 1
		default:
			return nil, fmt.Errorf("path %q: unexpected %q at offset %d", raw, rest[i], i)
		}
	}
	return p, nil
}

func isFieldChar(c byte) bool {
	return c == '_' || c == '-' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// String returns the path as written.
func (p *Path) String() string {
	return p.raw
}

// HasWildcard reports whether evaluation yields a sequence.
func (p *Path) HasWildcard() bool {
	for _, s := range p.segs {
		if s.kind == segWildcard {
			return true
		}
	}
	return false
}

// Eval walks v. A wildcard yields one value per element, dropping elements
// where the rest of the path does not resolve; nested wildcards nest.
// found is false when a non-wildcard step is missing.
func (p *Path) Eval(v any) (any, bool) {
	return eval(v, p.segs)
}

func eval(current any, segs []segment) (any, bool) {
	for i, seg := range segs {
		switch seg.kind {
		case segField:
			m, ok := current.(map[string]any)
			if !ok {
				return nil, false
			}
			next, ok := m[seg.field]
			if !ok {
				return nil, false
			}
			current = next
		case segIndex:
			items, ok := toSlice(current)
			if !ok || seg.index >= len(items) {
				return nil, false
			}
			current = items[seg.index]
		case segWildcard:
			items, ok := toSlice(current)
			if !ok {
				return nil, false
			}
			out := make([]any, 0, len(items))
			for _, item := range items {
				if v, ok := eval(item, segs[i+1:]); ok {
					out = append(out, v)
				}
			}
			return out, true
		}
	}
	return current, true
}

func toSlice(v any) ([]any, bool) {
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
