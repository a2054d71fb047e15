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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePath_Errors(t *testing.T) {
	for _, s := range []string{"", "$.", "$.hosts[", "$.hosts[x]", "$.hosts[-1]", "$..a", "$ .a", "$.a b"} {
		t.Run(s, func(t *testing.T) {
			_, err := ParsePath(s)
			assert.Error(t, err)
		})
	}
}

func TestPath_Eval(t *testing.T) {
	out := map[string]any{
		"domain": "example.com",
		"hosts": []any{
			map[string]any{"url": "https://a.example.com", "ports": []any{80, 443}},
			map[string]any{"url": "https://b.example.com", "ports": []any{8080}},
			map[string]any{"status": 500},
		},
		"subdomains": []string{"a.example.com", "b.example.com"},
	}

	tests := []struct {
		path  string
		want  any
		found bool
	}{
		{"$", out, true},
		{"$.domain", "example.com", true},
		{"domain", "example.com", true},
		{"$.hosts[0].url", "https://a.example.com", true},
		{"hosts[1].url", "https://b.example.com", true},
		{"$.hosts[*].url", []any{"https://a.example.com", "https://b.example.com"}, true},
		{"$.hosts[*].ports", []any{[]any{80, 443}, []any{8080}}, true},
		{"$.hosts[*].ports[*]", []any{[]any{80, 443}, []any{8080}}, true},
		{"$.subdomains[1]", "b.example.com", true},
		{"$.subdomains[*]", []any{"a.example.com", "b.example.com"}, true},
		{"$.hosts[9].url", nil, false},
		{"$.missing", nil, false},
		{"$.domain.inner", nil, false},
		{"$.domain[*]", nil, false},
		{"$.hosts[*].missing", []any{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			p, err := ParsePath(tt.path)
			require.NoError(t, err)
			got, found := p.Eval(out)
			assert.Equal(t, tt.found, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPath_HasWildcard(t *testing.T) {
	p, err := ParsePath("$.hosts[*].url")
	require.NoError(t, err)
	assert.True(t, p.HasWildcard())
	assert.Equal(t, "$.hosts[*].url", p.String())

	p, err = ParsePath("$.hosts[0].url")
	require.NoError(t, err)
	assert.False(t, p.HasWildcard())
}
