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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sentinel/internal/jq"
)

func TestParseTransform(t *testing.T) {
	for _, s := range []string{"", "first", "flatten", "map:url", "map:host", "map:domain", "map:ip", "map:port", "map:string"} {
		tr, err := ParseTransform(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, tr.String())
	}
	for _, s := range []string{"last", "map:", "map:email", "FIRST"} {
		_, err := ParseTransform(s)
		assert.Error(t, err, s)
	}
}

func TestTransform_FirstAndFlatten(t *testing.T) {
	ctx := context.Background()
	first := Transform{Kind: TransformFirst}
	flatten := Transform{Kind: TransformFlatten}

	v, found, err := first.Apply(ctx, nil, []any{"a", "b"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "a", v)

	_, found, err = first.Apply(ctx, nil, []any{})
	require.NoError(t, err)
	assert.False(t, found)

	v, found, err = flatten.Apply(ctx, nil, []any{[]any{1, 2}, 3, []any{[]any{4}}})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []any{1, 2, 3, []any{4}}, v)
}

func TestTransform_Projections(t *testing.T) {
	exec := jq.NewExecutor(0, 0)
	tests := []struct {
		kind string
		in   any
		want any
	}{
		{"url", []any{"a.example.com", "http://b.example.com", map[string]any{"url": "https://c.example.com"}, 7}, []any{"https://a.example.com", "http://b.example.com", "https://c.example.com"}},
		{"host", []any{"https://A.example.com:8443/login", map[string]any{"hostname": "b.example.com"}}, []any{"a.example.com", "b.example.com"}},
		{"domain", []any{"*.example.com", "https://api.example.com/v1"}, []any{"example.com", "api.example.com"}},
		{"ip", []any{"10.0.0.1", "not-an-ip", map[string]any{"ip": "192.168.1.5"}}, []any{"10.0.0.1", "192.168.1.5"}},
		{"port", []any{443, "8080", "https://a.example.com:8443/x", map[string]any{"port": 22}, 70000, "http"}, []any{443, 8080, 8443, 22}},
		{"string", []any{"a", 1, nil, true}, []any{"a", "1", "true"}},
		{"url", "a.example.com", "https://a.example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			tr, err := ParseTransform("map:" + tt.kind)
			require.NoError(t, err)
			got, found, err := tr.Apply(context.Background(), exec, tt.in)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTransform_ProjectionOfUnmappableScalar(t *testing.T) {
	tr, err := ParseTransform("map:ip")
	require.NoError(t, err)
	_, found, err := tr.Apply(context.Background(), jq.NewExecutor(0, 0), "example.com")
	require.NoError(t, err)
	assert.False(t, found)
}
