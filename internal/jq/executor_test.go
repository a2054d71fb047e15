package jq

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutor_Execute(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		data       any
		want       any
		wantErr    bool
	}{
		{
			name:       "empty expression returns data as-is",
			expression: "",
			data:       map[string]any{"foo": "bar"},
			want:       map[string]any{"foo": "bar"},
		},
		{
			name:       "simple field extraction",
			expression: ".foo",
			data:       map[string]any{"foo": "bar"},
			want:       "bar",
		},
		{
			name:       "array map",
			expression: "map(.x)",
			data:       []any{map[string]any{"x": 1}, map[string]any{"x": 2}},
			want:       []any{float64(1), float64(2)},
		},
		{
			name:       "typed go slices are accepted",
			expression: ".[0]",
			data:       []string{"a", "b"},
			want:       "a",
		},
		{
			name:       "multiple outputs collected",
			expression: ".[]",
			data:       []any{"a", "b"},
			want:       []any{"a", "b"},
		},
		{
			name:       "no output",
			expression: "empty",
			data:       map[string]any{},
			want:       nil,
		},
		{
			name:       "invalid expression",
			expression: ".[",
			data:       map[string]any{"foo": "bar"},
			wantErr:    true,
		},
		{
			name:       "runtime error",
			expression: ".foo.bar",
			data:       map[string]any{"foo": "bar"},
			wantErr:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			executor := NewExecutor(DefaultTimeout, DefaultMaxInputSize)
			got, err := executor.Execute(context.Background(), tt.expression, tt.data)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecutor_Validate(t *testing.T) {
	executor := NewExecutor(0, 0)
	assert.NoError(t, executor.Validate(""))
	assert.NoError(t, executor.Validate(".hosts[] | .url"))
	assert.Error(t, executor.Validate("map("))
}

func TestExecutor_InputSizeLimit(t *testing.T) {
	executor := NewExecutor(DefaultTimeout, 16)
	_, err := executor.Execute(context.Background(), ".", map[string]any{"payload": "this is well over sixteen bytes"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds maximum")
}

func TestExecutor_CachesCompiledPrograms(t *testing.T) {
	executor := NewExecutor(0, 0)
	_, err := executor.Run(context.Background(), ".a", map[string]any{"a": 1})
	require.NoError(t, err)
	_, err = executor.Run(context.Background(), ".a", map[string]any{"a": 2})
	require.NoError(t, err)
	assert.Len(t, executor.codes, 1)
}
