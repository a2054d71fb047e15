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

package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(DefaultConfig(), nil)
	require.NoError(t, err)

	_, span := p.Tracer("test").Start(context.Background(), "noop")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_StdoutExport(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.Enabled = true

	p, err := NewProvider(cfg, &buf)
	require.NoError(t, err)

	_, span := p.Tracer("test").Start(context.Background(), "workflow.step")
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "workflow.step")
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.Exporter = "jaeger"
	_, err := NewProvider(cfg, nil)
	assert.Error(t, err)
}
