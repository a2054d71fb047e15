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

// Package sharedtest sets up an isolated environment for command tests.
package sharedtest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/log"
	"github.com/tombee/sentinel/internal/service"
	"github.com/tombee/sentinel/pkg/events"
	"github.com/tombee/sentinel/pkg/plugin"
)

// Env is one test's config, storage and captured output.
type Env struct {
	Dir          string
	ConfigPath   string
	TemplatesDir string
	Out          *bytes.Buffer
}

// Setup writes a config using a SQLite file under a temp dir, so state
// survives across command invocations, and injects registry into every
// service the commands open. Output is captured in Env.Out.
func Setup(t *testing.T, registry *plugin.MemoryRegistry) *Env {
	t.Helper()
	dir := t.TempDir()
	env := &Env{
		Dir:          dir,
		ConfigPath:   filepath.Join(dir, "config.yaml"),
		TemplatesDir: filepath.Join(dir, "templates"),
		Out:          &bytes.Buffer{},
	}
	require.NoError(t, os.MkdirAll(env.TemplatesDir, 0o755))

	cfg := fmt.Sprintf(`storage:
  backend: sqlite
  path: %s
templates:
  dir: %s
limits:
  per_host_delay: 0s
`, filepath.Join(dir, "sentinel.db"), env.TemplatesDir)
	require.NoError(t, os.WriteFile(env.ConfigPath, []byte(cfg), 0o600))

	shared.SetConfigPathForTest(env.ConfigPath)
	shared.SetServiceOptionsForTest(service.Options{
		Logger:   log.Discard(),
		Registry: registry,
		Emitter:  events.NewEmitter(false),
	})
	prevOut := shared.Output
	shared.Output = env.Out
	t.Cleanup(func() {
		shared.ResetFlagsForTest()
		shared.SetServiceOptionsForTest(service.Options{})
		shared.Output = prevOut
	})
	return env
}

// WriteTemplate stores a template file under the templates dir.
func (e *Env) WriteTemplate(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(e.TemplatesDir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// Registry returns a registry with a subdomain enumerator that requires
// "domain" and an HTTP prober that requires "targets".
func Registry(t *testing.T) *plugin.MemoryRegistry {
	t.Helper()
	reg := plugin.NewMemoryRegistry()
	require.NoError(t, reg.RegisterFunc("subdomain_enumerator",
		&plugin.Schema{
			Type:       "object",
			Required:   []string{"domain"},
			Properties: map[string]*plugin.Schema{"domain": {Type: "string"}},
		},
		&plugin.Schema{
			Type:       "object",
			Properties: map[string]*plugin.Schema{"subdomains": {Type: "array", Items: &plugin.Schema{Type: "string"}}},
		},
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			domain, _ := input["domain"].(string)
			return map[string]any{"subdomains": []any{"www." + domain, "api." + domain}}, nil
		}))
	require.NoError(t, reg.RegisterFunc("http_prober",
		&plugin.Schema{
			Type:       "object",
			Required:   []string{"targets"},
			Properties: map[string]*plugin.Schema{"targets": {Type: "array", Items: &plugin.Schema{Type: "string"}}},
		},
		nil,
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return map[string]any{"live_hosts": input["targets"]}, nil
		}))
	return reg
}

// ReconTemplate is a two step template: enumerate then probe.
const ReconTemplate = `id: recon
name: Recon
category: discovery
steps:
  - id: enum
    plugin_id: subdomain_enumerator
  - id: probe
    plugin_id: http_prober
    depends_on: [enum]
    input_mappings:
      - target_field: targets
        source_step_id: enum
        source_path: $.subdomains
`
