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

package templates

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/commands/shared/sharedtest"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestTemplatesList(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)

	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "recon")
	assert.Contains(t, out, "discovery")
}

func TestTemplatesList_CategoryJSON(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)
	shared.SetJSONForTest(true)

	_, err := execute(t, "list", "--category", "exploitation")
	require.NoError(t, err)

	var resp ListResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &resp))
	assert.Empty(t, resp.Templates)
}

func TestTemplatesShow(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)

	out, err := execute(t, "show", "recon")
	require.NoError(t, err)
	assert.Contains(t, out, "id: recon")
	assert.Contains(t, out, "source_path: $.subdomains")
}

func TestTemplatesShow_JSONIncludesOrder(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)
	shared.SetJSONForTest(true)

	_, err := execute(t, "show", "recon")
	require.NoError(t, err)

	var resp ShowResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &resp))
	assert.Equal(t, "Recon", resp.Template.Name)
	assert.Equal(t, []string{"enum", "probe"}, resp.Order)
}

func TestTemplatesShow_NotFound(t *testing.T) {
	sharedtest.Setup(t, sharedtest.Registry(t))

	_, err := execute(t, "show", "missing")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}

func TestTemplatesImport(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	path := filepath.Join(env.Dir, "probe-only.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`id: probe-only
name: Probe only
steps:
  - id: probe
    plugin_id: http_prober
`), 0o600))

	out, err := execute(t, "import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "stored template probe-only")

	// stored in the backend, so a later invocation finds it by id
	out, err = execute(t, "show", "probe-only")
	require.NoError(t, err)
	assert.Contains(t, out, "name: Probe only")
}

func TestTemplatesImport_Invalid(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	path := filepath.Join(env.Dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`id: bad
name: Bad
steps:
  - id: scan
    plugin_id: nuclei
`), 0o600))

	_, err := execute(t, "import", path)
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
}
