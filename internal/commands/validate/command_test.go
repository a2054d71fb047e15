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

package validate

import (
	"bytes"
	"encoding/json"
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

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()
	assert.Equal(t, "validate <template>", cmd.Use)
	assert.Equal(t, "workflow", cmd.Annotations["group"])
}

func TestValidate_File(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	path := env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)

	out, err := execute(t, path)
	require.NoError(t, err)
	assert.Contains(t, out, "recon is valid (2 steps)")
	assert.Contains(t, out, "enum → probe")
}

func TestValidate_ByName(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)

	// resolved under the templates directory
	out, err := execute(t, "recon")
	require.NoError(t, err)
	assert.Contains(t, out, "recon is valid")
}

func TestValidate_JSON(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	path := env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)
	shared.SetJSONForTest(true)

	_, err := execute(t, path)
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "validate", res.Command)
	assert.Equal(t, "recon", res.TemplateID)
	assert.Equal(t, []string{"enum", "probe"}, res.Order)
}

func TestValidate_UnknownPlugin(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	path := env.WriteTemplate(t, "bad.yaml", `id: bad
name: Bad
steps:
  - id: scan
    plugin_id: nuclei
`)
	shared.SetJSONForTest(true)

	_, err := execute(t, path)
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))

	var res struct {
		Success bool               `json:"success"`
		Errors  []shared.JSONError `json:"errors"`
	}
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &res))
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0].Message, "nuclei")
}

func TestValidate_Cycle(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	path := env.WriteTemplate(t, "cycle.yaml", `id: cycle
name: Cycle
steps:
  - id: a
    plugin_id: subdomain_enumerator
    depends_on: [b]
  - id: b
    plugin_id: subdomain_enumerator
    depends_on: [a]
`)
	_, err := execute(t, path)
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
}

func TestValidate_Missing(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))

	_, err := execute(t, filepath.Join(env.Dir, "nope"))
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}
