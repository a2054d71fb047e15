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

package run

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/commands/shared/sharedtest"
	"github.com/tombee/sentinel/pkg/workflow"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestNewCommand(t *testing.T) {
	cmd := NewCommand()
	assert.Equal(t, "run <template>", cmd.Use)
	for _, name := range []string{"input", "input-file", "program", "timeout", "timeline"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestRun_StoredTemplate(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)
	shared.SetJSONForTest(true)

	_, err := execute(t, "recon", "--input", "domain=example.com", "--program", "prog-1")
	require.NoError(t, err)

	var resp shared.ExecutionResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &resp))
	assert.True(t, resp.Success)
	exec := resp.Execution
	require.NotNil(t, exec)
	assert.Equal(t, workflow.StatusCompleted, exec.Status)
	assert.Equal(t, "prog-1", exec.ProgramID)
	assert.Equal(t, []any{"www.example.com", "api.example.com"}, exec.StepResults["probe"].Output["live_hosts"])
}

func TestRun_HumanOutput(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	path := env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)

	out, err := execute(t, path, "-i", "domain=example.com")
	require.NoError(t, err)
	assert.Contains(t, out, "Recon")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "enum")
	assert.Contains(t, out, "probe")
}

func TestRun_InputFile(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)
	inputs := filepath.Join(env.Dir, "inputs.json")
	require.NoError(t, os.WriteFile(inputs, []byte(`{"domain":"file.example"}`), 0o600))
	shared.SetJSONForTest(true)

	_, err := execute(t, "recon", "--input-file", inputs, "--input", "domain=flag.example")
	require.NoError(t, err)

	var resp shared.ExecutionResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &resp))
	assert.Equal(t, "flag.example", resp.Execution.Inputs["domain"])
}

func TestRun_InputFromStdin(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)
	prev := shared.Stdin
	shared.Stdin = strings.NewReader(`{"domain":"stdin.example"}`)
	t.Cleanup(func() { shared.Stdin = prev })
	shared.SetJSONForTest(true)

	_, err := execute(t, "recon", "--input-file", "-")
	require.NoError(t, err)

	var resp shared.ExecutionResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &resp))
	assert.Equal(t, "stdin.example", resp.Execution.Inputs["domain"])
}

func TestRun_MissingRequiredInput(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)
	shared.SetJSONForTest(true)

	// no domain: enum fails, probe is blocked
	_, err := execute(t, "recon")
	require.NoError(t, err)

	var resp shared.ExecutionResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &resp))
	assert.Equal(t, workflow.StatusCompletedWithErrors, resp.Execution.Status)
	assert.Equal(t, workflow.StepFailed, resp.Execution.StepResults["enum"].Status)
	assert.Equal(t, workflow.StepBlocked, resp.Execution.StepResults["probe"].Status)
}

func TestRun_UnknownTemplate(t *testing.T) {
	sharedtest.Setup(t, sharedtest.Registry(t))

	_, err := execute(t, "nope")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}

func TestRun_BadInput(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)

	_, err := execute(t, "recon", "--input", "domain")
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
}

func TestRun_FailedPlugin(t *testing.T) {
	reg := sharedtest.Registry(t)
	require.NoError(t, reg.RegisterFunc("broken", nil, nil,
		func(ctx context.Context, input map[string]any) (map[string]any, error) {
			return nil, errors.New("boom")
		}))
	env := sharedtest.Setup(t, reg)
	path := env.WriteTemplate(t, "broken.yaml", `id: broken
name: Broken
steps:
  - id: only
    plugin_id: broken
    retry:
      max_attempts: 1
`)

	out, err := execute(t, path)
	require.NoError(t, err)
	assert.Contains(t, out, "boom")
}
