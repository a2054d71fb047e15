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

package executions

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/commands/shared/sharedtest"
	"github.com/tombee/sentinel/internal/service"
	"github.com/tombee/sentinel/pkg/workflow"
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

// seed runs the recon template once per program and returns execution ids.
func seed(t *testing.T, programs ...string) []string {
	t.Helper()
	var ids []string
	require.NoError(t, shared.WithService(func(svc *service.Service) error {
		tmpl, err := svc.GetTemplate(context.Background(), "recon")
		require.NoError(t, err)
		for _, p := range programs {
			exec, err := svc.RunWorkflow(context.Background(), tmpl, p, map[string]any{"domain": p + ".example"})
			require.NoError(t, err)
			ids = append(ids, exec.ID)
		}
		return nil
	}))
	return ids
}

func setup(t *testing.T) *sharedtest.Env {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	env.WriteTemplate(t, "recon.yaml", sharedtest.ReconTemplate)
	return env
}

func TestExecutionsList(t *testing.T) {
	env := setup(t)
	ids := seed(t, "acme", "globex")
	shared.SetJSONForTest(true)

	_, err := execute(t, "list", "--program", "acme")
	require.NoError(t, err)

	var resp ListResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &resp))
	require.Len(t, resp.Executions, 1)
	assert.Equal(t, ids[0], resp.Executions[0].ID)
	assert.Equal(t, workflow.StatusCompleted, resp.Executions[0].Status)
}

func TestExecutionsList_Table(t *testing.T) {
	setup(t)
	ids := seed(t, "acme")

	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, ids[0])
	assert.Contains(t, out, "2/2")
}

func TestExecutionsList_BadStatus(t *testing.T) {
	setup(t)

	_, err := execute(t, "list", "--status", "exploded")
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
}

func TestExecutionsShow(t *testing.T) {
	setup(t)
	ids := seed(t, "acme")

	out, err := execute(t, "show", ids[0])
	require.NoError(t, err)
	assert.Contains(t, out, "Recon")
	assert.Contains(t, out, "acme")
	assert.Contains(t, out, "probe")
}

func TestExecutionsShow_NotFound(t *testing.T) {
	setup(t)

	_, err := execute(t, "show", "nope")
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}

func TestExecutionsCancel_Stale(t *testing.T) {
	env := setup(t)
	// a running execution left behind by a process that exited
	require.NoError(t, shared.WithService(func(svc *service.Service) error {
		started := time.Now()
		return svc.Executor().Store().Create(context.Background(), &workflow.Execution{
			ID:          "stale-1",
			TemplateID:  "recon",
			Status:      workflow.StatusRunning,
			CreatedAt:   started,
			StartedAt:   &started,
			StepResults: map[string]*workflow.StepResult{},
		})
	}))
	shared.SetJSONForTest(true)

	_, err := execute(t, "cancel", "stale-1")
	require.NoError(t, err)

	var resp shared.ExecutionResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &resp))
	assert.Equal(t, workflow.StatusCancelled, resp.Execution.Status)
}

func TestExecutionsPause_NotActive(t *testing.T) {
	setup(t)
	ids := seed(t, "acme")

	_, err := execute(t, "pause", ids[0])
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))
}
