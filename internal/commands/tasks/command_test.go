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

package tasks

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sentinel/internal/commands/shared"
	"github.com/tombee/sentinel/internal/commands/shared/sharedtest"
	"github.com/tombee/sentinel/internal/monitor"
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

// executeJSON runs a command with --json and decodes the tasks it returns.
func executeJSON(t *testing.T, env *sharedtest.Env, args ...string) []*monitor.Task {
	t.Helper()
	env.Out.Reset()
	shared.SetJSONForTest(true)
	defer shared.SetJSONForTest(false)

	_, err := execute(t, args...)
	require.NoError(t, err)
	var resp TasksResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &resp))
	return resp.Tasks
}

func TestTasksCreate(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))

	tasks := executeJSON(t, env, "create", "--program", "acme", "--name", "DNS watch",
		"--interval", "6h", "--category", "dns", "--category", "CERTIFICATE", "--target", "acme.com",
		"--min-severity", "high")
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "acme", task.ProgramID)
	assert.Equal(t, int64(6*3600), task.IntervalSecs)
	assert.True(t, task.Enabled)
	assert.Equal(t, []monitor.Category{monitor.CategoryDNS, monitor.CategoryCertificate}, task.Config.Enabled())
	assert.Equal(t, []string{"acme.com"}, task.Config.Targets)
	assert.Equal(t, monitor.SeverityHigh, task.Config.AutoTriggerMinSeverity)
}

func TestTasksCreate_Invalid(t *testing.T) {
	sharedtest.Setup(t, sharedtest.Registry(t))

	tests := []struct {
		name string
		args []string
		code int
	}{
		{"unknown category", []string{"--category", "smtp"}, shared.ExitInvalid},
		{"unknown severity", []string{"--min-severity", "urgent"}, shared.ExitInvalid},
		{"sub-second interval", []string{"--interval", "10ms"}, shared.ExitInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"create", "-p", "acme", "--name", "x"}, tt.args...)
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, shared.ExitCode(err))
		})
	}
}

func TestTasksCreate_RequiresProgram(t *testing.T) {
	sharedtest.Setup(t, sharedtest.Registry(t))

	_, err := execute(t, "create", "--name", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "program")
}

func TestTasksDefaultsAndList(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))

	created := executeJSON(t, env, "defaults", "--program", "acme")
	require.Len(t, created, 2)
	executeJSON(t, env, "create", "-p", "globex", "--name", "other")

	assert.Len(t, executeJSON(t, env, "list"), 3)
	assert.Len(t, executeJSON(t, env, "list", "--program", "acme"), 2)

	out, err := execute(t, "list", "-p", "acme")
	require.NoError(t, err)
	assert.Contains(t, out, "DNS & Certificate Monitor")
	assert.Contains(t, out, "6h0m0s")
}

func TestTasksUpdateToggleDelete(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	id := executeJSON(t, env, "create", "-p", "acme", "--name", "watch")[0].ID

	updated := executeJSON(t, env, "update", id, "--name", "renamed", "--interval", "1h")
	assert.Equal(t, "renamed", updated[0].Name)
	assert.Equal(t, int64(3600), updated[0].IntervalSecs)

	assert.False(t, executeJSON(t, env, "disable", id)[0].Enabled)
	assert.True(t, executeJSON(t, env, "enable", id)[0].Enabled)

	_, err := execute(t, "update", id)
	require.Error(t, err)
	assert.Equal(t, shared.ExitInvalid, shared.ExitCode(err))

	_, err = execute(t, "delete", id)
	require.NoError(t, err)
	_, err = execute(t, "enable", id)
	require.Error(t, err)
	assert.Equal(t, shared.ExitNotFound, shared.ExitCode(err))
}

func TestTasksRunAndStats(t *testing.T) {
	env := sharedtest.Setup(t, sharedtest.Registry(t))
	id := executeJSON(t, env, "create", "-p", "acme", "--name", "dns",
		"--category", "dns", "--target", "acme.com")[0].ID

	env.Out.Reset()
	shared.SetJSONForTest(true)
	_, err := execute(t, "run", id)
	require.NoError(t, err)
	var resp RunResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &resp))
	shared.SetJSONForTest(false)

	report := resp.Report
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Targets)
	assert.Equal(t, 1, report.Observations)
	assert.Zero(t, report.ChainFailures)
	// the first observation is the baseline
	assert.Empty(t, report.Events)

	out, err := execute(t, "run", id)
	require.NoError(t, err)
	assert.Contains(t, out, "no changes detected")

	env.Out.Reset()
	shared.SetJSONForTest(true)
	_, err = execute(t, "stats")
	require.NoError(t, err)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(env.Out.Bytes(), &stats))
	assert.Equal(t, 1, stats.Stats.TotalTasks)
	assert.Equal(t, int64(2), stats.Stats.TotalRuns)
}
