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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sentinel/internal/monitor"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/workflow"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// createTestBackend creates a SQLite backend in a temporary directory.
func createTestBackend(t *testing.T) *Backend {
	t.Helper()
	be, err := New(Config{Path: filepath.Join(t.TempDir(), "test.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { be.Close() })
	return be
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(Config{})
	var cfgErr *sentinelerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "storage.path", cfgErr.Key)
}

func TestExecution_CreateGetUpdate(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	exec := &workflow.Execution{
		ID:         "exec-1",
		TemplateID: "recon",
		ProgramID:  "prog-1",
		Inputs:     map[string]any{"domain": "example.com"},
		Steps:      []workflow.Step{{ID: "enum", PluginID: "subdomain_enumerator"}},
		Status:     workflow.StatusPending,
		CreatedAt:  t0,
	}
	require.NoError(t, be.Create(ctx, exec))

	err := be.Create(ctx, exec)
	var verr *sentinelerrors.ValidationError
	require.ErrorAs(t, err, &verr)

	got, err := be.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "recon", got.TemplateID)
	assert.Equal(t, "example.com", got.Inputs["domain"])
	assert.Equal(t, workflow.StatusPending, got.Status)
	assert.Empty(t, got.StepResults)

	exec.Status = workflow.StatusCompleted
	exec.StepResults = map[string]*workflow.StepResult{
		"enum": {StepID: "enum", PluginID: "subdomain_enumerator", Status: workflow.StepSuccess, Success: true},
	}
	require.NoError(t, be.Update(ctx, exec))

	got, err = be.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusCompleted, got.Status)
	require.Contains(t, got.StepResults, "enum")
	assert.True(t, got.StepResults["enum"].Success)

	_, err = be.Get(ctx, "missing")
	assert.ErrorIs(t, err, sentinelerrors.ErrNotFound)
	assert.ErrorIs(t, be.Update(ctx, &workflow.Execution{ID: "missing", CreatedAt: t0}), sentinelerrors.ErrNotFound)
}

func TestExecution_SaveStepResult(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.Create(ctx, &workflow.Execution{ID: "exec-1", TemplateID: "t", Status: workflow.StatusRunning, CreatedAt: t0}))

	require.NoError(t, be.SaveStepResult(ctx, "exec-1", &workflow.StepResult{
		StepID: "a", Status: workflow.StepFailed, Error: "boom", AttemptCount: 3,
	}))
	require.NoError(t, be.SaveStepResult(ctx, "exec-1", &workflow.StepResult{
		StepID: "a", Status: workflow.StepSuccess, Success: true, AttemptCount: 1,
	}))
	require.NoError(t, be.SaveStepResult(ctx, "exec-1", &workflow.StepResult{
		StepID: "b", Status: workflow.StepBlocked,
	}))

	got, err := be.Get(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, got.StepResults, 2)
	assert.True(t, got.StepResults["a"].Success)
	assert.Equal(t, 1, got.StepResults["a"].AttemptCount)
	assert.Equal(t, workflow.StepBlocked, got.StepResults["b"].Status)

	err = be.SaveStepResult(ctx, "missing", &workflow.StepResult{StepID: "a"})
	assert.ErrorIs(t, err, sentinelerrors.ErrNotFound)
}

func TestExecution_ListAndDelete(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	for i, spec := range []struct {
		id, template, program string
		status                workflow.Status
	}{
		{"e1", "recon", "p1", workflow.StatusCompleted},
		{"e2", "recon", "p2", workflow.StatusFailed},
		{"e3", "deep", "p1", workflow.StatusCompleted},
		{"e4", "recon", "p1", workflow.StatusRunning},
	} {
		require.NoError(t, be.Create(ctx, &workflow.Execution{
			ID:         spec.id,
			TemplateID: spec.template,
			ProgramID:  spec.program,
			Status:     spec.status,
			CreatedAt:  t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, be.SaveStepResult(ctx, "e3", &workflow.StepResult{StepID: "s", Success: true}))

	ids := func(execs []*workflow.Execution) []string {
		out := make([]string, len(execs))
		for i, e := range execs {
			out[i] = e.ID
		}
		return out
	}

	all, err := be.List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e3", "e2", "e1"}, ids(all))
	require.Contains(t, all[1].StepResults, "s")

	completed := workflow.StatusCompleted
	got, err := be.List(ctx, &workflow.Query{Status: &completed})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e1"}, ids(got))

	got, err = be.List(ctx, &workflow.Query{TemplateID: "recon", ProgramID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"e4", "e1"}, ids(got))

	got, err = be.List(ctx, &workflow.Query{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"e3", "e2"}, ids(got))

	got, err = be.List(ctx, &workflow.Query{Offset: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, ids(got))

	require.NoError(t, be.Delete(ctx, "e3"))
	assert.ErrorIs(t, be.Delete(ctx, "e3"), sentinelerrors.ErrNotFound)
	_, err = be.Get(ctx, "e3")
	assert.ErrorIs(t, err, sentinelerrors.ErrNotFound)
}

func TestExecution_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentinel.db")
	ctx := context.Background()

	be, err := New(Config{Path: path})
	require.NoError(t, err)
	require.NoError(t, be.Create(ctx, &workflow.Execution{ID: "exec-1", TemplateID: "t", Status: workflow.StatusCompleted, CreatedAt: t0}))
	require.NoError(t, be.Close())

	be, err = New(Config{Path: path})
	require.NoError(t, err)
	defer be.Close()
	got, err := be.Get(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, got.CreatedAt.Equal(t0))
}

func TestTemplates(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.PutTemplate(ctx, &workflow.Template{ID: "web", Name: "Web"}))
	require.NoError(t, be.PutTemplate(ctx, &workflow.Template{
		ID:    "recon",
		Name:  "Recon",
		Steps: []workflow.Step{{ID: "enum", PluginID: "subdomain_enumerator"}},
	}))
	require.NoError(t, be.PutTemplate(ctx, &workflow.Template{ID: "web", Name: "Web v2"}))

	list, err := be.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "recon", list[0].ID)
	assert.Equal(t, "Web v2", list[1].Name)

	got, err := be.GetTemplate(ctx, "recon")
	require.NoError(t, err)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "subdomain_enumerator", got.Steps[0].PluginID)

	require.NoError(t, be.DeleteTemplate(ctx, "web"))
	_, err = be.GetTemplate(ctx, "web")
	assert.ErrorIs(t, err, sentinelerrors.ErrNotFound)
	assert.ErrorIs(t, be.DeleteTemplate(ctx, "web"), sentinelerrors.ErrNotFound)

	var verr *sentinelerrors.ValidationError
	assert.ErrorAs(t, be.PutTemplate(ctx, &workflow.Template{}), &verr)
}

func TestMonitorTasks(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()
	stores := be.MonitorStores()

	cfg := monitor.DefaultConfig()
	for i, id := range []string{"task-2", "task-1"} {
		require.NoError(t, stores.Tasks.CreateTask(ctx, &monitor.Task{
			ID:           id,
			ProgramID:    "p1",
			Name:         id,
			IntervalSecs: 3600,
			Enabled:      true,
			Config:       cfg.Clone(),
			CreatedAt:    t0.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, stores.Tasks.CreateTask(ctx, &monitor.Task{ID: "other", ProgramID: "p2", CreatedAt: t0}))

	var verr *sentinelerrors.ValidationError
	assert.ErrorAs(t, stores.Tasks.CreateTask(ctx, &monitor.Task{ID: "task-1", ProgramID: "p1"}), &verr)

	tasks, err := stores.Tasks.ListTasks(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "task-2", tasks[0].ID)
	assert.Equal(t, "task-1", tasks[1].ID)
	assert.Len(t, tasks[0].Config.Categories, len(cfg.Categories))

	all, err := stores.Tasks.ListTasks(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	next := t0.Add(time.Hour)
	task, err := stores.Tasks.GetTask(ctx, "task-1")
	require.NoError(t, err)
	task.RunCount = 4
	task.NextRunAt = &next
	require.NoError(t, stores.Tasks.UpdateTask(ctx, task))

	task, err = stores.Tasks.GetTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), task.RunCount)
	require.NotNil(t, task.NextRunAt)
	assert.True(t, task.NextRunAt.Equal(next))

	require.NoError(t, stores.Tasks.DeleteTask(ctx, "task-1"))
	_, err = stores.Tasks.GetTask(ctx, "task-1")
	assert.ErrorIs(t, err, sentinelerrors.ErrNotFound)
	assert.ErrorIs(t, stores.Tasks.DeleteTask(ctx, "task-1"), sentinelerrors.ErrNotFound)
	assert.ErrorIs(t, stores.Tasks.UpdateTask(ctx, &monitor.Task{ID: "task-1"}), sentinelerrors.ErrNotFound)
}

func TestMonitorEvents(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	events := []*monitor.ChangeEvent{
		{ID: "ev-1", ProgramID: "p1", AssetID: "a1", EventType: monitor.EventDNSChange, Severity: monitor.SeverityLow, Status: monitor.StatusNew, DetectedAt: t0},
		{ID: "ev-2", ProgramID: "p1", AssetID: "a2", EventType: monitor.EventPortChange, Severity: monitor.SeverityHigh, Status: monitor.StatusNew, DetectedAt: t0.Add(time.Minute)},
		{ID: "ev-3", ProgramID: "p1", AssetID: "a1", EventType: monitor.EventCertificateChange, Severity: monitor.SeverityMedium, Status: monitor.StatusNew, DetectedAt: t0.Add(2 * time.Minute)},
		{ID: "ev-4", ProgramID: "p2", AssetID: "a9", EventType: monitor.EventDNSChange, Severity: monitor.SeverityCritical, Status: monitor.StatusNew, DetectedAt: t0.Add(3 * time.Minute)},
	}
	for _, e := range events {
		require.NoError(t, be.CreateEvent(ctx, e))
	}

	ids := func(evs []*monitor.ChangeEvent) []string {
		out := make([]string, len(evs))
		for i, e := range evs {
			out[i] = e.ID
		}
		return out
	}

	got, err := be.ListEvents(ctx, &monitor.EventQuery{ProgramID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-3", "ev-2", "ev-1"}, ids(got))

	got, err = be.ListEvents(ctx, &monitor.EventQuery{ProgramID: "p1", MinSeverity: monitor.SeverityMedium})
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-3", "ev-2"}, ids(got))

	got, err = be.ListEvents(ctx, &monitor.EventQuery{AssetID: "a1", Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"ev-3"}, ids(got))

	ev, err := be.GetEvent(ctx, "ev-2")
	require.NoError(t, err)
	ev.Status = monitor.StatusAcknowledged
	ev.TriggeredWorkflows = []string{"exec-1"}
	require.NoError(t, be.UpdateEvent(ctx, ev))

	got, err = be.ListEvents(ctx, &monitor.EventQuery{Status: monitor.StatusAcknowledged})
	require.NoError(t, err)
	require.Equal(t, []string{"ev-2"}, ids(got))
	assert.Equal(t, []string{"exec-1"}, got[0].TriggeredWorkflows)

	all, err := be.ListEvents(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	_, err = be.GetEvent(ctx, "ev-missing")
	assert.ErrorIs(t, err, sentinelerrors.ErrNotFound)
	assert.ErrorIs(t, be.UpdateEvent(ctx, &monitor.ChangeEvent{ID: "ev-missing"}), sentinelerrors.ErrNotFound)
}

func TestMonitorSnapshots(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	_, err := be.GetSnapshot(ctx, "p1", "a1", monitor.CategoryDNS)
	assert.ErrorIs(t, err, sentinelerrors.ErrNotFound)

	first := []string{"ip:1.2.3.4"}
	require.NoError(t, be.PutSnapshot(ctx, &monitor.Snapshot{
		ProgramID: "p1", AssetID: "a1", Category: monitor.CategoryDNS, PluginID: "dns_resolver",
		Items: first, Hash: monitor.HashItems(first), TakenAt: t0,
	}))
	items := []string{"ip:1.2.3.4", "ip:5.6.7.8"}
	require.NoError(t, be.PutSnapshot(ctx, &monitor.Snapshot{
		ProgramID: "p1", AssetID: "a1", Category: monitor.CategoryDNS, PluginID: "dns_resolver",
		Items: items, Hash: monitor.HashItems(items), TakenAt: t0.Add(time.Hour),
	}))

	snap, err := be.GetSnapshot(ctx, "p1", "a1", monitor.CategoryDNS)
	require.NoError(t, err)
	assert.Equal(t, items, snap.Items)
	assert.Equal(t, monitor.HashItems(items), snap.Hash)

	_, err = be.GetSnapshot(ctx, "p1", "a1", monitor.CategoryCertificate)
	assert.ErrorIs(t, err, sentinelerrors.ErrNotFound)

	// another program watching the same target keeps its own baseline
	_, err = be.GetSnapshot(ctx, "p2", "a1", monitor.CategoryDNS)
	assert.ErrorIs(t, err, sentinelerrors.ErrNotFound)
	require.NoError(t, be.PutSnapshot(ctx, &monitor.Snapshot{
		ProgramID: "p2", AssetID: "a1", Category: monitor.CategoryDNS,
		Items: first, Hash: monitor.HashItems(first), TakenAt: t0,
	}))
	snap, err = be.GetSnapshot(ctx, "p1", "a1", monitor.CategoryDNS)
	require.NoError(t, err)
	assert.Equal(t, items, snap.Items)
}

func TestMonitorAssetsAndBindings(t *testing.T) {
	be := createTestBackend(t)
	ctx := context.Background()

	require.NoError(t, be.CreateAsset(ctx, &monitor.Asset{ID: "a2", ProgramID: "p1", Type: monitor.AssetSubdomain, Value: "www.example.com", CreatedAt: t0}))
	require.NoError(t, be.CreateAsset(ctx, &monitor.Asset{ID: "a1", ProgramID: "p1", Type: monitor.AssetSubdomain, Value: "api.example.com", CreatedAt: t0}))
	require.NoError(t, be.CreateAsset(ctx, &monitor.Asset{ID: "a3", ProgramID: "p2", Type: monitor.AssetSubdomain, Value: "api.example.com", CreatedAt: t0}))

	var verr *sentinelerrors.ValidationError
	assert.ErrorAs(t, be.CreateAsset(ctx, &monitor.Asset{ID: "a4", ProgramID: "p1", Value: "api.example.com"}), &verr)

	assets, err := be.ListAssets(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, assets, 2)
	assert.Equal(t, "api.example.com", assets[0].Value)

	a, err := be.FindAsset(ctx, "p2", "api.example.com")
	require.NoError(t, err)
	assert.Equal(t, "a3", a.ID)
	_, err = be.FindAsset(ctx, "p2", "www.example.com")
	assert.ErrorIs(t, err, sentinelerrors.ErrNotFound)

	require.NoError(t, be.PutBinding(ctx, &monitor.Binding{ID: "b1", ProgramID: "p1", TemplateID: "deep-scan", Enabled: true, CreatedAt: t0}))
	require.NoError(t, be.PutBinding(ctx, &monitor.Binding{ID: "b2", ProgramID: "p1", TemplateID: "web", CreatedAt: t0.Add(time.Second)}))
	require.NoError(t, be.PutBinding(ctx, &monitor.Binding{ID: "b1", ProgramID: "p1", TemplateID: "deep-scan", Enabled: false, CreatedAt: t0}))

	bindings, err := be.ListBindings(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, "b1", bindings[0].ID)
	assert.False(t, bindings[0].Enabled)

	require.NoError(t, be.DeleteBinding(ctx, "b1"))
	assert.ErrorIs(t, be.DeleteBinding(ctx, "b1"), sentinelerrors.ErrNotFound)
}
