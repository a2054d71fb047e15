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

package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/sentinel/internal/log"
	"github.com/tombee/sentinel/pkg/artifact"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/events"
	"github.com/tombee/sentinel/pkg/plugin"
	"github.com/tombee/sentinel/pkg/ratelimit"
	"github.com/tombee/sentinel/pkg/retry"
)

type harness struct {
	reg      *plugin.MemoryRegistry
	executor *Executor

	mu     sync.Mutex
	events []*events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{reg: plugin.NewMemoryRegistry()}

	em := events.NewEmitter(false)
	em.OnAll(func(ctx context.Context, ev *events.Event) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, ev)
		return nil
	})

	noSleep := retry.WithSleep(func(context.Context, time.Duration) error { return nil })
	h.executor = NewExecutor(h.reg,
		WithEmitter(em),
		WithLogger(log.Discard()),
		WithLimiter(ratelimit.New(ratelimit.Config{GlobalLimit: 20, HostLimit: 5})),
		WithRetry(retry.New(retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond}, noSleep)),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.executor.Shutdown(ctx)
	})
	return h
}

func (h *harness) eventsOf(typ events.Type) []*events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*events.Event
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

var probeSchema = &plugin.Schema{
	Type:     "object",
	Required: []string{"targets"},
	Properties: map[string]*plugin.Schema{
		"targets": {Type: "array", Items: &plugin.Schema{Type: "string"}},
		"threads": {Type: "integer", Default: 10},
	},
}

var enumSchema = &plugin.Schema{
	Type:       "object",
	Properties: map[string]*plugin.Schema{"domain": {Type: "string"}},
}

func subdomainsPlugin() plugin.Func {
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"subdomains": []any{"a.example.com", "b.example.com"}}, nil
	}
}

// countingProbe records the input of every invocation.
type countingProbe struct {
	calls  atomic.Int32
	mu     sync.Mutex
	inputs []map[string]any
}

func (p *countingProbe) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.inputs = append(p.inputs, input)
	p.mu.Unlock()
	return map[string]any{
		"hosts":    []any{map[string]any{"url": "https://a.example.com"}},
		"findings": []any{map[string]any{"title": "exposed panel"}},
	}, nil
}

func (h *harness) register(t *testing.T, id string, schema *plugin.Schema, p plugin.Plugin) {
	t.Helper()
	require.NoError(t, h.reg.Register(&plugin.Descriptor{ID: id, Name: id, Input: schema, Plugin: p}))
}

func TestExecutor_Run_MapsOutputsDownstream(t *testing.T) {
	h := newHarness(t)
	probe := &countingProbe{}

	var enumInput map[string]any
	h.register(t, "enum", enumSchema, plugin.Func(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		enumInput = input
		return subdomainsPlugin()(ctx, input)
	}))
	h.register(t, "probe", probeSchema, probe)

	tmpl := reconTemplate()
	tmpl.Steps[0].Config = nil

	exec, err := h.executor.Run(context.Background(), tmpl, "prog-1", map[string]any{"domain": "example.com", "unrelated": true})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, "prog-1", exec.ProgramID)
	require.NotNil(t, exec.StartedAt)
	require.NotNil(t, exec.FinishedAt)
	assert.Empty(t, exec.Error)

	assert.Equal(t, map[string]any{"domain": "example.com"}, enumInput, "inputs are limited to declared fields")

	require.Equal(t, int32(1), probe.calls.Load())
	assert.Equal(t, []any{"a.example.com", "b.example.com"}, probe.inputs[0]["targets"])
	assert.Equal(t, 10, probe.inputs[0]["threads"])

	enum := exec.StepResults["enum"]
	require.NotNil(t, enum)
	assert.Equal(t, StepSuccess, enum.Status)
	assert.Equal(t, 1, enum.AttemptCount)
	byType := artifact.ByType(enum.Artifacts)
	assert.Equal(t, 2, byType[artifact.Subdomains].Count)

	result := exec.StepResults["probe"]
	require.NotNil(t, result)
	assert.Equal(t, 1, result.FindingsCount)
	assert.Equal(t, 1, exec.FindingsCount())

	// progress after every completion
	progress := h.eventsOf(events.WorkflowProgress)
	require.Len(t, progress, 2)
	assert.Equal(t, 50.0, progress[0].Data["percent"])
	assert.Equal(t, 100.0, progress[1].Data["percent"])

	assert.Len(t, h.eventsOf(events.StepStarted), 2)
	assert.Len(t, h.eventsOf(events.StepCompleted), 2)
	done := h.eventsOf(events.RunCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, "completed", done[0].Data["status"])

	stored, err := h.executor.Store().Get(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Len(t, stored.StepResults, 2)
}

func TestExecutor_BlocksStepWhenUpstreamFails(t *testing.T) {
	h := newHarness(t)
	probe := &countingProbe{}
	h.register(t, "enum", enumSchema, plugin.Func(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return nil, &sentinelerrors.PluginInvocationError{PluginID: "enum", StatusCode: 1, Message: "crashed", Permanent: true}
	}))
	h.register(t, "probe", probeSchema, probe)

	exec, err := h.executor.Run(context.Background(), reconTemplate(), "", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompletedWithErrors, exec.Status)
	assert.Empty(t, exec.Error, "step failures are not executor failures")
	assert.Zero(t, probe.calls.Load())

	enum := exec.StepResults["enum"]
	assert.Equal(t, StepFailed, enum.Status)
	assert.Equal(t, 1, enum.AttemptCount, "permanent failures are not retried")
	assert.Equal(t, "plugin_invocation", enum.ErrorKind)

	blocked := exec.StepResults["probe"]
	assert.Equal(t, StepBlocked, blocked.Status)
	assert.False(t, blocked.Success)
	assert.Equal(t, "missing_required_input", blocked.ErrorKind)
	assert.Contains(t, blocked.Error, `"targets"`)

	done := h.eventsOf(events.RunCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, "completed_with_errors", done[0].Data["status"])
	assert.Len(t, done[0].Data["errors"], 2)
}

func TestExecutor_MissingInputFromSuccessfulUpstreamFails(t *testing.T) {
	h := newHarness(t)
	probe := &countingProbe{}
	h.register(t, "enum", enumSchema, plugin.Func(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"subdomains": []any{}}, nil
	}))
	h.register(t, "probe", probeSchema, probe)

	exec, err := h.executor.Run(context.Background(), reconTemplate(), "", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompletedWithErrors, exec.Status)
	assert.Equal(t, StepFailed, exec.StepResults["probe"].Status)
	assert.Equal(t, "missing_required_input", exec.StepResults["probe"].ErrorKind)
	assert.Zero(t, probe.calls.Load())
}

func TestExecutor_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, "enum", enumSchema, plugin.Func(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		if calls.Add(1) < 3 {
			return nil, &sentinelerrors.PluginInvocationError{PluginID: "enum", StatusCode: 503, Message: "service unavailable"}
		}
		return map[string]any{"subdomains": []any{"a.example.com"}}, nil
	}))

	tmpl := &Template{ID: "single", Steps: []Step{{ID: "enum", PluginID: "enum"}}}
	exec, err := h.executor.Run(context.Background(), tmpl, "", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, 3, exec.StepResults["enum"].AttemptCount)
	assert.Equal(t, int32(3), calls.Load())

	// a step-level override caps attempts
	calls.Store(0)
	tmpl.Steps[0].Retry = &retry.Config{MaxAttempts: 1}
	exec, err = h.executor.Run(context.Background(), tmpl, "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedWithErrors, exec.Status)
	assert.Equal(t, 1, exec.StepResults["enum"].AttemptCount)
	assert.Contains(t, exec.StepResults["enum"].Error, "service unavailable")
}

func TestExecutor_InvalidTemplateCreatesNothing(t *testing.T) {
	h := newHarness(t)
	h.register(t, "enum", enumSchema, subdomainsPlugin())
	h.register(t, "probe", probeSchema, &countingProbe{})

	cyclic := reconTemplate()
	cyclic.Steps[0].DependsOn = []string{"probe"}

	exec, err := h.executor.Run(context.Background(), cyclic, "", nil)
	assert.Nil(t, exec)
	assert.ErrorIs(t, err, sentinelerrors.ErrInvalidWorkflow)

	unknown := reconTemplate()
	unknown.Steps[1].PluginID = "nuclei"
	id, err := h.executor.Start(context.Background(), unknown, "", nil)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, sentinelerrors.ErrInvalidWorkflow)

	all, err := h.executor.Store().List(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Empty(t, h.eventsOf(events.StepStarted))
}

func TestExecutor_SchemaValidationFailure(t *testing.T) {
	h := newHarness(t)
	h.register(t, "enum", enumSchema, plugin.Func(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"name": "web"}, nil
	}))
	var scanned atomic.Bool
	h.register(t, "scan", &plugin.Schema{
		Type:       "object",
		Required:   []string{"port"},
		Properties: map[string]*plugin.Schema{"port": {Type: "integer"}},
	}, plugin.Func(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		scanned.Store(true)
		return map[string]any{}, nil
	}))

	tmpl := &Template{
		ID: "typed",
		Steps: []Step{
			{ID: "enum", PluginID: "enum"},
			{
				ID: "scan", PluginID: "scan", DependsOn: []string{"enum"},
				InputMappings: []InputMapping{{TargetField: "port", SourceStepID: "enum", SourcePath: "$.name"}},
			},
		},
	}
	exec, err := h.executor.Run(context.Background(), tmpl, "", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompletedWithErrors, exec.Status)
	assert.Equal(t, "schema_validation", exec.StepResults["scan"].ErrorKind)
	assert.False(t, scanned.Load())
}

func TestExecutor_StepTimeout(t *testing.T) {
	h := newHarness(t)
	h.register(t, "slow", nil, plugin.Func(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	tmpl := &Template{ID: "slow", Steps: []Step{{ID: "wait", PluginID: "slow", Timeout: 1, Retry: &retry.Config{MaxAttempts: 1}}}}
	exec, err := h.executor.Run(context.Background(), tmpl, "", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusCompletedWithErrors, exec.Status)
	assert.Equal(t, "timeout", exec.StepResults["wait"].ErrorKind)
}

func TestExecutor_CancelledContextFailsExecution(t *testing.T) {
	h := newHarness(t)
	started := make(chan struct{})
	h.register(t, "slow", nil, plugin.Func(func(ctx context.Context, input map[string]any) (map[string]any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	tmpl := &Template{ID: "slow", Steps: []Step{{ID: "wait", PluginID: "slow"}}}
	exec, err := h.executor.Run(ctx, tmpl, "", nil)
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, exec.Status)
	assert.Contains(t, exec.Error, "aborted")
	assert.Equal(t, 1, exec.StepResults["wait"].AttemptCount)
}

// gatedPlugin blocks every call until release is closed.
type gatedPlugin struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedPlugin() *gatedPlugin {
	return &gatedPlugin{started: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedPlugin) Invoke(ctx context.Context, input map[string]any) (map[string]any, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return map[string]any{"subdomains": []any{"a.example.com"}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestExecutor_CancelStopsDispatch(t *testing.T) {
	h := newHarness(t)
	gate := newGatedPlugin()
	probe := &countingProbe{}
	h.register(t, "enum", enumSchema, gate)
	h.register(t, "probe", probeSchema, probe)

	ctx := waitCtx(t)
	id, err := h.executor.Start(ctx, reconTemplate(), "", nil)
	require.NoError(t, err)

	<-gate.started
	require.NoError(t, h.executor.Cancel(ctx, id))
	close(gate.release)

	exec, err := h.executor.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, exec.Status)

	// the in-flight step finished and was recorded; nothing new was dispatched
	require.Contains(t, exec.StepResults, "enum")
	assert.True(t, exec.StepResults["enum"].Success)
	assert.NotContains(t, exec.StepResults, "probe")
	assert.Zero(t, probe.calls.Load())

	assert.NoError(t, h.executor.Cancel(ctx, id), "cancelling a finished execution is a no-op")
	assert.ErrorIs(t, h.executor.Cancel(ctx, "missing"), sentinelerrors.ErrNotFound)
}

func TestExecutor_PauseResume(t *testing.T) {
	h := newHarness(t)
	gate := newGatedPlugin()
	probe := &countingProbe{}
	h.register(t, "enum", enumSchema, gate)
	h.register(t, "probe", probeSchema, probe)

	completed := make(chan string, 4)
	h.executor.emitter.On(events.StepCompleted, func(ctx context.Context, ev *events.Event) error {
		completed <- ev.Data["step_id"].(string)
		return nil
	})

	ctx := waitCtx(t)
	id, err := h.executor.Start(ctx, reconTemplate(), "", nil)
	require.NoError(t, err)

	<-gate.started
	require.NoError(t, h.executor.Pause(ctx, id))
	close(gate.release)
	assert.Equal(t, "enum", <-completed)

	time.Sleep(50 * time.Millisecond)
	snap, err := h.executor.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, snap.Status)
	assert.Zero(t, probe.calls.Load(), "no dispatch while paused")

	require.NoError(t, h.executor.Resume(ctx, id))
	exec, err := h.executor.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)
	assert.Equal(t, int32(1), probe.calls.Load())

	var verr *sentinelerrors.ValidationError
	assert.ErrorAs(t, h.executor.Pause(ctx, id), &verr)
	assert.ErrorAs(t, h.executor.Resume(ctx, id), &verr)
}

func TestExecutor_DispatchRespectsDependencies(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var order []string
	record := func(id string) plugin.Func {
		return func(ctx context.Context, input map[string]any) (map[string]any, error) {
			mu.Lock()
			order = append(order, id)
			mu.Unlock()
			return map[string]any{"id": id}, nil
		}
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		h.register(t, id, nil, record(id))
	}

	tmpl := &Template{
		ID: "diamond",
		Steps: []Step{
			{ID: "d", PluginID: "d", DependsOn: []string{"b", "c"}},
			{ID: "b", PluginID: "b", DependsOn: []string{"a"}},
			{ID: "c", PluginID: "c", DependsOn: []string{"a"}},
			{ID: "a", PluginID: "a"},
		},
	}
	exec, err := h.executor.Run(context.Background(), tmpl, "", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, exec.Status)

	require.Len(t, order, 4)
	assert.Equal(t, "a", order[0])
	assert.Equal(t, "d", order[3])
}

func TestExecutor_ProcessStepOutput(t *testing.T) {
	h := newHarness(t)
	h.register(t, "enum", enumSchema, subdomainsPlugin())

	ctx := context.Background()
	exec, err := h.executor.Run(ctx, &Template{ID: "one", Steps: []Step{{ID: "enum", PluginID: "enum"}}}, "", nil)
	require.NoError(t, err)

	arts, err := h.executor.ProcessStepOutput(ctx, exec.ID, "enum", "enum", map[string]any{
		"findings": []any{map[string]any{"title": "a"}, map[string]any{"title": "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, artifact.FindingsCount(arts))

	stored, err := h.executor.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.StepResults["enum"].FindingsCount)

	// classification alone needs no execution
	arts, err = h.executor.ProcessStepOutput(ctx, "", "", "any", "plain text")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, artifact.RawData, arts[0].Type)

	_, err = h.executor.ProcessStepOutput(ctx, "missing", "enum", "enum", nil)
	assert.True(t, errors.Is(err, sentinelerrors.ErrNotFound))
}

func TestInferHost(t *testing.T) {
	tests := []struct {
		input map[string]any
		want  string
	}{
		{map[string]any{"url": "https://API.example.com/v1"}, "api.example.com"},
		{map[string]any{"domain": "example.com", "url": "http://other.test"}, "other.test"},
		{map[string]any{"targets": []any{"", "scan.example.org:8443"}}, "scan.example.org"},
		{map[string]any{"urls": []string{"https://x.test"}}, "x.test"},
		{map[string]any{"threads": 5}, ratelimit.DefaultHost},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, inferHost(tt.input))
	}
}

func TestBaseInput(t *testing.T) {
	inputs := map[string]any{"domain": "example.com", "extra": 1}
	config := map[string]any{"domain": "override.test", "threads": 3}

	assert.Equal(t,
		map[string]any{"domain": "override.test", "threads": 3},
		baseInput(inputs, config, enumSchema))
	assert.Equal(t,
		map[string]any{"domain": "override.test", "extra": 1, "threads": 3},
		baseInput(inputs, config, nil))
}
