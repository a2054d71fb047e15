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
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/sentinel/internal/log"
	"github.com/tombee/sentinel/internal/metrics"
	"github.com/tombee/sentinel/internal/tracing"
	"github.com/tombee/sentinel/pkg/artifact"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/events"
	"github.com/tombee/sentinel/pkg/plugin"
	"github.com/tombee/sentinel/pkg/ratelimit"
	"github.com/tombee/sentinel/pkg/retry"
	"github.com/tombee/sentinel/pkg/workflow/dataflow"
)

// hostKeys are the input fields, in priority order, used to pick the rate
// limiter host for a step.
var hostKeys = []string{"url", "target", "domain", "host", "urls", "targets"}

// Executor runs workflow executions. Each execution dispatches its ready
// steps concurrently; every plugin call goes through the rate limiter and
// the retry controller.
type Executor struct {
	registry plugin.Registry
	store    Store
	limiter  *ratelimit.Limiter
	retry    *retry.Controller
	mapper   *dataflow.Mapper
	emitter  *events.Emitter
	tracer   trace.Tracer
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc

	mu   sync.Mutex
	runs map[string]*run
	wg   sync.WaitGroup
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStore sets the execution store. Default: a MemoryStore.
func WithStore(s Store) ExecutorOption {
	return func(e *Executor) { e.store = s }
}

// WithLimiter sets the rate limiter shared by all executions.
func WithLimiter(l *ratelimit.Limiter) ExecutorOption {
	return func(e *Executor) { e.limiter = l }
}

// WithRetry sets the default retry controller.
func WithRetry(c *retry.Controller) ExecutorOption {
	return func(e *Executor) { e.retry = c }
}

// WithMapper sets the data-flow mapper.
func WithMapper(m *dataflow.Mapper) ExecutorOption {
	return func(e *Executor) { e.mapper = m }
}

// WithEmitter sets the event emitter. Without one no events are emitted.
func WithEmitter(em *events.Emitter) ExecutorOption {
	return func(e *Executor) { e.emitter = em }
}

// WithTracer sets the tracer used for execution and step spans.
func WithTracer(t trace.Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithIDGenerator replaces the execution id generator.
func WithIDGenerator(fn func() string) ExecutorOption {
	return func(e *Executor) { e.newID = fn }
}

// NewExecutor creates an executor over the given registry.
func NewExecutor(registry plugin.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		newID:    uuid.NewString,
		now:      time.Now,
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = log.WithComponent(e.logger, "executor")
	if e.store == nil {
		e.store = NewMemoryStore()
	}
	if e.limiter == nil {
		e.limiter = ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithWaitObserver(metrics.ObserveLimiterWait))
	}
	if e.retry == nil {
		e.retry = retry.New(retry.DefaultConfig(), retry.WithLogger(e.logger))
	}
	if e.mapper == nil {
		e.mapper = dataflow.NewMapper(nil)
	}
	if e.tracer == nil {
		e.tracer = tracing.Tracer()
	}
	e.baseCtx, e.stop = context.WithCancel(context.Background())
	return e
}

// Store returns the execution store.
func (e *Executor) Store() Store { return e.store }

// Limiter returns the shared rate limiter.
func (e *Executor) Limiter() *ratelimit.Limiter { return e.limiter }

// RetryConfig returns the default retry configuration.
func (e *Executor) RetryConfig() retry.Config { return e.retry.Config() }

// run is the live state of one execution.
type run struct {
	mu        sync.Mutex
	exec      *Execution
	plan      *Plan
	cancelled bool
	paused    bool

	// wake nudges the dispatch loop after resume or cancel
	wake chan struct{}
	done chan struct{}
}

func (r *run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *run) flags() (cancelled, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled, r.paused
}

func (r *run) snapshot() *Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

// Start validates the template, creates the execution and runs it in the
// background. It returns the execution id. An invalid template returns an
// InvalidWorkflowError and creates nothing.
func (e *Executor) Start(ctx context.Context, t *Template, programID string, inputs map[string]any) (string, error) {
	r, err := e.prepare(ctx, t, programID, inputs)
	if err != nil {
		return "", err
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(e.baseCtx, r)
	}()
	return r.exec.ID, nil
}

// Run is Start followed by waiting for the execution to finish. Cancelling
// ctx aborts the execution.
func (e *Executor) Run(ctx context.Context, t *Template, programID string, inputs map[string]any) (*Execution, error) {
	r, err := e.prepare(ctx, t, programID, inputs)
	if err != nil {
		return nil, err
	}
	e.wg.Add(1)
	defer e.wg.Done()
	e.execute(ctx, r)
	return r.snapshot(), nil
}

func (e *Executor) prepare(ctx context.Context, t *Template, programID string, inputs map[string]any) (*run, error) {
	plan, err := Validate(t, e.registry)
	if err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:           e.newID(),
		TemplateID:   plan.Template.ID,
		TemplateName: plan.Template.Name,
		ProgramID:    programID,
		Inputs:       cloneMap(inputs),
		Steps:        cloneSteps(plan.Template.Steps),
		Status:       StatusPending,
		CreatedAt:    e.now(),
		StepResults:  make(map[string]*StepResult),
	}
	if err := e.store.Create(ctx, exec); err != nil {
		return nil, fmt.Errorf("storing execution: %w", err)
	}

	r := &run{
		exec: exec,
		plan: plan,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	e.mu.Lock()
	e.runs[exec.ID] = r
	e.mu.Unlock()
	return r, nil
}

// execute is the dispatch loop of one execution. Steps become ready when
// every dependency has a result, successful or not.
func (e *Executor) execute(ctx context.Context, r *run) {
	defer func() {
		e.mu.Lock()
		delete(e.runs, r.exec.ID)
		e.mu.Unlock()
		close(r.done)
	}()

	exec := r.exec
	logger := log.WithExecution(e.logger, exec.ID, exec.TemplateID)

	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("execution.id", exec.ID),
		attribute.String("template.id", exec.TemplateID),
		attribute.Int("steps", len(exec.Steps)),
	))
	defer span.End()

	r.mu.Lock()
	if err := exec.transition(StatusRunning, e.now()); err != nil {
		r.mu.Unlock()
		e.finish(ctx, r, StatusFailed, err.Error(), logger)
		return
	}
	r.mu.Unlock()
	e.persist(ctx, r, logger)
	metrics.ExecutionStarted()
	logger.Info("execution started", slog.Int("steps", len(exec.Steps)))

	pending := make(map[string]bool, len(exec.Steps))
	for _, id := range r.plan.Order() {
		pending[id] = true
	}
	results := make(chan *StepResult, len(exec.Steps))
	inflight := 0
	ctxDone := ctx.Done()

	for {
		cancelled, paused := r.flags()
		if !cancelled && !paused && ctx.Err() == nil {
			for _, id := range r.plan.Order() {
				if !pending[id] {
					continue
				}
				step := r.plan.Step(id)
				outputs, failed, ready := r.dependencyState(step)
				if !ready {
					continue
				}
				delete(pending, id)
				inflight++
				_ = e.emitter.EmitStepStarted(ctx, exec.ID, step.ID, step.DisplayName(), step.PluginID)
				go func() {
					results <- e.runStep(ctx, r, step, outputs, failed, logger)
				}()
			}
		}

		if inflight == 0 {
			switch {
			case cancelled:
				e.finish(ctx, r, StatusCancelled, "", logger)
				return
			case ctx.Err() != nil:
				e.finish(ctx, r, StatusFailed, fmt.Sprintf("execution aborted: %v", ctx.Err()), logger)
				return
			case len(pending) == 0:
				status := StatusCompleted
				if len(r.snapshot().StepErrors()) > 0 {
					status = StatusCompletedWithErrors
				}
				e.finish(ctx, r, status, "", logger)
				return
			case paused:
				select {
				case <-r.wake:
				case <-ctxDone:
					ctxDone = nil
				}
				continue
			default:
				e.finish(ctx, r, StatusFailed, "no runnable steps remain", logger)
				return
			}
		}

		select {
		case res := <-results:
			inflight--
			e.record(ctx, r, res, logger)
		case <-r.wake:
		case <-ctxDone:
			ctxDone = nil
		}
	}
}

// dependencyState reports whether every dependency of step has a result and
// collects the outputs of the successful ones.
func (r *run) dependencyState(step *Step) (outputs map[string]map[string]any, failed map[string]bool, ready bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outputs = make(map[string]map[string]any, len(step.DependsOn))
	failed = make(map[string]bool)
	for _, dep := range step.DependsOn {
		res, ok := r.exec.StepResults[dep]
		if !ok {
			return nil, nil, false
		}
		if res.Success {
			outputs[dep] = res.Output
		} else {
			failed[dep] = true
		}
	}
	return outputs, failed, true
}

// runStep resolves inputs, validates them and invokes the plugin through
// the limiter and the retry controller. Failures are returned on the result.
func (e *Executor) runStep(ctx context.Context, r *run, step *Step, outputs map[string]map[string]any, failed map[string]bool, logger *slog.Logger) (res *StepResult) {
	logger = log.WithStep(logger, step.ID, step.PluginID)
	res = &StepResult{
		StepID:    step.ID,
		StepName:  step.Name,
		PluginID:  step.PluginID,
		StartedAt: e.now(),
	}

	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("plugin.id", step.PluginID),
	))
	defer func() {
		if p := recover(); p != nil {
			logger.Error("step panicked", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
			res.fail(StepFailed, fmt.Errorf("step %q panicked: %v", step.ID, p))
		}
		res.FinishedAt = e.now()
		if !res.Success {
			span.SetStatus(codes.Error, res.Error)
		}
		span.SetAttributes(attribute.Int("attempts", res.AttemptCount), attribute.String("status", string(res.Status)))
		span.End()
	}()

	desc, err := e.registry.Get(step.PluginID)
	if err != nil {
		res.fail(StepFailed, err)
		return res
	}

	input, err := e.mapper.ResolveInputs(ctx, dataflow.Request{
		StepID:   step.ID,
		Mappings: r.plan.Mappings(step.ID),
		Schema:   desc.Input,
		Base:     baseInput(r.exec.Inputs, step.Config, desc.Input),
		Outputs:  outputs,
		Failed:   failed,
	})
	if err != nil {
		var missing *sentinelerrors.MissingRequiredInputError
		if sentinelerrors.As(err, &missing) && missing.UpstreamFailed {
			res.fail(StepBlocked, err)
		} else {
			res.fail(StepFailed, err)
		}
		logger.Warn("step input unresolved", log.Error(err))
		return res
	}

	if err := plugin.ValidateInput(step.PluginID, desc.Input, input); err != nil {
		res.fail(StepFailed, err)
		logger.Warn("step input rejected by schema", log.Error(err))
		return res
	}
	log.Trace(logger, "invoking plugin", slog.Any("input", input))

	host := inferHost(input)
	ctrl := e.retry
	if step.Retry != nil {
		ctrl = ctrl.WithConfig(*step.Retry)
	}
	timeout := time.Duration(step.Timeout) * time.Second

	var output map[string]any
	attempts, err := ctrl.Do(ctx, func(ctx context.Context, attempt int) error {
		guard, err := e.limiter.Acquire(ctx, host)
		if err != nil {
			return err
		}
		defer guard.Release()

		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		out, err := desc.Plugin.Invoke(callCtx, input)
		if err != nil {
			if sentinelerrors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				// not wrapped: a per-attempt deadline is retryable, unlike the caller's
				return &sentinelerrors.TimeoutError{Operation: "plugin " + step.PluginID, Duration: timeout}
			}
			return err
		}
		output = out
		return nil
	})
	res.AttemptCount = attempts
	for i := 1; i < attempts; i++ {
		metrics.RecordRetry(step.PluginID)
	}
	if err != nil {
		res.fail(StepFailed, err)
		logger.Warn("step failed", log.Error(err), slog.Int("attempts", attempts))
		return res
	}

	res.Status = StepSuccess
	res.Success = true
	res.Output = output
	res.Artifacts = artifact.Classify(step.PluginID, output)
	res.FindingsCount = artifact.FindingsCount(res.Artifacts)
	return res
}

// baseInput merges execution inputs, restricted to the fields the plugin
// declares when it declares any, with the step config on top.
func baseInput(inputs, config map[string]any, schema *plugin.Schema) map[string]any {
	base := make(map[string]any, len(inputs)+len(config))
	for k, v := range inputs {
		if schema.HasProperties() && schema.Property(k) == nil {
			continue
		}
		base[k] = v
	}
	for k, v := range config {
		base[k] = v
	}
	return base
}

// inferHost picks the limiter key from the first target-like input field.
func inferHost(input map[string]any) string {
	for _, key := range hostKeys {
		switch v := input[key].(type) {
		case string:
			if h := ratelimit.HostOf(v); h != "" {
				return h
			}
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					if h := ratelimit.HostOf(s); h != "" {
						return h
					}
				}
			}
		case []string:
			for _, s := range v {
				if h := ratelimit.HostOf(s); h != "" {
					return h
				}
			}
		}
	}
	return ratelimit.DefaultHost
}

// record stores a step result, persists it and emits completion events.
func (e *Executor) record(ctx context.Context, r *run, res *StepResult, logger *slog.Logger) {
	r.mu.Lock()
	r.exec.StepResults[res.StepID] = res
	percent, completed, total := r.exec.Progress()
	r.mu.Unlock()

	if err := e.store.SaveStepResult(context.WithoutCancel(ctx), r.exec.ID, res); err != nil {
		logger.Error("failed to persist step result", slog.String(log.StepIDKey, res.StepID), log.Error(err))
		metrics.RecordPersistenceError("save_step_result")
	}
	metrics.RecordStep(res.PluginID, string(res.Status), res.Duration())

	logger.Info("step finished",
		slog.String(log.StepIDKey, res.StepID),
		slog.String("status", string(res.Status)),
		slog.Int("attempts", res.AttemptCount),
		slog.Int("findings", res.FindingsCount),
		slog.Int64(log.DurationKey, res.Duration().Milliseconds()),
	)

	_ = e.emitter.EmitStepCompleted(ctx, r.exec.ID, res.StepID, res.Success, map[string]any{
		"output":         res.Output,
		"artifacts":      res.Artifacts,
		"findings_count": res.FindingsCount,
	}, res.Error)
	_ = e.emitter.EmitProgress(ctx, r.exec.ID, percent, completed, total)
}

func (e *Executor) finish(ctx context.Context, r *run, status Status, errMsg string, logger *slog.Logger) {
	r.mu.Lock()
	wasRunning := r.exec.StartedAt != nil
	if err := r.exec.transition(status, e.now()); err != nil {
		logger.Error("invalid terminal transition", log.Error(err))
		r.exec.Status = status
	}
	r.exec.Error = errMsg
	stepErrors := r.exec.StepErrors()
	r.mu.Unlock()

	e.persist(ctx, r, logger)
	if wasRunning {
		metrics.ExecutionFinished(string(status))
	}

	attrs := []any{slog.String("status", string(status)), slog.Int("failed_steps", len(stepErrors))}
	if errMsg != "" {
		attrs = append(attrs, slog.String("error", errMsg))
	}
	logger.Info("execution finished", attrs...)

	_ = e.emitter.EmitRunCompleted(context.WithoutCancel(ctx), r.exec.ID, string(status), stepErrors)
}

func (e *Executor) persist(ctx context.Context, r *run, logger *slog.Logger) {
	if err := e.store.Update(context.WithoutCancel(ctx), r.snapshot()); err != nil {
		logger.Error("failed to persist execution", log.Error(err))
		metrics.RecordPersistenceError("update_execution")
	}
}

func (e *Executor) lookup(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// Get returns the current state of an execution, live or stored.
func (e *Executor) Get(ctx context.Context, id string) (*Execution, error) {
	if r := e.lookup(id); r != nil {
		return r.snapshot(), nil
	}
	return e.store.Get(ctx, id)
}

// Cancel stops dispatching new steps. In-flight steps finish and are
// recorded; the execution then ends as cancelled. Cancelling a finished
// execution is a no-op.
func (e *Executor) Cancel(ctx context.Context, id string) error {
	r := e.lookup(id)
	if r == nil {
		exec, err := e.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if exec.Status.IsTerminal() {
			return nil
		}
		// left behind by a previous process
		if err := exec.transition(StatusCancelled, e.now()); err != nil {
			return err
		}
		return e.store.Update(ctx, exec)
	}

	r.mu.Lock()
	if r.exec.Status.IsTerminal() {
		r.mu.Unlock()
		return nil
	}
	r.cancelled = true
	r.mu.Unlock()
	r.signal()
	e.logger.Info("execution cancel requested", slog.String(log.ExecutionIDKey, id))
	return nil
}

// Pause stops dispatching new steps until Resume. In-flight steps finish.
func (e *Executor) Pause(ctx context.Context, id string) error {
	r := e.lookup(id)
	if r == nil {
		return e.inactive(ctx, id)
	}
	r.mu.Lock()
	if err := r.exec.transition(StatusPaused, e.now()); err != nil {
		r.mu.Unlock()
		return err
	}
	r.paused = true
	r.mu.Unlock()
	e.persist(ctx, r, e.logger)
	return nil
}

// Resume continues a paused execution.
func (e *Executor) Resume(ctx context.Context, id string) error {
	r := e.lookup(id)
	if r == nil {
		return e.inactive(ctx, id)
	}
	r.mu.Lock()
	if r.exec.Status != StatusPaused {
		r.mu.Unlock()
		return &sentinelerrors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("execution %s is %s, not paused", id, r.exec.Status),
		}
	}
	if err := r.exec.transition(StatusRunning, e.now()); err != nil {
		r.mu.Unlock()
		return err
	}
	r.paused = false
	r.mu.Unlock()
	e.persist(ctx, r, e.logger)
	r.signal()
	return nil
}

// inactive explains why a pause or resume cannot apply to an execution that
// is not running in this process.
func (e *Executor) inactive(ctx context.Context, id string) error {
	exec, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return &sentinelerrors.ValidationError{
		Field:   "status",
		Message: fmt.Sprintf("execution %s is %s and not active", id, exec.Status),
	}
}

// Wait blocks until the execution finishes or ctx is done, then returns its
// final state.
func (e *Executor) Wait(ctx context.Context, id string) (*Execution, error) {
	if r := e.lookup(id); r != nil {
		select {
		case <-r.done:
			return r.snapshot(), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.Get(ctx, id)
}

// ProcessStepOutput classifies raw plugin output into artifacts. When the
// execution and step are known, the stored step result is updated with them.
func (e *Executor) ProcessStepOutput(ctx context.Context, executionID, stepID, pluginID string, raw any) ([]artifact.Artifact, error) {
	arts := artifact.Classify(pluginID, raw)
	if executionID == "" || stepID == "" {
		return arts, nil
	}

	exec, err := e.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	res, ok := exec.StepResults[stepID]
	if !ok {
		return arts, nil
	}
	res.Artifacts = arts
	res.FindingsCount = artifact.FindingsCount(arts)

	if r := e.lookup(executionID); r != nil {
		r.mu.Lock()
		if live, ok := r.exec.StepResults[stepID]; ok {
			live.Artifacts = arts
			live.FindingsCount = res.FindingsCount
		}
		r.mu.Unlock()
	}
	if err := e.store.SaveStepResult(ctx, executionID, res); err != nil {
		return nil, fmt.Errorf("saving step result: %w", err)
	}
	return arts, nil
}

// Shutdown aborts running executions and waits for them to be recorded.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
