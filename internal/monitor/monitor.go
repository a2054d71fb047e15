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

package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tombee/sentinel/internal/log"
	"github.com/tombee/sentinel/internal/metrics"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/events"
	"github.com/tombee/sentinel/pkg/plugin"
	"github.com/tombee/sentinel/pkg/ratelimit"
	"github.com/tombee/sentinel/pkg/retry"
	"github.com/tombee/sentinel/pkg/workflow"
)

// Defaults.
const (
	DefaultTickInterval = time.Second
	DefaultConcurrency  = 4
)

// Starter starts workflow executions. *workflow.Executor implements it.
type Starter interface {
	Start(ctx context.Context, t *workflow.Template, programID string, inputs map[string]any) (string, error)
}

// Monitor runs monitor tasks on their intervals.
type Monitor struct {
	registry   plugin.Registry
	stores     Stores
	templates  workflow.TemplateStore
	starter    Starter
	executions ExecutionSource
	limiter    *ratelimit.Limiter
	retry      *retry.Controller
	detector   *Detector
	conds      *Conditions
	emitter    *events.Emitter
	logger     *slog.Logger

	// eventLocks serializes updates of one change event
	eventLocks *keyedMutex

	tick        time.Duration
	concurrency int
	now         func() time.Time
	newID       func() string

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
	startedAt time.Time
	lastRunAt *time.Time
	active    map[string]bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithStores replaces the in-memory stores.
func WithStores(s Stores) Option {
	return func(m *Monitor) { m.stores = s }
}

// WithTemplates sets where bound templates are looked up.
func WithTemplates(t workflow.TemplateStore) Option {
	return func(m *Monitor) { m.templates = t }
}

// WithStarter sets the executor auto-triggered workflows run on.
func WithStarter(s Starter) Option {
	return func(m *Monitor) { m.starter = s }
}

// WithLimiter shares a rate limiter, normally the executor's.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(m *Monitor) { m.limiter = l }
}

// WithRetry shares a retry controller, normally the executor's. Each plugin
// of a chain gets its attempts before the next fallback is tried.
func WithRetry(c *retry.Controller) Option {
	return func(m *Monitor) { m.retry = c }
}

// WithEmitter sets the event emitter.
func WithEmitter(em *events.Emitter) Option {
	return func(m *Monitor) { m.emitter = em }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithTickInterval sets how often due tasks are looked for.
func WithTickInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithConcurrency bounds the targets one task run observes at once.
func WithConcurrency(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithClock replaces time.Now. Tests use it to pin scheduling times.
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) { m.now = fn }
}

// WithIDGenerator replaces uuid generation for tasks, events and assets.
func WithIDGenerator(fn func() string) Option {
	return func(m *Monitor) { m.newID = fn }
}

// New creates a Monitor. Without WithStores it keeps everything in memory.
func New(registry plugin.Registry, opts ...Option) *Monitor {
	m := &Monitor{
		registry:    registry,
		stores:      NewMemoryStores(),
		conds:       NewConditions(),
		eventLocks:  newKeyedMutex(),
		logger:      log.WithComponent(slog.Default(), "monitor"),
		tick:        DefaultTickInterval,
		concurrency: DefaultConcurrency,
		now:         time.Now,
		newID:       uuid.NewString,
		active:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.limiter == nil {
		m.limiter = ratelimit.New(ratelimit.DefaultConfig(), ratelimit.WithWaitObserver(metrics.ObserveLimiterWait))
	}
	if m.retry == nil {
		m.retry = retry.New(retry.DefaultConfig(), retry.WithLogger(m.logger))
	}
	if m.emitter != nil && m.executions != nil {
		m.emitter.On(events.RunCompleted, m.onRunCompleted)
	}
	m.detector = NewDetector(m.stores.Snapshots)
	m.detector.now = m.now
	m.detector.newID = m.newID
	m.baseCtx, m.stop = context.WithCancel(context.Background())
	return m
}

// Start begins the tick loop. It is a no-op when already running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.startedAt = m.now()
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	m.logger.Info("monitor scheduler started", slog.Duration("tick", m.tick))
	go m.loop(ctx)
}

// Stop ends the tick loop. Runs already dispatched continue.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()

	<-done
	m.logger.Info("monitor scheduler stopped")
}

// IsRunning reports whether the tick loop is active.
func (m *Monitor) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Shutdown stops the loop, cancels in-flight runs and waits for them until
// ctx is done.
func (m *Monitor) Shutdown(ctx context.Context) error {
	m.Stop()
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick dispatches every due task that is not already running. It returns
// the ids of the dispatched tasks.
func (m *Monitor) Tick(ctx context.Context) []string {
	tasks, err := m.stores.Tasks.ListTasks(ctx, "")
	if err != nil {
		m.logger.Error("listing monitor tasks", log.Error(err))
		metrics.RecordPersistenceError("list_tasks")
		return nil
	}

	now := m.now()
	var dispatched []string
	for _, t := range tasks {
		if !t.Due(now) {
			continue
		}
		task, err := m.dispatch(ctx, t.ID)
		if err != nil {
			m.logger.Warn("dispatching monitor task", slog.String(log.TaskIDKey, t.ID), log.Error(err))
			continue
		}
		dispatched = append(dispatched, task.ID)
		m.goRun(task)
	}
	return dispatched
}

// dispatch marks a task active and records the run start: last_run_at and
// run_count advance and next_run_at moves to now + interval before any
// plugin is invoked.
func (m *Monitor) dispatch(ctx context.Context, id string) (*Task, error) {
	m.mu.Lock()
	if m.active[id] {
		m.mu.Unlock()
		return nil, &sentinelerrors.ValidationError{Field: "task", Message: fmt.Sprintf("task %s is already running", id)}
	}
	m.active[id] = true
	m.mu.Unlock()

	task, err := m.stores.Tasks.GetTask(ctx, id)
	if err != nil {
		m.release(id)
		return nil, err
	}
	now := m.now()
	task.LastRunAt = &now
	task.RunCount++
	task.schedule(now)
	if err := m.stores.Tasks.UpdateTask(ctx, task); err != nil {
		m.release(id)
		metrics.RecordPersistenceError("update_task")
		return nil, err
	}

	m.mu.Lock()
	m.lastRunAt = &now
	m.mu.Unlock()
	return task, nil
}

func (m *Monitor) release(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}

func (m *Monitor) goRun(task *Task) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.release(task.ID)
		m.runTask(m.baseCtx, task)
	}()
}

// RunReport summarizes one task run.
type RunReport struct {
	TaskID        string         `json:"task_id"`
	ProgramID     string         `json:"program_id"`
	Targets       int            `json:"targets"`
	Observations  int            `json:"observations"`
	ChainFailures int            `json:"chain_failures"`
	Events        []*ChangeEvent `json:"events"`
	Errors        []string       `json:"errors,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// RunTask runs a task now and waits for it, with the same bookkeeping as a
// scheduled run. It fails if the task is already running.
func (m *Monitor) RunTask(ctx context.Context, id string) (*RunReport, error) {
	task, err := m.dispatch(ctx, id)
	if err != nil {
		return nil, err
	}
	defer m.release(id)
	return m.runTask(ctx, task), nil
}

// TriggerTask starts a task run in the background, even when disabled.
func (m *Monitor) TriggerTask(ctx context.Context, id string) error {
	task, err := m.dispatch(ctx, id)
	if err != nil {
		return err
	}
	m.goRun(task)
	return nil
}

// monitoredTarget is one thing a run observes.
type monitoredTarget struct {
	assetID string
	value   string
}

func (m *Monitor) targets(ctx context.Context, task *Task) ([]monitoredTarget, error) {
	seen := make(map[string]bool)
	var out []monitoredTarget
	add := func(assetID, value string) {
		if value == "" || seen[value] {
			return
		}
		seen[value] = true
		out = append(out, monitoredTarget{assetID: assetID, value: value})
	}

	for _, v := range task.Config.Targets {
		id := v
		if a, err := m.stores.Assets.FindAsset(ctx, task.ProgramID, v); err == nil {
			id = a.ID
		}
		add(id, v)
	}
	assets, err := m.stores.Assets.ListAssets(ctx, task.ProgramID)
	if err != nil {
		return out, err
	}
	for _, a := range assets {
		add(a.ID, a.Target())
	}
	return out, nil
}

func (m *Monitor) runTask(ctx context.Context, task *Task) *RunReport {
	logger := log.WithTask(m.logger, task.ID, task.ProgramID)
	report := &RunReport{TaskID: task.ID, ProgramID: task.ProgramID, StartedAt: m.now()}

	var mu sync.Mutex
	addErr := func(err error) {
		mu.Lock()
		report.Errors = append(report.Errors, err.Error())
		mu.Unlock()
	}

	targets, err := m.targets(ctx, task)
	if err != nil {
		logger.Error("loading program assets", log.Error(err))
		metrics.RecordPersistenceError("list_assets")
		addErr(err)
	}
	report.Targets = len(targets)
	categories := task.Config.Enabled()
	if len(targets) == 0 || len(categories) == 0 {
		logger.Info("monitor task has nothing to observe",
			slog.Int("targets", len(targets)), slog.Int("categories", len(categories)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, tgt := range targets {
		g.Go(func() error {
			for _, cat := range categories {
				if err := gctx.Err(); err != nil {
					return err
				}
				items, pluginIDs, ok := m.observeCategory(gctx, task, cat, tgt.value, logger)
				if !ok {
					mu.Lock()
					report.ChainFailures++
					mu.Unlock()
					continue
				}
				ev, err := m.detector.Observe(gctx, Observation{
					ProgramID: task.ProgramID,
					TaskID:    task.ID,
					AssetID:   tgt.assetID,
					Category:  cat,
					PluginID:  strings.Join(pluginIDs, ","),
					Items:     items,
				})
				mu.Lock()
				report.Observations++
				mu.Unlock()
				if err != nil {
					logger.Error("recording observation", slog.String("category", string(cat)), log.Error(err))
					metrics.RecordPersistenceError("put_snapshot")
					addErr(err)
					continue
				}
				if ev == nil {
					continue
				}
				if err := m.handleEvent(gctx, task, ev, tgt.value); err != nil {
					addErr(err)
				}
				mu.Lock()
				report.Events = append(report.Events, ev)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		addErr(err)
	}
	report.FinishedAt = m.now()

	if len(report.Events) > 0 {
		m.addEventsDetected(ctx, task.ID, len(report.Events), logger)
	}

	result := "ok"
	if len(report.Errors) > 0 {
		result = "error"
	}
	metrics.RecordMonitorRun(result)
	logger.Info("monitor task finished",
		slog.Int("targets", report.Targets),
		slog.Int("events", len(report.Events)),
		slog.Int("chain_failures", report.ChainFailures),
		slog.Int64(log.DurationKey, report.FinishedAt.Sub(report.StartedAt).Milliseconds()))

	_ = m.emitter.Emit(context.WithoutCancel(ctx), &events.Event{
		Type:      events.TaskCompleted,
		Timestamp: report.FinishedAt,
		Data: map[string]interface{}{
			"task_id":        task.ID,
			"program_id":     task.ProgramID,
			"result":         result,
			"events":         len(report.Events),
			"chain_failures": report.ChainFailures,
		},
	})
	return report
}

// addEventsDetected reloads the task so concurrent edits are kept.
func (m *Monitor) addEventsDetected(ctx context.Context, id string, n int, logger *slog.Logger) {
	ctx = context.WithoutCancel(ctx)
	task, err := m.stores.Tasks.GetTask(ctx, id)
	if err != nil {
		// deleted mid-run
		return
	}
	task.EventsDetected += int64(n)
	if err := m.stores.Tasks.UpdateTask(ctx, task); err != nil {
		logger.Error("updating task counters", log.Error(err))
		metrics.RecordPersistenceError("update_task")
	}
}

// observeCategory runs every plugin chain of a category against one target
// and merges their normalized output. ok is false when every chain failed.
func (m *Monitor) observeCategory(ctx context.Context, task *Task, cat Category, target string, logger *slog.Logger) (items []string, pluginIDs []string, ok bool) {
	seen := make(map[string]bool)
	for _, pc := range task.Config.Categories[cat].Plugins {
		pluginID, out, err := m.runChain(ctx, pc, target, logger)
		if err != nil {
			metrics.RecordChainFailure(string(cat))
			logger.Warn("monitor plugin chain failed",
				slog.String("category", string(cat)),
				slog.String("target", target),
				log.Error(err))
			continue
		}
		ok = true
		pluginIDs = append(pluginIDs, pluginID)
		for _, item := range Normalize(pluginID, out) {
			if !seen[item] {
				seen[item] = true
				items = append(items, item)
			}
		}
	}
	sort.Strings(items)
	return items, pluginIDs, ok
}

// runChain tries the primary plugin then each fallback until one succeeds.
// A plugin counts as failed once its retries are exhausted.
func (m *Monitor) runChain(ctx context.Context, pc PluginConfig, target string, logger *slog.Logger) (string, map[string]any, error) {
	var errs []string
	for _, id := range pc.Chain() {
		out, err := m.invoke(ctx, id, pc.PluginParams, target)
		if err == nil {
			return id, out, nil
		}
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		errs = append(errs, fmt.Sprintf("%s: %v", id, err))
		logger.Debug("monitor plugin failed, trying fallback",
			slog.String(log.PluginIDKey, id), log.Error(err))
	}
	return "", nil, fmt.Errorf("all plugins failed: %s", strings.Join(errs, "; "))
}

func (m *Monitor) invoke(ctx context.Context, pluginID string, params map[string]any, target string) (map[string]any, error) {
	desc, err := m.registry.Get(pluginID)
	if err != nil {
		return nil, err
	}
	input := injectTarget(params, target, desc.Input)
	host := ratelimit.HostOf(target)

	var out map[string]any
	attempts, err := m.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		guard, err := m.limiter.Acquire(ctx, host)
		if err != nil {
			return err
		}
		defer guard.Release()
		res, err := desc.Plugin.Invoke(ctx, input)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	for i := 1; i < attempts; i++ {
		metrics.RecordRetry(pluginID)
	}
	return out, err
}

// handleEvent stores a new change event, publishes it and auto-triggers
// bound workflows when the task allows it.
func (m *Monitor) handleEvent(ctx context.Context, task *Task, ev *ChangeEvent, target string) error {
	ctx = context.WithoutCancel(ctx)
	ev.AutoTriggerEnabled = task.Config.AutoTriggerEnabled && ev.Severity.AtLeast(task.Config.AutoTriggerMinSeverity)

	if err := m.stores.Events.CreateEvent(ctx, ev); err != nil {
		metrics.RecordPersistenceError("create_event")
		return sentinelerrors.Wrap(err, "saving change event")
	}
	metrics.RecordChange(string(ev.EventType), string(ev.Severity))
	m.logger.Info("change detected",
		slog.String(log.TaskIDKey, task.ID),
		slog.String("asset_id", ev.AssetID),
		slog.String("event_type", string(ev.EventType)),
		slog.String("severity", string(ev.Severity)),
		slog.Int("risk_score", ev.RiskScore))

	var triggerErr error
	if ev.AutoTriggerEnabled {
		triggerErr = m.autoTrigger(ctx, ev, target)
	}

	_ = m.emitter.Emit(ctx, &events.Event{
		Type:      events.ChangeDetected,
		Timestamp: ev.DetectedAt,
		Data: map[string]interface{}{
			"event_id":            ev.ID,
			"program_id":          ev.ProgramID,
			"task_id":             ev.TaskID,
			"asset_id":            ev.AssetID,
			"event_type":          string(ev.EventType),
			"severity":            string(ev.Severity),
			"risk_score":          ev.RiskScore,
			"status":              string(ev.Status),
			"triggered_workflows": append([]string(nil), ev.TriggeredWorkflows...),
		},
	})
	return triggerErr
}

func (m *Monitor) autoTrigger(ctx context.Context, ev *ChangeEvent, target string) error {
	if m.starter == nil || m.templates == nil {
		return nil
	}
	// held until the event is saved so findings of a fast workflow are
	// linked after its id is recorded
	unlock := m.eventLocks.Lock(ev.ID)
	defer unlock()

	bindings, err := m.stores.Bindings.ListBindings(ctx, ev.ProgramID)
	if err != nil {
		metrics.RecordPersistenceError("list_bindings")
		return sentinelerrors.Wrap(err, "listing bindings")
	}

	var errs []string
	for _, b := range bindings {
		if !b.Enabled || !b.AutoRunOnChange {
			continue
		}
		match, err := m.conds.Match(b.Condition, ev)
		if err != nil {
			errs = append(errs, fmt.Sprintf("binding %s: %v", b.ID, err))
			continue
		}
		if !match {
			continue
		}
		tmpl, err := m.templates.GetTemplate(ctx, b.TemplateID)
		if err != nil {
			errs = append(errs, fmt.Sprintf("binding %s: %v", b.ID, err))
			continue
		}
		inputs := injectTarget(b.Inputs, target, nil)
		inputs[ChangeEventInput] = ev.ID
		inputs["change_type"] = string(ev.EventType)
		execID, err := m.starter.Start(ctx, tmpl, ev.ProgramID, inputs)
		if err != nil {
			errs = append(errs, fmt.Sprintf("binding %s: %v", b.ID, err))
			continue
		}
		ev.TriggeredWorkflows = append(ev.TriggeredWorkflows, execID)
		m.logger.Info("workflow auto-triggered",
			slog.String("event_id", ev.ID),
			slog.String(log.TemplateIDKey, b.TemplateID),
			slog.String(log.ExecutionIDKey, execID))
	}

	if len(ev.TriggeredWorkflows) > 0 {
		ev.Status = StatusWorkflowTriggered
		ev.UpdatedAt = m.now()
		if err := m.stores.Events.UpdateEvent(ctx, ev); err != nil {
			metrics.RecordPersistenceError("update_event")
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("auto-trigger: %s", strings.Join(errs, "; "))
	}
	return nil
}
