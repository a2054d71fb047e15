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

// Package service assembles sentinel's components from configuration and
// exposes the operations the CLI, the daemon and the MCP server call.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/tombee/sentinel/internal/backend/sqlite"
	"github.com/tombee/sentinel/internal/config"
	internallog "github.com/tombee/sentinel/internal/log"
	"github.com/tombee/sentinel/internal/metrics"
	"github.com/tombee/sentinel/internal/monitor"
	"github.com/tombee/sentinel/internal/tracing"
	"github.com/tombee/sentinel/pkg/artifact"
	"github.com/tombee/sentinel/pkg/events"
	"github.com/tombee/sentinel/pkg/plugin"
	"github.com/tombee/sentinel/pkg/ratelimit"
	"github.com/tombee/sentinel/pkg/retry"
	"github.com/tombee/sentinel/pkg/workflow"
)

// Options contains values set by the caller rather than the config file.
type Options struct {
	Version string

	// Logger overrides the logger built from the log config section.
	Logger *slog.Logger

	// Registry is used instead of an empty registry; manifests from the
	// plugins directory are loaded into it either way.
	Registry *plugin.MemoryRegistry

	// Emitter receives workflow and monitor events. Default: an async emitter.
	Emitter *events.Emitter

	// TraceOutput receives exported spans. Default: os.Stderr.
	TraceOutput io.Writer
}

// Service owns the plugin registry, stores, executor and monitor.
type Service struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *plugin.MemoryRegistry
	templates workflow.TemplateStore
	limiter   *ratelimit.Limiter
	executor  *workflow.Executor
	monitor   *monitor.Monitor
	emitter   *events.Emitter
	backend   *sqlite.Backend
	tracer    *tracing.Provider
	watcher   *plugin.Watcher

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds a service from cfg. A nil cfg uses config.Default().
func New(cfg *config.Config, opts Options) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = internallog.New(cfg.LoggerConfig())
	}

	s := &Service{
		cfg:      cfg,
		logger:   internallog.WithComponent(logger, "service"),
		registry: opts.Registry,
		emitter:  opts.Emitter,
	}
	if s.registry == nil {
		s.registry = plugin.NewMemoryRegistry()
	}
	if s.emitter == nil {
		s.emitter = events.NewEmitter(true)
	}

	if cfg.Plugins.Dir != "" {
		n, err := plugin.LoadInto(s.registry, cfg.Plugins.Dir, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load plugins: %w", err)
		}
		s.logger.Info("plugin manifests loaded", slog.Int("count", n), slog.String("dir", cfg.Plugins.Dir))
	}

	var (
		execStore workflow.Store
		stores    monitor.Stores
	)
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		be, err := sqlite.New(cfg.SQLite())
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite backend: %w", err)
		}
		s.backend = be
		execStore = be
		s.templates = be
		stores = be.MonitorStores()
	default:
		execStore = workflow.NewMemoryStore()
		s.templates = workflow.NewMemoryTemplateStore()
		stores = monitor.NewMemoryStores()
	}

	if cfg.Templates.Dir != "" {
		if err := s.loadTemplates(cfg.Templates.Dir, logger); err != nil {
			s.closeBackend()
			return nil, err
		}
	}

	traceOut := opts.TraceOutput
	if traceOut == nil {
		traceOut = os.Stderr
	}
	tcfg := cfg.Tracing
	if tcfg.ServiceVersion == "" {
		tcfg.ServiceVersion = opts.Version
	}
	tp, err := tracing.NewProvider(tcfg, traceOut)
	if err != nil {
		s.closeBackend()
		return nil, fmt.Errorf("failed to create tracing provider: %w", err)
	}
	s.tracer = tp

	s.limiter = ratelimit.New(cfg.Limits, ratelimit.WithWaitObserver(metrics.ObserveLimiterWait))
	retrier := retry.New(cfg.Retry, retry.WithLogger(logger))
	s.executor = workflow.NewExecutor(s.registry,
		workflow.WithStore(execStore),
		workflow.WithLimiter(s.limiter),
		workflow.WithRetry(retrier),
		workflow.WithEmitter(s.emitter),
		workflow.WithTracer(tp.Tracer(tracing.InstrumentationName)),
		workflow.WithLogger(logger),
	)
	s.monitor = monitor.New(s.registry,
		monitor.WithStores(stores),
		monitor.WithTemplates(s.templates),
		monitor.WithStarter(s.executor),
		monitor.WithExecutions(s.executor),
		monitor.WithLimiter(s.limiter),
		monitor.WithRetry(retrier),
		monitor.WithEmitter(s.emitter),
		monitor.WithLogger(logger),
		monitor.WithTickInterval(cfg.Monitor.TickInterval),
		monitor.WithConcurrency(cfg.Monitor.Concurrency),
	)
	return s, nil
}

func (s *Service) loadTemplates(dir string, logger *slog.Logger) error {
	ts, err := workflow.LoadTemplates(dir, logger)
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}
	ctx := context.Background()
	for _, t := range ts {
		if err := s.templates.PutTemplate(ctx, t); err != nil {
			return fmt.Errorf("failed to store template %s: %w", t.ID, err)
		}
	}
	s.logger.Info("templates loaded", slog.Int("count", len(ts)), slog.String("dir", dir))
	return nil
}

// Start starts the monitor scheduler and the plugin watcher when configured.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("service already started")
	}
	s.started = true

	if s.cfg.Plugins.Watch && s.cfg.Plugins.Dir != "" {
		w, err := plugin.NewWatcher(plugin.WatcherConfig{
			Registry: s.registry,
			Dir:      s.cfg.Plugins.Dir,
			Logger:   s.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to watch plugins: %w", err)
		}
		s.watcher = w
	}
	if s.cfg.Monitor.Enabled {
		s.monitor.Start(ctx)
	}
	s.logger.Info("service started",
		slog.Bool("monitor", s.cfg.Monitor.Enabled),
		slog.String("storage", s.cfg.Storage.Backend))
	return nil
}

// Shutdown stops the monitor, aborts running executions, stops plugin
// servers and releases the store. It is safe to call more than once.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.monitor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("monitor: %w", err))
	}
	if err := s.executor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("executor: %w", err))
	}
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("plugin watcher: %w", err))
		}
	}
	if err := s.registry.Close(); err != nil {
		errs = append(errs, fmt.Errorf("plugins: %w", err))
	}
	if err := s.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing: %w", err))
	}
	if err := s.closeBackend(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) closeBackend() error {
	if s.backend == nil {
		return nil
	}
	return s.backend.Close()
}

// Registry returns the plugin registry.
func (s *Service) Registry() *plugin.MemoryRegistry { return s.registry }

// Emitter returns the event emitter.
func (s *Service) Emitter() *events.Emitter { return s.emitter }

// Monitor returns the monitor scheduler.
func (s *Service) Monitor() *monitor.Monitor { return s.monitor }

// Executor returns the workflow executor.
func (s *Service) Executor() *workflow.Executor { return s.executor }

// Config returns the configuration the service was built from.
func (s *Service) Config() *config.Config { return s.cfg }

// ListPlugins returns every registered plugin sorted by id.
func (s *Service) ListPlugins() []*plugin.Descriptor {
	return s.registry.List()
}

// GetPluginInputSchema returns the declared input schema of a plugin.
func (s *Service) GetPluginInputSchema(pluginID string) (*plugin.Schema, error) {
	return s.registry.InputSchema(pluginID)
}

// GetPluginOutputSchema returns the declared output schema of a plugin.
func (s *Service) GetPluginOutputSchema(pluginID string) (*plugin.Schema, error) {
	return s.registry.OutputSchema(pluginID)
}

// ListTemplates returns every stored workflow template.
func (s *Service) ListTemplates(ctx context.Context) ([]*workflow.Template, error) {
	return s.templates.ListTemplates(ctx)
}

// GetTemplate returns one workflow template.
func (s *Service) GetTemplate(ctx context.Context, id string) (*workflow.Template, error) {
	return s.templates.GetTemplate(ctx, id)
}

// PutTemplate validates a template against the registry and stores it.
func (s *Service) PutTemplate(ctx context.Context, t *workflow.Template) error {
	if _, err := workflow.Validate(t, s.registry); err != nil {
		return err
	}
	return s.templates.PutTemplate(ctx, t)
}

// ValidateTemplate checks a template without storing it and returns the
// steps in dispatch order.
func (s *Service) ValidateTemplate(t *workflow.Template) ([]string, error) {
	plan, err := workflow.Validate(t, s.registry)
	if err != nil {
		return nil, err
	}
	return plan.Order(), nil
}

// RunWorkflowTemplate starts a stored template in the background and
// returns the execution id.
func (s *Service) RunWorkflowTemplate(ctx context.Context, templateID, programID string, inputs map[string]any) (string, error) {
	t, err := s.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return "", err
	}
	return s.executor.Start(ctx, t, programID, inputs)
}

// RunWorkflow runs a template to completion.
func (s *Service) RunWorkflow(ctx context.Context, t *workflow.Template, programID string, inputs map[string]any) (*workflow.Execution, error) {
	return s.executor.Run(ctx, t, programID, inputs)
}

// GetExecution returns the current state of an execution.
func (s *Service) GetExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	return s.executor.Get(ctx, id)
}

// ListExecutions queries stored executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, q *workflow.Query) ([]*workflow.Execution, error) {
	return s.executor.Store().List(ctx, q)
}

// WaitExecution blocks until an execution finishes or ctx is done.
func (s *Service) WaitExecution(ctx context.Context, id string) (*workflow.Execution, error) {
	return s.executor.Wait(ctx, id)
}

// ProcessStepOutput classifies raw plugin output into artifacts and, when
// executionID and stepID name a recorded step, attaches them to it.
func (s *Service) ProcessStepOutput(ctx context.Context, executionID, stepID, pluginID string, raw any) ([]artifact.Artifact, error) {
	return s.executor.ProcessStepOutput(ctx, executionID, stepID, pluginID, raw)
}

// CancelWorkflowRun requests cancellation of an execution.
func (s *Service) CancelWorkflowRun(ctx context.Context, id string) error {
	return s.executor.Cancel(ctx, id)
}

// PauseWorkflowRun stops dispatching new steps of an execution.
func (s *Service) PauseWorkflowRun(ctx context.Context, id string) error {
	return s.executor.Pause(ctx, id)
}

// ResumeWorkflowRun continues a paused execution.
func (s *Service) ResumeWorkflowRun(ctx context.Context, id string) error {
	return s.executor.Resume(ctx, id)
}

// GetRateLimiterStats returns a snapshot of the shared rate limiter.
func (s *Service) GetRateLimiterStats() ratelimit.Stats {
	return s.limiter.Stats()
}

// GetDefaultRetryConfig returns the retry policy steps use unless they
// override it.
func (s *Service) GetDefaultRetryConfig() retry.Config {
	return s.executor.RetryConfig()
}
