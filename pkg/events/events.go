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

// Package events carries asynchronous progress notifications from the
// workflow executor and the monitor scheduler to observers.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Type identifies the kind of event.
type Type string

const (
	// WorkflowProgress reports percent complete after every step completion.
	WorkflowProgress Type = "workflow.progress"

	// StepStarted is emitted when a step is dispatched to its plugin.
	StepStarted Type = "workflow.step_started"

	// StepCompleted is emitted when a step records its result.
	StepCompleted Type = "workflow.step_completed"

	// RunCompleted is emitted once per execution with the final status.
	RunCompleted Type = "workflow.run_completed"

	// ChangeDetected is emitted by the monitor for every new change event.
	ChangeDetected Type = "monitor.change_detected"

	// TaskCompleted is emitted when a monitor task run finishes.
	TaskCompleted Type = "monitor.task_completed"
)

// Event is a single notification.
type Event struct {
	Type Type `json:"type"`

	// ExecutionID is empty for monitor events
	ExecutionID string                 `json:"execution_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data"`
}

// Listener handles events.
type Listener func(ctx context.Context, event *Event) error

// Emitter manages listeners and dispatches events.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[Type][]Listener
	all       []Listener
	async     bool
}

// NewEmitter creates a new emitter. With async set, listeners of one event run
// concurrently and Emit waits for all of them.
func NewEmitter(async bool) *Emitter {
	return &Emitter{
		listeners: make(map[Type][]Listener),
		async:     async,
	}
}

// On registers a listener for one event type.
func (e *Emitter) On(t Type, l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[t] = append(e.listeners[t], l)
}

// OnAll registers a listener for every event type.
func (e *Emitter) OnAll(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, l)
}

// Off removes all listeners for the event type.
func (e *Emitter) Off(t Type) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.listeners, t)
}

// ListenerCount returns the number of listeners that will receive an event of type t.
func (e *Emitter) ListenerCount(t Type) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[t]) + len(e.all)
}

// Emit dispatches an event to its listeners. Listener errors do not stop
// delivery; the last one is returned. A nil Emitter drops events.
func (e *Emitter) Emit(ctx context.Context, event *Event) error {
	if e == nil {
		return nil
	}
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	e.mu.RLock()
	listeners := make([]Listener, 0, len(e.listeners[event.Type])+len(e.all))
	listeners = append(listeners, e.listeners[event.Type]...)
	listeners = append(listeners, e.all...)
	e.mu.RUnlock()

	if e.async {
		return emitAsync(ctx, event, listeners)
	}

	var lastErr error
	for _, l := range listeners {
		if err := l(ctx, event); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func emitAsync(ctx context.Context, event *Event, listeners []Listener) error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(listeners))

	for _, l := range listeners {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			if err := l(ctx, event); err != nil {
				errCh <- err
			}
		}(l)
	}

	wg.Wait()
	close(errCh)

	var lastErr error
	for err := range errCh {
		lastErr = err
	}
	return lastErr
}

// EmitProgress emits a workflow progress event.
func (e *Emitter) EmitProgress(ctx context.Context, executionID string, percent float64, completed, total int) error {
	return e.Emit(ctx, &Event{
		Type:        WorkflowProgress,
		ExecutionID: executionID,
		Data: map[string]interface{}{
			"percent":         percent,
			"completed_steps": completed,
			"total_steps":     total,
		},
	})
}

// EmitStepStarted emits a step start event.
func (e *Emitter) EmitStepStarted(ctx context.Context, executionID, stepID, stepName, pluginID string) error {
	return e.Emit(ctx, &Event{
		Type:        StepStarted,
		ExecutionID: executionID,
		Data: map[string]interface{}{
			"step_id":   stepID,
			"step_name": stepName,
			"plugin_id": pluginID,
		},
	})
}

// EmitStepCompleted emits a step completion event. Exactly one of result and
// errMsg is meaningful depending on success.
func (e *Emitter) EmitStepCompleted(ctx context.Context, executionID, stepID string, success bool, result interface{}, errMsg string) error {
	data := map[string]interface{}{
		"step_id": stepID,
		"success": success,
	}
	if success {
		data["result"] = result
	} else {
		data["error"] = errMsg
	}
	return e.Emit(ctx, &Event{
		Type:        StepCompleted,
		ExecutionID: executionID,
		Data:        data,
	})
}

// EmitRunCompleted emits the final event of an execution.
func (e *Emitter) EmitRunCompleted(ctx context.Context, executionID, status string, stepErrors map[string]string) error {
	return e.Emit(ctx, &Event{
		Type:        RunCompleted,
		ExecutionID: executionID,
		Data: map[string]interface{}{
			"status": status,
			"errors": stepErrors,
		},
	})
}
