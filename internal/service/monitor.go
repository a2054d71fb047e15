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

package service

import (
	"context"

	"github.com/tombee/sentinel/internal/monitor"
)

// CreateTask creates an enabled monitor task. A nil cfg uses the default
// category configuration.
func (s *Service) CreateTask(ctx context.Context, programID, name string, intervalSecs int64, cfg *monitor.Config) (*monitor.Task, error) {
	return s.monitor.CreateTask(ctx, programID, name, intervalSecs, cfg)
}

// GetTask returns one monitor task.
func (s *Service) GetTask(ctx context.Context, id string) (*monitor.Task, error) {
	return s.monitor.GetTask(ctx, id)
}

// ListTasks returns the tasks of a program, or all tasks for "".
func (s *Service) ListTasks(ctx context.Context, programID string) ([]*monitor.Task, error) {
	return s.monitor.ListTasks(ctx, programID)
}

// UpdateTask applies a partial update to a task.
func (s *Service) UpdateTask(ctx context.Context, id string, u monitor.TaskUpdate) (*monitor.Task, error) {
	return s.monitor.UpdateTask(ctx, id, u)
}

// EnableTask enables a task and schedules its next run.
func (s *Service) EnableTask(ctx context.Context, id string) (*monitor.Task, error) {
	return s.monitor.EnableTask(ctx, id)
}

// DisableTask disables a task and clears its next run.
func (s *Service) DisableTask(ctx context.Context, id string) (*monitor.Task, error) {
	return s.monitor.DisableTask(ctx, id)
}

// DeleteTask removes a task.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	return s.monitor.DeleteTask(ctx, id)
}

// TriggerTask runs a task now in the background.
func (s *Service) TriggerTask(ctx context.Context, id string) error {
	return s.monitor.TriggerTask(ctx, id)
}

// RunTask runs a task now and waits for its report.
func (s *Service) RunTask(ctx context.Context, id string) (*monitor.RunReport, error) {
	return s.monitor.RunTask(ctx, id)
}

// CreateDefaultTasks creates the standard monitor tasks for a program.
func (s *Service) CreateDefaultTasks(ctx context.Context, programID string) ([]*monitor.Task, error) {
	return s.monitor.CreateDefaultTasks(ctx, programID)
}

// MonitorStats summarises tasks, runs and detected events.
func (s *Service) MonitorStats(ctx context.Context) (monitor.Stats, error) {
	return s.monitor.Stats(ctx)
}

// ListEvents queries change events, newest first.
func (s *Service) ListEvents(ctx context.Context, q *monitor.EventQuery) ([]*monitor.ChangeEvent, error) {
	return s.monitor.ListEvents(ctx, q)
}

// UpdateEventStatus moves a change event to a new status.
func (s *Service) UpdateEventStatus(ctx context.Context, id string, status monitor.EventStatus) (*monitor.ChangeEvent, error) {
	return s.monitor.UpdateEventStatus(ctx, id, status)
}

// CreateBinding attaches a workflow template to a program's change events.
func (s *Service) CreateBinding(ctx context.Context, b *monitor.Binding) (*monitor.Binding, error) {
	return s.monitor.CreateBinding(ctx, b)
}

// ListBindings returns the bindings of a program.
func (s *Service) ListBindings(ctx context.Context, programID string) ([]*monitor.Binding, error) {
	return s.monitor.ListBindings(ctx, programID)
}

// DeleteBinding removes a binding.
func (s *Service) DeleteBinding(ctx context.Context, id string) error {
	return s.monitor.DeleteBinding(ctx, id)
}

// DiscoverAndImportAssets runs a discovery plugin and, with req.AutoImport,
// imports the assets the program does not have yet.
func (s *Service) DiscoverAndImportAssets(ctx context.Context, req monitor.DiscoverRequest) (*monitor.DiscoverResult, error) {
	return s.monitor.DiscoverAndImportAssets(ctx, req)
}
