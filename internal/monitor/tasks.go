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
	"log/slog"
	"time"

	"github.com/tombee/sentinel/internal/log"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// CreateTask creates an enabled task whose first run is one interval away.
// A nil cfg uses DefaultConfig.
func (m *Monitor) CreateTask(ctx context.Context, programID, name string, intervalSecs int64, cfg *Config) (*Task, error) {
	c := DefaultConfig()
	if cfg != nil {
		c = cfg.Clone()
	}
	now := m.now()
	t := &Task{
		ID:           m.newID(),
		ProgramID:    programID,
		Name:         name,
		IntervalSecs: intervalSecs,
		Enabled:      true,
		Config:       c,
		CreatedAt:    now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	t.schedule(now)
	if err := m.stores.Tasks.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	log.WithTask(m.logger, t.ID, programID).Info("monitor task created",
		slog.String("name", name), slog.Int64("interval_secs", intervalSecs))
	return t, nil
}

// GetTask returns a task by id.
func (m *Monitor) GetTask(ctx context.Context, id string) (*Task, error) {
	return m.stores.Tasks.GetTask(ctx, id)
}

// ListTasks lists a program's tasks, or every task for an empty programID.
func (m *Monitor) ListTasks(ctx context.Context, programID string) ([]*Task, error) {
	return m.stores.Tasks.ListTasks(ctx, programID)
}

// UpdateTask applies the non-nil fields of u. Changing the interval or
// enabling the task reschedules it from now.
func (m *Monitor) UpdateTask(ctx context.Context, id string, u TaskUpdate) (*Task, error) {
	t, err := m.stores.Tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	reschedule := false
	if u.Name != nil {
		t.Name = *u.Name
	}
	if u.IntervalSecs != nil && *u.IntervalSecs != t.IntervalSecs {
		t.IntervalSecs = *u.IntervalSecs
		reschedule = true
	}
	if u.Enabled != nil && *u.Enabled != t.Enabled {
		t.Enabled = *u.Enabled
		reschedule = true
	}
	if u.Config != nil {
		t.Config = u.Config.Clone()
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if reschedule {
		t.schedule(m.now())
	}
	if err := m.stores.Tasks.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// EnableTask enables a task and schedules its next run one interval away.
func (m *Monitor) EnableTask(ctx context.Context, id string) (*Task, error) {
	return m.setEnabled(ctx, id, true)
}

// DisableTask disables a task and clears its next run.
func (m *Monitor) DisableTask(ctx context.Context, id string) (*Task, error) {
	return m.setEnabled(ctx, id, false)
}

func (m *Monitor) setEnabled(ctx context.Context, id string, enabled bool) (*Task, error) {
	t, err := m.stores.Tasks.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Enabled = enabled
	t.schedule(m.now())
	if err := m.stores.Tasks.UpdateTask(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTask removes a task. A run in progress finishes.
func (m *Monitor) DeleteTask(ctx context.Context, id string) error {
	return m.stores.Tasks.DeleteTask(ctx, id)
}

// CreateDefaultTasks creates the two standard tasks for a program: DNS and
// certificate checks every 6 hours, content and API checks every 24 hours.
func (m *Monitor) CreateDefaultTasks(ctx context.Context, programID string) ([]*Task, error) {
	only := func(cats ...Category) *Config {
		cfg := DefaultConfig()
		for _, c := range Categories {
			cfg.SetEnabled(c, false)
		}
		for _, c := range cats {
			cfg.SetEnabled(c, true)
		}
		return &cfg
	}
	specs := []struct {
		name     string
		interval time.Duration
		cfg      *Config
	}{
		{"DNS & Certificate Monitor", 6 * time.Hour, only(CategoryDNS, CategoryCertificate)},
		{"Content & API Monitor", 24 * time.Hour, only(CategoryContent, CategoryAPI)},
	}

	out := make([]*Task, 0, len(specs))
	for _, s := range specs {
		t, err := m.CreateTask(ctx, programID, s.name, int64(s.interval/time.Second), s.cfg)
		if err != nil {
			return out, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Stats summarizes the scheduler.
type Stats struct {
	TotalTasks     int        `json:"total_tasks"`
	EnabledTasks   int        `json:"enabled_tasks"`
	RunningTasks   int        `json:"running_tasks"`
	TotalRuns      int64      `json:"total_runs"`
	EventsDetected int64      `json:"events_detected"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	Running        bool       `json:"running"`
	UptimeSeconds  int64      `json:"uptime_seconds"`
}

// Stats returns task counters aggregated over every program.
func (m *Monitor) Stats(ctx context.Context) (Stats, error) {
	tasks, err := m.stores.Tasks.ListTasks(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, t := range tasks {
		s.TotalTasks++
		if t.Enabled {
			s.EnabledTasks++
		}
		s.TotalRuns += t.RunCount
		s.EventsDetected += t.EventsDetected
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s.RunningTasks = len(m.active)
	s.Running = m.running
	if m.lastRunAt != nil {
		v := *m.lastRunAt
		s.LastRunAt = &v
	}
	if m.running {
		s.UptimeSeconds = int64(m.now().Sub(m.startedAt) / time.Second)
	}
	return s, nil
}

// ListEvents returns change events, newest first.
func (m *Monitor) ListEvents(ctx context.Context, q *EventQuery) ([]*ChangeEvent, error) {
	return m.stores.Events.ListEvents(ctx, q)
}

// GetEvent returns a change event by id.
func (m *Monitor) GetEvent(ctx context.Context, id string) (*ChangeEvent, error) {
	return m.stores.Events.GetEvent(ctx, id)
}

// UpdateEventStatus moves a change event to a review status.
func (m *Monitor) UpdateEventStatus(ctx context.Context, id string, status EventStatus) (*ChangeEvent, error) {
	if err := checkEventStatus(status); err != nil {
		return nil, err
	}
	unlock := m.eventLocks.Lock(id)
	defer unlock()

	ev, err := m.stores.Events.GetEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	ev.Status = status
	ev.UpdatedAt = m.now()
	if err := m.stores.Events.UpdateEvent(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// CreateBinding binds a template to a program. The template must exist when
// a template store is configured, and the condition must compile.
func (m *Monitor) CreateBinding(ctx context.Context, b *Binding) (*Binding, error) {
	if b == nil {
		return nil, &sentinelerrors.ValidationError{Field: "binding", Message: "binding is required"}
	}
	nb := b.Clone()
	if nb.ID == "" {
		nb.ID = m.newID()
	}
	if nb.CreatedAt.IsZero() {
		nb.CreatedAt = m.now()
	}
	if err := nb.Validate(m.conds); err != nil {
		return nil, err
	}
	if m.templates != nil {
		if _, err := m.templates.GetTemplate(ctx, nb.TemplateID); err != nil {
			return nil, err
		}
	}
	if err := m.stores.Bindings.PutBinding(ctx, nb); err != nil {
		return nil, err
	}
	return nb, nil
}

// ListBindings lists a program's bindings.
func (m *Monitor) ListBindings(ctx context.Context, programID string) ([]*Binding, error) {
	return m.stores.Bindings.ListBindings(ctx, programID)
}

// DeleteBinding removes a binding.
func (m *Monitor) DeleteBinding(ctx context.Context, id string) error {
	return m.stores.Bindings.DeleteBinding(ctx, id)
}
