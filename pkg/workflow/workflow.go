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
	"fmt"
	"time"

	"github.com/tombee/sentinel/pkg/artifact"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// Status is the lifecycle state of an execution.
type Status string

// Execution states
const (
	StatusPending             Status = "pending"
	StatusRunning             Status = "running"
	StatusPaused              Status = "paused"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// transitions lists the allowed moves out of each state.
var transitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled},
	StatusPaused:  {StatusRunning, StatusCompleted, StatusCompletedWithErrors, StatusFailed, StatusCancelled},
}

// IsValid checks if a status is known.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusPaused, StatusCompleted,
		StatusCompletedWithErrors, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsTerminal returns true if no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s.IsValid() && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StepStatus is the outcome of a single step.
type StepStatus string

const (
	StepSuccess StepStatus = "success"
	StepFailed  StepStatus = "failed"

	// StepBlocked means a required input could not be produced because an
	// upstream step failed. The plugin was never invoked.
	StepBlocked StepStatus = "blocked"
)

// StepResult records what happened to one step.
type StepResult struct {
	StepID        string              `json:"step_id"`
	StepName      string              `json:"step_name,omitempty"`
	PluginID      string              `json:"plugin_id"`
	Status        StepStatus          `json:"status"`
	Success       bool                `json:"success"`
	Output        map[string]any      `json:"output,omitempty"`
	Artifacts     []artifact.Artifact `json:"artifacts,omitempty"`
	Error         string              `json:"error,omitempty"`
	ErrorKind     string              `json:"error_kind,omitempty"`
	FindingsCount int                 `json:"findings_count"`
	AttemptCount  int                 `json:"attempt_count"`
	StartedAt     time.Time           `json:"started_at"`
	FinishedAt    time.Time           `json:"finished_at"`
}

// Duration is how long the step took, retries included.
func (r *StepResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *StepResult) fail(status StepStatus, err error) {
	r.Status = status
	r.Success = false
	r.Error = err.Error()
	r.ErrorKind = sentinelerrors.Kind(err)
}

// Execution is one run of a template.
type Execution struct {
	ID           string         `json:"id"`
	TemplateID   string         `json:"template_id"`
	TemplateName string         `json:"template_name,omitempty"`
	ProgramID    string         `json:"program_id,omitempty"`
	Inputs       map[string]any `json:"inputs,omitempty"`

	// Steps is the template's step list as it was when the execution started
	Steps []Step `json:"steps"`

	Status      Status                 `json:"status"`
	CreatedAt   time.Time              `json:"created_at"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
	StepResults map[string]*StepResult `json:"step_results"`

	// Error is set only for executor-level failures
	Error string `json:"error,omitempty"`
}

// transition moves the execution to a new status and stamps lifecycle times.
func (e *Execution) transition(to Status, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return &sentinelerrors.ValidationError{
			Field:      "status",
			Message:    fmt.Sprintf("transition not allowed: from %s to %s", e.Status, to),
			Suggestion: "the execution must be active to change its status",
		}
	}
	e.Status = to
	switch {
	case to == StatusRunning && e.StartedAt == nil:
		e.StartedAt = &now
	case to.IsTerminal():
		e.FinishedAt = &now
	}
	return nil
}

// Progress returns percent complete and the completed/total step counts.
func (e *Execution) Progress() (percent float64, completed, total int) {
	total = len(e.Steps)
	completed = len(e.StepResults)
	if total == 0 {
		return 100, 0, 0
	}
	return float64(completed) / float64(total) * 100, completed, total
}

// StepErrors maps step ids to error messages for every unsuccessful step.
func (e *Execution) StepErrors() map[string]string {
	errs := make(map[string]string)
	for id, r := range e.StepResults {
		if !r.Success {
			errs[id] = r.Error
		}
	}
	return errs
}

// FindingsCount totals findings across all step results.
func (e *Execution) FindingsCount() int {
	n := 0
	for _, r := range e.StepResults {
		n += r.FindingsCount
	}
	return n
}

// Clone returns a deep copy of the execution.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	c := *e
	c.Inputs = cloneMap(e.Inputs)
	c.Steps = cloneSteps(e.Steps)
	if e.StartedAt != nil {
		t := *e.StartedAt
		c.StartedAt = &t
	}
	if e.FinishedAt != nil {
		t := *e.FinishedAt
		c.FinishedAt = &t
	}
	c.StepResults = make(map[string]*StepResult, len(e.StepResults))
	for id, r := range e.StepResults {
		rc := *r
		rc.Artifacts = append([]artifact.Artifact(nil), r.Artifacts...)
		c.StepResults[id] = &rc
	}
	return &c
}
