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
	"slices"

	"github.com/tombee/sentinel/internal/log"
	"github.com/tombee/sentinel/internal/metrics"
	"github.com/tombee/sentinel/pkg/artifact"
	"github.com/tombee/sentinel/pkg/events"
	"github.com/tombee/sentinel/pkg/workflow"
)

// ChangeEventInput is the execution input naming the change event that
// triggered a workflow.
const ChangeEventInput = "change_event_id"

// ExecutionSource reads workflow executions. *workflow.Executor implements it.
type ExecutionSource interface {
	Get(ctx context.Context, id string) (*workflow.Execution, error)
}

// WithExecutions lets the monitor read the workflows it triggered once they
// finish, so their findings are linked back to the change event.
func WithExecutions(src ExecutionSource) Option {
	return func(m *Monitor) { m.executions = src }
}

func (m *Monitor) onRunCompleted(ctx context.Context, ev *events.Event) error {
	if m.executions == nil || ev.ExecutionID == "" {
		return nil
	}
	exec, err := m.executions.Get(ctx, ev.ExecutionID)
	if err != nil {
		m.logger.Warn("loading finished execution", slog.String(log.ExecutionIDKey, ev.ExecutionID), log.Error(err))
		return nil
	}
	eventID, _ := exec.Inputs[ChangeEventInput].(string)
	if eventID == "" {
		return nil
	}
	if _, err := m.LinkFindings(ctx, eventID, exec); err != nil {
		m.logger.Error("linking findings to change event",
			slog.String("event_id", eventID),
			slog.String(log.ExecutionIDKey, exec.ID),
			log.Error(err))
	}
	return nil
}

// LinkFindings records the findings of a workflow the change event
// triggered. An event still awaiting triage moves to review_required; one a
// user already acknowledged, resolved or ignored keeps its status.
// Executions the event did not trigger are ignored.
func (m *Monitor) LinkFindings(ctx context.Context, eventID string, exec *workflow.Execution) (*ChangeEvent, error) {
	unlock := m.eventLocks.Lock(eventID)
	defer unlock()

	ce, err := m.stores.Events.GetEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(ce.TriggeredWorkflows, exec.ID) {
		return ce, nil
	}

	added := false
	for _, id := range FindingIDs(exec) {
		if !slices.Contains(ce.GeneratedFindings, id) {
			ce.GeneratedFindings = append(ce.GeneratedFindings, id)
			added = true
		}
	}
	if !added {
		return ce, nil
	}
	switch ce.Status {
	case StatusNew, StatusAnalyzing, StatusWorkflowTriggered:
		ce.Status = StatusReviewRequired
	}
	ce.UpdatedAt = m.now()
	if err := m.stores.Events.UpdateEvent(ctx, ce); err != nil {
		metrics.RecordPersistenceError("update_event")
		return nil, err
	}
	m.logger.Info("workflow findings linked to change event",
		slog.String("event_id", ce.ID),
		slog.String(log.ExecutionIDKey, exec.ID),
		slog.Int("findings", len(ce.GeneratedFindings)),
		slog.String("status", string(ce.Status)))
	return ce, nil
}

// FindingIDs names every finding an execution produced, in step order. A
// finding carrying its own "id" keeps it; others are named
// "<execution>/<step>/<n>".
func FindingIDs(exec *workflow.Execution) []string {
	var ids []string
	for _, step := range exec.Steps {
		res, ok := exec.StepResults[step.ID]
		if !ok || res.FindingsCount == 0 {
			continue
		}
		n := 0
		for _, a := range res.Artifacts {
			if a.Type != artifact.Finding {
				continue
			}
			for _, item := range a.Items() {
				n++
				if obj, ok := item.(map[string]any); ok {
					if id := attrString(obj, "id"); id != "" {
						ids = append(ids, id)
						continue
					}
				}
				ids = append(ids, fmt.Sprintf("%s/%s/%d", exec.ID, step.ID, n))
			}
		}
	}
	return ids
}
