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
	"fmt"
	"time"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// EventType classifies a detected change.
type EventType string

// Change event types.
const (
	EventAssetDiscovered      EventType = "asset_discovered"
	EventAssetRemoved         EventType = "asset_removed"
	EventAssetModified        EventType = "asset_modified"
	EventDNSChange            EventType = "dns_change"
	EventCertificateChange    EventType = "certificate_change"
	EventTechnologyChange     EventType = "technology_change"
	EventPortChange           EventType = "port_change"
	EventServiceChange        EventType = "service_change"
	EventContentChange        EventType = "content_change"
	EventAPIChange            EventType = "api_change"
	EventConfigurationExposed EventType = "configuration_exposed"
)

// Severity is the coarse rating derived from a risk score.
type Severity string

// Severities, lowest first.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities: low 1 through critical 4, unknown 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	return s.Rank() > 0
}

// AtLeast reports whether s is as severe as min. An empty min admits all.
func (s Severity) AtLeast(min Severity) bool {
	if min == "" {
		return true
	}
	return s.Rank() >= min.Rank()
}

// EventStatus tracks a change event through review.
type EventStatus string

// Event statuses.
const (
	StatusNew               EventStatus = "new"
	StatusAnalyzing         EventStatus = "analyzing"
	StatusWorkflowTriggered EventStatus = "workflow_triggered"
	StatusReviewRequired    EventStatus = "review_required"
	StatusAcknowledged      EventStatus = "acknowledged"
	StatusResolved          EventStatus = "resolved"
	StatusIgnored           EventStatus = "ignored"
)

// IsValid reports whether s is a known status.
func (s EventStatus) IsValid() bool {
	switch s {
	case StatusNew, StatusAnalyzing, StatusWorkflowTriggered, StatusReviewRequired,
		StatusAcknowledged, StatusResolved, StatusIgnored:
		return true
	}
	return false
}

// ChangeEvent is one detected difference between two observations of an asset.
type ChangeEvent struct {
	ID        string      `json:"id"`
	ProgramID string      `json:"program_id"`
	TaskID    string      `json:"task_id,omitempty"`
	AssetID   string      `json:"asset_id"`
	EventType EventType   `json:"event_type"`
	Category  Category    `json:"category,omitempty"`
	Severity  Severity    `json:"severity"`
	RiskScore int         `json:"risk_score"`
	Status    EventStatus `json:"status"`

	OldValue []string `json:"old_value,omitempty"`
	NewValue []string `json:"new_value,omitempty"`
	Diff     Diff     `json:"diff"`

	DetectionMethod    string   `json:"detection_method"`
	AutoTriggerEnabled bool     `json:"auto_trigger_enabled"`
	TriggeredWorkflows []string `json:"triggered_workflows,omitempty"`
	GeneratedFindings  []string `json:"generated_findings,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the event.
func (e *ChangeEvent) Clone() *ChangeEvent {
	if e == nil {
		return nil
	}
	c := *e
	c.OldValue = append([]string(nil), e.OldValue...)
	c.NewValue = append([]string(nil), e.NewValue...)
	c.Diff = Diff{
		Added:   append([]string(nil), e.Diff.Added...),
		Removed: append([]string(nil), e.Diff.Removed...),
	}
	c.TriggeredWorkflows = append([]string(nil), e.TriggeredWorkflows...)
	c.GeneratedFindings = append([]string(nil), e.GeneratedFindings...)
	return &c
}

// Diff is the set difference between two observations.
type Diff struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Magnitude is the number of items that changed.
func (d Diff) Magnitude() int {
	return len(d.Added) + len(d.Removed)
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return d.Magnitude() == 0
}

// EventQuery filters ListEvents. Zero fields match everything.
type EventQuery struct {
	ProgramID   string
	AssetID     string
	Status      EventStatus
	MinSeverity Severity
	Limit       int
	Offset      int
}

// Matches reports whether e passes the filter.
func (q *EventQuery) Matches(e *ChangeEvent) bool {
	if q == nil {
		return true
	}
	if q.ProgramID != "" && e.ProgramID != q.ProgramID {
		return false
	}
	if q.AssetID != "" && e.AssetID != q.AssetID {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	return e.Severity.AtLeast(q.MinSeverity)
}

func checkEventStatus(s EventStatus) error {
	if !s.IsValid() {
		return &sentinelerrors.ValidationError{
			Field:      "status",
			Message:    fmt.Sprintf("unknown event status %q", s),
			Suggestion: "use new, analyzing, workflow_triggered, review_required, acknowledged, resolved or ignored",
		}
	}
	return nil
}
