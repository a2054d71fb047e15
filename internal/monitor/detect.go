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
	"time"

	"github.com/google/uuid"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// Observation is one successful plugin chain result for an asset.
type Observation struct {
	ProgramID string
	TaskID    string
	AssetID   string
	Category  Category
	PluginID  string
	Items     []string
}

// Detector compares observations with the stored snapshot of the same asset
// and category and reports differences as change events.
type Detector struct {
	snapshots SnapshotStore
	locks     *keyedMutex
	now       func() time.Time
	newID     func() string
}

// NewDetector creates a Detector over a snapshot store.
func NewDetector(snapshots SnapshotStore) *Detector {
	return &Detector{
		snapshots: snapshots,
		locks:     newKeyedMutex(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Observe records obs as the asset's latest snapshot. It returns a change
// event when a previous snapshot exists and differs, and nil otherwise; the
// first observation of an asset and category is a silent baseline.
//
// Snapshots are scoped to the observing program. Compare and write happen
// under a per-program, per-asset lock so concurrent observations of one
// asset see each other's snapshots.
func (d *Detector) Observe(ctx context.Context, obs Observation) (*ChangeEvent, error) {
	unlock := d.locks.Lock(obs.ProgramID + "/" + obs.AssetID)
	defer unlock()

	now := d.now()
	cur := &Snapshot{
		ProgramID: obs.ProgramID,
		AssetID:   obs.AssetID,
		Category:  obs.Category,
		PluginID:  obs.PluginID,
		Items:     append([]string(nil), obs.Items...),
		Hash:      HashItems(obs.Items),
		TakenAt:   now,
	}

	prev, err := d.snapshots.GetSnapshot(ctx, obs.ProgramID, obs.AssetID, obs.Category)
	if err != nil && !sentinelerrors.Is(err, sentinelerrors.ErrNotFound) {
		return nil, sentinelerrors.Wrap(err, "loading snapshot")
	}
	if err := d.snapshots.PutSnapshot(ctx, cur); err != nil {
		return nil, sentinelerrors.Wrap(err, "saving snapshot")
	}
	if prev == nil || prev.Hash == cur.Hash {
		return nil, nil
	}

	diff := DiffItems(prev.Items, cur.Items)
	if diff.Empty() {
		return nil, nil
	}

	eventType := obs.Category.EventType()
	if obs.Category == CategoryDNS && len(cur.Items) == 0 {
		eventType = EventAssetRemoved
	}
	score := RiskScore(eventType, diff.Magnitude())
	return &ChangeEvent{
		ID:              d.newID(),
		ProgramID:       obs.ProgramID,
		TaskID:          obs.TaskID,
		AssetID:         obs.AssetID,
		EventType:       eventType,
		Category:        obs.Category,
		Severity:        SeverityFor(score),
		RiskScore:       score,
		Status:          StatusNew,
		OldValue:        prev.Items,
		NewValue:        cur.Items,
		Diff:            diff,
		DetectionMethod: "snapshot_diff:" + obs.PluginID,
		DetectedAt:      now,
		UpdatedAt:       now,
	}, nil
}
