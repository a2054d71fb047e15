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

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tombee/sentinel/internal/monitor"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

var (
	_ monitor.TaskStore     = (*Backend)(nil)
	_ monitor.EventStore    = (*Backend)(nil)
	_ monitor.SnapshotStore = (*Backend)(nil)
	_ monitor.AssetStore    = (*Backend)(nil)
	_ monitor.BindingStore  = (*Backend)(nil)
)

// MonitorStores returns the backend as every monitor store.
func (b *Backend) MonitorStores() monitor.Stores {
	return monitor.Stores{Tasks: b, Events: b, Snapshots: b, Assets: b, Bindings: b}
}

// getDoc loads the JSON document of one row into v, or returns a NotFoundError.
func (b *Backend) getDoc(ctx context.Context, v any, resource, id, query string, args ...any) error {
	var data string
	err := b.db.QueryRowContext(ctx, query, args...).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return &sentinelerrors.NotFoundError{Resource: resource, ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", resource, err)
	}
	return decode(data, v)
}

// listDocs decodes the JSON document of every row.
func listDocs[T any](ctx context.Context, db *sql.DB, query string, args ...any) ([]*T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*T{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v := new(T)
		if err := decode(data, v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func notFoundIfUnchanged(res sql.Result, resource, id string) error {
	if n, _ := res.RowsAffected(); n == 0 {
		return &sentinelerrors.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}

// CreateTask implements monitor.TaskStore.
func (b *Backend) CreateTask(ctx context.Context, t *monitor.Task) error {
	if t == nil || t.ID == "" {
		return &sentinelerrors.ValidationError{Field: "id", Message: "id is required"}
	}
	data, err := encode(t)
	if err != nil {
		return err
	}
	found, err := b.exists(ctx, "monitor_tasks", "id", t.ID)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if found {
		return &sentinelerrors.ValidationError{Field: "id", Message: "task " + t.ID + " already exists"}
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO monitor_tasks (id, program_id, created_at, data) VALUES (?, ?, ?, ?)`,
		t.ID, t.ProgramID, unixNano(t.CreatedAt), data)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask implements monitor.TaskStore.
func (b *Backend) GetTask(ctx context.Context, id string) (*monitor.Task, error) {
	var t monitor.Task
	if err := b.getDoc(ctx, &t, "task", id, `SELECT data FROM monitor_tasks WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &t, nil
}

// UpdateTask implements monitor.TaskStore.
func (b *Backend) UpdateTask(ctx context.Context, t *monitor.Task) error {
	if t == nil {
		return &sentinelerrors.ValidationError{Field: "task", Message: "task is required"}
	}
	data, err := encode(t)
	if err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE monitor_tasks SET program_id = ?, data = ? WHERE id = ?`, t.ProgramID, data, t.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	return notFoundIfUnchanged(res, "task", t.ID)
}

// DeleteTask implements monitor.TaskStore.
func (b *Backend) DeleteTask(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM monitor_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return notFoundIfUnchanged(res, "task", id)
}

// ListTasks implements monitor.TaskStore.
func (b *Backend) ListTasks(ctx context.Context, programID string) ([]*monitor.Task, error) {
	query := `SELECT data FROM monitor_tasks`
	var args []any
	if programID != "" {
		query += ` WHERE program_id = ?`
		args = append(args, programID)
	}
	query += ` ORDER BY created_at, id`
	tasks, err := listDocs[monitor.Task](ctx, b.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// CreateEvent implements monitor.EventStore.
func (b *Backend) CreateEvent(ctx context.Context, e *monitor.ChangeEvent) error {
	if e == nil || e.ID == "" {
		return &sentinelerrors.ValidationError{Field: "id", Message: "id is required"}
	}
	data, err := encode(e)
	if err != nil {
		return err
	}
	found, err := b.exists(ctx, "change_events", "id", e.ID)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	if found {
		return &sentinelerrors.ValidationError{Field: "id", Message: "event " + e.ID + " already exists"}
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO change_events (id, program_id, asset_id, status, severity_rank, detected_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProgramID, e.AssetID, string(e.Status), e.Severity.Rank(), unixNano(e.DetectedAt), data)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}
	return nil
}

// GetEvent implements monitor.EventStore.
func (b *Backend) GetEvent(ctx context.Context, id string) (*monitor.ChangeEvent, error) {
	var e monitor.ChangeEvent
	if err := b.getDoc(ctx, &e, "change event", id, `SELECT data FROM change_events WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpdateEvent implements monitor.EventStore.
func (b *Backend) UpdateEvent(ctx context.Context, e *monitor.ChangeEvent) error {
	if e == nil {
		return &sentinelerrors.ValidationError{Field: "event", Message: "event is required"}
	}
	data, err := encode(e)
	if err != nil {
		return err
	}
	res, err := b.db.ExecContext(ctx,
		`UPDATE change_events SET status = ?, severity_rank = ?, data = ? WHERE id = ?`,
		string(e.Status), e.Severity.Rank(), data, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}
	return notFoundIfUnchanged(res, "change event", e.ID)
}

// ListEvents implements monitor.EventStore.
func (b *Backend) ListEvents(ctx context.Context, q *monitor.EventQuery) ([]*monitor.ChangeEvent, error) {
	query := `SELECT data FROM change_events WHERE 1=1`
	var args []any
	limit, offset := 0, 0
	if q != nil {
		if q.ProgramID != "" {
			query += " AND program_id = ?"
			args = append(args, q.ProgramID)
		}
		if q.AssetID != "" {
			query += " AND asset_id = ?"
			args = append(args, q.AssetID)
		}
		if q.Status != "" {
			query += " AND status = ?"
			args = append(args, string(q.Status))
		}
		if q.MinSeverity != "" {
			query += " AND severity_rank >= ?"
			args = append(args, q.MinSeverity.Rank())
		}
		limit, offset = q.Limit, q.Offset
	}
	query += " ORDER BY detected_at DESC, id ASC"
	query, args = pagination(query, args, limit, offset)

	evs, err := listDocs[monitor.ChangeEvent](ctx, b.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return evs, nil
}

// GetSnapshot implements monitor.SnapshotStore.
func (b *Backend) GetSnapshot(ctx context.Context, programID, assetID string, category monitor.Category) (*monitor.Snapshot, error) {
	var s monitor.Snapshot
	err := b.getDoc(ctx, &s, "snapshot", programID+"/"+assetID+"/"+string(category),
		`SELECT data FROM asset_snapshots WHERE program_id = ? AND asset_id = ? AND category = ?`,
		programID, assetID, string(category))
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// PutSnapshot implements monitor.SnapshotStore.
func (b *Backend) PutSnapshot(ctx context.Context, s *monitor.Snapshot) error {
	if s == nil || s.AssetID == "" {
		return &sentinelerrors.ValidationError{Field: "asset_id", Message: "asset_id is required"}
	}
	data, err := encode(s)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO asset_snapshots (program_id, asset_id, category, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (program_id, asset_id, category) DO UPDATE SET data = excluded.data`,
		s.ProgramID, s.AssetID, string(s.Category), data)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// CreateAsset implements monitor.AssetStore.
func (b *Backend) CreateAsset(ctx context.Context, a *monitor.Asset) error {
	if a == nil || a.ID == "" {
		return &sentinelerrors.ValidationError{Field: "id", Message: "id is required"}
	}
	if _, err := b.FindAsset(ctx, a.ProgramID, a.Value); err == nil {
		return &sentinelerrors.ValidationError{Field: "value", Message: "asset " + a.Value + " already exists"}
	}
	data, err := encode(a)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO assets (id, program_id, value, data) VALUES (?, ?, ?, ?)`,
		a.ID, a.ProgramID, a.Value, data)
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

// FindAsset implements monitor.AssetStore.
func (b *Backend) FindAsset(ctx context.Context, programID, value string) (*monitor.Asset, error) {
	var a monitor.Asset
	err := b.getDoc(ctx, &a, "asset", value,
		`SELECT data FROM assets WHERE program_id = ? AND value = ?`, programID, value)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAssets implements monitor.AssetStore.
func (b *Backend) ListAssets(ctx context.Context, programID string) ([]*monitor.Asset, error) {
	query := `SELECT data FROM assets`
	var args []any
	if programID != "" {
		query += ` WHERE program_id = ?`
		args = append(args, programID)
	}
	query += ` ORDER BY value`
	assets, err := listDocs[monitor.Asset](ctx, b.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}
	return assets, nil
}

// PutBinding implements monitor.BindingStore.
func (b *Backend) PutBinding(ctx context.Context, bd *monitor.Binding) error {
	if bd == nil || bd.ID == "" {
		return &sentinelerrors.ValidationError{Field: "id", Message: "id is required"}
	}
	data, err := encode(bd)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO bindings (id, program_id, created_at, data) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET program_id = excluded.program_id, data = excluded.data`,
		bd.ID, bd.ProgramID, unixNano(bd.CreatedAt), data)
	if err != nil {
		return fmt.Errorf("failed to save binding: %w", err)
	}
	return nil
}

// DeleteBinding implements monitor.BindingStore.
func (b *Backend) DeleteBinding(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM bindings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete binding: %w", err)
	}
	return notFoundIfUnchanged(res, "binding", id)
}

// ListBindings implements monitor.BindingStore.
func (b *Backend) ListBindings(ctx context.Context, programID string) ([]*monitor.Binding, error) {
	query := `SELECT data FROM bindings`
	var args []any
	if programID != "" {
		query += ` WHERE program_id = ?`
		args = append(args, programID)
	}
	query += ` ORDER BY created_at, id`
	bindings, err := listDocs[monitor.Binding](ctx, b.db, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	return bindings, nil
}
