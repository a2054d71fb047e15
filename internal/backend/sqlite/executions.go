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

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/workflow"
)

var (
	_ workflow.Store         = (*Backend)(nil)
	_ workflow.TemplateStore = (*Backend)(nil)
)

// Create implements workflow.Store.
func (b *Backend) Create(ctx context.Context, exec *workflow.Execution) error {
	if exec == nil || exec.ID == "" {
		return &sentinelerrors.ValidationError{Field: "id", Message: "execution ID cannot be empty"}
	}
	found, err := b.exists(ctx, "executions", "id", exec.ID)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	if found {
		return &sentinelerrors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("execution with ID %s already exists", exec.ID),
			Suggestion: "use a unique execution ID or call Update instead",
		}
	}
	return b.writeExecution(ctx, exec, true)
}

// Update implements workflow.Store.
func (b *Backend) Update(ctx context.Context, exec *workflow.Execution) error {
	if exec == nil || exec.ID == "" {
		return &sentinelerrors.ValidationError{Field: "id", Message: "execution ID cannot be empty"}
	}
	return b.writeExecution(ctx, exec, false)
}

// writeExecution stores the execution document without its step results,
// then upserts each step result into its own row.
func (b *Backend) writeExecution(ctx context.Context, exec *workflow.Execution, create bool) error {
	doc := exec.Clone()
	results := doc.StepResults
	doc.StepResults = nil
	data, err := encode(doc)
	if err != nil {
		return err
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if create {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO executions (id, template_id, program_id, status, created_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
			exec.ID, exec.TemplateID, exec.ProgramID, string(exec.Status), unixNano(exec.CreatedAt), data)
		if err != nil {
			return fmt.Errorf("failed to create execution: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE executions SET template_id = ?, program_id = ?, status = ?, created_at = ?, data = ? WHERE id = ?`,
			exec.TemplateID, exec.ProgramID, string(exec.Status), unixNano(exec.CreatedAt), data, exec.ID)
		if err != nil {
			return fmt.Errorf("failed to update execution: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &sentinelerrors.NotFoundError{Resource: "execution", ID: exec.ID}
		}
	}

	for _, r := range results {
		if err := upsertStepResult(ctx, tx, exec.ID, r); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertStepResult(ctx context.Context, tx *sql.Tx, executionID string, r *workflow.StepResult) error {
	data, err := encode(r)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO step_results (execution_id, step_id, data) VALUES (?, ?, ?)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET data = excluded.data`,
		executionID, r.StepID, data)
	if err != nil {
		return fmt.Errorf("failed to save step result: %w", err)
	}
	return nil
}

// SaveStepResult implements workflow.Store.
func (b *Backend) SaveStepResult(ctx context.Context, executionID string, result *workflow.StepResult) error {
	if result == nil || result.StepID == "" {
		return &sentinelerrors.ValidationError{Field: "step_id", Message: "step result must name its step"}
	}
	found, err := b.exists(ctx, "executions", "id", executionID)
	if err != nil {
		return fmt.Errorf("failed to save step result: %w", err)
	}
	if !found {
		return &sentinelerrors.NotFoundError{Resource: "execution", ID: executionID}
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := upsertStepResult(ctx, tx, executionID, result); err != nil {
		return err
	}
	return tx.Commit()
}

// Get implements workflow.Store.
func (b *Backend) Get(ctx context.Context, id string) (*workflow.Execution, error) {
	if id == "" {
		return nil, &sentinelerrors.ValidationError{Field: "id", Message: "execution ID cannot be empty"}
	}
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM executions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &sentinelerrors.NotFoundError{Resource: "execution", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}
	var exec workflow.Execution
	if err := decode(data, &exec); err != nil {
		return nil, err
	}
	if err := b.loadStepResults(ctx, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (b *Backend) loadStepResults(ctx context.Context, exec *workflow.Execution) error {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM step_results WHERE execution_id = ?`, exec.ID)
	if err != nil {
		return fmt.Errorf("failed to load step results: %w", err)
	}
	defer rows.Close()

	exec.StepResults = make(map[string]*workflow.StepResult)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan step result: %w", err)
		}
		var r workflow.StepResult
		if err := decode(data, &r); err != nil {
			return err
		}
		exec.StepResults[r.StepID] = &r
	}
	return rows.Err()
}

// List implements workflow.Store.
func (b *Backend) List(ctx context.Context, q *workflow.Query) ([]*workflow.Execution, error) {
	query := `SELECT data FROM executions WHERE 1=1`
	var args []any
	limit, offset := 0, 0
	if q != nil {
		if q.Status != nil {
			query += " AND status = ?"
			args = append(args, string(*q.Status))
		}
		if q.TemplateID != "" {
			query += " AND template_id = ?"
			args = append(args, q.TemplateID)
		}
		if q.ProgramID != "" {
			query += " AND program_id = ?"
			args = append(args, q.ProgramID)
		}
		limit, offset = q.Limit, q.Offset
	}
	query += " ORDER BY created_at DESC, id ASC"
	query, args = pagination(query, args, limit, offset)

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	var out []*workflow.Execution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		var exec workflow.Execution
		if err := decode(data, &exec); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, &exec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// one connection: finish reading before loading step results
	rows.Close()

	for _, exec := range out {
		if err := b.loadStepResults(ctx, exec); err != nil {
			return nil, err
		}
	}
	if out == nil {
		out = []*workflow.Execution{}
	}
	return out, nil
}

// Delete implements workflow.Store.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if id == "" {
		return &sentinelerrors.ValidationError{Field: "id", Message: "execution ID cannot be empty"}
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &sentinelerrors.NotFoundError{Resource: "execution", ID: id}
	}
	return nil
}

// GetTemplate implements workflow.TemplateStore.
func (b *Backend) GetTemplate(ctx context.Context, id string) (*workflow.Template, error) {
	var data string
	err := b.db.QueryRowContext(ctx, `SELECT data FROM templates WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &sentinelerrors.NotFoundError{Resource: "template", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template: %w", err)
	}
	var t workflow.Template
	if err := decode(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates implements workflow.TemplateStore.
func (b *Backend) ListTemplates(ctx context.Context) ([]*workflow.Template, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	out := []*workflow.Template{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		var t workflow.Template
		if err := decode(data, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// PutTemplate implements workflow.TemplateStore.
func (b *Backend) PutTemplate(ctx context.Context, t *workflow.Template) error {
	if t == nil || t.ID == "" {
		return &sentinelerrors.ValidationError{Field: "id", Message: "template ID cannot be empty"}
	}
	data, err := encode(t)
	if err != nil {
		return err
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO templates (id, data) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET data = excluded.data`,
		t.ID, data)
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}
	return nil
}

// DeleteTemplate implements workflow.TemplateStore.
func (b *Backend) DeleteTemplate(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &sentinelerrors.NotFoundError{Resource: "template", ID: id}
	}
	return nil
}
