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
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tombee/sentinel/pkg/errors"
)

// Store persists executions and their step results.
type Store interface {
	// Create stores a new execution.
	Create(ctx context.Context, exec *Execution) error

	// Get retrieves an execution by ID.
	Get(ctx context.Context, id string) (*Execution, error)

	// Update replaces an existing execution.
	Update(ctx context.Context, exec *Execution) error

	// SaveStepResult records one step result on an existing execution.
	SaveStepResult(ctx context.Context, executionID string, result *StepResult) error

	// List returns executions matching the query, newest first.
	List(ctx context.Context, query *Query) ([]*Execution, error)

	// Delete deletes an execution by ID.
	Delete(ctx context.Context, id string) error
}

// Query defines query parameters for listing executions.
type Query struct {
	Status     *Status // Filter by status
	TemplateID string  // Filter by template
	ProgramID  string  // Filter by program
	Limit      int     // Maximum number of results (0 = no limit)
	Offset     int     // Number of results to skip
}

// Matches reports whether an execution passes the query filters.
func (q *Query) Matches(e *Execution) bool {
	if q == nil {
		return true
	}
	if q.Status != nil && e.Status != *q.Status {
		return false
	}
	if q.TemplateID != "" && e.TemplateID != q.TemplateID {
		return false
	}
	if q.ProgramID != "" && e.ProgramID != q.ProgramID {
		return false
	}
	return true
}

// Page applies offset and limit to an already filtered, ordered slice.
func Page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// MemoryStore is an in-memory implementation of Store.
// It is thread-safe and suitable for testing or single-instance deployments.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*Execution
}

// NewMemoryStore creates a new in-memory execution store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
	}
}

func checkExecution(exec *Execution) error {
	if exec == nil {
		return &errors.ValidationError{Field: "execution", Message: "execution cannot be nil"}
	}
	if exec.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "execution ID cannot be empty"}
	}
	return nil
}

// Create stores a new execution.
func (s *MemoryStore) Create(ctx context.Context, exec *Execution) error {
	if err := checkExecution(exec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; exists {
		return &errors.ValidationError{
			Field:      "id",
			Message:    fmt.Sprintf("execution with ID %s already exists", exec.ID),
			Suggestion: "use a unique execution ID or call Update instead",
		}
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// Get retrieves an execution by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*Execution, error) {
	if id == "" {
		return nil, &errors.ValidationError{Field: "id", Message: "execution ID cannot be empty"}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, exists := s.executions[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "execution", ID: id}
	}
	return exec.Clone(), nil
}

// Update replaces an existing execution.
func (s *MemoryStore) Update(ctx context.Context, exec *Execution) error {
	if err := checkExecution(exec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ID]; !exists {
		return &errors.NotFoundError{Resource: "execution", ID: exec.ID}
	}
	s.executions[exec.ID] = exec.Clone()
	return nil
}

// SaveStepResult records one step result.
func (s *MemoryStore) SaveStepResult(ctx context.Context, executionID string, result *StepResult) error {
	if result == nil || result.StepID == "" {
		return &errors.ValidationError{Field: "step_id", Message: "step result must name its step"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exec, exists := s.executions[executionID]
	if !exists {
		return &errors.NotFoundError{Resource: "execution", ID: executionID}
	}
	if exec.StepResults == nil {
		exec.StepResults = make(map[string]*StepResult)
	}
	rc := *result
	exec.StepResults[result.StepID] = &rc
	return nil
}

// Delete deletes an execution by ID.
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if id == "" {
		return &errors.ValidationError{Field: "id", Message: "execution ID cannot be empty"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[id]; !exists {
		return &errors.NotFoundError{Resource: "execution", ID: id}
	}
	delete(s.executions, id)
	return nil
}

// List returns executions matching the query, newest first.
func (s *MemoryStore) List(ctx context.Context, query *Query) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]*Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		if query.Matches(exec) {
			results = append(results, exec.Clone())
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if query == nil {
		return results, nil
	}
	return Page(results, query.Offset, query.Limit), nil
}

// TemplateStore holds workflow templates by id.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context) ([]*Template, error)
	PutTemplate(ctx context.Context, t *Template) error
	DeleteTemplate(ctx context.Context, id string) error
}

// MemoryTemplateStore is an in-memory TemplateStore.
type MemoryTemplateStore struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewMemoryTemplateStore creates a store seeded with the given templates.
func NewMemoryTemplateStore(seed ...*Template) *MemoryTemplateStore {
	s := &MemoryTemplateStore{templates: make(map[string]*Template, len(seed))}
	for _, t := range seed {
		if t != nil && t.ID != "" {
			s.templates[t.ID] = t.Clone()
		}
	}
	return s
}

// GetTemplate implements TemplateStore.
func (s *MemoryTemplateStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "template", ID: id}
	}
	return t.Clone(), nil
}

// ListTemplates implements TemplateStore. Templates are sorted by id.
func (s *MemoryTemplateStore) ListTemplates(ctx context.Context) ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutTemplate implements TemplateStore.
func (s *MemoryTemplateStore) PutTemplate(ctx context.Context, t *Template) error {
	if t == nil || t.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "template ID cannot be empty"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t.Clone()
	return nil
}

// DeleteTemplate implements TemplateStore.
func (s *MemoryTemplateStore) DeleteTemplate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[id]; !ok {
		return &errors.NotFoundError{Resource: "template", ID: id}
	}
	delete(s.templates, id)
	return nil
}

var (
	_ Store         = (*MemoryStore)(nil)
	_ TemplateStore = (*MemoryTemplateStore)(nil)
)
