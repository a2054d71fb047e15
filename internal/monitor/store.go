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
	"sort"
	"sync"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/workflow"
)

// TaskStore persists monitor tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, id string) error

	// ListTasks returns tasks sorted by creation time. An empty programID
	// lists every program.
	ListTasks(ctx context.Context, programID string) ([]*Task, error)
}

// EventStore persists change events.
type EventStore interface {
	CreateEvent(ctx context.Context, e *ChangeEvent) error
	GetEvent(ctx context.Context, id string) (*ChangeEvent, error)
	UpdateEvent(ctx context.Context, e *ChangeEvent) error

	// ListEvents returns matching events, newest first.
	ListEvents(ctx context.Context, q *EventQuery) ([]*ChangeEvent, error)
}

// SnapshotStore keeps the latest observation per program, asset and
// category. Programs watching the same target keep separate baselines.
type SnapshotStore interface {
	// GetSnapshot returns a NotFoundError when nothing was observed yet.
	GetSnapshot(ctx context.Context, programID, assetID string, category Category) (*Snapshot, error)
	PutSnapshot(ctx context.Context, s *Snapshot) error
}

// AssetStore persists program assets.
type AssetStore interface {
	CreateAsset(ctx context.Context, a *Asset) error
	// FindAsset looks an asset up by its value within a program.
	FindAsset(ctx context.Context, programID, value string) (*Asset, error)
	ListAssets(ctx context.Context, programID string) ([]*Asset, error)
}

// BindingStore persists workflow bindings.
type BindingStore interface {
	PutBinding(ctx context.Context, b *Binding) error
	DeleteBinding(ctx context.Context, id string) error
	ListBindings(ctx context.Context, programID string) ([]*Binding, error)
}

// Stores groups the persistence the monitor needs.
type Stores struct {
	Tasks     TaskStore
	Events    EventStore
	Snapshots SnapshotStore
	Assets    AssetStore
	Bindings  BindingStore
}

// NewMemoryStores returns in-memory implementations of every store.
func NewMemoryStores() Stores {
	m := NewMemoryStore()
	return Stores{Tasks: m, Events: m, Snapshots: m, Assets: m, Bindings: m}
}

// MemoryStore implements every monitor store in memory.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	events    map[string]*ChangeEvent
	snapshots map[snapshotKey]*Snapshot
	assets    map[string]*Asset
	bindings  map[string]*Binding
}

type snapshotKey struct {
	program  string
	asset    string
	category Category
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:     make(map[string]*Task),
		events:    make(map[string]*ChangeEvent),
		snapshots: make(map[snapshotKey]*Snapshot),
		assets:    make(map[string]*Asset),
		bindings:  make(map[string]*Binding),
	}
}

func requireID(field, id string) error {
	if id == "" {
		return &sentinelerrors.ValidationError{Field: field, Message: field + " is required"}
	}
	return nil
}

// CreateTask implements TaskStore.
func (s *MemoryStore) CreateTask(ctx context.Context, t *Task) error {
	if t == nil {
		return &sentinelerrors.ValidationError{Field: "task", Message: "task is required"}
	}
	if err := requireID("id", t.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return &sentinelerrors.ValidationError{Field: "id", Message: "task " + t.ID + " already exists"}
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// GetTask implements TaskStore.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, &sentinelerrors.NotFoundError{Resource: "task", ID: id}
	}
	return t.Clone(), nil
}

// UpdateTask implements TaskStore.
func (s *MemoryStore) UpdateTask(ctx context.Context, t *Task) error {
	if t == nil {
		return &sentinelerrors.ValidationError{Field: "task", Message: "task is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return &sentinelerrors.NotFoundError{Resource: "task", ID: t.ID}
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

// DeleteTask implements TaskStore.
func (s *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return &sentinelerrors.NotFoundError{Resource: "task", ID: id}
	}
	delete(s.tasks, id)
	return nil
}

// ListTasks implements TaskStore.
func (s *MemoryStore) ListTasks(ctx context.Context, programID string) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if programID == "" || t.ProgramID == programID {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// CreateEvent implements EventStore.
func (s *MemoryStore) CreateEvent(ctx context.Context, e *ChangeEvent) error {
	if e == nil {
		return &sentinelerrors.ValidationError{Field: "event", Message: "event is required"}
	}
	if err := requireID("id", e.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; ok {
		return &sentinelerrors.ValidationError{Field: "id", Message: "event " + e.ID + " already exists"}
	}
	s.events[e.ID] = e.Clone()
	return nil
}

// GetEvent implements EventStore.
func (s *MemoryStore) GetEvent(ctx context.Context, id string) (*ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, &sentinelerrors.NotFoundError{Resource: "change event", ID: id}
	}
	return e.Clone(), nil
}

// UpdateEvent implements EventStore.
func (s *MemoryStore) UpdateEvent(ctx context.Context, e *ChangeEvent) error {
	if e == nil {
		return &sentinelerrors.ValidationError{Field: "event", Message: "event is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[e.ID]; !ok {
		return &sentinelerrors.NotFoundError{Resource: "change event", ID: e.ID}
	}
	s.events[e.ID] = e.Clone()
	return nil
}

// ListEvents implements EventStore.
func (s *MemoryStore) ListEvents(ctx context.Context, q *EventQuery) ([]*ChangeEvent, error) {
	s.mu.RLock()
	out := make([]*ChangeEvent, 0, len(s.events))
	for _, e := range s.events {
		if q.Matches(e) {
			out = append(out, e.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID < out[j].ID
	})
	if q == nil {
		return out, nil
	}
	return workflow.Page(out, q.Offset, q.Limit), nil
}

// GetSnapshot implements SnapshotStore.
func (s *MemoryStore) GetSnapshot(ctx context.Context, programID, assetID string, category Category) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[snapshotKey{programID, assetID, category}]
	if !ok {
		return nil, &sentinelerrors.NotFoundError{Resource: "snapshot", ID: snapshotID(programID, assetID, category)}
	}
	return snap.Clone(), nil
}

// PutSnapshot implements SnapshotStore.
func (s *MemoryStore) PutSnapshot(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return &sentinelerrors.ValidationError{Field: "snapshot", Message: "snapshot is required"}
	}
	if err := requireID("asset_id", snap.AssetID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshotKey{snap.ProgramID, snap.AssetID, snap.Category}] = snap.Clone()
	return nil
}

func snapshotID(programID, assetID string, category Category) string {
	return programID + "/" + assetID + "/" + string(category)
}

// CreateAsset implements AssetStore.
func (s *MemoryStore) CreateAsset(ctx context.Context, a *Asset) error {
	if a == nil {
		return &sentinelerrors.ValidationError{Field: "asset", Message: "asset is required"}
	}
	if err := requireID("id", a.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.assets {
		if existing.ProgramID == a.ProgramID && existing.Value == a.Value {
			return &sentinelerrors.ValidationError{Field: "value", Message: "asset " + a.Value + " already exists"}
		}
	}
	s.assets[a.ID] = a.Clone()
	return nil
}

// FindAsset implements AssetStore.
func (s *MemoryStore) FindAsset(ctx context.Context, programID, value string) (*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.assets {
		if a.ProgramID == programID && a.Value == value {
			return a.Clone(), nil
		}
	}
	return nil, &sentinelerrors.NotFoundError{Resource: "asset", ID: value}
}

// ListAssets implements AssetStore. Assets are sorted by value.
func (s *MemoryStore) ListAssets(ctx context.Context, programID string) ([]*Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Asset
	for _, a := range s.assets {
		if programID == "" || a.ProgramID == programID {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value < out[j].Value })
	return out, nil
}

// PutBinding implements BindingStore.
func (s *MemoryStore) PutBinding(ctx context.Context, b *Binding) error {
	if b == nil {
		return &sentinelerrors.ValidationError{Field: "binding", Message: "binding is required"}
	}
	if err := requireID("id", b.ID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bindings[b.ID] = b.Clone()
	return nil
}

// DeleteBinding implements BindingStore.
func (s *MemoryStore) DeleteBinding(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[id]; !ok {
		return &sentinelerrors.NotFoundError{Resource: "binding", ID: id}
	}
	delete(s.bindings, id)
	return nil
}

// ListBindings implements BindingStore. Bindings are sorted by creation time.
func (s *MemoryStore) ListBindings(ctx context.Context, programID string) ([]*Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Binding
	for _, b := range s.bindings {
		if programID == "" || b.ProgramID == programID {
			out = append(out, b.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var (
	_ TaskStore     = (*MemoryStore)(nil)
	_ EventStore    = (*MemoryStore)(nil)
	_ SnapshotStore = (*MemoryStore)(nil)
	_ AssetStore    = (*MemoryStore)(nil)
	_ BindingStore  = (*MemoryStore)(nil)
)
