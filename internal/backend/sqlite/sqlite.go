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

// Package sqlite stores executions, templates and monitor state in a single
// SQLite database file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. ":memory:" keeps everything in memory.
	Path string `yaml:"path"`

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool `yaml:"wal"`
}

// New opens the database, applies pragmas and runs migrations.
func New(cfg Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, &sentinelerrors.ConfigError{Key: "storage.path", Reason: "database path is required"}
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; one connection also keeps ":memory:" a
	// single database
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}
	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return b, nil
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Rows keep the queried columns next to the full JSON document.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL,
			program_id TEXT,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_template ON executions(template_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_created_at ON executions(created_at)`,
		`CREATE TABLE IF NOT EXISTS step_results (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (execution_id, step_id),
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS monitor_tasks (
			id TEXT PRIMARY KEY,
			program_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_monitor_tasks_program ON monitor_tasks(program_id)`,
		`CREATE TABLE IF NOT EXISTS change_events (
			id TEXT PRIMARY KEY,
			program_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			status TEXT NOT NULL,
			severity_rank INTEGER NOT NULL,
			detected_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_events_program ON change_events(program_id, detected_at)`,
		// snapshots were once keyed by asset alone; baselines are rebuilt
		// on the next observation
		`DROP TABLE IF EXISTS snapshots`,
		`CREATE TABLE IF NOT EXISTS asset_snapshots (
			program_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			category TEXT NOT NULL,
			data TEXT NOT NULL,
			PRIMARY KEY (program_id, asset_id, category)
		)`,
		`CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			program_id TEXT NOT NULL,
			value TEXT NOT NULL,
			data TEXT NOT NULL,
			UNIQUE (program_id, value)
		)`,
		`CREATE TABLE IF NOT EXISTS bindings (
			id TEXT PRIMARY KEY,
			program_id TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
	}
	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal: %w", err)
	}
	return string(data), nil
}

func decode(data string, v any) error {
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("failed to unmarshal: %w", err)
	}
	return nil
}

// exists reports whether a row with the given key is present in table.
func (b *Backend) exists(ctx context.Context, table, column, value string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM "+table+" WHERE "+column+" = ?", value).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

// pagination appends LIMIT and OFFSET. SQLite needs a LIMIT before OFFSET.
func pagination(query string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 && offset <= 0 {
		return query, args
	}
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ?"
	args = append(args, limit)
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}
	return query, args
}
