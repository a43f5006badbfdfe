// Copyright 2025 Ron Keiser
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

// Package store provides the per-run embedded SQLite store. Each workflow
// run owns exactly one Store; all mutation flows through the owning
// coordinator, so the connection pool is pinned to a single connection.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the per-run SQLite store.
type Store struct {
	db *sql.DB
}

// Config contains store configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for ephemeral runs
	// and tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Open opens (or creates) the per-run store and runs migrations.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; one connection keeps transactions honest
	// and makes :memory: databases behave.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate creates the fixed per-run tables. Context section tables and
// branch output tables are generated separately from schemas.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS run_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			run_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			workspace_id TEXT,
			project_id TEXT,
			status TEXT NOT NULL,
			failure_cause TEXT,
			last_sequence INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			path_id TEXT NOT NULL UNIQUE,
			parent_token_id TEXT,
			sibling_group TEXT,
			branch_index INTEGER NOT NULL DEFAULT 0,
			branch_total INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL,
			failure_reason TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			iteration_counts TEXT,
			arrived_at TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_status ON tokens(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_sibling_group ON tokens(sibling_group)`,
		`CREATE TABLE IF NOT EXISTS fan_in_activations (
			sibling_group TEXT PRIMARY KEY,
			winner_token_id TEXT NOT NULL,
			activated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// DB exposes the underlying handle for components that generate their own
// statements (schema models, token manager).
func (s *Store) DB() *sql.DB {
	return s.db
}

// InitRunMeta records the run's identity. Called once at run start.
func (s *Store) InitRunMeta(ctx context.Context, runID, workflowID string, workflowVersion int, workspaceID, projectID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO run_meta (id, run_id, workflow_id, workflow_version, workspace_id, project_id, status, created_at, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, 'running', ?, ?)`,
		runID, workflowID, workflowVersion, workspaceID, projectID, now, now)
	if err != nil {
		return fmt.Errorf("failed to init run meta: %w", err)
	}
	return nil
}

// RunStatus returns the run status and failure cause recorded in run_meta.
func (s *Store) RunStatus(ctx context.Context) (status, cause string, err error) {
	var nullCause sql.NullString
	err = s.db.QueryRowContext(ctx, `SELECT status, failure_cause FROM run_meta WHERE id = 1`).Scan(&status, &nullCause)
	if err != nil {
		return "", "", fmt.Errorf("failed to read run status: %w", err)
	}
	if nullCause.Valid {
		cause = nullCause.String
	}
	return status, cause, nil
}

// SetRunStatus updates the run status and optional failure cause.
func (s *Store) SetRunStatus(ctx context.Context, db DBTX, status, cause string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	var causeArg any
	if cause != "" {
		causeArg = cause
	}
	if _, err := db.ExecContext(ctx, `UPDATE run_meta SET status = ?, failure_cause = ?, updated_at = ? WHERE id = 1`, status, causeArg, now); err != nil {
		return fmt.Errorf("failed to set run status: %w", err)
	}
	return nil
}

// NextSequence atomically allocates the next trace sequence number.
// Durable across restarts: sequence numbers are never reused within a run.
func (s *Store) NextSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`UPDATE run_meta SET last_sequence = last_sequence + 1 WHERE id = 1 RETURNING last_sequence`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate sequence: %w", err)
	}
	return seq, nil
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Decision batches apply through this so an event is all-or-
// nothing.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DBTX is the subset of database/sql shared by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
