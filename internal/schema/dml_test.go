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

package schema

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec("PRAGMA foreign_keys=ON")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func mustModel(t *testing.T, name, raw string, opts Options) *Model {
	t.Helper()
	s, err := Parse([]byte(raw))
	require.NoError(t, err)
	m, err := Generate(name, s, opts)
	require.NoError(t, err)
	return m
}

const stateSchema = `{
	"type": "object",
	"properties": {
		"x":    {"type": "integer"},
		"note": {"type": "string"},
		"meta": {
			"type": "object",
			"properties": {
				"source": {"type": "string"},
				"depth":  {"type": "integer"}
			}
		},
		"tags":    {"type": "array", "items": {"type": "string"}},
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"properties": {
					"v":     {"type": "integer"},
					"notes": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}
}`

func TestSetGet_ScalarRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "ctx_state", stateSchema, Options{})
	require.NoError(t, m.CreateTables(ctx, db))

	require.NoError(t, m.Set(ctx, db, "x", float64(42)))
	got, err := m.Get(ctx, db, "x")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got)

	require.NoError(t, m.Set(ctx, db, "note", "hello"))
	got, err = m.Get(ctx, db, "note")
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestSetGet_NestedObjectColumns(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "ctx_state", stateSchema, Options{})
	require.NoError(t, m.CreateTables(ctx, db))

	require.NoError(t, m.Set(ctx, db, "meta.source", "executor"))
	require.NoError(t, m.Set(ctx, db, "meta.depth", float64(3)))

	got, err := m.Get(ctx, db, "meta")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"source": "executor", "depth": int64(3)}, got)
}

func TestSetGet_WholeObject(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "ctx_state", stateSchema, Options{})
	require.NoError(t, m.CreateTables(ctx, db))

	require.NoError(t, m.Set(ctx, db, "meta", map[string]any{"source": "merge", "depth": float64(1)}))
	got, err := m.Get(ctx, db, "meta.source")
	require.NoError(t, err)
	assert.Equal(t, "merge", got)
}

func TestSetGet_ScalarArrayReplace(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "ctx_state", stateSchema, Options{})
	require.NoError(t, m.CreateTables(ctx, db))

	require.NoError(t, m.Set(ctx, db, "tags", []any{"a", "b", "c"}))
	got, err := m.Get(ctx, db, "tags")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, got)

	// Assignment replaces the previous contents atomically.
	require.NoError(t, m.Set(ctx, db, "tags", []any{"z"}))
	got, err = m.Get(ctx, db, "tags")
	require.NoError(t, err)
	assert.Equal(t, []any{"z"}, got)
}

func TestSetGet_ObjectArrayWithNestedArray(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "ctx_state", stateSchema, Options{})
	require.NoError(t, m.CreateTables(ctx, db))

	value := []any{
		map[string]any{"v": float64(0), "notes": []any{"first"}},
		map[string]any{"v": float64(1), "notes": []any{"second", "third"}},
	}
	require.NoError(t, m.Set(ctx, db, "results", value))

	got, err := m.Get(ctx, db, "results")
	require.NoError(t, err)
	want := []any{
		map[string]any{"v": int64(0), "notes": []any{"first"}},
		map[string]any{"v": int64(1), "notes": []any{"second", "third"}},
	}
	assert.Equal(t, want, got)
}

func TestSet_ValidationRejected(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "ctx_state", stateSchema, Options{})
	require.NoError(t, m.CreateTables(ctx, db))

	err := m.Set(ctx, db, "x", "not a number")
	assert.Error(t, err)

	err = m.Set(ctx, db, "tags", []any{"ok", float64(7)})
	assert.Error(t, err)

	err = m.Set(ctx, db, "nonexistent", 1)
	assert.Error(t, err)
}

func TestGet_MissingValueIsNil(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "ctx_state", stateSchema, Options{})
	require.NoError(t, m.CreateTables(ctx, db))

	got, err := m.Get(ctx, db, "x")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = m.Get(ctx, db, "meta")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInsertDocument_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "branch_out", `{
		"type": "object",
		"properties": {
			"v":      {"type": "integer"},
			"done":   {"type": "boolean"},
			"labels": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["v"]
	}`, Options{RequireNotNull: true})
	require.NoError(t, m.CreateTables(ctx, db))

	doc := map[string]any{"v": float64(7), "done": true, "labels": []any{"x", "y"}}
	require.NoError(t, m.InsertDocument(ctx, db, doc))

	got, err := m.ReadDocument(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": int64(7), "done": true, "labels": []any{"x", "y"}}, got)
}

func TestInsertDocument_MissingRequired(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "branch_out", `{
		"type": "object",
		"properties": {"v": {"type": "integer"}},
		"required": ["v"]
	}`, Options{RequireNotNull: true})
	require.NoError(t, m.CreateTables(ctx, db))

	err := m.InsertDocument(ctx, db, map[string]any{})
	assert.Error(t, err)
}

func TestReadDocument_NoRow(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "ctx_state", stateSchema, Options{})
	require.NoError(t, m.CreateTables(ctx, db))

	got, err := m.ReadDocument(ctx, db)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDropTables(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "branch_out", stateSchema, Options{})
	require.NoError(t, m.CreateTables(ctx, db))
	require.NoError(t, m.DropTables(ctx, db))

	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name LIKE 'branch_out%'`).Scan(&count)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestHasPath(t *testing.T) {
	m := mustModel(t, "ctx_state", stateSchema, Options{})
	assert.True(t, m.HasPath("x"))
	assert.True(t, m.HasPath("meta"))
	assert.True(t, m.HasPath("meta.source"))
	assert.True(t, m.HasPath("tags"))
	assert.True(t, m.HasPath("results"))
	assert.False(t, m.HasPath("results.v"))
	assert.False(t, m.HasPath("missing"))
}

func TestEnumConstraintEnforcedByDB(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	m := mustModel(t, "ctx_state", `{
		"type": "object",
		"properties": {"status": {"type": "string", "enum": ["open", "closed"]}}
	}`, Options{})
	require.NoError(t, m.CreateTables(ctx, db))

	// The validator rejects it before SQL does.
	err := m.Set(ctx, db, "status", "bogus")
	assert.Error(t, err)

	// Bypassing the validator, the CHECK constraint still holds.
	require.NoError(t, m.EnsureRow(ctx, db))
	_, err = db.ExecContext(ctx, `UPDATE "ctx_state" SET "status" = 'bogus' WHERE id = 1`)
	assert.Error(t, err)
}
