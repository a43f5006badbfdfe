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

package branch

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/schema"
)

const outputSchemaJSON = `{
	"type": "object",
	"properties": {
		"finding": {"type": "string"},
		"tags": {
			"type": "array",
			"items": {"type": "string"}
		}
	},
	"required": ["finding"]
}`

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func outputSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(outputSchemaJSON))
	require.NoError(t, err)
	return s
}

func TestTableName(t *testing.T) {
	assert.Equal(t,
		"branch_output_0f8fad5bd9cb469fa16570867728950e",
		TableName("0f8fad5b-d9cb-469f-a165-70867728950e"))
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := NewStore()

	require.NoError(t, s.Initialize(ctx, db, "tok-1", outputSchema(t)))
	assert.True(t, s.Has("tok-1"))

	doc := map[string]any{"finding": "x", "tags": []any{"a", "b"}}
	require.NoError(t, s.Apply(ctx, db, "tok-1", doc))

	got, err := s.Read(ctx, db, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "x", got["finding"])
	assert.Equal(t, []any{"a", "b"}, got["tags"])
}

func TestStore_IsolationBetweenTokens(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := NewStore()

	require.NoError(t, s.Initialize(ctx, db, "tok-1", outputSchema(t)))
	require.NoError(t, s.Initialize(ctx, db, "tok-2", outputSchema(t)))

	require.NoError(t, s.Apply(ctx, db, "tok-1", map[string]any{"finding": "one"}))
	require.NoError(t, s.Apply(ctx, db, "tok-2", map[string]any{"finding": "two"}))

	got, err := s.Read(ctx, db, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "one", got["finding"])
	got, err = s.Read(ctx, db, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, "two", got["finding"])
}

func TestStore_ApplyRejectsInvalidOutput(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := NewStore()

	require.NoError(t, s.Initialize(ctx, db, "tok-1", outputSchema(t)))
	err := s.Apply(ctx, db, "tok-1", map[string]any{"tags": []any{"a"}})
	assert.Error(t, err, "missing required finding")
}

func TestStore_ApplyUnknownToken(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := NewStore()
	assert.Error(t, s.Apply(ctx, db, "missing", map[string]any{"finding": "x"}))
}

func TestStore_Drop(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := NewStore()

	require.NoError(t, s.Initialize(ctx, db, "tok-1", outputSchema(t)))
	require.NoError(t, s.Drop(ctx, db, "tok-1"))
	assert.False(t, s.Has("tok-1"))

	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'branch_output_%'`).Scan(&n)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Dropping twice is a no-op.
	require.NoError(t, s.Drop(ctx, db, "tok-1"))
}

func TestStore_InitializeIdempotent(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	s := NewStore()

	require.NoError(t, s.Initialize(ctx, db, "tok-1", outputSchema(t)))
	require.NoError(t, s.Apply(ctx, db, "tok-1", map[string]any{"finding": "x"}))
	require.NoError(t, s.Initialize(ctx, db, "tok-1", outputSchema(t)))

	got, err := s.Read(ctx, db, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "x", got["finding"])
}

func outputs(docs ...map[string]any) []Output {
	outs := make([]Output, len(docs))
	for i, d := range docs {
		outs[i] = Output{TokenID: "tok", BranchIndex: i, Doc: d}
	}
	return outs
}

func TestMerge_AppendFlattensArrays(t *testing.T) {
	desc := &def.MergeDescriptor{Strategy: def.MergeAppend, Source: "tags", Target: "state.all"}
	v, err := Merge(desc, outputs(
		map[string]any{"tags": []any{"a", "b"}},
		map[string]any{"tags": []any{"c"}},
	))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)
}

func TestMerge_AppendScalars(t *testing.T) {
	desc := &def.MergeDescriptor{Strategy: def.MergeAppend, Source: "finding", Target: "state.all"}
	v, err := Merge(desc, outputs(
		map[string]any{"finding": "one"},
		map[string]any{"finding": "two"},
	))
	require.NoError(t, err)
	assert.Equal(t, []any{"one", "two"}, v)
}

func TestMerge_AppendMixedDoesNotFlatten(t *testing.T) {
	desc := &def.MergeDescriptor{Strategy: def.MergeAppend, Source: "v", Target: "state.all"}
	v, err := Merge(desc, outputs(
		map[string]any{"v": []any{"a"}},
		map[string]any{"v": "b"},
	))
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"a"}, "b"}, v)
}

func TestMerge_CollectKeepsArraysNested(t *testing.T) {
	desc := &def.MergeDescriptor{Strategy: def.MergeCollect, Source: "tags", Target: "state.all"}
	v, err := Merge(desc, outputs(
		map[string]any{"tags": []any{"a"}},
		map[string]any{"tags": []any{"b", "c"}},
	))
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{"a"}, []any{"b", "c"}}, v)
}

func TestMerge_Object(t *testing.T) {
	desc := &def.MergeDescriptor{Strategy: def.MergeObject, Target: "state.combined"}
	v, err := Merge(desc, outputs(
		map[string]any{"a": 1, "shared": "low"},
		map[string]any{"b": 2, "shared": "high"},
	))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": 1, "b": 2, "shared": "high"}, v)
}

func TestMerge_ObjectRejectsNonObject(t *testing.T) {
	desc := &def.MergeDescriptor{Strategy: def.MergeObject, Source: "finding", Target: "state.combined"}
	_, err := Merge(desc, outputs(map[string]any{"finding": "scalar"}))
	assert.Error(t, err)
}

func TestMerge_KeyedByBranch(t *testing.T) {
	desc := &def.MergeDescriptor{Strategy: def.MergeKeyedByBranch, Source: "finding", Target: "state.by_branch"}
	v, err := Merge(desc, []Output{
		{BranchIndex: 2, Doc: map[string]any{"finding": "c"}},
		{BranchIndex: 0, Doc: map[string]any{"finding": "a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"0": "a", "2": "c"}, v)
}

func TestMerge_LastWins(t *testing.T) {
	desc := &def.MergeDescriptor{Strategy: def.MergeLastWins, Source: "finding", Target: "state.last"}
	v, err := Merge(desc, []Output{
		{BranchIndex: 1, Doc: map[string]any{"finding": "b"}},
		{BranchIndex: 0, Doc: map[string]any{"finding": "a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "b", v, "highest branch index wins regardless of completion order")
}

func TestMerge_SkipsBranchesWithoutSource(t *testing.T) {
	desc := &def.MergeDescriptor{Strategy: def.MergeCollect, Source: "finding", Target: "state.all"}
	v, err := Merge(desc, outputs(
		map[string]any{"finding": "a"},
		map[string]any{"other": "x"},
		nil,
	))
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, v)
}

func TestMerge_EmptyOutputs(t *testing.T) {
	desc := &def.MergeDescriptor{Strategy: def.MergeLastWins, Target: "state.last"}
	v, err := Merge(desc, nil)
	require.NoError(t, err)
	assert.Nil(t, v)

	desc.Strategy = def.MergeAppend
	v, err = Merge(desc, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{}, v)
}
