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

package trace

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronkeiser/wonder/internal/store"
)

func testEmitter(t *testing.T, sink Sink) *Emitter {
	t.Helper()
	st, err := store.Open(store.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.InitRunMeta(context.Background(), "run-1", "wf", 1, "ws-1", "proj-1"))
	return NewEmitter(st, sink, Identity{RunID: "run-1", WorkspaceID: "ws-1", ProjectID: "proj-1"}, slog.Default())
}

func TestEmitStampsIdentityAndSequence(t *testing.T) {
	sink := NewMemorySink()
	em := testEmitter(t, sink)
	ctx := context.Background()

	em.Emit(ctx, Event{Category: CategoryWorkflow, Type: TypeRunStarted})
	em.Emit(ctx, Event{Category: CategoryWorkflow, Type: TypeTokenCreated, TokenID: "t1"})
	em.Emit(ctx, Event{Category: CategoryDecision, Type: "decision.create_token"})

	events := sink.Events()
	require.Len(t, events, 3)

	seen := make(map[int64]bool)
	for i, ev := range events {
		assert.Equal(t, "run-1", ev.RunID)
		assert.Equal(t, "ws-1", ev.WorkspaceID)
		assert.Equal(t, "proj-1", ev.ProjectID)
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
		assert.Equal(t, int64(i+1), ev.Sequence, "sequences are dense from 1 in emission order")
		assert.False(t, seen[ev.Sequence], "sequence reused")
		seen[ev.Sequence] = true
	}
}

func TestEmitAllPreservesOrder(t *testing.T) {
	sink := NewMemorySink()
	em := testEmitter(t, sink)

	em.EmitAll(context.Background(), []Event{
		{Category: CategoryWorkflow, Type: TypeRunStarted},
		{Category: CategoryWorkflow, Type: TypeTaskDispatched},
		{Category: CategoryWorkflow, Type: TypeRunCompleted},
	})

	events := sink.Events()
	require.Len(t, events, 3)
	assert.Equal(t, TypeRunStarted, events[0].Type)
	assert.Equal(t, TypeTaskDispatched, events[1].Type)
	assert.Equal(t, TypeRunCompleted, events[2].Type)
	assert.Less(t, events[0].Sequence, events[1].Sequence)
	assert.Less(t, events[1].Sequence, events[2].Sequence)
}

type failingSink struct{}

func (failingSink) Write(context.Context, Event) error { return errors.New("sink down") }

func TestEmitSurvivesSinkFailure(t *testing.T) {
	em := testEmitter(t, failingSink{})

	// A dead sink must not panic or halt emission.
	em.Emit(context.Background(), Event{Category: CategoryWorkflow, Type: TypeRunStarted})

	sink := NewMemorySink()
	em2 := testEmitter(t, sink)
	em2.Emit(context.Background(), Event{Category: CategoryWorkflow, Type: TypeRunStarted})
	require.Len(t, sink.Events(), 1)
}

func TestOperationRecordsDuration(t *testing.T) {
	sink := NewMemorySink()
	em := testEmitter(t, sink)

	started := time.Now().Add(-20 * time.Millisecond)
	em.Operation(context.Background(), "plan.routes", started, map[string]any{"decisions": 3})

	events := sink.OfType("plan.routes")
	require.Len(t, events, 1)
	assert.Equal(t, CategoryOperation, events[0].Category)
	assert.GreaterOrEqual(t, events[0].DurationMs, int64(20))
}
