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
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ronkeiser/wonder/internal/log"
	"github.com/ronkeiser/wonder/internal/store"
)

// Identity is the correlation identity stamped on every event of a run.
type Identity struct {
	RunID       string
	WorkspaceID string
	ProjectID   string
}

// Emitter assigns sequence numbers and writes events to the sink. Sequence
// allocation goes through run_meta, so numbers survive restarts; the sink
// write is fire-and-forget from the run's perspective: a failing sink is
// logged, never fatal.
//
// Sequence allocation takes the run store's single connection, so Emit must
// be called outside decision transactions. The coordinator queues events
// during a batch and emits after commit.
type Emitter struct {
	store  *store.Store
	sink   Sink
	id     Identity
	logger *slog.Logger
}

// NewEmitter creates an emitter for one run.
func NewEmitter(s *store.Store, sink Sink, id Identity, logger *slog.Logger) *Emitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &Emitter{store: s, sink: sink, id: id, logger: logger}
}

// Emit stamps identity, sequence and timestamp onto the event and writes
// it to the sink immediately.
func (e *Emitter) Emit(ctx context.Context, ev Event) {
	seq, err := e.store.NextSequence(ctx)
	if err != nil {
		e.logger.Error("failed to allocate event sequence", log.Error(err), slog.String("type", ev.Type))
		return
	}

	ev.ID = uuid.NewString()
	ev.RunID = e.id.RunID
	ev.WorkspaceID = e.id.WorkspaceID
	ev.ProjectID = e.id.ProjectID
	ev.Sequence = seq
	ev.Timestamp = time.Now().UTC()

	if err := e.sink.Write(ctx, ev); err != nil {
		e.logger.Warn("event sink write failed",
			log.Error(err), slog.String("type", ev.Type), slog.Int64("sequence", seq))
	}
}

// EmitAll emits a batch of pending events in order.
func (e *Emitter) EmitAll(ctx context.Context, events []Event) {
	for _, ev := range events {
		e.Emit(ctx, ev)
	}
}

// Operation emits an operation-category trace event with its duration.
func (e *Emitter) Operation(ctx context.Context, name string, started time.Time, payload map[string]any) {
	e.Emit(ctx, Event{
		Category:   CategoryOperation,
		Type:       name,
		DurationMs: time.Since(started).Milliseconds(),
		Payload:    payload,
	})
}
