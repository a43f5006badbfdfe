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

// Package trace emits the run's structured observability stream: workflow
// events for business milestones and trace events for operation detail.
// Both channels share one per-run sequence space; consumers order by the
// sequence field, never by delivery order.
package trace

import (
	"time"
)

// Category classifies an event on the diagnostics channel.
type Category string

const (
	// CategoryDecision records a planner decision being applied.
	CategoryDecision Category = "decision"
	// CategoryOperation records an instrumented internal operation.
	CategoryOperation Category = "operation"
	// CategoryDispatch records executor interaction.
	CategoryDispatch Category = "dispatch"
	// CategorySQL records storage-level detail.
	CategorySQL Category = "sql"
	// CategoryWorkflow marks business-level milestones (token.created,
	// fan_in.activated, workflow.completed).
	CategoryWorkflow Category = "workflow"
)

// Workflow event types.
const (
	TypeRunStarted     = "workflow.started"
	TypeRunCompleted   = "workflow.completed"
	TypeRunFailed      = "workflow.failed"
	TypeRunCancelled   = "workflow.cancelled"
	TypeTokenCreated   = "token.created"
	TypeTokenStatus    = "token.status_changed"
	TypeTokenRetried   = "token.retried"
	TypeFanInActivated = "fan_in.activated"
	TypeFanInLost      = "fan_in.activation_lost"
	TypeBranchesMerged = "branches.merged"
	TypeTaskDispatched = "task.dispatched"
	TypeSyncTimeout    = "sync.timeout"
)

// Event is one record on the diagnostics channel.
type Event struct {
	// ID deduplicates at the sink.
	ID string `json:"id"`

	// RunID, WorkspaceID and ProjectID correlate the event to its run.
	RunID       string `json:"run_id"`
	WorkspaceID string `json:"workspace_id,omitempty"`
	ProjectID   string `json:"project_id,omitempty"`

	// Sequence is the per-run emission order: unique, strictly positive,
	// durable across coordinator restarts.
	Sequence int64 `json:"sequence"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	Category Category `json:"category"`
	Type     string   `json:"type"`

	// TokenID and NodeID scope the event when it concerns one token.
	TokenID string `json:"token_id,omitempty"`
	NodeID  string `json:"node_id,omitempty"`

	// DurationMs carries operation timing for operation-category events.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Payload holds event-type-specific fields.
	Payload map[string]any `json:"payload,omitempty"`
}
