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

// Package plan contains the pure planning layer: functions that look at a
// workflow definition, a token and a context snapshot and produce a list
// of decisions. Planners never touch the store; the dispatch layer applies
// decisions atomically.
package plan

import (
	"time"

	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/token"
)

// Decision is one planned state change. The set of implementations is
// closed; the dispatcher switches over it exhaustively.
type Decision interface {
	isDecision()
	// Kind names the decision variant for traces.
	Kind() string
}

// CreateToken creates one token.
type CreateToken struct {
	Params token.CreateParams

	// ForeachPath and ForeachIndex record the fan-out array binding so the
	// dispatcher can inject the branch's element into the task payload.
	// ForeachPath is empty for non-foreach spawns.
	ForeachPath  string
	ForeachIndex int
}

func (CreateToken) isDecision()  {}
func (CreateToken) Kind() string { return "create_token" }

// UpdateTokenStatus transitions a token's status.
type UpdateTokenStatus struct {
	TokenID string
	To      token.Status

	// Reason carries the failure message for failed transitions.
	Reason string
}

func (UpdateTokenStatus) isDecision()  {}
func (UpdateTokenStatus) Kind() string { return "update_token_status" }

// MarkForDispatch queues a token's task for the executor after the
// decision batch commits. Item carries the fan-out array element for
// foreach-spawned tokens; the dispatcher binds it into the task input.
type MarkForDispatch struct {
	TokenID string
	NodeID  string
	Item    any
}

func (MarkForDispatch) isDecision()  {}
func (MarkForDispatch) Kind() string { return "mark_for_dispatch" }

// SetContext writes a value at a context path.
type SetContext struct {
	Path  string
	Value any
}

func (SetContext) isDecision()  {}
func (SetContext) Kind() string { return "set_context" }

// ApplyOutputMapping routes task result fields into the context.
type ApplyOutputMapping struct {
	Mapping map[string]string
	Result  map[string]any
}

func (ApplyOutputMapping) isDecision()  {}
func (ApplyOutputMapping) Kind() string { return "apply_output_mapping" }

// InitBranchTable creates a token's branch output table from the task's
// output schema.
type InitBranchTable struct {
	TokenID      string
	OutputSchema map[string]any
}

func (InitBranchTable) isDecision()  {}
func (InitBranchTable) Kind() string { return "init_branch_table" }

// ApplyBranchOutput writes a task result into the token's branch table.
type ApplyBranchOutput struct {
	TokenID string
	Doc     map[string]any
}

func (ApplyBranchOutput) isDecision()  {}
func (ApplyBranchOutput) Kind() string { return "apply_branch_output" }

// MergeBranches combines the sibling group's branch outputs per the merge
// descriptor and writes the result at the descriptor's target path.
type MergeBranches struct {
	SiblingGroup string
	Descriptor   *def.MergeDescriptor
}

func (MergeBranches) isDecision()  {}
func (MergeBranches) Kind() string { return "merge_branches" }

// DropBranchTables removes the branch tables of the listed tokens.
type DropBranchTables struct {
	TokenIDs []string
}

func (DropBranchTables) isDecision()  {}
func (DropBranchTables) Kind() string { return "drop_branch_tables" }

// TryActivateFanIn attempts to win the sibling group's activation race.
// OnWin applies only when this attempt inserts the activation row; losing
// attempts apply nothing and are not errors.
type TryActivateFanIn struct {
	SiblingGroup string
	TokenID      string
	OnWin        []Decision
}

func (TryActivateFanIn) isDecision()  {}
func (TryActivateFanIn) Kind() string { return "try_activate_fan_in" }

// CancelTokens cancels every listed token still in a cancellable status.
type CancelTokens struct {
	TokenIDs []string
}

func (CancelTokens) isDecision()  {}
func (CancelTokens) Kind() string { return "cancel_tokens" }

// ScheduleSyncTimeout asks the coordinator to arm the sibling group's
// synchronization timer at the named fan-in node. Deadline is absolute so
// re-arming after restart preserves the original budget.
type ScheduleSyncTimeout struct {
	SiblingGroup string
	NodeID       string
	Deadline     time.Time
}

func (ScheduleSyncTimeout) isDecision()  {}
func (ScheduleSyncTimeout) Kind() string { return "schedule_sync_timeout" }

// RetryTask re-dispatches a failed attempt, bumping the token's retry
// count.
type RetryTask struct {
	TokenID string
	NodeID  string
}

func (RetryTask) isDecision()  {}
func (RetryTask) Kind() string { return "retry_task" }

// CompleteWorkflow marks the run completed.
type CompleteWorkflow struct{}

func (CompleteWorkflow) isDecision()  {}
func (CompleteWorkflow) Kind() string { return "complete_workflow" }

// FailWorkflow marks the run failed with a cause.
type FailWorkflow struct {
	Cause string
}

func (FailWorkflow) isDecision()  {}
func (FailWorkflow) Kind() string { return "fail_workflow" }

// CancelWorkflow marks the run cancelled.
type CancelWorkflow struct{}

func (CancelWorkflow) isDecision()  {}
func (CancelWorkflow) Kind() string { return "cancel_workflow" }

// Kinds lists the decision kinds in a batch, for traces.
func Kinds(decisions []Decision) []string {
	kinds := make([]string, len(decisions))
	for i, d := range decisions {
		kinds[i] = d.Kind()
	}
	return kinds
}
