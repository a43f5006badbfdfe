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

package plan

import (
	"fmt"

	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/token"
)

// PlanStart plans the root token at the workflow's initial node.
func PlanStart(w *def.WorkflowDef, newID func() string) []Decision {
	params := token.CreateParams{
		ID:     newID(),
		NodeID: w.InitialNode,
		PathID: "root",
	}

	decisions := []Decision{CreateToken{Params: params}}
	node := w.Node(w.InitialNode)
	if node.Task != nil {
		decisions = append(decisions, MarkForDispatch{TokenID: params.ID, NodeID: w.InitialNode})
	}
	return decisions
}

// PlanTaskCompletion plans the bookkeeping for a successful task result
// and the token's completion. Grouped tokens write into their isolated
// branch table; ungrouped tokens route result fields through the node's
// output mapping into the shared context. Routing follows in a separate
// round once these commit, so transition conditions see the mapped values.
func PlanTaskCompletion(w *def.WorkflowDef, tok *token.Token, result map[string]any) []Decision {
	node := w.Node(tok.NodeID)
	if node == nil || node.Task == nil {
		return []Decision{FailWorkflow{Cause: fmt.Sprintf("task result for token %s at non-task node %s", tok.ID, tok.NodeID)}}
	}

	var decisions []Decision
	if tok.SiblingGroup != "" {
		if node.Task.OutputSchema != nil {
			decisions = append(decisions, ApplyBranchOutput{TokenID: tok.ID, Doc: result})
		}
	} else if len(node.OutputMapping) > 0 {
		decisions = append(decisions, ApplyOutputMapping{Mapping: node.OutputMapping, Result: result})
	}
	decisions = append(decisions, UpdateTokenStatus{TokenID: tok.ID, To: token.StatusCompleted})
	return decisions
}

// RetryPolicy bounds executor retries.
type RetryPolicy struct {
	// MaxRetries is the number of re-dispatches after the first attempt.
	MaxRetries int
}

// MaxRetriesFor resolves the effective retry budget for a node, honoring a
// task-level override.
func (p RetryPolicy) MaxRetriesFor(node *def.Node) int {
	if node != nil && node.Task != nil && node.Task.MaxRetries != nil {
		return *node.Task.MaxRetries
	}
	return p.MaxRetries
}

// PlanTaskFailure plans the response to a failed task attempt. Retryable
// failures with budget left re-dispatch; otherwise the token fails (or
// times out, for executor-reported deadline overruns), and a token outside
// any sibling group takes the run down with it. For grouped tokens the
// caller re-evaluates the group's synchronization, which decides whether
// the run can still proceed.
func PlanTaskFailure(w *def.WorkflowDef, tok *token.Token, kind, reason string, retryable bool, policy RetryPolicy) []Decision {
	node := w.Node(tok.NodeID)
	if retryable && tok.RetryCount < policy.MaxRetriesFor(node) {
		return []Decision{RetryTask{TokenID: tok.ID, NodeID: tok.NodeID}}
	}

	status := token.StatusFailed
	if kind == "timeout" {
		status = token.StatusTimedOut
	}
	decisions := []Decision{UpdateTokenStatus{TokenID: tok.ID, To: status, Reason: reason}}
	if tok.SiblingGroup == "" {
		decisions = append(decisions, FailWorkflow{
			Cause: fmt.Sprintf("task failed at node %s: %s", tok.NodeID, reason),
		})
	}
	return decisions
}

// PlanCancellation plans a user-requested run cancellation.
func PlanCancellation(nonTerminal []*token.Token) []Decision {
	decisions := make([]Decision, 0, 2)
	if ids := nonTerminalIDs(nonTerminal); len(ids) > 0 {
		decisions = append(decisions, CancelTokens{TokenIDs: ids})
	}
	return append(decisions, CancelWorkflow{})
}
