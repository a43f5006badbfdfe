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
	"time"

	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/token"
)

// SyncOutcome is the result of evaluating a synchronization condition.
type SyncOutcome int

const (
	// SyncNotYet means the group is still gathering.
	SyncNotYet SyncOutcome = iota
	// SyncSatisfied means the condition holds and the fan-in can activate.
	SyncSatisfied
	// SyncUnsatisfiable means the condition can never hold; the run fails
	// rather than waiting forever.
	SyncUnsatisfiable
)

// EvalSync evaluates a sync descriptor against the sibling group's counts.
// Tokens parked at the fan-in node count as arrived. Under any and m_of_n
// a failed, timed-out or cancelled sibling shrinks the pool of possible
// arrivals; under all it counts as settled, so the group activates once
// nothing is left running and the merge covers whichever branches
// completed.
func EvalSync(sync *def.SyncDescriptor, counts token.SiblingCounts) SyncOutcome {
	arrivable := counts.Waiting + counts.InFlight

	switch sync.Mode {
	case def.SyncAny:
		if counts.Waiting >= 1 {
			return SyncSatisfied
		}
		if arrivable == 0 {
			return SyncUnsatisfiable
		}
	case def.SyncAll:
		if counts.InFlight > 0 {
			return SyncNotYet
		}
		// Every sibling settled with no arrival: there is nothing to
		// continue the workflow with.
		if counts.Waiting == 0 {
			return SyncUnsatisfiable
		}
		return SyncSatisfied
	case def.SyncMOfN:
		if counts.Waiting >= sync.M {
			return SyncSatisfied
		}
		if arrivable < sync.M {
			return SyncUnsatisfiable
		}
	}
	return SyncNotYet
}

// ArrivalInput describes a token arriving at a synchronization or terminal
// node.
type ArrivalInput struct {
	Def   *def.WorkflowDef
	Token *token.Token

	// FirstArrival is true when no sibling is waiting at the fan-in yet;
	// it gates timer arming so the timeout measures from the earliest
	// arrival.
	FirstArrival bool

	Now time.Time
}

// PlanArrival plans what happens when a token reaches a node with no task:
// terminal nodes complete the token, sync nodes park it. Task node
// arrivals are planned at spawn time by PlanRoutes. The caller re-evaluates
// the sync condition with fresh counts after the park commits.
func PlanArrival(in ArrivalInput) []Decision {
	node := in.Def.Node(in.Token.NodeID)
	if node == nil {
		return []Decision{FailWorkflow{Cause: fmt.Sprintf("token %s arrived at unknown node %s", in.Token.ID, in.Token.NodeID)}}
	}

	switch {
	case node.Terminal:
		return []Decision{UpdateTokenStatus{TokenID: in.Token.ID, To: token.StatusCompleted}}
	case node.Sync != nil:
		decisions := []Decision{UpdateTokenStatus{TokenID: in.Token.ID, To: token.StatusWaitingForSiblings}}
		if in.FirstArrival && node.Sync.TimeoutSeconds > 0 {
			decisions = append(decisions, ScheduleSyncTimeout{
				SiblingGroup: in.Token.SiblingGroup,
				NodeID:       in.Token.NodeID,
				Deadline:     in.Now.Add(node.Sync.Timeout()),
			})
		}
		return decisions
	}
	return nil
}

// SyncInput is the synchronization planner's view of one sibling group at
// a fan-in node.
type SyncInput struct {
	Def  *def.WorkflowDef
	Node *def.Node

	SiblingGroup string
	Counts       token.SiblingCounts

	// Siblings lists every token in the group, branch-index ordered.
	Siblings []*token.Token

	// NewID supplies identifiers for continuation tokens a forced
	// activation may need to mint.
	NewID func() string
}

// PlanSync evaluates the fan-in condition and, when satisfied, plans the
// activation attempt. The returned TryActivateFanIn races against
// concurrent evaluations of the same group; only the attempt that inserts
// the activation row applies its OnWin decisions. The winner token is the
// lowest-indexed waiting sibling; after the activation commits the caller
// routes the winner onward.
func PlanSync(in SyncInput) []Decision {
	switch EvalSync(in.Node.Sync, in.Counts) {
	case SyncNotYet:
		return nil
	case SyncUnsatisfiable:
		return []Decision{FailWorkflow{
			Cause: fmt.Sprintf("synchronization at node %s can no longer be satisfied for group %s", in.Node.ID, in.SiblingGroup),
		}}
	}

	// Under all every sibling has settled when the condition holds. any and
	// m_of_n leave late siblings running; their outputs are discarded when
	// they reach the activated fan-in.
	return []Decision{activation(in, in.Node.Sync.Mode == def.SyncAll)}
}

// PlanSyncTimeout plans the timer expiry for a gathering sibling group.
// proceed_with_available activates with whoever arrived, cancelling
// stragglers; the merge may be empty when no branch completed. fail fails
// the run.
func PlanSyncTimeout(in SyncInput) []Decision {
	// The group may have activated or drained between timer fire and
	// evaluation.
	if in.Counts.Waiting == 0 && in.Counts.InFlight == 0 {
		return nil
	}

	if in.Node.Sync.OnTimeout == def.OnTimeoutProceed {
		return []Decision{activation(in, true)}
	}

	decisions := []Decision{FailWorkflow{
		Cause: fmt.Sprintf("synchronization timeout at node %s for group %s", in.Node.ID, in.SiblingGroup),
	}}
	if ids := nonTerminalIDs(in.Siblings); len(ids) > 0 {
		decisions = append(decisions, CancelTokens{TokenIDs: ids})
	}
	return decisions
}

// activation builds the fan-in activation attempt. The merge runs before
// any status change so it sees the group as the condition found it. When
// cancelStragglers is false, in-flight siblings keep running and keep their
// branch tables; they complete as no-ops against the activated fan-in. A
// forced activation with no arrived sibling mints a fresh token at the
// fan-in node to carry the continuation.
func activation(in SyncInput, cancelStragglers bool) Decision {
	var winner *token.Token
	var statusChanges []Decision

	var branchTables []string
	for _, sib := range in.Siblings {
		settled := true
		switch sib.Status {
		case token.StatusWaitingForSiblings:
			if winner == nil {
				winner = sib
			}
			statusChanges = append(statusChanges, UpdateTokenStatus{TokenID: sib.ID, To: token.StatusCompleted})
		case token.StatusPending, token.StatusDispatched, token.StatusExecuting, token.StatusWaitingForSubworkflow:
			if cancelStragglers {
				statusChanges = append(statusChanges, UpdateTokenStatus{TokenID: sib.ID, To: token.StatusCancelled})
			} else {
				settled = false
			}
		}
		if settled {
			branchTables = append(branchTables, sib.ID)
		}
	}

	var onWin []Decision
	winnerID := ""
	if winner != nil {
		winnerID = winner.ID
	} else {
		first := in.Siblings[0]
		winnerID = in.NewID()
		onWin = append(onWin, CreateToken{Params: token.CreateParams{
			ID:     winnerID,
			NodeID: in.Node.ID,
			// The group activates at most once, so the group id keeps
			// the path unique.
			PathID:        in.SiblingGroup + "." + in.Node.ID,
			ParentTokenID: first.ParentTokenID,
			SiblingGroup:  in.SiblingGroup,
			BranchIndex:   first.BranchIndex,
			BranchTotal:   first.BranchTotal,
		}})
	}
	if in.Node.Merge != nil {
		onWin = append(onWin, MergeBranches{
			SiblingGroup: in.SiblingGroup,
			Descriptor:   in.Node.Merge,
		})
	}
	onWin = append(onWin, statusChanges...)
	onWin = append(onWin, DropBranchTables{TokenIDs: branchTables})

	return TryActivateFanIn{
		SiblingGroup: in.SiblingGroup,
		TokenID:      winnerID,
		OnWin:        onWin,
	}
}

func nonTerminalIDs(siblings []*token.Token) []string {
	var ids []string
	for _, sib := range siblings {
		if !sib.Status.Terminal() {
			ids = append(ids, sib.ID)
		}
	}
	return ids
}
