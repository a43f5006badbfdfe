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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/token"
)

func TestEvalSync(t *testing.T) {
	tests := []struct {
		name   string
		sync   def.SyncDescriptor
		counts token.SiblingCounts
		want   SyncOutcome
	}{
		{
			name:   "all satisfied when every sibling waits",
			sync:   def.SyncDescriptor{Mode: def.SyncAll},
			counts: token.SiblingCounts{Total: 3, Waiting: 3},
			want:   SyncSatisfied,
		},
		{
			name:   "all not yet while one in flight",
			sync:   def.SyncDescriptor{Mode: def.SyncAll},
			counts: token.SiblingCounts{Total: 3, Waiting: 2, InFlight: 1},
			want:   SyncNotYet,
		},
		{
			name:   "all keeps gathering after a failure while one runs",
			sync:   def.SyncDescriptor{Mode: def.SyncAll},
			counts: token.SiblingCounts{Total: 3, Waiting: 1, InFlight: 1, Failed: 1},
			want:   SyncNotYet,
		},
		{
			name:   "all activates once a failed sibling settles the group",
			sync:   def.SyncDescriptor{Mode: def.SyncAll},
			counts: token.SiblingCounts{Total: 3, Waiting: 2, Failed: 1},
			want:   SyncSatisfied,
		},
		{
			name:   "all activates over a cancelled sibling",
			sync:   def.SyncDescriptor{Mode: def.SyncAll},
			counts: token.SiblingCounts{Total: 2, Waiting: 1, Cancelled: 1},
			want:   SyncSatisfied,
		},
		{
			name:   "all unsatisfiable when every sibling failed",
			sync:   def.SyncDescriptor{Mode: def.SyncAll},
			counts: token.SiblingCounts{Total: 2, Failed: 2},
			want:   SyncUnsatisfiable,
		},
		{
			name:   "any satisfied by first arrival",
			sync:   def.SyncDescriptor{Mode: def.SyncAny},
			counts: token.SiblingCounts{Total: 3, Waiting: 1, InFlight: 2},
			want:   SyncSatisfied,
		},
		{
			name:   "any not yet while siblings still run",
			sync:   def.SyncDescriptor{Mode: def.SyncAny},
			counts: token.SiblingCounts{Total: 3, InFlight: 2, Failed: 1},
			want:   SyncNotYet,
		},
		{
			name:   "any unsatisfiable when every sibling failed",
			sync:   def.SyncDescriptor{Mode: def.SyncAny},
			counts: token.SiblingCounts{Total: 3, Failed: 2, Cancelled: 1},
			want:   SyncUnsatisfiable,
		},
		{
			name:   "m_of_n satisfied at quorum",
			sync:   def.SyncDescriptor{Mode: def.SyncMOfN, M: 2},
			counts: token.SiblingCounts{Total: 3, Waiting: 2, InFlight: 1},
			want:   SyncSatisfied,
		},
		{
			name:   "m_of_n not yet below quorum",
			sync:   def.SyncDescriptor{Mode: def.SyncMOfN, M: 2},
			counts: token.SiblingCounts{Total: 3, Waiting: 1, InFlight: 1, Failed: 1},
			want:   SyncNotYet,
		},
		{
			name:   "m_of_n unsatisfiable when quorum is out of reach",
			sync:   def.SyncDescriptor{Mode: def.SyncMOfN, M: 2},
			counts: token.SiblingCounts{Total: 3, Waiting: 1, Failed: 2},
			want:   SyncUnsatisfiable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EvalSync(&tt.sync, tt.counts))
		})
	}
}

func syncTestDef(t *testing.T, sync *def.SyncDescriptor, merge *def.MergeDescriptor) *def.WorkflowDef {
	t.Helper()
	w := &def.WorkflowDef{
		ID: "wf", Version: 1, InitialNode: "a",
		Nodes: []def.Node{
			{ID: "a", Task: &def.Task{ID: "task_a", Kind: "llm_call"}},
			{ID: "gather", Sync: sync, Merge: merge},
			{ID: "done", Terminal: true},
		},
	}
	w.Finalize()
	return w
}

func waitingToken(id, group string, index int) *token.Token {
	return &token.Token{
		ID: id, NodeID: "gather", SiblingGroup: group,
		BranchIndex: index, BranchTotal: 3,
		Status: token.StatusWaitingForSiblings,
	}
}

func TestPlanArrivalParksAtSyncNode(t *testing.T) {
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncAll, TimeoutSeconds: 30, OnTimeout: def.OnTimeoutProceed}, nil)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	decisions := PlanArrival(ArrivalInput{
		Def:          w,
		Token:        waitingToken("t1", "g1", 0),
		FirstArrival: true,
		Now:          now,
	})

	require.Len(t, decisions, 2)
	status, ok := decisions[0].(UpdateTokenStatus)
	require.True(t, ok)
	assert.Equal(t, token.StatusWaitingForSiblings, status.To)

	timer, ok := decisions[1].(ScheduleSyncTimeout)
	require.True(t, ok)
	assert.Equal(t, "g1", timer.SiblingGroup)
	assert.Equal(t, "gather", timer.NodeID)
	assert.Equal(t, now.Add(30*time.Second), timer.Deadline)
}

func TestPlanArrivalArmsTimerOnlyOnce(t *testing.T) {
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncAll, TimeoutSeconds: 30}, nil)

	decisions := PlanArrival(ArrivalInput{
		Def:          w,
		Token:        waitingToken("t2", "g1", 1),
		FirstArrival: false,
		Now:          time.Now(),
	})

	require.Len(t, decisions, 1)
	_, ok := decisions[0].(UpdateTokenStatus)
	assert.True(t, ok)
}

func TestPlanSyncNotYetPlansNothing(t *testing.T) {
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncAll}, nil)

	decisions := PlanSync(SyncInput{
		Def: w, Node: w.Node("gather"), SiblingGroup: "g1",
		Counts:   token.SiblingCounts{Total: 3, Waiting: 1, InFlight: 2},
		Siblings: []*token.Token{waitingToken("t1", "g1", 0)},
	})
	assert.Empty(t, decisions)
}

func TestPlanSyncAllActivatesWithMergeFirst(t *testing.T) {
	merge := &def.MergeDescriptor{Strategy: def.MergeAppend, Target: "state.results"}
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncAll}, merge)

	siblings := []*token.Token{
		waitingToken("t1", "g1", 0),
		waitingToken("t2", "g1", 1),
		waitingToken("t3", "g1", 2),
	}
	decisions := PlanSync(SyncInput{
		Def: w, Node: w.Node("gather"), SiblingGroup: "g1",
		Counts:   token.SiblingCounts{Total: 3, Waiting: 3},
		Siblings: siblings,
	})

	require.Len(t, decisions, 1)
	activate, ok := decisions[0].(TryActivateFanIn)
	require.True(t, ok)
	assert.Equal(t, "g1", activate.SiblingGroup)
	assert.Equal(t, "t1", activate.TokenID)

	// Merge first, then three completions, then the table drop.
	require.Len(t, activate.OnWin, 5)
	m, ok := activate.OnWin[0].(MergeBranches)
	require.True(t, ok)
	assert.Equal(t, merge, m.Descriptor)
	for i := 1; i <= 3; i++ {
		status, ok := activate.OnWin[i].(UpdateTokenStatus)
		require.True(t, ok)
		assert.Equal(t, token.StatusCompleted, status.To)
	}
	drop, ok := activate.OnWin[4].(DropBranchTables)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, drop.TokenIDs)
}

func TestPlanSyncMOfNLeavesStragglersRunning(t *testing.T) {
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncMOfN, M: 2}, nil)

	straggler := &token.Token{
		ID: "t3", NodeID: "a", SiblingGroup: "g1",
		BranchIndex: 2, BranchTotal: 3, Status: token.StatusExecuting,
	}
	decisions := PlanSync(SyncInput{
		Def: w, Node: w.Node("gather"), SiblingGroup: "g1",
		Counts: token.SiblingCounts{Total: 3, Waiting: 2, InFlight: 1},
		Siblings: []*token.Token{
			waitingToken("t1", "g1", 0),
			waitingToken("t2", "g1", 1),
			straggler,
		},
	})

	require.Len(t, decisions, 1)
	activate := decisions[0].(TryActivateFanIn)
	for _, d := range activate.OnWin {
		if status, ok := d.(UpdateTokenStatus); ok {
			assert.NotEqual(t, "t3", status.TokenID, "straggler must keep running")
		}
	}
	drop := activate.OnWin[len(activate.OnWin)-1].(DropBranchTables)
	assert.NotContains(t, drop.TokenIDs, "t3", "in-flight straggler keeps its branch table")
}

func TestPlanSyncUnsatisfiableFailsRun(t *testing.T) {
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncAll}, nil)

	decisions := PlanSync(SyncInput{
		Def: w, Node: w.Node("gather"), SiblingGroup: "g1",
		Counts: token.SiblingCounts{Total: 3, Failed: 3},
	})

	require.Len(t, decisions, 1)
	_, ok := decisions[0].(FailWorkflow)
	assert.True(t, ok)
}

func TestPlanSyncAllActivatesOverFailedSibling(t *testing.T) {
	merge := &def.MergeDescriptor{Strategy: def.MergeAppend, Target: "state.results"}
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncAll}, merge)

	failed := &token.Token{
		ID: "t3", NodeID: "a", SiblingGroup: "g1",
		BranchIndex: 2, BranchTotal: 3, Status: token.StatusFailed,
	}
	decisions := PlanSync(SyncInput{
		Def: w, Node: w.Node("gather"), SiblingGroup: "g1",
		Counts: token.SiblingCounts{Total: 3, Waiting: 2, Failed: 1},
		Siblings: []*token.Token{
			waitingToken("t1", "g1", 0),
			waitingToken("t2", "g1", 1),
			failed,
		},
	})

	require.Len(t, decisions, 1)
	activate, ok := decisions[0].(TryActivateFanIn)
	require.True(t, ok)
	assert.Equal(t, "t1", activate.TokenID)

	_, ok = activate.OnWin[0].(MergeBranches)
	require.True(t, ok, "merge runs with the completed branches only")
	for _, d := range activate.OnWin {
		if status, ok := d.(UpdateTokenStatus); ok {
			assert.NotEqual(t, "t3", status.TokenID, "a settled sibling needs no status change")
		}
	}
	drop := activate.OnWin[len(activate.OnWin)-1].(DropBranchTables)
	assert.Contains(t, drop.TokenIDs, "t3", "the failed branch's table goes away with the rest")
}

func TestPlanSyncTimeoutProceedActivatesWithAvailable(t *testing.T) {
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncAll, TimeoutSeconds: 5, OnTimeout: def.OnTimeoutProceed}, nil)

	straggler := &token.Token{
		ID: "t3", NodeID: "a", SiblingGroup: "g1",
		BranchIndex: 2, BranchTotal: 3, Status: token.StatusExecuting,
	}
	decisions := PlanSyncTimeout(SyncInput{
		Def: w, Node: w.Node("gather"), SiblingGroup: "g1",
		Counts: token.SiblingCounts{Total: 3, Waiting: 2, InFlight: 1},
		Siblings: []*token.Token{
			waitingToken("t1", "g1", 0),
			waitingToken("t2", "g1", 1),
			straggler,
		},
	})

	require.Len(t, decisions, 1)
	activate, ok := decisions[0].(TryActivateFanIn)
	require.True(t, ok)

	var cancelled []string
	for _, d := range activate.OnWin {
		if status, ok := d.(UpdateTokenStatus); ok && status.To == token.StatusCancelled {
			cancelled = append(cancelled, status.TokenID)
		}
	}
	assert.Equal(t, []string{"t3"}, cancelled, "timeout proceed cancels the straggler")
}

func TestPlanSyncTimeoutProceedWithNoArrivals(t *testing.T) {
	merge := &def.MergeDescriptor{Strategy: def.MergeAppend, Target: "state.results"}
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncAll, TimeoutSeconds: 5, OnTimeout: def.OnTimeoutProceed}, merge)

	running := func(id string, index int) *token.Token {
		return &token.Token{
			ID: id, NodeID: "a", SiblingGroup: "g1", ParentTokenID: "tok-parent",
			BranchIndex: index, BranchTotal: 2, Status: token.StatusExecuting,
		}
	}
	decisions := PlanSyncTimeout(SyncInput{
		Def: w, Node: w.Node("gather"), SiblingGroup: "g1",
		Counts:   token.SiblingCounts{Total: 2, InFlight: 2},
		Siblings: []*token.Token{running("t1", 0), running("t2", 1)},
		NewID:    func() string { return "cont-1" },
	})

	require.Len(t, decisions, 1)
	activate, ok := decisions[0].(TryActivateFanIn)
	require.True(t, ok, "no arrivals still forces activation, with an empty merge")
	assert.Equal(t, "cont-1", activate.TokenID)

	create, ok := activate.OnWin[0].(CreateToken)
	require.True(t, ok)
	assert.Equal(t, "cont-1", create.Params.ID)
	assert.Equal(t, "gather", create.Params.NodeID)
	assert.Equal(t, "g1", create.Params.SiblingGroup)
	assert.Equal(t, "tok-parent", create.Params.ParentTokenID)

	var cancelled []string
	for _, d := range activate.OnWin {
		if status, ok := d.(UpdateTokenStatus); ok && status.To == token.StatusCancelled {
			cancelled = append(cancelled, status.TokenID)
		}
	}
	assert.ElementsMatch(t, []string{"t1", "t2"}, cancelled)
}

func TestPlanSyncTimeoutFailCancelsGroup(t *testing.T) {
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncAll, TimeoutSeconds: 5, OnTimeout: def.OnTimeoutFail}, nil)

	decisions := PlanSyncTimeout(SyncInput{
		Def: w, Node: w.Node("gather"), SiblingGroup: "g1",
		Counts: token.SiblingCounts{Total: 3, Waiting: 1, InFlight: 2},
		Siblings: []*token.Token{
			waitingToken("t1", "g1", 0),
			{ID: "t2", NodeID: "a", SiblingGroup: "g1", BranchIndex: 1, Status: token.StatusExecuting},
			{ID: "t3", NodeID: "a", SiblingGroup: "g1", BranchIndex: 2, Status: token.StatusDispatched},
		},
	})

	require.Len(t, decisions, 2)
	_, ok := decisions[0].(FailWorkflow)
	require.True(t, ok)
	cancel, ok := decisions[1].(CancelTokens)
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"t1", "t2", "t3"}, cancel.TokenIDs)
}

func TestPlanSyncTimeoutAfterGroupDrainedPlansNothing(t *testing.T) {
	w := syncTestDef(t, &def.SyncDescriptor{Mode: def.SyncAll, TimeoutSeconds: 5, OnTimeout: def.OnTimeoutProceed}, nil)

	decisions := PlanSyncTimeout(SyncInput{
		Def: w, Node: w.Node("gather"), SiblingGroup: "g1",
		Counts: token.SiblingCounts{Total: 3, Completed: 3},
	})
	assert.Empty(t, decisions)
}
