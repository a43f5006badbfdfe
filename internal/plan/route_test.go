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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/token"
)

// sequentialIDs returns a deterministic id source for planner tests.
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func testDef(t *testing.T, transitions []def.Transition) *def.WorkflowDef {
	t.Helper()
	w := &def.WorkflowDef{
		ID:      "wf",
		Version: 1,
		InputSchema: map[string]any{
			"type": "object", "properties": map[string]any{},
		},
		StateSchema: map[string]any{
			"type": "object", "properties": map[string]any{},
		},
		OutputSchema: map[string]any{
			"type": "object", "properties": map[string]any{},
		},
		InitialNode: "a",
		Nodes: []def.Node{
			{ID: "a", Task: &def.Task{ID: "task_a", Kind: "llm_call", OutputSchema: map[string]any{
				"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}},
			}}},
			{ID: "b", Task: &def.Task{ID: "task_b", Kind: "llm_call"}},
			{ID: "gather", Sync: &def.SyncDescriptor{Mode: def.SyncAll}},
			{ID: "done", Terminal: true},
		},
		Transitions: transitions,
	}
	require.NoError(t, def.Validate(w))
	w.Finalize()
	return w
}

func rootToken() *token.Token {
	return &token.Token{
		ID:          "tok-root",
		NodeID:      "a",
		PathID:      "root",
		BranchTotal: 1,
		Status:      token.StatusCompleted,
	}
}

func decisionsOfKind[T Decision](t *testing.T, decisions []Decision) []T {
	t.Helper()
	var out []T
	for _, d := range decisions {
		if v, ok := d.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func TestPlanRoutes_SingletonSpawn(t *testing.T) {
	w := testDef(t, []def.Transition{
		{ID: "t1", From: "a", To: "b"},
	})

	decisions := PlanRoutes(RouteInput{Def: w, Token: rootToken(), Snapshot: snap(), NewID: sequentialIDs()})

	creates := decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 1)
	p := creates[0].Params
	assert.Equal(t, "b", p.NodeID)
	assert.Equal(t, "root.t1", p.PathID)
	assert.Equal(t, "tok-root", p.ParentTokenID)
	assert.Empty(t, p.SiblingGroup)

	dispatches := decisionsOfKind[MarkForDispatch](t, decisions)
	require.Len(t, dispatches, 1)
	assert.Equal(t, p.ID, dispatches[0].TokenID)

	// Node b's task has no output schema, so no branch table.
	assert.Empty(t, decisionsOfKind[InitBranchTable](t, decisions))
}

func TestPlanRoutes_FanOutByCount(t *testing.T) {
	w := testDef(t, []def.Transition{
		{ID: "t1", From: "b", To: "a", Spawn: &def.SpawnDescriptor{Count: 3}},
	})
	tok := rootToken()
	tok.NodeID = "b"

	decisions := PlanRoutes(RouteInput{Def: w, Token: tok, Snapshot: snap(), NewID: sequentialIDs()})

	creates := decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 3)
	group := creates[0].Params.SiblingGroup
	require.NotEmpty(t, group)
	for i, c := range creates {
		assert.Equal(t, group, c.Params.SiblingGroup)
		assert.Equal(t, i, c.Params.BranchIndex)
		assert.Equal(t, 3, c.Params.BranchTotal)
		assert.Equal(t, fmt.Sprintf("root.t1.%d", i), c.Params.PathID)
	}

	// Node a's task declares an output schema, so each sibling gets a
	// branch table and a dispatch.
	assert.Len(t, decisionsOfKind[InitBranchTable](t, decisions), 3)
	assert.Len(t, decisionsOfKind[MarkForDispatch](t, decisions), 3)
}

func TestPlanRoutes_FanOutForeach(t *testing.T) {
	w := testDef(t, []def.Transition{
		{ID: "t1", From: "a", To: "b", Spawn: &def.SpawnDescriptor{Foreach: "state.findings"}},
	})

	decisions := PlanRoutes(RouteInput{Def: w, Token: rootToken(), Snapshot: snap(), NewID: sequentialIDs()})

	creates := decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 3, "one sibling per array element")
	for i, c := range creates {
		assert.Equal(t, "state.findings", c.ForeachPath)
		assert.Equal(t, i, c.ForeachIndex)
	}
}

func TestPlanRoutes_ForeachEmptyArrayEndsPath(t *testing.T) {
	w := testDef(t, []def.Transition{
		{ID: "t1", From: "a", To: "b", Spawn: &def.SpawnDescriptor{Foreach: "state.empty"}},
	})
	s := snap()
	s["state"].(map[string]any)["empty"] = []any{}

	decisions := PlanRoutes(RouteInput{Def: w, Token: rootToken(), Snapshot: s, NewID: sequentialIDs()})
	assert.Empty(t, decisions)
}

func TestPlanRoutes_ForeachMissingPathFailsRun(t *testing.T) {
	w := testDef(t, []def.Transition{
		{ID: "t1", From: "a", To: "b", Spawn: &def.SpawnDescriptor{Foreach: "state.missing"}},
	})

	decisions := PlanRoutes(RouteInput{Def: w, Token: rootToken(), Snapshot: snap(), NewID: sequentialIDs()})
	require.Len(t, decisions, 1)
	assert.IsType(t, FailWorkflow{}, decisions[0])
}

func TestPlanRoutes_PriorityTiers(t *testing.T) {
	highScore := &def.Condition{Comparison: &def.Comparison{Path: "state.score", Op: def.OpGte, Value: 0.9}}
	anyScore := &def.Condition{Exists: &def.Exists{Path: "state.score"}}

	w := testDef(t, []def.Transition{
		{ID: "t_high", From: "a", To: "done", Priority: 0, Condition: highScore},
		{ID: "t_also_high", From: "a", To: "b", Priority: 0, Condition: anyScore},
		{ID: "t_fallback", From: "a", To: "gather", Priority: 1},
	})

	decisions := PlanRoutes(RouteInput{Def: w, Token: rootToken(), Snapshot: snap(), NewID: sequentialIDs()})

	// Tier 0 has a match (t_also_high), so the tier-1 fallback must not
	// fire even though its condition is empty.
	creates := decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 1)
	assert.Equal(t, "b", creates[0].Params.NodeID)
}

func TestPlanRoutes_FallbackTier(t *testing.T) {
	highScore := &def.Condition{Comparison: &def.Comparison{Path: "state.score", Op: def.OpGte, Value: 0.9}}

	w := testDef(t, []def.Transition{
		{ID: "t_high", From: "a", To: "b", Priority: 0, Condition: highScore},
		{ID: "t_fallback", From: "a", To: "done", Priority: 1},
	})

	decisions := PlanRoutes(RouteInput{Def: w, Token: rootToken(), Snapshot: snap(), NewID: sequentialIDs()})
	creates := decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 1)
	assert.Equal(t, "done", creates[0].Params.NodeID)
}

func TestPlanRoutes_MultipleMatchesInTierAllFire(t *testing.T) {
	w := testDef(t, []def.Transition{
		{ID: "t1", From: "a", To: "b"},
		{ID: "t2", From: "a", To: "gather"},
	})

	decisions := PlanRoutes(RouteInput{Def: w, Token: rootToken(), Snapshot: snap(), NewID: sequentialIDs()})
	creates := decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 2)
	assert.Equal(t, "b", creates[0].Params.NodeID)
	assert.Equal(t, "gather", creates[1].Params.NodeID)
	assert.NotEqual(t, creates[0].Params.PathID, creates[1].Params.PathID,
		"each fired transition spawns on its own path")
}

func TestPlanRoutes_SameTierSameDestinationDistinctPaths(t *testing.T) {
	flag := &def.Condition{Comparison: &def.Comparison{Path: "state.approved", Op: def.OpEq, Value: true}}
	score := &def.Condition{Comparison: &def.Comparison{Path: "state.score", Op: def.OpGte, Value: 0.5}}

	w := testDef(t, []def.Transition{
		{ID: "t_approved", From: "a", To: "b", Condition: flag},
		{ID: "t_scored", From: "a", To: "b", Condition: score},
	})

	decisions := PlanRoutes(RouteInput{Def: w, Token: rootToken(), Snapshot: snap(), NewID: sequentialIDs()})
	creates := decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 2)
	assert.Equal(t, "root.t_approved", creates[0].Params.PathID)
	assert.Equal(t, "root.t_scored", creates[1].Params.PathID)
}

func TestPlanRoutes_NoMatchEndsPath(t *testing.T) {
	cond := &def.Condition{Exists: &def.Exists{Path: "state.missing"}}
	w := testDef(t, []def.Transition{
		{ID: "t1", From: "a", To: "b", Condition: cond},
	})

	decisions := PlanRoutes(RouteInput{Def: w, Token: rootToken(), Snapshot: snap(), NewID: sequentialIDs()})
	assert.Empty(t, decisions)
}

func TestPlanRoutes_LoopIncrementsAndLimits(t *testing.T) {
	w := testDef(t, []def.Transition{
		{ID: "t_loop", From: "a", To: "b", Loop: &def.LoopDescriptor{MaxIterations: 2}},
	})

	tok := rootToken()
	decisions := PlanRoutes(RouteInput{Def: w, Token: tok, Snapshot: snap(), NewID: sequentialIDs()})
	creates := decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 1)
	assert.Equal(t, 1, creates[0].Params.IterationCounts["t_loop"])

	tok.IterationCounts = map[string]int{"t_loop": 1}
	decisions = PlanRoutes(RouteInput{Def: w, Token: tok, Snapshot: snap(), NewID: sequentialIDs()})
	creates = decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 1)
	assert.Equal(t, 2, creates[0].Params.IterationCounts["t_loop"])

	tok.IterationCounts = map[string]int{"t_loop": 2}
	decisions = PlanRoutes(RouteInput{Def: w, Token: tok, Snapshot: snap(), NewID: sequentialIDs()})
	require.Len(t, decisions, 1)
	fail, ok := decisions[0].(FailWorkflow)
	require.True(t, ok)
	assert.Contains(t, fail.Cause, "t_loop")
}

func TestPlanRoutes_SingletonInheritsSiblingGroup(t *testing.T) {
	w := testDef(t, []def.Transition{
		{ID: "t1", From: "a", To: "gather"},
	})

	tok := &token.Token{
		ID:           "tok-1",
		NodeID:       "a",
		PathID:       "root.start.1",
		SiblingGroup: "G",
		BranchIndex:  1,
		BranchTotal:  3,
	}

	decisions := PlanRoutes(RouteInput{Def: w, Token: tok, Snapshot: snap(), NewID: sequentialIDs()})
	creates := decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 1)
	p := creates[0].Params
	assert.Equal(t, "G", p.SiblingGroup, "siblings keep their group through singleton hops")
	assert.Equal(t, 1, p.BranchIndex)
	assert.Equal(t, 3, p.BranchTotal)
	assert.Equal(t, "root.start.1.t1", p.PathID)
}

func TestPlanStart(t *testing.T) {
	w := testDef(t, nil)
	decisions := PlanStart(w, sequentialIDs())

	creates := decisionsOfKind[CreateToken](t, decisions)
	require.Len(t, creates, 1)
	assert.Equal(t, "a", creates[0].Params.NodeID)
	assert.Equal(t, "root", creates[0].Params.PathID)
	assert.Len(t, decisionsOfKind[InitBranchTable](t, decisions), 1)
	assert.Len(t, decisionsOfKind[MarkForDispatch](t, decisions), 1)
}
