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
	"sort"

	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/token"
)

// RouteInput is what the routing planner sees: the definition, the token
// whose node just finished, and a context snapshot. NewID supplies fresh
// identifiers so the planner itself stays deterministic under test.
type RouteInput struct {
	Def      *def.WorkflowDef
	Token    *token.Token
	Snapshot map[string]any
	NewID    func() string
}

// PlanRoutes selects outgoing transitions for a finished token and plans
// the tokens they spawn. Transitions are grouped into priority tiers;
// tiers are tried in ascending order and every matching transition in the
// first tier with a match fires. No match means the path ends here: the
// planner returns no decisions and the caller's completion check decides
// whether the run is done.
func PlanRoutes(in RouteInput) []Decision {
	matched := matchTransitions(in.Def.TransitionsFrom(in.Token.NodeID), in.Snapshot)
	if len(matched) == 0 {
		return nil
	}

	var decisions []Decision
	for _, t := range matched {
		if t.Loop != nil {
			if in.Token.IterationCounts[t.ID] >= t.Loop.MaxIterations {
				return []Decision{FailWorkflow{
					Cause: fmt.Sprintf("loop limit exceeded on transition %s after %d iterations", t.ID, t.Loop.MaxIterations),
				}}
			}
		}
		spawned, err := planSpawn(in, t)
		if err != nil {
			return []Decision{FailWorkflow{Cause: err.Error()}}
		}
		decisions = append(decisions, spawned...)
	}
	return decisions
}

// matchTransitions returns all matches from the first priority tier that
// has any, in definition order.
func matchTransitions(outgoing []*def.Transition, snapshot map[string]any) []*def.Transition {
	if len(outgoing) == 0 {
		return nil
	}

	tiers := make(map[int][]*def.Transition)
	priorities := make([]int, 0, 4)
	for _, t := range outgoing {
		if _, seen := tiers[t.Priority]; !seen {
			priorities = append(priorities, t.Priority)
		}
		tiers[t.Priority] = append(tiers[t.Priority], t)
	}
	sort.Ints(priorities)

	for _, p := range priorities {
		var matched []*def.Transition
		for _, t := range tiers[p] {
			if EvalCondition(t.Condition, snapshot) {
				matched = append(matched, t)
			}
		}
		if len(matched) > 0 {
			return matched
		}
	}
	return nil
}

// planSpawn creates the tokens for one fired transition. Singletons
// inherit the parent's sibling group and branch position so they can
// reach a downstream fan-in; fan-outs open a fresh sibling group. Paths
// extend by the fired transition's id, so several transitions firing from
// the same token in one tier spawn tokens with distinct paths.
func planSpawn(in RouteInput, t *def.Transition) ([]Decision, error) {
	parent := in.Token

	iterations := copyCounts(parent.IterationCounts)
	if t.Loop != nil {
		iterations[t.ID]++
	}

	count := 1
	foreach := ""
	if t.Spawn != nil {
		switch {
		case t.Spawn.Foreach != "":
			v, ok := snapshotValue(in.Snapshot, t.Spawn.Foreach)
			if !ok {
				return nil, fmt.Errorf("transition %s: foreach path %s holds no value", t.ID, t.Spawn.Foreach)
			}
			arr, ok := v.([]any)
			if !ok {
				return nil, fmt.Errorf("transition %s: foreach path %s is not an array", t.ID, t.Spawn.Foreach)
			}
			if len(arr) == 0 {
				// Nothing to fan out over; the path ends here.
				return nil, nil
			}
			count = len(arr)
			foreach = t.Spawn.Foreach
		case t.Spawn.Count > 0:
			count = t.Spawn.Count
		}
	}

	var decisions []Decision
	if count == 1 && foreach == "" {
		decisions = append(decisions, createAt(in, t.To, token.CreateParams{
			ID:              in.NewID(),
			NodeID:          t.To,
			PathID:          parent.PathID + "." + t.ID,
			ParentTokenID:   parent.ID,
			SiblingGroup:    parent.SiblingGroup,
			BranchIndex:     parent.BranchIndex,
			BranchTotal:     parent.BranchTotal,
			IterationCounts: iterations,
		}, "", 0, nil)...)
		return decisions, nil
	}

	var items []any
	if foreach != "" {
		v, _ := snapshotValue(in.Snapshot, foreach)
		items, _ = v.([]any)
	}

	group := in.NewID()
	for i := 0; i < count; i++ {
		var item any
		if items != nil {
			item = items[i]
		}
		decisions = append(decisions, createAt(in, t.To, token.CreateParams{
			ID:              in.NewID(),
			NodeID:          t.To,
			PathID:          fmt.Sprintf("%s.%s.%d", parent.PathID, t.ID, i),
			ParentTokenID:   parent.ID,
			SiblingGroup:    group,
			BranchIndex:     i,
			BranchTotal:     count,
			IterationCounts: iterations,
		}, foreach, i, item)...)
	}
	return decisions, nil
}

// createAt plans one token's creation plus whatever its destination node
// requires on arrival: dispatch for task nodes, a branch table first when
// the token belongs to a sibling group (ungrouped tokens route results via
// output mapping, not branch isolation). Sync and terminal node arrivals
// are planned by the coordinator once the token row exists.
func createAt(in RouteInput, nodeID string, params token.CreateParams, foreach string, foreachIdx int, item any) []Decision {
	decisions := []Decision{CreateToken{
		Params:       params,
		ForeachPath:  foreach,
		ForeachIndex: foreachIdx,
	}}

	node := in.Def.Node(nodeID)
	if node != nil && node.Task != nil {
		if node.Task.OutputSchema != nil && params.SiblingGroup != "" {
			decisions = append(decisions, InitBranchTable{
				TokenID:      params.ID,
				OutputSchema: node.Task.OutputSchema,
			})
		}
		decisions = append(decisions, MarkForDispatch{TokenID: params.ID, NodeID: nodeID, Item: item})
	}
	return decisions
}

func copyCounts(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}
