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

package def

import (
	"fmt"

	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// Validate checks a definition's structural integrity. A definition that
// passes can be planned against without nil checks on graph references.
func Validate(w *WorkflowDef) error {
	if w.ID == "" {
		return defErr(w, "workflow id is required")
	}
	if w.Version < 1 {
		return defErr(w, "workflow version must be >= 1")
	}
	if len(w.Nodes) == 0 {
		return defErr(w, "workflow has no nodes")
	}
	if w.InputSchema == nil || w.StateSchema == nil || w.OutputSchema == nil {
		return defErr(w, "input_schema, state_schema and output_schema are required")
	}

	seen := make(map[string]bool, len(w.Nodes))
	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.ID == "" {
			return defErr(w, "node id is required")
		}
		if seen[n.ID] {
			return defErr(w, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		if err := validateNode(w, n); err != nil {
			return err
		}
	}

	if w.InitialNode == "" {
		return defErr(w, "initial_node is required")
	}
	if !seen[w.InitialNode] {
		return defErr(w, fmt.Sprintf("initial_node %q is not a node", w.InitialNode))
	}

	transitionIDs := make(map[string]bool, len(w.Transitions))
	for i := range w.Transitions {
		t := &w.Transitions[i]
		if t.ID == "" {
			return defErr(w, fmt.Sprintf("transition %s -> %s has no id", t.From, t.To))
		}
		if transitionIDs[t.ID] {
			return defErr(w, fmt.Sprintf("duplicate transition id %q", t.ID))
		}
		transitionIDs[t.ID] = true
		if !seen[t.From] {
			return defErr(w, fmt.Sprintf("transition %s: from node %q is not a node", t.ID, t.From))
		}
		if !seen[t.To] {
			return defErr(w, fmt.Sprintf("transition %s: to node %q is not a node", t.ID, t.To))
		}
		if err := validateTransition(w, t); err != nil {
			return err
		}
	}

	for i := range w.Nodes {
		n := &w.Nodes[i]
		if n.Terminal {
			for j := range w.Transitions {
				if w.Transitions[j].From == n.ID {
					return defErr(w, fmt.Sprintf("terminal node %q has outgoing transition %q", n.ID, w.Transitions[j].ID))
				}
			}
		}
	}

	return nil
}

func validateNode(w *WorkflowDef, n *Node) error {
	if n.Terminal && n.Task != nil {
		return defErr(w, fmt.Sprintf("node %q: terminal nodes cannot carry a task", n.ID))
	}
	if n.Task != nil {
		if n.Task.ID == "" {
			return defErr(w, fmt.Sprintf("node %q: task id is required", n.ID))
		}
		if n.Task.Kind == "" {
			return defErr(w, fmt.Sprintf("node %q: task kind is required", n.ID))
		}
		if n.Task.Kind == "subworkflow" && n.Task.SubworkflowID == "" {
			return defErr(w, fmt.Sprintf("node %q: subworkflow tasks need subworkflow_id", n.ID))
		}
	}
	if n.Sync != nil {
		switch n.Sync.Mode {
		case SyncAny, SyncAll:
		case SyncMOfN:
			if n.Sync.M < 1 {
				return defErr(w, fmt.Sprintf("node %q: m_of_n synchronization needs m >= 1", n.ID))
			}
		default:
			return defErr(w, fmt.Sprintf("node %q: unknown sync mode %q", n.ID, n.Sync.Mode))
		}
		switch n.Sync.OnTimeout {
		case "", OnTimeoutProceed, OnTimeoutFail:
		default:
			return defErr(w, fmt.Sprintf("node %q: unknown on_timeout %q", n.ID, n.Sync.OnTimeout))
		}
		if n.Sync.TimeoutSeconds > 0 && n.Sync.OnTimeout == "" {
			return defErr(w, fmt.Sprintf("node %q: sync timeout needs on_timeout", n.ID))
		}
	}
	if n.Merge != nil {
		if n.Sync == nil {
			return defErr(w, fmt.Sprintf("node %q: merge requires sync", n.ID))
		}
		switch n.Merge.Strategy {
		case MergeAppend, MergeCollect, MergeObject, MergeKeyedByBranch, MergeLastWins:
		default:
			return defErr(w, fmt.Sprintf("node %q: unknown merge strategy %q", n.ID, n.Merge.Strategy))
		}
		if n.Merge.Target == "" {
			return defErr(w, fmt.Sprintf("node %q: merge target is required", n.ID))
		}
	}
	return nil
}

func validateTransition(w *WorkflowDef, t *Transition) error {
	if t.Spawn != nil {
		if t.Spawn.Count > 0 && t.Spawn.Foreach != "" {
			return defErr(w, fmt.Sprintf("transition %q: spawn count and foreach are mutually exclusive", t.ID))
		}
		if t.Spawn.Count == 0 && t.Spawn.Foreach == "" {
			return defErr(w, fmt.Sprintf("transition %q: spawn needs count or foreach", t.ID))
		}
		if t.Spawn.Count < 0 {
			return defErr(w, fmt.Sprintf("transition %q: spawn count must be positive", t.ID))
		}
	}
	if t.Loop != nil && t.Loop.MaxIterations < 1 {
		return defErr(w, fmt.Sprintf("transition %q: loop max_iterations must be >= 1", t.ID))
	}
	if t.Condition != nil {
		if err := validateCondition(w, t.ID, t.Condition); err != nil {
			return err
		}
	}
	return nil
}

func validateCondition(w *WorkflowDef, transitionID string, c *Condition) error {
	set := 0
	if c.Comparison != nil {
		set++
		cmp := c.Comparison
		if !validOp(cmp.Op) {
			return defErr(w, fmt.Sprintf("transition %q: unknown comparison op %q", transitionID, cmp.Op))
		}
		if cmp.Left != nil || cmp.Right != nil {
			if cmp.Path != "" || cmp.Value != nil {
				return defErr(w, fmt.Sprintf("transition %q: comparison mixes path/value shorthand with left/right operands", transitionID))
			}
			if err := validateOperand(w, transitionID, "left", cmp.Left); err != nil {
				return err
			}
			if err := validateOperand(w, transitionID, "right", cmp.Right); err != nil {
				return err
			}
		} else if cmp.Path == "" {
			return defErr(w, fmt.Sprintf("transition %q: comparison path is required", transitionID))
		}
	}
	if c.Exists != nil {
		set++
		if c.Exists.Path == "" {
			return defErr(w, fmt.Sprintf("transition %q: exists path is required", transitionID))
		}
	}
	if c.InSet != nil {
		set++
		if c.InSet.Path == "" || len(c.InSet.Values) == 0 {
			return defErr(w, fmt.Sprintf("transition %q: in_set needs a path and values", transitionID))
		}
	}
	if c.ArrayLength != nil {
		set++
		if !validOp(c.ArrayLength.Op) {
			return defErr(w, fmt.Sprintf("transition %q: unknown array_length op %q", transitionID, c.ArrayLength.Op))
		}
		if c.ArrayLength.Path == "" {
			return defErr(w, fmt.Sprintf("transition %q: array_length path is required", transitionID))
		}
	}
	if len(c.And) > 0 {
		set++
		for i := range c.And {
			if err := validateCondition(w, transitionID, &c.And[i]); err != nil {
				return err
			}
		}
	}
	if len(c.Or) > 0 {
		set++
		for i := range c.Or {
			if err := validateCondition(w, transitionID, &c.Or[i]); err != nil {
				return err
			}
		}
	}
	if c.Not != nil {
		set++
		if err := validateCondition(w, transitionID, c.Not); err != nil {
			return err
		}
	}
	if c.Expr != "" {
		set++
	}
	if set != 1 {
		return defErr(w, fmt.Sprintf("transition %q: condition must set exactly one form, got %d", transitionID, set))
	}
	return nil
}

func validateOperand(w *WorkflowDef, transitionID, side string, o *Operand) error {
	if o == nil {
		return defErr(w, fmt.Sprintf("transition %q: comparison needs both left and right operands", transitionID))
	}
	if o.Field != "" && o.Literal != nil {
		return defErr(w, fmt.Sprintf("transition %q: comparison %s operand sets both field and literal", transitionID, side))
	}
	if o.Field == "" && o.Literal == nil {
		return defErr(w, fmt.Sprintf("transition %q: comparison %s operand needs a field or a literal", transitionID, side))
	}
	return nil
}

func validOp(op string) bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

func defErr(w *WorkflowDef, msg string) error {
	return &wondererr.DefinitionError{
		Kind:    "workflow",
		Ref:     Ref{ID: w.ID, Version: w.Version}.String(),
		Message: msg,
	}
}
