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

// Package def holds workflow definitions: the versioned, immutable graphs
// of nodes and transitions that runs execute against. Definitions load
// from YAML files and are cached by (id, version); a version never changes
// meaning once published.
package def

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowDef is one immutable workflow version.
type WorkflowDef struct {
	ID      string `yaml:"id"`
	Version int    `yaml:"version"`
	Name    string `yaml:"name"`

	// Section schemas, as JSONSchema documents in YAML form.
	InputSchema  map[string]any `yaml:"input_schema"`
	StateSchema  map[string]any `yaml:"state_schema"`
	OutputSchema map[string]any `yaml:"output_schema"`

	// InitialNode is where the root token starts.
	InitialNode string `yaml:"initial_node"`

	Nodes       []Node       `yaml:"nodes"`
	Transitions []Transition `yaml:"transitions"`

	// nodesByID and transitionsFrom are built by Finalize.
	nodesByID       map[string]*Node
	transitionsFrom map[string][]*Transition
}

// Node is a position in the workflow graph. A node either runs a task,
// synchronizes a sibling group, or terminates its path.
type Node struct {
	ID string `yaml:"id"`

	// Task, when set, is dispatched to an executor when a token arrives.
	Task *Task `yaml:"task"`

	// InputMapping builds the task input document. Keys are task input
	// fields, values are dotted context paths ("state.x", "input.order") or
	// branch bindings ("item", "item.url") resolved against the fan-out
	// element for foreach-spawned tokens.
	InputMapping map[string]string `yaml:"input_mapping"`

	// OutputMapping routes task result fields into context paths. Keys are
	// destination paths ("state.x", "output.y"), values are dotted paths
	// into the task result.
	OutputMapping map[string]string `yaml:"output_mapping"`

	// Sync, when set, makes this node a fan-in point: arriving tokens wait
	// until their sibling group satisfies the condition.
	Sync *SyncDescriptor `yaml:"sync"`

	// Merge describes how sibling branch outputs combine into the shared
	// context when the fan-in activates. Only meaningful with Sync.
	Merge *MergeDescriptor `yaml:"merge"`

	// Terminal marks a node with no outgoing work; tokens arriving here
	// complete immediately.
	Terminal bool `yaml:"terminal"`
}

// Task describes the unit of work dispatched to an executor.
type Task struct {
	ID string `yaml:"id"`

	// Kind routes the task to an executor capability (llm_call, http,
	// human_gate, subworkflow, ...). Opaque to the coordinator.
	Kind string `yaml:"kind"`

	// Params are passed through to the executor verbatim.
	Params map[string]any `yaml:"params"`

	// OutputSchema declares the shape of the task result; branch output
	// tables are generated from it.
	OutputSchema map[string]any `yaml:"output_schema"`

	// TimeoutSeconds bounds a single execution attempt. Zero means the
	// executor default.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// MaxRetries overrides the run-level retry policy when >= 0.
	MaxRetries *int `yaml:"max_retries"`

	// SubworkflowID and SubworkflowVersion reference the child workflow
	// for subworkflow tasks.
	SubworkflowID      string `yaml:"subworkflow_id"`
	SubworkflowVersion int    `yaml:"subworkflow_version"`
}

// Transition is a directed edge between nodes, selected by priority tier
// and condition when its source node's token completes.
type Transition struct {
	ID   string `yaml:"id"`
	From string `yaml:"from"`
	To   string `yaml:"to"`

	// Priority is the selection tier. Lower tiers are evaluated first; all
	// matching transitions within the first tier containing a match fire
	// together.
	Priority int `yaml:"priority"`

	// Condition gates the transition. Nil means always match.
	Condition *Condition `yaml:"condition"`

	// Spawn controls fan-out. Nil spawns one token.
	Spawn *SpawnDescriptor `yaml:"spawn"`

	// Loop bounds repeated traversal of this transition by one token
	// lineage.
	Loop *LoopDescriptor `yaml:"loop"`
}

// SpawnDescriptor controls how many sibling tokens a transition creates.
// Exactly one of Count or Foreach is set; Count of 0 or 1 with no Foreach
// is a singleton.
type SpawnDescriptor struct {
	// Count spawns a fixed number of siblings.
	Count int `yaml:"count"`

	// Foreach names a context path holding an array; one sibling spawns
	// per element, with the element bound as the branch item.
	Foreach string `yaml:"foreach"`
}

// LoopDescriptor bounds loop transitions.
type LoopDescriptor struct {
	// MaxIterations is the number of times one token lineage may traverse
	// the transition before the run fails.
	MaxIterations int `yaml:"max_iterations"`
}

// Sync modes.
const (
	SyncAny  = "any"
	SyncAll  = "all"
	SyncMOfN = "m_of_n"
)

// Timeout policies for synchronization.
const (
	OnTimeoutProceed = "proceed_with_available"
	OnTimeoutFail    = "fail"
)

// SyncDescriptor configures a fan-in node.
type SyncDescriptor struct {
	// Mode is any, all or m_of_n.
	Mode string `yaml:"mode"`

	// M is the quorum size for m_of_n.
	M int `yaml:"m"`

	// TimeoutSeconds bounds the wait, measured from the earliest sibling
	// arrival. Zero means no timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// OnTimeout is proceed_with_available or fail.
	OnTimeout string `yaml:"on_timeout"`
}

// Timeout returns the configured wait bound as a duration, zero when
// unbounded.
func (s *SyncDescriptor) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Merge strategies.
const (
	MergeAppend        = "append"
	MergeCollect       = "collect"
	MergeObject        = "merge_object"
	MergeKeyedByBranch = "keyed_by_branch"
	MergeLastWins      = "last_wins"
)

// MergeDescriptor configures how sibling branch outputs combine.
type MergeDescriptor struct {
	// Strategy is one of the merge strategy constants.
	Strategy string `yaml:"strategy"`

	// Source is the dotted path inside each branch output document to
	// merge. Empty merges the whole document.
	Source string `yaml:"source"`

	// Target is the context path the merged value lands at.
	Target string `yaml:"target"`
}

// Comparison operators for conditions.
const (
	OpEq  = "eq"
	OpNeq = "neq"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
)

// Condition gates a transition. Exactly one field is set; And, Or and Not
// compose. Expr is the expression-language escape hatch for predicates the
// structured forms cannot express.
type Condition struct {
	Comparison  *Comparison  `yaml:"comparison"`
	Exists      *Exists      `yaml:"exists"`
	InSet       *InSet       `yaml:"in_set"`
	ArrayLength *ArrayLength `yaml:"array_length"`

	And []Condition `yaml:"and"`
	Or  []Condition `yaml:"or"`
	Not *Condition  `yaml:"not"`

	Expr string `yaml:"expr"`
}

// Comparison compares two operands. Each side is a context field
// reference or a literal; the Path/Value pair is shorthand for a field on
// the left against a literal on the right.
type Comparison struct {
	Path  string `yaml:"path"`
	Op    string `yaml:"op"`
	Value any    `yaml:"value"`

	Left  *Operand `yaml:"left"`
	Right *Operand `yaml:"right"`
}

// Operand is one side of a comparison: a dotted context field reference
// or a literal value. Exactly one is set.
type Operand struct {
	Field   string `yaml:"field"`
	Literal any    `yaml:"literal"`
}

// Exists matches when the context path holds a value.
type Exists struct {
	Path string `yaml:"path"`
}

// InSet matches when the value at the path equals one of the listed values.
type InSet struct {
	Path   string `yaml:"path"`
	Values []any  `yaml:"values"`
}

// ArrayLength compares the length of the array at the path.
type ArrayLength struct {
	Path  string `yaml:"path"`
	Op    string `yaml:"op"`
	Value int    `yaml:"value"`
}

// Finalize builds lookup indexes and must be called after unmarshalling,
// before the definition is used.
func (w *WorkflowDef) Finalize() {
	w.nodesByID = make(map[string]*Node, len(w.Nodes))
	for i := range w.Nodes {
		w.nodesByID[w.Nodes[i].ID] = &w.Nodes[i]
	}
	w.transitionsFrom = make(map[string][]*Transition)
	for i := range w.Transitions {
		t := &w.Transitions[i]
		w.transitionsFrom[t.From] = append(w.transitionsFrom[t.From], t)
	}
}

// Node returns the node with the given id, or nil.
func (w *WorkflowDef) Node(id string) *Node {
	return w.nodesByID[id]
}

// TransitionsFrom returns the outgoing transitions of a node, in
// definition order.
func (w *WorkflowDef) TransitionsFrom(nodeID string) []*Transition {
	return w.transitionsFrom[nodeID]
}

// InputSchemaJSON renders the input section schema as a JSON document for
// full JSONSchema validation of run inputs.
func (w *WorkflowDef) InputSchemaJSON() ([]byte, error) {
	data, err := json.Marshal(w.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("encoding input schema for %s@%d: %w", w.ID, w.Version, err)
	}
	return data, nil
}

// Ref is the cache key for one workflow version.
type Ref struct {
	ID      string
	Version int
}

// String renders the reference as "<id>@<version>".
func (r Ref) String() string {
	return fmt.Sprintf("%s@%d", r.ID, r.Version)
}
