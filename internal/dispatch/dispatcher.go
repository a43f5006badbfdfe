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

// Package dispatch applies planner decisions to the run's state. Each
// decision batch runs inside one store transaction; side effects that
// leave the process (executor dispatches, timers, events) are collected in
// a Result and performed by the coordinator after the batch commits.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ronkeiser/wonder/internal/branch"
	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/metrics"
	"github.com/ronkeiser/wonder/internal/plan"
	"github.com/ronkeiser/wonder/internal/runctx"
	"github.com/ronkeiser/wonder/internal/schema"
	"github.com/ronkeiser/wonder/internal/store"
	"github.com/ronkeiser/wonder/internal/token"
	"github.com/ronkeiser/wonder/internal/trace"
	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// KindHumanGate marks tasks that wait for an external resume signal
// instead of an executor dispatch.
const KindHumanGate = "human_gate"

// Timer asks the coordinator to arm a synchronization deadline.
type Timer struct {
	SiblingGroup string
	NodeID       string
	Deadline     time.Time
}

// Result collects the deferred side effects of one applied batch. The
// coordinator performs them after the transaction commits.
type Result struct {
	// Created lists tokens inserted by the batch, in creation order. The
	// coordinator settles their node arrivals next.
	Created []*token.Token

	// Dispatches are fully built executor requests, input bound inside the
	// batch's transaction.
	Dispatches []TaskRequest

	// Winners lists tokens that won a fan-in activation; the coordinator
	// routes each onward.
	Winners []string

	// Timers are synchronization deadlines to arm.
	Timers []Timer

	// Events are pending trace/workflow events, emitted post-commit in
	// order.
	Events []trace.Event

	// FinalStatus is set when the batch ended the run (completed, failed
	// or cancelled).
	FinalStatus string

	// FinalOutput is the run's extracted output section when the batch
	// completed the run.
	FinalOutput map[string]any
}

// Ended reports whether the batch ended the run.
func (r *Result) Ended() bool { return r.FinalStatus != "" }

// Dispatcher applies decision batches for one run.
type Dispatcher struct {
	wf       *def.WorkflowDef
	runID    string
	st       *store.Store
	tokens   *token.Manager
	rctx     *runctx.Manager
	branches *branch.Store
	met      *metrics.Metrics
	logger   *slog.Logger

	// items remembers the foreach binding of dispatched tokens so retries
	// rebuild the same task input.
	items map[string]any
}

// New creates a dispatcher for one run.
func New(wf *def.WorkflowDef, runID string, st *store.Store, tokens *token.Manager,
	rctx *runctx.Manager, branches *branch.Store, met *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		wf:       wf,
		runID:    runID,
		st:       st,
		tokens:   tokens,
		rctx:     rctx,
		branches: branches,
		met:      met,
		logger:   logger,
		items:    make(map[string]any),
	}
}

// Apply executes a decision batch against the given transaction, appending
// deferred side effects to res. The batch is all-or-nothing: any error
// aborts it and the caller rolls the transaction back.
func (d *Dispatcher) Apply(ctx context.Context, tx store.DBTX, decisions []plan.Decision, res *Result) error {
	for _, decision := range decisions {
		if err := d.apply(ctx, tx, decision, res); err != nil {
			return err
		}
		d.met.DecisionApplied(decision.Kind())
	}
	return nil
}

func (d *Dispatcher) apply(ctx context.Context, tx store.DBTX, decision plan.Decision, res *Result) error {
	res.Events = append(res.Events, trace.Event{
		Category: trace.CategoryDecision,
		Type:     "decision." + decision.Kind(),
	})

	switch dec := decision.(type) {
	case plan.CreateToken:
		return d.applyCreate(ctx, tx, dec, res)
	case plan.UpdateTokenStatus:
		return d.applyStatus(ctx, tx, dec, res)
	case plan.MarkForDispatch:
		return d.applyDispatch(ctx, tx, dec, res)
	case plan.RetryTask:
		return d.applyRetry(ctx, tx, dec, res)
	case plan.SetContext:
		return d.rctx.SetField(ctx, tx, dec.Path, dec.Value)
	case plan.ApplyOutputMapping:
		return d.rctx.ApplyOutputMapping(ctx, tx, dec.Mapping, dec.Result)
	case plan.InitBranchTable:
		s, err := schema.FromValue(dec.OutputSchema)
		if err != nil {
			return fmt.Errorf("parsing output schema for token %s: %w", dec.TokenID, err)
		}
		return d.branches.Initialize(ctx, tx, dec.TokenID, s)
	case plan.ApplyBranchOutput:
		// A straggler completing after its group's tables were dropped is
		// a no-op; its output is discarded.
		if !d.branches.Has(dec.TokenID) {
			return nil
		}
		return d.branches.Apply(ctx, tx, dec.TokenID, dec.Doc)
	case plan.MergeBranches:
		return d.applyMerge(ctx, tx, dec, res)
	case plan.DropBranchTables:
		for _, id := range dec.TokenIDs {
			if err := d.branches.Drop(ctx, tx, id); err != nil {
				return err
			}
		}
		return nil
	case plan.TryActivateFanIn:
		return d.applyActivation(ctx, tx, dec, res)
	case plan.CancelTokens:
		for _, id := range dec.TokenIDs {
			if _, err := d.tokens.Cancel(ctx, tx, id); err != nil {
				return err
			}
			d.met.TokenFinished(string(token.StatusCancelled))
		}
		return nil
	case plan.ScheduleSyncTimeout:
		res.Timers = append(res.Timers, Timer{
			SiblingGroup: dec.SiblingGroup,
			NodeID:       dec.NodeID,
			Deadline:     dec.Deadline,
		})
		return nil
	case plan.CompleteWorkflow:
		return d.applyComplete(ctx, tx, res)
	case plan.FailWorkflow:
		return d.applyFail(ctx, tx, dec.Cause, res)
	case plan.CancelWorkflow:
		if err := d.st.SetRunStatus(ctx, tx, "cancelled", ""); err != nil {
			return err
		}
		res.FinalStatus = "cancelled"
		res.Events = append(res.Events, trace.Event{
			Category: trace.CategoryWorkflow,
			Type:     trace.TypeRunCancelled,
		})
		return nil
	}
	return &wondererr.InternalError{Message: fmt.Sprintf("unknown decision kind %q", decision.Kind())}
}

func (d *Dispatcher) applyCreate(ctx context.Context, tx store.DBTX, dec plan.CreateToken, res *Result) error {
	tok, err := d.tokens.Create(ctx, tx, dec.Params)
	if err != nil {
		return err
	}
	res.Created = append(res.Created, tok)
	d.met.TokenCreated()
	res.Events = append(res.Events, trace.Event{
		Category: trace.CategoryWorkflow,
		Type:     trace.TypeTokenCreated,
		TokenID:  tok.ID,
		NodeID:   tok.NodeID,
		Payload: map[string]any{
			"path_id":       tok.PathID,
			"sibling_group": tok.SiblingGroup,
			"branch_index":  tok.BranchIndex,
			"branch_total":  tok.BranchTotal,
		},
	})
	return nil
}

func (d *Dispatcher) applyStatus(ctx context.Context, tx store.DBTX, dec plan.UpdateTokenStatus, res *Result) error {
	var applied bool
	var err error

	switch dec.To {
	case token.StatusCompleted:
		applied, err = d.tokens.Complete(ctx, tx, dec.TokenID)
	case token.StatusFailed:
		applied, err = d.tokens.Fail(ctx, tx, dec.TokenID, dec.Reason)
	case token.StatusTimedOut:
		applied, err = d.tokens.TimeOut(ctx, tx, dec.TokenID)
	case token.StatusCancelled:
		applied, err = d.tokens.Cancel(ctx, tx, dec.TokenID)
	case token.StatusWaitingForSiblings:
		applied, err = d.tokens.MarkWaiting(ctx, tx, dec.TokenID)
	case token.StatusWaitingForSubworkflow:
		applied, err = d.tokens.UpdateStatus(ctx, tx, dec.TokenID,
			[]token.Status{token.StatusPending, token.StatusDispatched, token.StatusExecuting},
			token.StatusWaitingForSubworkflow)
	case token.StatusDispatched:
		applied, err = d.tokens.MarkDispatched(ctx, tx, dec.TokenID)
	case token.StatusExecuting:
		applied, err = d.tokens.MarkExecuting(ctx, tx, dec.TokenID)
	default:
		return &wondererr.InternalError{Message: fmt.Sprintf("unknown target status %q", dec.To)}
	}
	if err != nil {
		return err
	}
	if !applied {
		// The token already left the source status set, usually because a
		// racing decision settled it. Guarded updates make this harmless.
		d.logger.Debug("status transition skipped",
			slog.String("token_id", dec.TokenID), slog.String("to", string(dec.To)))
		return nil
	}

	if dec.To.Terminal() {
		d.met.TokenFinished(string(dec.To))
		res.Events = append(res.Events, trace.Event{
			Category: trace.CategoryWorkflow,
			Type:     trace.TypeTokenStatus,
			TokenID:  dec.TokenID,
			Payload:  map[string]any{"status": string(dec.To), "reason": dec.Reason},
		})
	}
	return nil
}

func (d *Dispatcher) applyDispatch(ctx context.Context, tx store.DBTX, dec plan.MarkForDispatch, res *Result) error {
	node := d.wf.Node(dec.NodeID)
	if node == nil || node.Task == nil {
		return &wondererr.DefinitionError{
			Kind: "node", Ref: dec.NodeID,
			Message: "dispatch target is not a task node",
		}
	}

	if dec.Item != nil {
		d.items[dec.TokenID] = dec.Item
	}

	// Human gates never reach an executor; they park until a resume
	// signal arrives.
	if node.Task.Kind == KindHumanGate {
		_, err := d.tokens.UpdateStatus(ctx, tx, dec.TokenID,
			[]token.Status{token.StatusPending}, token.StatusWaitingForSubworkflow)
		return err
	}

	applied, err := d.tokens.MarkDispatched(ctx, tx, dec.TokenID)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}

	req, err := d.buildRequest(ctx, tx, dec.TokenID, node, dec.Item, 1)
	if err != nil {
		return err
	}
	res.Dispatches = append(res.Dispatches, req)
	d.met.TaskDispatched()
	res.Events = append(res.Events, trace.Event{
		Category: trace.CategoryDispatch,
		Type:     trace.TypeTaskDispatched,
		TokenID:  dec.TokenID,
		NodeID:   dec.NodeID,
		Payload:  map[string]any{"task_id": node.Task.ID, "kind": node.Task.Kind},
	})
	return nil
}

func (d *Dispatcher) applyRetry(ctx context.Context, tx store.DBTX, dec plan.RetryTask, res *Result) error {
	node := d.wf.Node(dec.NodeID)
	if node == nil || node.Task == nil {
		return &wondererr.DefinitionError{
			Kind: "node", Ref: dec.NodeID,
			Message: "retry target is not a task node",
		}
	}

	count, err := d.tokens.IncrementRetry(ctx, tx, dec.TokenID)
	if err != nil {
		return err
	}
	if _, err := d.tokens.UpdateStatus(ctx, tx, dec.TokenID,
		[]token.Status{token.StatusDispatched, token.StatusExecuting}, token.StatusDispatched); err != nil {
		return err
	}

	req, err := d.buildRequest(ctx, tx, dec.TokenID, node, d.items[dec.TokenID], count+1)
	if err != nil {
		return err
	}
	res.Dispatches = append(res.Dispatches, req)
	d.met.TaskDispatched()
	res.Events = append(res.Events, trace.Event{
		Category: trace.CategoryDispatch,
		Type:     trace.TypeTokenRetried,
		TokenID:  dec.TokenID,
		NodeID:   dec.NodeID,
		Payload:  map[string]any{"attempt": count + 1},
	})
	return nil
}

// buildRequest binds the task input inside the current transaction, so a
// continuation dispatched right after a merge sees exactly the context
// that merge produced.
func (d *Dispatcher) buildRequest(ctx context.Context, tx store.DBTX, tokenID string, node *def.Node, item any, attempt int) (TaskRequest, error) {
	snap, err := d.rctx.Snapshot(ctx, tx)
	if err != nil {
		return TaskRequest{}, fmt.Errorf("snapshotting context for dispatch of %s: %w", tokenID, err)
	}
	if item != nil {
		snap["item"] = item
	}

	input := make(map[string]any, len(node.InputMapping)+1)
	keys := make([]string, 0, len(node.InputMapping))
	for key := range node.InputMapping {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if v, ok := scopeValue(snap, node.InputMapping[key]); ok {
			input[key] = v
		}
	}
	if item != nil {
		if _, mapped := input["item"]; !mapped {
			input["item"] = item
		}
	}

	return TaskRequest{
		RunID:          d.runID,
		TokenID:        tokenID,
		NodeID:         node.ID,
		TaskID:         node.Task.ID,
		Kind:           node.Task.Kind,
		Params:         node.Task.Params,
		Input:          input,
		TimeoutSeconds: node.Task.TimeoutSeconds,
		Attempt:        attempt,
	}, nil
}

func (d *Dispatcher) applyMerge(ctx context.Context, tx store.DBTX, dec plan.MergeBranches, res *Result) error {
	outputs, err := d.gatherOutputs(ctx, tx, dec.SiblingGroup)
	if err != nil {
		return err
	}

	source := strings.TrimPrefix(strings.TrimPrefix(dec.Descriptor.Source, "_branch.output"), ".")
	desc := *dec.Descriptor
	desc.Source = source

	merged, err := branch.Merge(&desc, outputs)
	if err != nil {
		return err
	}
	if err := d.rctx.SetField(ctx, tx, dec.Descriptor.Target, merged); err != nil {
		return err
	}

	res.Events = append(res.Events, trace.Event{
		Category: trace.CategoryWorkflow,
		Type:     trace.TypeBranchesMerged,
		Payload: map[string]any{
			"sibling_group": dec.SiblingGroup,
			"strategy":      dec.Descriptor.Strategy,
			"target":        dec.Descriptor.Target,
			"branches":      len(outputs),
		},
	})
	return nil
}

// gatherOutputs collects each branch's contribution to a merge: the
// newest completed token in the branch lineage that wrote a branch
// output. Failed, cancelled and timed-out branches contribute nothing.
func (d *Dispatcher) gatherOutputs(ctx context.Context, tx store.DBTX, siblingGroup string) ([]branch.Output, error) {
	toks, err := d.tokens.ListByGroup(ctx, tx, siblingGroup)
	if err != nil {
		return nil, err
	}

	latest := make(map[int]*token.Token)
	for _, tok := range toks {
		if tok.Status != token.StatusCompleted || !d.branches.Has(tok.ID) {
			continue
		}
		if prev, ok := latest[tok.BranchIndex]; ok && tok.CreatedAt.Before(prev.CreatedAt) {
			continue
		}
		latest[tok.BranchIndex] = tok
	}

	indices := make([]int, 0, len(latest))
	for i := range latest {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	outputs := make([]branch.Output, 0, len(latest))
	for _, i := range indices {
		tok := latest[i]
		doc, err := d.branches.Read(ctx, tx, tok.ID)
		if err != nil {
			return nil, err
		}
		if doc == nil {
			continue
		}
		outputs = append(outputs, branch.Output{TokenID: tok.ID, BranchIndex: tok.BranchIndex, Doc: doc})
	}
	return outputs, nil
}

func (d *Dispatcher) applyActivation(ctx context.Context, tx store.DBTX, dec plan.TryActivateFanIn, res *Result) error {
	won, err := d.tokens.TryActivateFanIn(ctx, tx, dec.SiblingGroup, dec.TokenID)
	if err != nil {
		return err
	}
	if !won {
		res.Events = append(res.Events, trace.Event{
			Category: trace.CategoryDecision,
			Type:     trace.TypeFanInLost,
			TokenID:  dec.TokenID,
			Payload:  map[string]any{"sibling_group": dec.SiblingGroup},
		})
		return nil
	}

	d.met.FanInActivated()
	res.Events = append(res.Events, trace.Event{
		Category: trace.CategoryWorkflow,
		Type:     trace.TypeFanInActivated,
		TokenID:  dec.TokenID,
		Payload:  map[string]any{"sibling_group": dec.SiblingGroup},
	})

	if err := d.Apply(ctx, tx, dec.OnWin, res); err != nil {
		return err
	}
	res.Winners = append(res.Winners, dec.TokenID)
	return nil
}

func (d *Dispatcher) applyComplete(ctx context.Context, tx store.DBTX, res *Result) error {
	output, err := d.rctx.GetSection(ctx, tx, runctx.SectionOutput)
	if err != nil {
		return err
	}
	if err := d.st.SetRunStatus(ctx, tx, "completed", ""); err != nil {
		return err
	}
	res.FinalStatus = "completed"
	res.FinalOutput = output
	res.Events = append(res.Events, trace.Event{
		Category: trace.CategoryWorkflow,
		Type:     trace.TypeRunCompleted,
		Payload:  map[string]any{"output": output},
	})
	return nil
}

func (d *Dispatcher) applyFail(ctx context.Context, tx store.DBTX, cause string, res *Result) error {
	// A failing run cancels everything still in flight so every token
	// reaches a terminal status.
	live, err := d.tokens.ListByStatus(ctx, tx, token.NonTerminal()...)
	if err != nil {
		return err
	}
	for _, tok := range live {
		if _, err := d.tokens.Cancel(ctx, tx, tok.ID); err != nil {
			return err
		}
		d.met.TokenFinished(string(token.StatusCancelled))
	}

	if err := d.st.SetRunStatus(ctx, tx, "failed", cause); err != nil {
		return err
	}
	res.FinalStatus = "failed"
	res.Events = append(res.Events, trace.Event{
		Category: trace.CategoryWorkflow,
		Type:     trace.TypeRunFailed,
		Payload:  map[string]any{"cause": cause},
	})
	d.logger.Warn("workflow run failed", slog.String("cause", cause))
	return nil
}

// scopeValue resolves a dotted path against the dispatch scope: the
// context snapshot plus the "item" binding for foreach branches.
func scopeValue(scope map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = scope
	for _, seg := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
