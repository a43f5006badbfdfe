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

// Package coordinator runs workflow runs. Each run is owned by exactly
// one Coordinator: a single-writer actor that serializes every mutation
// of the run's store through one event loop. Executor callbacks, timers
// and control requests enter as events; each event is planned, applied in
// one transaction, and followed by deferred side effects (dispatches,
// trace events, timer arming) once the transaction commits.
package coordinator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ronkeiser/wonder/internal/branch"
	"github.com/ronkeiser/wonder/internal/def"
	"github.com/ronkeiser/wonder/internal/dispatch"
	"github.com/ronkeiser/wonder/internal/log"
	"github.com/ronkeiser/wonder/internal/metrics"
	"github.com/ronkeiser/wonder/internal/plan"
	"github.com/ronkeiser/wonder/internal/runctx"
	"github.com/ronkeiser/wonder/internal/schema"
	"github.com/ronkeiser/wonder/internal/store"
	"github.com/ronkeiser/wonder/internal/token"
	"github.com/ronkeiser/wonder/internal/trace"
	wondererr "github.com/ronkeiser/wonder/pkg/errors"
)

// ErrRunFinished is returned when an event arrives after the run reached
// a final status.
var ErrRunFinished = errors.New("workflow run already finished")

// Config assembles a coordinator for one run.
type Config struct {
	RunID       string
	WorkspaceID string
	ProjectID   string

	Workflow *def.WorkflowDef
	Store    *store.Store
	Executor dispatch.ExecutorClient
	Sink     trace.Sink
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Retry    plan.RetryPolicy

	// QueueSize bounds the event queue; zero defaults to 256.
	QueueSize int

	// NewID and Now are seams for deterministic tests; nil uses UUIDs and
	// the wall clock.
	NewID func() string
	Now   func() time.Time
}

// Status is the externally visible state of a run.
type Status struct {
	RunID  string         `json:"run_id"`
	Status string         `json:"status"`
	Cause  string         `json:"cause,omitempty"`
	Output map[string]any `json:"output,omitempty"`
}

// Coordinator is the per-run actor.
type Coordinator struct {
	runID       string
	workspaceID string
	projectID   string

	wf       *def.WorkflowDef
	st       *store.Store
	tokens   *token.Manager
	rctx     *runctx.Manager
	branches *branch.Store
	disp     *dispatch.Dispatcher
	emitter  *trace.Emitter
	executor dispatch.ExecutorClient
	logger   *slog.Logger
	met      *metrics.Metrics
	retry    plan.RetryPolicy

	newID func() string
	now   func() time.Time

	events chan event
	done   chan struct{}

	mu     sync.Mutex
	timers map[string]*time.Timer
	final  string
}

// New builds a coordinator; ctx bounds the initial store writes. The run
// does not start until Start is called and Run is looping.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Workflow == nil || cfg.Store == nil {
		return nil, &wondererr.InternalError{Message: "coordinator needs a workflow and a store"}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	rctx, err := contextManager(cfg.Workflow)
	if err != nil {
		return nil, err
	}

	logger := log.WithRunContext(cfg.Logger, cfg.RunID, cfg.Workflow.ID)
	tokens := token.NewManager(cfg.RunID)
	branches := branch.NewStore()

	c := &Coordinator{
		runID:       cfg.RunID,
		workspaceID: cfg.WorkspaceID,
		projectID:   cfg.ProjectID,

		wf:       cfg.Workflow,
		st:       cfg.Store,
		tokens:   tokens,
		rctx:     rctx,
		branches: branches,
		executor: cfg.Executor,
		logger:   logger,
		met:      cfg.Metrics,
		retry:    cfg.Retry,
		newID:    cfg.NewID,
		now:      cfg.Now,
		events:   make(chan event, cfg.QueueSize),
		done:     make(chan struct{}),
		timers:   make(map[string]*time.Timer),
	}
	c.disp = dispatch.New(cfg.Workflow, cfg.RunID, cfg.Store, tokens, rctx, branches, cfg.Metrics, logger)
	c.emitter = trace.NewEmitter(cfg.Store, cfg.Sink, trace.Identity{
		RunID:       cfg.RunID,
		WorkspaceID: cfg.WorkspaceID,
		ProjectID:   cfg.ProjectID,
	}, logger)

	// Run meta is written through the pooled connection, so it must happen
	// before any transaction opens on the single-connection store.
	initCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cfg.Store.InitRunMeta(initCtx, cfg.RunID, cfg.Workflow.ID, cfg.Workflow.Version, cfg.WorkspaceID, cfg.ProjectID); err != nil {
		return nil, err
	}
	return c, nil
}

func contextManager(wf *def.WorkflowDef) (*runctx.Manager, error) {
	input, err := schema.FromValue(wf.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("parsing input schema: %w", err)
	}
	state, err := schema.FromValue(wf.StateSchema)
	if err != nil {
		return nil, fmt.Errorf("parsing state schema: %w", err)
	}
	output, err := schema.FromValue(wf.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("parsing output schema: %w", err)
	}
	raw, err := wf.InputSchemaJSON()
	if err != nil {
		return nil, err
	}
	return runctx.New(runctx.Schemas{Input: input, State: state, Output: output, RawInput: raw})
}

// Run consumes events until the run finishes or ctx is cancelled. It must
// run on exactly one goroutine.
func (c *Coordinator) Run(ctx context.Context) {
	defer c.finish()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.events:
			c.process(ctx, ev)
			if c.Finished() {
				return
			}
		}
	}
}

// Done closes when the run reached a final status (or the loop stopped).
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Finished reports whether the run reached a final status.
func (c *Coordinator) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.final != ""
}

// Start enqueues the run's start event: context initialization, input
// validation and the root token.
func (c *Coordinator) Start(input map[string]any) error {
	return c.enqueue(evStart{input: input})
}

// HandleTaskResult enqueues an executor callback.
func (c *Coordinator) HandleTaskResult(res dispatch.TaskResult) error {
	return c.enqueue(evTaskResult{result: res})
}

// HandleTaskAck enqueues an executor acknowledgement, moving the token
// from dispatched to executing.
func (c *Coordinator) HandleTaskAck(tokenID string) error {
	return c.enqueue(evTaskAck{tokenID: tokenID})
}

// Cancel enqueues a run cancellation.
func (c *Coordinator) Cancel() error {
	return c.enqueue(evCancel{})
}

// Resume enqueues a resume signal for tokens parked at human gates. An
// empty tokenID resumes every parked token with the same output.
func (c *Coordinator) Resume(tokenID string, output map[string]any) error {
	return c.enqueue(evResume{tokenID: tokenID, output: output})
}

// Status reads the run's current status, and its output once completed.
func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	status, cause, err := c.st.RunStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	out := Status{RunID: c.runID, Status: status, Cause: cause}
	if status == "completed" {
		output, err := c.rctx.GetSection(ctx, c.st.DB(), runctx.SectionOutput)
		if err != nil {
			return Status{}, err
		}
		out.Output = output
	}
	return out, nil
}

func (c *Coordinator) enqueue(ev event) error {
	select {
	case <-c.done:
		return ErrRunFinished
	default:
	}
	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrRunFinished
	}
}

// process handles one event: plan and apply inside one transaction, then
// perform the deferred side effects. Validation failures surface as run
// failure; other errors get one retry before failing the run, since the
// batch rolled back and events are idempotent by construction.
func (c *Coordinator) process(ctx context.Context, ev event) {
	started := time.Now()

	res := c.try(ctx, ev)
	c.met.ObserveEvent(time.Since(started).Seconds())
	if res == nil {
		return
	}

	c.afterCommit(ctx, res)
}

func (c *Coordinator) try(ctx context.Context, ev event) *dispatch.Result {
	res := &dispatch.Result{}
	err := c.st.WithTx(ctx, func(tx *sql.Tx) error {
		return c.handle(ctx, tx, ev, res)
	})
	if err == nil {
		return res
	}

	if wondererr.IsValidation(err) {
		return c.failRun(ctx, err.Error())
	}

	c.logger.Error("event handling failed, retrying once", log.Error(err), slog.String("event", ev.kind()))
	res = &dispatch.Result{}
	err = c.st.WithTx(ctx, func(tx *sql.Tx) error {
		return c.handle(ctx, tx, ev, res)
	})
	if err == nil {
		return res
	}
	return c.failRun(ctx, (&wondererr.InternalError{Message: "event handling failed", Cause: err}).Error())
}

func (c *Coordinator) failRun(ctx context.Context, cause string) *dispatch.Result {
	res := &dispatch.Result{}
	err := c.st.WithTx(ctx, func(tx *sql.Tx) error {
		return c.disp.Apply(ctx, tx, []plan.Decision{plan.FailWorkflow{Cause: cause}}, res)
	})
	if err != nil {
		c.logger.Error("failed to mark run failed", log.Error(err))
		return nil
	}
	return res
}

func (c *Coordinator) handle(ctx context.Context, tx *sql.Tx, ev event, res *dispatch.Result) error {
	switch e := ev.(type) {
	case evStart:
		return c.handleStart(ctx, tx, e, res)
	case evTaskResult:
		return c.handleTaskResult(ctx, tx, e, res)
	case evTaskAck:
		return c.handleTaskAck(ctx, tx, e, res)
	case evSyncTimeout:
		return c.handleSyncTimeout(ctx, tx, e, res)
	case evCancel:
		return c.handleCancel(ctx, tx, res)
	case evResume:
		return c.handleResume(ctx, tx, e, res)
	}
	return &wondererr.InternalError{Message: fmt.Sprintf("unknown event %q", ev.kind())}
}

func (c *Coordinator) handleStart(ctx context.Context, tx *sql.Tx, ev evStart, res *dispatch.Result) error {
	if err := c.rctx.Initialize(ctx, tx, ev.input); err != nil {
		return err
	}

	c.met.RunStarted()
	res.Events = append(res.Events, trace.Event{
		Category: trace.CategoryWorkflow,
		Type:     trace.TypeRunStarted,
		Payload:  map[string]any{"workflow_id": c.wf.ID, "workflow_version": c.wf.Version},
	})

	if err := c.disp.Apply(ctx, tx, plan.PlanStart(c.wf, c.newID), res); err != nil {
		return err
	}
	if err := c.settle(ctx, tx, res); err != nil {
		return err
	}
	return c.checkCompletion(ctx, tx, res)
}

func (c *Coordinator) handleTaskResult(ctx context.Context, tx *sql.Tx, ev evTaskResult, res *dispatch.Result) error {
	tok, err := c.tokens.Get(ctx, tx, ev.result.TokenID)
	if err != nil {
		var nf *wondererr.NotFoundError
		if errors.As(err, &nf) {
			c.logger.Warn("callback for unknown token", slog.String("token_id", ev.result.TokenID))
			return nil
		}
		return err
	}
	if tok.Status != token.StatusDispatched && tok.Status != token.StatusExecuting {
		// A cancelled or settled token's late result is discarded.
		c.logger.Debug("callback for settled token",
			slog.String("token_id", tok.ID), slog.String("status", string(tok.Status)))
		return nil
	}

	if ev.result.Success {
		return c.completeTask(ctx, tx, tok, ev.result.Output, res)
	}

	taskErr := ev.result.Error
	if taskErr == nil {
		taskErr = &dispatch.TaskError{Kind: "unknown", Message: "executor reported failure without detail"}
	}
	return c.failTask(ctx, tx, tok, taskErr, res)
}

// completeTask applies a successful result and routes the token onward.
// The result is validated against the task's output schema first; an
// invalid output is a non-retryable task failure, not a crash.
func (c *Coordinator) completeTask(ctx context.Context, tx *sql.Tx, tok *token.Token, output map[string]any, res *dispatch.Result) error {
	node := c.wf.Node(tok.NodeID)
	if node != nil && node.Task != nil && node.Task.OutputSchema != nil {
		s, err := schema.FromValue(node.Task.OutputSchema)
		if err != nil {
			return err
		}
		if err := schema.Validate(s, output, "$"); err != nil {
			return c.failTask(ctx, tx, tok, &dispatch.TaskError{
				Kind:    "validation",
				Message: fmt.Sprintf("task output rejected: %v", err),
			}, res)
		}
	}

	if err := c.disp.Apply(ctx, tx, plan.PlanTaskCompletion(c.wf, tok, output), res); err != nil {
		return err
	}
	if res.Ended() {
		return nil
	}
	if err := c.route(ctx, tx, tok, res); err != nil {
		return err
	}
	if err := c.settle(ctx, tx, res); err != nil {
		return err
	}
	return c.checkCompletion(ctx, tx, res)
}

func (c *Coordinator) failTask(ctx context.Context, tx *sql.Tx, tok *token.Token, taskErr *dispatch.TaskError, res *dispatch.Result) error {
	decisions := plan.PlanTaskFailure(c.wf, tok, taskErr.Kind, taskErr.Message, taskErr.Retryable, c.retry)
	if err := c.disp.Apply(ctx, tx, decisions, res); err != nil {
		return err
	}
	if res.Ended() {
		return nil
	}

	// A grouped failure may settle or doom the group's fan-in.
	if tok.SiblingGroup != "" {
		if err := c.evaluateGroup(ctx, tx, tok.SiblingGroup, res); err != nil {
			return err
		}
		if err := c.settle(ctx, tx, res); err != nil {
			return err
		}
	}
	return c.checkCompletion(ctx, tx, res)
}

func (c *Coordinator) handleTaskAck(ctx context.Context, tx *sql.Tx, ev evTaskAck, res *dispatch.Result) error {
	_, err := c.tokens.MarkExecuting(ctx, tx, ev.tokenID)
	return err
}

func (c *Coordinator) handleSyncTimeout(ctx context.Context, tx *sql.Tx, ev evSyncTimeout, res *dispatch.Result) error {
	c.clearTimer(ev.siblingGroup)

	activated, err := c.tokens.FanInActivated(ctx, tx, ev.siblingGroup)
	if err != nil {
		return err
	}
	if activated {
		return nil
	}

	node := c.wf.Node(ev.nodeID)
	if node == nil || node.Sync == nil {
		return &wondererr.InternalError{Message: fmt.Sprintf("sync timeout for non-sync node %s", ev.nodeID)}
	}

	in, err := c.syncInput(ctx, tx, node, ev.siblingGroup)
	if err != nil {
		return err
	}

	payload := map[string]any{"sibling_group": ev.siblingGroup, "on_timeout": node.Sync.OnTimeout}
	if earliest, err := c.tokens.EarliestArrival(ctx, tx, ev.siblingGroup); err == nil {
		payload["waited_ms"] = c.now().Sub(earliest).Milliseconds()
	}
	res.Events = append(res.Events, trace.Event{
		Category: trace.CategoryWorkflow,
		Type:     trace.TypeSyncTimeout,
		NodeID:   ev.nodeID,
		Payload:  payload,
	})

	if err := c.disp.Apply(ctx, tx, plan.PlanSyncTimeout(in), res); err != nil {
		return err
	}
	if res.Ended() {
		return nil
	}
	if err := c.settle(ctx, tx, res); err != nil {
		return err
	}
	return c.checkCompletion(ctx, tx, res)
}

func (c *Coordinator) handleCancel(ctx context.Context, tx *sql.Tx, res *dispatch.Result) error {
	live, err := c.tokens.ListByStatus(ctx, tx, token.NonTerminal()...)
	if err != nil {
		return err
	}
	return c.disp.Apply(ctx, tx, plan.PlanCancellation(live), res)
}

func (c *Coordinator) handleResume(ctx context.Context, tx *sql.Tx, ev evResume, res *dispatch.Result) error {
	parked, err := c.tokens.ListByStatus(ctx, tx, token.StatusWaitingForSubworkflow)
	if err != nil {
		return err
	}

	resumed := false
	for _, tok := range parked {
		if ev.tokenID != "" && tok.ID != ev.tokenID {
			continue
		}
		resumed = true
		if err := c.completeTask(ctx, tx, tok, ev.output, res); err != nil {
			return err
		}
		if res.Ended() {
			return nil
		}
	}
	if !resumed && ev.tokenID != "" {
		return &wondererr.NotFoundError{Resource: "waiting token", ID: ev.tokenID}
	}
	return nil
}

// route plans and applies the outgoing transitions of a finished token.
func (c *Coordinator) route(ctx context.Context, tx *sql.Tx, tok *token.Token, res *dispatch.Result) error {
	snap, err := c.rctx.Snapshot(ctx, tx)
	if err != nil {
		return err
	}
	decisions := plan.PlanRoutes(plan.RouteInput{Def: c.wf, Token: tok, Snapshot: snap, NewID: c.newID})
	return c.disp.Apply(ctx, tx, decisions, res)
}

// settle drains the batch's follow-up work: node arrivals for created
// tokens, and onward routing for fan-in winners. Both can create more
// tokens, so it loops until the result stops growing.
func (c *Coordinator) settle(ctx context.Context, tx *sql.Tx, res *dispatch.Result) error {
	arrived, routed := 0, 0
	for arrived < len(res.Created) || routed < len(res.Winners) {
		if res.Ended() {
			return nil
		}
		if arrived < len(res.Created) {
			tok := res.Created[arrived]
			arrived++
			if err := c.arrive(ctx, tx, tok, res); err != nil {
				return err
			}
			continue
		}
		winner := res.Winners[routed]
		routed++
		if err := c.routeWinner(ctx, tx, winner, res); err != nil {
			return err
		}
	}
	return nil
}

// arrive settles a freshly created token at its node. Task nodes were
// already marked for dispatch at plan time; terminal nodes complete the
// token; sync nodes park it and evaluate the fan-in condition.
func (c *Coordinator) arrive(ctx context.Context, tx *sql.Tx, tok *token.Token, res *dispatch.Result) error {
	node := c.wf.Node(tok.NodeID)
	if node == nil {
		return &wondererr.DefinitionError{Kind: "node", Ref: tok.NodeID, Message: "token arrived at unknown node"}
	}
	if node.Sync == nil {
		if node.Terminal {
			return c.disp.Apply(ctx, tx, []plan.Decision{
				plan.UpdateTokenStatus{TokenID: tok.ID, To: token.StatusCompleted},
			}, res)
		}
		return nil
	}

	if tok.SiblingGroup == "" {
		return c.disp.Apply(ctx, tx, []plan.Decision{plan.FailWorkflow{
			Cause: fmt.Sprintf("token %s arrived at sync node %s without a sibling group", tok.ID, tok.NodeID),
		}}, res)
	}

	activated, err := c.tokens.FanInActivated(ctx, tx, tok.SiblingGroup)
	if err != nil {
		return err
	}
	if activated {
		// A straggler reaching an already-activated fan-in ends here; its
		// output was not part of the merge and its tables go away.
		if err := c.dropLineageTables(ctx, tx, tok); err != nil {
			return err
		}
		return c.disp.Apply(ctx, tx, []plan.Decision{
			plan.UpdateTokenStatus{TokenID: tok.ID, To: token.StatusCompleted},
		}, res)
	}

	counts, err := c.tokens.GetSiblingCounts(ctx, tx, tok.SiblingGroup)
	if err != nil {
		return err
	}
	arrival := plan.PlanArrival(plan.ArrivalInput{
		Def:          c.wf,
		Token:        tok,
		FirstArrival: counts.Waiting == 0,
		Now:          c.now(),
	})
	if err := c.disp.Apply(ctx, tx, arrival, res); err != nil {
		return err
	}
	if res.Ended() {
		return nil
	}
	return c.evaluateGroup(ctx, tx, tok.SiblingGroup, res)
}

// evaluateGroup re-evaluates a sibling group's fan-in condition with
// fresh counts.
func (c *Coordinator) evaluateGroup(ctx context.Context, tx *sql.Tx, siblingGroup string, res *dispatch.Result) error {
	activated, err := c.tokens.FanInActivated(ctx, tx, siblingGroup)
	if err != nil || activated {
		return err
	}

	node, err := c.syncNode(ctx, tx, siblingGroup)
	if err != nil || node == nil {
		return err
	}

	in, err := c.syncInput(ctx, tx, node, siblingGroup)
	if err != nil {
		return err
	}
	return c.disp.Apply(ctx, tx, plan.PlanSync(in), res)
}

// syncNode finds the fan-in node a sibling group gathers at: the sync
// node one of its waiting members sits on. A group with no waiting member
// has no fan-in to evaluate yet.
func (c *Coordinator) syncNode(ctx context.Context, tx *sql.Tx, siblingGroup string) (*def.Node, error) {
	siblings, err := c.tokens.ListByGroup(ctx, tx, siblingGroup)
	if err != nil {
		return nil, err
	}
	for _, sib := range siblings {
		if sib.Status != token.StatusWaitingForSiblings {
			continue
		}
		if node := c.wf.Node(sib.NodeID); node != nil && node.Sync != nil {
			return node, nil
		}
	}
	return nil, nil
}

func (c *Coordinator) syncInput(ctx context.Context, tx *sql.Tx, node *def.Node, siblingGroup string) (plan.SyncInput, error) {
	counts, err := c.tokens.GetSiblingCounts(ctx, tx, siblingGroup)
	if err != nil {
		return plan.SyncInput{}, err
	}
	siblings, err := c.tokens.ListByGroup(ctx, tx, siblingGroup)
	if err != nil {
		return plan.SyncInput{}, err
	}
	return plan.SyncInput{
		Def:          c.wf,
		Node:         node,
		SiblingGroup: siblingGroup,
		Counts:       counts,
		Siblings:     siblings,
		NewID:        c.newID,
	}, nil
}

// routeWinner routes a fan-in winner onward. The continuation leaves the
// finished group and rejoins the group that spawned the fan-out, so
// nested fan-outs unwind one level per fan-in.
func (c *Coordinator) routeWinner(ctx context.Context, tx *sql.Tx, winnerID string, res *dispatch.Result) error {
	tok, err := c.tokens.Get(ctx, tx, winnerID)
	if err != nil {
		return err
	}

	routed := *tok
	origin, err := c.tokens.GroupOrigin(ctx, tx, tok.SiblingGroup)
	if err != nil {
		var nf *wondererr.NotFoundError
		if !errors.As(err, &nf) {
			return err
		}
		routed.SiblingGroup = ""
		routed.BranchIndex = 0
		routed.BranchTotal = 1
	} else {
		routed.SiblingGroup = origin.SiblingGroup
		routed.BranchIndex = origin.BranchIndex
		routed.BranchTotal = origin.BranchTotal
	}
	return c.route(ctx, tx, &routed, res)
}

// dropLineageTables drops the branch tables of a token's lineage within
// its sibling group.
func (c *Coordinator) dropLineageTables(ctx context.Context, tx *sql.Tx, tok *token.Token) error {
	cur := tok
	for cur != nil && cur.SiblingGroup == tok.SiblingGroup {
		if c.branches.Has(cur.ID) {
			if err := c.branches.Drop(ctx, tx, cur.ID); err != nil {
				return err
			}
		}
		if cur.ParentTokenID == "" {
			return nil
		}
		parent, err := c.tokens.Get(ctx, tx, cur.ParentTokenID)
		if err != nil {
			var nf *wondererr.NotFoundError
			if errors.As(err, &nf) {
				return nil
			}
			return err
		}
		cur = parent
	}
	return nil
}

// checkCompletion finishes the run once every token settled: failed if
// any failure was never absorbed by a fan-in, completed otherwise.
func (c *Coordinator) checkCompletion(ctx context.Context, tx *sql.Tx, res *dispatch.Result) error {
	if res.Ended() {
		return nil
	}
	live, err := c.tokens.CountNonTerminal(ctx, tx)
	if err != nil {
		return err
	}
	if live > 0 {
		return nil
	}

	failures, err := c.tokens.CountUnconsumedFailures(ctx, tx)
	if err != nil {
		return err
	}
	var decision plan.Decision = plan.CompleteWorkflow{}
	if failures > 0 {
		decision = plan.FailWorkflow{Cause: fmt.Sprintf("%d task(s) failed with no route to absorb them", failures)}
	}
	return c.disp.Apply(ctx, tx, []plan.Decision{decision}, res)
}

// afterCommit performs the committed batch's deferred side effects:
// events, timers and executor dispatches.
func (c *Coordinator) afterCommit(ctx context.Context, res *dispatch.Result) {
	c.emitter.EmitAll(ctx, res.Events)

	if res.Ended() {
		c.met.RunFinished(res.FinalStatus)
		c.setFinal(res.FinalStatus)
		return
	}

	for _, t := range res.Timers {
		c.armTimer(t)
	}
	for _, req := range res.Dispatches {
		go c.sendDispatch(req)
	}
}

// sendDispatch performs one executor RPC off the event loop. A dispatch
// that cannot reach the executor comes back as a retryable task failure
// so the normal retry policy applies.
func (c *Coordinator) sendDispatch(req dispatch.TaskRequest) {
	if c.executor == nil {
		c.logger.Error("no executor configured, dropping dispatch", slog.String("token_id", req.TokenID))
		return
	}
	if err := c.executor.Dispatch(context.Background(), req); err != nil {
		c.logger.Warn("executor dispatch failed", log.Error(err), slog.String("token_id", req.TokenID))
		_ = c.HandleTaskResult(dispatch.TaskResult{
			RunID:   c.runID,
			TokenID: req.TokenID,
			Success: false,
			Error: &dispatch.TaskError{
				Kind:      "dispatch",
				Message:   err.Error(),
				Retryable: true,
			},
		})
	}
}

func (c *Coordinator) armTimer(t dispatch.Timer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.timers[t.SiblingGroup]; exists {
		return
	}
	wait := time.Until(t.Deadline)
	if wait < 0 {
		wait = 0
	}
	group, nodeID := t.SiblingGroup, t.NodeID
	c.timers[group] = time.AfterFunc(wait, func() {
		_ = c.enqueue(evSyncTimeout{siblingGroup: group, nodeID: nodeID})
	})
}

func (c *Coordinator) clearTimer(siblingGroup string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[siblingGroup]; ok {
		t.Stop()
		delete(c.timers, siblingGroup)
	}
}

func (c *Coordinator) setFinal(status string) {
	c.mu.Lock()
	c.final = status
	c.mu.Unlock()
}

// finish stops timers and closes the done channel. Idempotent via the
// select guard in enqueue callers.
func (c *Coordinator) finish() {
	c.mu.Lock()
	for group, t := range c.timers {
		t.Stop()
		delete(c.timers, group)
	}
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
