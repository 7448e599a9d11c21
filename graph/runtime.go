package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowforge/flowforge/graph/emit"
	"github.com/flowforge/flowforge/graph/store"
)

// RunOptions configures one Run invocation (spec §6's run(blueprintId,
// initialContext, opts)). The zero value is loose-mode, the Runtime's
// default pool size, no timeout; use DefaultRunOptions for the spec's
// documented defaults (strictCycles=true).
type RunOptions struct {
	// StrictCycles fails validation if the blueprint contains a cycle not
	// rooted at a loop controller.
	StrictCycles bool

	// Concurrency bounds how many nodes execute in parallel for this run.
	// Zero means the Runtime's configured default.
	Concurrency int

	// Timeout bounds the entire run's wall-clock time. Zero disables it.
	Timeout time.Duration
}

// DefaultRunOptions returns the spec-documented option defaults:
// strictCycles=true, the Runtime's default pool size (8 unless set with
// WithDefaultConcurrency; concurrency is always bounded), no wall-clock
// timeout (spec §6).
func DefaultRunOptions() RunOptions {
	return RunOptions{StrictCycles: true}
}

// RunResult is a completed (or terminated) run's outcome (spec §6).
type RunResult struct {
	RunID   string
	Status  store.RunStatus
	Context map[string]any
	Reason  string
}

// RuntimeOption configures a Runtime at construction.
type RuntimeOption func(*Runtime)

// WithDefaultConcurrency sets the worker pool size used when a Run call
// does not specify RunOptions.Concurrency. Default 8.
func WithDefaultConcurrency(n int) RuntimeOption {
	return func(rt *Runtime) { rt.defaultConcurrency = n }
}

// WithQueueDepth sets the Frontier's bounded capacity. Default 1024.
func WithQueueDepth(n int) RuntimeOption {
	return func(rt *Runtime) { rt.queueDepth = n }
}

// WithMetrics wires a RuntimeMetrics collector into the Runtime.
func WithMetrics(m *RuntimeMetrics) RuntimeOption {
	return func(rt *Runtime) { rt.metrics = m }
}

// Runtime is the orchestrator-mode scheduler/runtime (spec §4.7, `run`):
// the process owns the run end-to-end, pulling ready nodes from a
// Frontier, dispatching them through an Executor, committing results
// through a CoordinationStore, and driving the Traverser until no work
// remains.
type Runtime struct {
	store      store.CoordinationStore
	blueprints map[string]*Blueprint
	registry   *Registry
	evaluator  *Evaluator
	emitter    emit.Emitter

	defaultConcurrency int
	queueDepth         int
	metrics            *RuntimeMetrics
}

// NewRuntime builds a Runtime. blueprints is the registry used to
// resolve both the top-level run and subflow references (spec §6's
// `blueprints` run option, folded into construction since a Runtime
// serves one process's full set of known blueprints).
func NewRuntime(st store.CoordinationStore, blueprints map[string]*Blueprint, registry *Registry, evaluator *Evaluator, emitter emit.Emitter, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		store:              st,
		blueprints:         blueprints,
		registry:           registry,
		evaluator:          evaluator,
		emitter:            emitter,
		defaultConcurrency: 8,
		queueDepth:         1024,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

// Run executes blueprintID to completion in orchestrator mode, seeding
// the run's context with initial (spec §4.7, §6).
func (rt *Runtime) Run(ctx context.Context, blueprintID string, initial map[string]any, opts RunOptions) (RunResult, error) {
	blueprint, ok := rt.blueprints[blueprintID]
	if !ok {
		return RunResult{}, &EngineError{Message: "unknown blueprint id: " + blueprintID, Code: "BLUEPRINT_NOT_FOUND"}
	}
	if err := blueprint.Validate(); err != nil {
		return RunResult{}, err
	}

	mode := ModeLoose
	if opts.StrictCycles {
		mode = ModeStrict
	}
	analysis, err := Analyze(blueprint, mode)
	if err != nil {
		return RunResult{}, err
	}
	if len(analysis.StartNodeIDs) == 0 {
		return RunResult{}, &EngineError{Message: "blueprint has no start nodes", Code: "NO_START_NODE"}
	}

	runID := NewRunID()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	rt.emit(emit.Event{RunID: runID, Kind: emit.KindWorkflowStart, Msg: "workflow start: " + blueprintID})

	for key, value := range initial {
		if err := rt.store.SetContextKey(ctx, runID, key, value); err != nil {
			return RunResult{}, err
		}
	}
	for _, n := range blueprint.Nodes {
		if err := rt.store.InitPending(ctx, runID, n.ID, len(blueprint.IncomingEdges(n.ID))); err != nil {
			return RunResult{}, err
		}
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = rt.defaultConcurrency
	}

	runCtx := NewDistributedContext(runID, rt.store)
	traverser := NewTraverser(blueprint, rt.evaluator)
	frontier := NewFrontier(rt.queueDepth)

	executor := NewExecutor(rt.registry,
		WithExecutorEvaluator(rt.evaluator),
		WithSubflowRunner(rt),
		WithOnRetry(func(nodeID string, attempt int, cause error) {
			rt.emit(emit.Event{RunID: runID, Kind: emit.KindNodeRetry, NodeID: nodeID, Msg: cause.Error(), Meta: map[string]any{"attempt": attempt}})
			if rt.metrics != nil {
				rt.metrics.IncRetries(blueprintID, nodeID)
			}
		}),
	)

	for i, startID := range analysis.StartNodeIDs {
		item := WorkItem{
			RunID:        runID,
			NodeID:       startID,
			OrderKey:     ComputeOrderKey("__start__", i),
			ParentNodeID: "__start__",
			EdgeIndex:    i,
		}
		if err := frontier.Enqueue(ctx, item); err != nil {
			return RunResult{}, err
		}
	}

	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	var inflight atomic.Int32
	var completionOnce sync.Once
	var firstErr atomic.Value // error
	var wg sync.WaitGroup

	checkDone := func() {
		if frontier.Len() == 0 && inflight.Load() == 0 {
			completionOnce.Do(cancelWorkers)
		}
	}

	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := frontier.Dequeue(workerCtx)
				if err != nil {
					checkDone()
					return
				}
				inflight.Add(1)
				rt.dispatch(workerCtx, runID, blueprint, traverser, executor, runCtx, frontier, item, &firstErr, cancelWorkers)
				inflight.Add(-1)
				checkDone()
			}
		}()
	}

	wg.Wait()

	// A fatal node error also sets the cancelled flag; that run is reported
	// as failed with its cause below. A run whose context ended (e.g. its
	// Timeout elapsed) without a fatal error is reported as cancelled.
	if cancelled, _ := rt.store.IsCancelled(ctx, runID); (cancelled || ctx.Err() != nil) && firstErr.Load() == nil {
		snapshot, _ := rt.store.SnapshotContext(ctx, runID)
		result := RunResult{RunID: runID, Status: store.RunCancelled, Context: snapshot, Reason: "cancelled"}
		_ = rt.store.PutFinal(ctx, runID, store.RunCancelled, "cancelled")
		rt.emit(emit.Event{RunID: runID, Kind: emit.KindWorkflowCancelled, Msg: "workflow cancelled"})
		return result, nil
	}

	if errVal := firstErr.Load(); errVal != nil {
		err := errVal.(error)
		snapshot, _ := rt.store.SnapshotContext(ctx, runID)
		_ = rt.store.PutFinal(ctx, runID, store.RunFailed, err.Error())
		rt.emit(emit.Event{RunID: runID, Kind: emit.KindWorkflowFailed, Msg: err.Error()})
		return RunResult{RunID: runID, Status: store.RunFailed, Context: snapshot, Reason: err.Error()}, nil
	}

	stuck := rt.findStuckNodes(ctx, runID, blueprint)
	if len(stuck) > 0 {
		reason := fmt.Sprintf("deadlock: nodes never became ready: %v", stuck)
		snapshot, _ := rt.store.SnapshotContext(ctx, runID)
		_ = rt.store.PutFinal(ctx, runID, store.RunFailed, reason)
		rt.emit(emit.Event{RunID: runID, Kind: emit.KindWorkflowFailed, Msg: reason})
		return RunResult{RunID: runID, Status: store.RunFailed, Context: snapshot, Reason: reason}, nil
	}

	snapshot, err := rt.store.SnapshotContext(ctx, runID)
	if err != nil {
		return RunResult{}, err
	}
	_ = rt.store.PutFinal(ctx, runID, store.RunCompleted, "")
	rt.emit(emit.Event{RunID: runID, Kind: emit.KindWorkflowFinish, Msg: "workflow finished"})
	return RunResult{RunID: runID, Status: store.RunCompleted, Context: snapshot}, nil
}

// dispatch executes one WorkItem to completion (including its internal
// retries), commits the result, and asks the Traverser for the next
// ready set, enqueueing it back onto frontier.
func (rt *Runtime) dispatch(ctx context.Context, runID string, blueprint *Blueprint, traverser *Traverser, executor *Executor, runCtx Context, frontier *Frontier, item WorkItem, firstErr *atomic.Value, abort context.CancelFunc) {
	if cancelled, _ := rt.store.IsCancelled(ctx, runID); cancelled {
		return
	}

	ok, err := rt.store.CASStatus(ctx, runID, item.NodeID, store.StatusPending, store.StatusRunning)
	if err != nil {
		rt.fail(ctx, runID, err, firstErr, abort)
		return
	}
	if !ok {
		// Already dispatched by another ready signal (any-join race); discard.
		return
	}

	node, ok := blueprint.NodeByID(item.NodeID)
	if !ok {
		rt.fail(ctx, runID, &EngineError{Message: "node not found: " + item.NodeID, Code: "NODE_NOT_FOUND"}, firstErr, abort)
		return
	}

	rt.emit(emit.Event{RunID: runID, Kind: emit.KindNodeStart, NodeID: node.ID})

	rng := rngForRun(runID, item.OrderKey)
	start := time.Now()
	result, err := executor.Execute(ctx, node, item.Input, runCtx, rng)
	latency := time.Since(start)

	if rt.metrics != nil {
		rt.metrics.ObserveNodeLatency(blueprint.ID, node.ID, latency)
	}

	if err != nil {
		rt.emit(emit.Event{RunID: runID, Kind: emit.KindNodeError, NodeID: node.ID, Msg: err.Error()})
		_, _ = rt.store.CASStatus(ctx, runID, node.ID, store.StatusRunning, store.StatusFailed)

		if node.Config.FatalOnError || IsFatal(err) {
			_ = rt.store.SetCancelled(ctx, runID)
			rt.fail(ctx, runID, err, firstErr, abort)
			return
		}
		// Non-fatal: the node's subtree becomes unreachable. Treat its
		// outgoing edges as entirely skipped by synthesizing a default
		// completion with no taken action, then continue traversal.
		rt.propagate(ctx, runID, blueprint, traverser, frontier, node.ID, Result{Action: DefaultAction}, firstErr, abort, true)
		return
	}

	if err := rt.store.PutResult(ctx, runID, node.ID, store.NodeResult{Output: result.Output, Action: result.Action}); err != nil {
		rt.fail(ctx, runID, err, firstErr, abort)
		return
	}
	if _, err := rt.store.CASStatus(ctx, runID, node.ID, store.StatusRunning, store.StatusSucceeded); err != nil {
		rt.fail(ctx, runID, err, firstErr, abort)
		return
	}
	rt.emit(emit.Event{RunID: runID, Kind: emit.KindNodeFinish, NodeID: node.ID, Meta: map[string]any{"action": result.Action}})

	rt.propagate(ctx, runID, blueprint, traverser, frontier, node.ID, result, firstErr, abort, false)
}

func (rt *Runtime) propagate(ctx context.Context, runID string, blueprint *Blueprint, traverser *Traverser, frontier *Frontier, nodeID string, result Result, firstErr *atomic.Value, abort context.CancelFunc, forceSkip bool) {
	snapshot, err := rt.store.SnapshotContext(ctx, runID)
	if err != nil {
		rt.fail(ctx, runID, err, firstErr, abort)
		return
	}

	tr, err := traverser.OnComplete(ctx, rt.store, runID, nodeID, result, snapshot)
	if err != nil {
		rt.fail(ctx, runID, err, firstErr, abort)
		return
	}

	for _, skippedID := range tr.Skipped {
		rt.emit(emit.Event{RunID: runID, Kind: emit.KindContextChange, NodeID: skippedID, Msg: "skipped"})
	}

	for i, ready := range tr.Ready {
		item := WorkItem{
			RunID:        runID,
			NodeID:       ready.NodeID,
			OrderKey:     ComputeOrderKey(nodeID, i),
			ParentNodeID: nodeID,
			EdgeIndex:    ready.EdgeIndex,
			Input:        ready.Input,
		}
		if err := frontier.Enqueue(ctx, item); err != nil {
			rt.fail(ctx, runID, err, firstErr, abort)
			return
		}
	}
}

func (rt *Runtime) fail(_ context.Context, _ string, err error, firstErr *atomic.Value, abort context.CancelFunc) {
	firstErr.CompareAndSwap(nil, err)
	abort()
}

// findStuckNodes returns node ids left StatusPending after the worker
// pool has drained — the deadlock condition spec §4.7 requires reporting
// explicitly.
func (rt *Runtime) findStuckNodes(ctx context.Context, runID string, blueprint *Blueprint) []string {
	var stuck []string
	for _, n := range blueprint.Nodes {
		status, err := rt.store.GetStatus(ctx, runID, n.ID)
		if err == nil && status == store.StatusPending {
			stuck = append(stuck, n.ID)
		}
	}
	sort.Strings(stuck)
	return stuck
}

func (rt *Runtime) emit(e emit.Event) {
	if rt.emitter != nil {
		rt.emitter.Emit(e)
	}
}

// RunBlueprint implements SubflowRunner, letting the subflow built-in
// recursively invoke this Runtime for a child blueprint (spec §4.6).
func (rt *Runtime) RunBlueprint(ctx context.Context, blueprintID string, initial map[string]any) (map[string]any, error) {
	result, err := rt.Run(ctx, blueprintID, initial, DefaultRunOptions())
	if err != nil {
		return nil, err
	}
	if result.Status != store.RunCompleted {
		return nil, &EngineError{Message: "subflow " + blueprintID + " did not complete: " + result.Reason, Code: "SUBFLOW_FAILED"}
	}
	return result.Context, nil
}
