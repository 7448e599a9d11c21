package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowforge/flowforge/graph/emit"
	"github.com/flowforge/flowforge/graph/store"
)

// Dispatcher re-enqueues ready nodes onto the distribution queue after a
// worker-mode node completes (spec §4.8). Implemented by an adapter over
// a queue.Queue so this package does not depend on a specific transport.
type Dispatcher interface {
	// Enqueue submits one node for later execution within runID.
	Enqueue(ctx context.Context, runID, nodeID string) error

	// EnqueueBatch submits a whole ready set at once.
	EnqueueBatch(ctx context.Context, runID string, nodeIDs []string) error

	// PublishFinal announces runID's terminal status.
	PublishFinal(ctx context.Context, runID string, status store.RunStatus, reason string) error
}

// Worker executes one node per ExecuteNode call (spec §4.7's "Worker
// mode"), the unit of work a distributed deployment hands to a pool of
// processes consuming a Dispatcher's queue. Unlike Runtime, a Worker owns
// no in-memory run state at all — every decision is made by reading the
// CoordinationStore, which is what lets any process pick up any node for
// any run.
type Worker struct {
	store      store.CoordinationStore
	blueprints map[string]*Blueprint
	registry   *Registry
	evaluator  *Evaluator
	emitter    emit.Emitter
	dispatcher Dispatcher
	metrics    *RuntimeMetrics

	cancelPollInterval time.Duration
}

// WorkerOption configures a Worker at construction.
type WorkerOption func(*Worker)

// WithWorkerMetrics wires a RuntimeMetrics collector into the Worker.
func WithWorkerMetrics(m *RuntimeMetrics) WorkerOption {
	return func(w *Worker) { w.metrics = m }
}

// WithCancelPollInterval sets how often ExecuteNode checks the run's
// cancellation flag while a node is executing. Default 200ms.
func WithCancelPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) { w.cancelPollInterval = d }
}

// NewWorker builds a Worker over the given coordination store, the set of
// blueprints this process can execute nodes for, a node-implementation
// registry, an evaluator, an event emitter, and a Dispatcher used to
// re-enqueue downstream work.
func NewWorker(st store.CoordinationStore, blueprints map[string]*Blueprint, registry *Registry, evaluator *Evaluator, emitter emit.Emitter, dispatcher Dispatcher, opts ...WorkerOption) *Worker {
	w := &Worker{
		store:              st,
		blueprints:         blueprints,
		registry:           registry,
		evaluator:          evaluator,
		emitter:            emitter,
		dispatcher:         dispatcher,
		cancelPollInterval: 200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// RunBlueprint implements SubflowRunner for worker-mode subflow nodes by
// driving a fully self-contained, sequential orchestrator-mode run rather
// than re-entering the distributed queue — a subflow's completion must be
// observed synchronously by the parent node's single Exec call (spec
// §4.6).
func (w *Worker) RunBlueprint(ctx context.Context, blueprintID string, initial map[string]any) (map[string]any, error) {
	rt := NewRuntime(w.store, w.blueprints, w.registry, w.evaluator, w.emitter)
	result, err := rt.Run(ctx, blueprintID, initial, DefaultRunOptions())
	if err != nil {
		return nil, err
	}
	if result.Status != store.RunCompleted {
		return nil, &EngineError{Message: "subflow " + blueprintID + " did not complete: " + result.Reason, Code: "SUBFLOW_FAILED"}
	}
	return result.Context, nil
}

// ExecuteNode runs exactly one node to completion (including its internal
// retries), commits the result through the coordination store, asks the
// Traverser for the resulting ready/skipped sets, and enqueues the ready
// set back onto the distribution queue (spec §4.7, §4.8). The
// pending-to-running CAS is what makes this safe to call redundantly for
// the same (runID, nodeID): only the call that wins the CAS proceeds.
func (w *Worker) ExecuteNode(ctx context.Context, blueprintID, runID, nodeID string) error {
	blueprint, ok := w.blueprints[blueprintID]
	if !ok {
		return &EngineError{Message: "unknown blueprint id: " + blueprintID, Code: "BLUEPRINT_NOT_FOUND"}
	}

	if cancelled, err := w.store.IsCancelled(ctx, runID); err != nil {
		return err
	} else if cancelled {
		return nil
	}

	ok, err := w.store.CASStatus(ctx, runID, nodeID, store.StatusPending, store.StatusRunning)
	if err != nil {
		return err
	}
	if !ok {
		// Another worker already claimed (or completed) this node.
		return nil
	}

	node, ok := blueprint.NodeByID(nodeID)
	if !ok {
		return &EngineError{Message: "node not found: " + nodeID, Code: "NODE_NOT_FOUND"}
	}

	runCtx := NewDistributedContext(runID, w.store)
	executor := NewExecutor(w.registry,
		WithExecutorEvaluator(w.evaluator),
		WithSubflowRunner(w),
		WithOnRetry(func(nodeID string, attempt int, cause error) {
			w.emit(emit.Event{RunID: runID, Kind: emit.KindNodeRetry, NodeID: nodeID, Msg: cause.Error(), Meta: map[string]any{"attempt": attempt}})
			if w.metrics != nil {
				w.metrics.IncRetries(blueprintID, nodeID)
			}
		}),
	)

	input, err := w.resolveInput(ctx, blueprint, runID, node)
	if err != nil {
		return err
	}

	abortCtx, cancelAbort := context.WithCancel(ctx)
	defer cancelAbort()
	stopPoll := w.pollCancellation(abortCtx, runID, cancelAbort)
	defer stopPoll()

	w.emit(emit.Event{RunID: runID, Kind: emit.KindNodeStart, NodeID: node.ID})

	rng := rngForRun(runID, ComputeOrderKey(nodeID, 0))
	start := time.Now()
	result, execErr := executor.Execute(abortCtx, node, input, runCtx, rng)
	if w.metrics != nil {
		w.metrics.ObserveNodeLatency(blueprintID, node.ID, time.Since(start))
	}

	if execErr != nil {
		w.emit(emit.Event{RunID: runID, Kind: emit.KindNodeError, NodeID: node.ID, Msg: execErr.Error()})

		_, _ = w.store.CASStatus(ctx, runID, node.ID, store.StatusRunning, store.StatusFailed)

		if node.Config.FatalOnError || IsFatal(execErr) || errors.Is(execErr, ErrCancelled) {
			_ = w.store.SetCancelled(ctx, runID)
			return w.finalizeIfDone(ctx, blueprintID, blueprint, runID, store.RunFailed, execErr.Error())
		}
		return w.propagateAndEnqueue(ctx, blueprintID, blueprint, runID, node.ID, Result{Action: DefaultAction})
	}

	if err := w.store.PutResult(ctx, runID, node.ID, store.NodeResult{Output: result.Output, Action: result.Action}); err != nil {
		return err
	}
	if _, err := w.store.CASStatus(ctx, runID, node.ID, store.StatusRunning, store.StatusSucceeded); err != nil {
		return err
	}
	w.emit(emit.Event{RunID: runID, Kind: emit.KindNodeFinish, NodeID: node.ID, Meta: map[string]any{"action": result.Action}})

	return w.propagateAndEnqueue(ctx, blueprintID, blueprint, runID, node.ID, result)
}

// resolveInput recomputes a node's input from its recorded predecessor
// results, since worker mode carries no in-memory WorkItem.Input across
// processes — only (runID, nodeID) crosses the queue. Start nodes (no
// incoming edges) get no computed input; they read their seed values
// directly from the run context instead.
func (w *Worker) resolveInput(ctx context.Context, blueprint *Blueprint, runID string, node Node) (any, error) {
	incoming := blueprint.IncomingEdges(node.ID)
	if len(incoming) == 0 {
		return nil, nil
	}

	snapshot, err := w.store.SnapshotContext(ctx, runID)
	if err != nil {
		return nil, err
	}

	for _, e := range incoming {
		res, ok, gerr := w.store.GetResult(ctx, runID, e.Source)
		if gerr != nil {
			return nil, gerr
		}
		if !ok {
			continue
		}
		candidate := Result{Output: res.Output, Action: res.Action}
		if edgeEligible(w.evaluator, e, candidate, snapshot, blueprint.OutgoingEdges(e.Source)) {
			return resolveTransform(w.evaluator, e, candidate, snapshot), nil
		}
	}
	return nil, nil
}

func (w *Worker) propagateAndEnqueue(ctx context.Context, blueprintID string, blueprint *Blueprint, runID, nodeID string, result Result) error {
	snapshot, err := w.store.SnapshotContext(ctx, runID)
	if err != nil {
		return err
	}

	traverser := NewTraverser(blueprint, w.evaluator)
	tr, err := traverser.OnComplete(ctx, w.store, runID, nodeID, result, snapshot)
	if err != nil {
		return err
	}

	for _, skippedID := range tr.Skipped {
		w.emit(emit.Event{RunID: runID, Kind: emit.KindContextChange, NodeID: skippedID, Msg: "skipped"})
	}

	if len(tr.Ready) == 0 {
		return w.finalizeIfDone(ctx, blueprintID, blueprint, runID, store.RunCompleted, "")
	}

	ready := make([]string, len(tr.Ready))
	for i, r := range tr.Ready {
		ready[i] = r.NodeID
	}
	if w.dispatcher != nil {
		if err := w.dispatcher.EnqueueBatch(ctx, runID, ready); err != nil {
			return err
		}
	}
	return nil
}

// finalizeIfDone checks whether every node in blueprint has reached a
// terminal status and, if so, records and publishes the run's final
// status. Multiple workers may race to finalize the same run; PutFinal
// is last-write-wins and PublishFinal is idempotent for waiters, so the
// race is harmless.
//
// If the run is not yet all-terminal, it also checks for the worker-mode
// deadlock condition spec §4.7 requires reporting in both modes: since
// CoordinationStore status is the single cross-process source of truth,
// a run with no node StatusRunning anywhere and at least one node still
// StatusPending has nothing left that could ever drive it forward (no
// in-flight execution remains to complete and trigger further
// propagation), the same "left pending after the pool drained" signal
// Runtime.findStuckNodes checks for in-process.
func (w *Worker) finalizeIfDone(ctx context.Context, blueprintID string, blueprint *Blueprint, runID string, fallbackStatus store.RunStatus, reason string) error {
	if fallbackStatus == store.RunFailed {
		_ = w.store.PutFinal(ctx, runID, store.RunFailed, reason)
		if w.dispatcher != nil {
			_ = w.dispatcher.PublishFinal(ctx, runID, store.RunFailed, reason)
		}
		w.emit(emit.Event{RunID: runID, Kind: emit.KindWorkflowFailed, Msg: reason})
		return nil
	}

	anyRunning := false
	var pending []string
	for _, n := range blueprint.Nodes {
		status, err := w.store.GetStatus(ctx, runID, n.ID)
		if err != nil {
			return err
		}
		switch status {
		case store.StatusSucceeded, store.StatusSkipped, store.StatusFailed:
			// terminal
		case store.StatusRunning:
			anyRunning = true
		default:
			pending = append(pending, n.ID)
		}
	}
	if len(pending) > 0 {
		if anyRunning {
			return nil // other in-flight work may still unblock these
		}
		deadlockReason := fmt.Sprintf("deadlock: nodes never became ready: %v", pending)
		_ = w.store.PutFinal(ctx, runID, store.RunFailed, deadlockReason)
		if w.dispatcher != nil {
			_ = w.dispatcher.PublishFinal(ctx, runID, store.RunFailed, deadlockReason)
		}
		w.emit(emit.Event{RunID: runID, Kind: emit.KindWorkflowFailed, Msg: deadlockReason})
		return nil
	}

	if cancelled, _ := w.store.IsCancelled(ctx, runID); cancelled {
		_ = w.store.PutFinal(ctx, runID, store.RunCancelled, "cancelled")
		if w.dispatcher != nil {
			_ = w.dispatcher.PublishFinal(ctx, runID, store.RunCancelled, "cancelled")
		}
		w.emit(emit.Event{RunID: runID, Kind: emit.KindWorkflowCancelled, Msg: "workflow cancelled"})
		return nil
	}

	_ = w.store.PutFinal(ctx, runID, store.RunCompleted, "")
	if w.dispatcher != nil {
		_ = w.dispatcher.PublishFinal(ctx, runID, store.RunCompleted, "")
	}
	w.emit(emit.Event{RunID: runID, Kind: emit.KindWorkflowFinish, Msg: "workflow finished"})
	return nil
}

// pollCancellation starts a background poll of runID's cancellation flag
// at w.cancelPollInterval, calling abort once it observes the flag set
// (spec §4.7's worker-mode cancellation polling). The returned stop
// function must be called once the node finishes executing.
func (w *Worker) pollCancellation(ctx context.Context, runID string, abort context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(w.cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if cancelled, err := w.store.IsCancelled(ctx, runID); err == nil && cancelled {
					abort()
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (w *Worker) emit(e emit.Event) {
	if w.emitter != nil {
		w.emitter.Emit(e)
	}
}
