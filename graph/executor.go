package graph

import (
	"context"
	"math/rand"
	"time"
)

// Result is a node execution's output: the payload to carry forward and
// the action discriminator used for edge selection (spec §3, §4.1).
type Result struct {
	Output any
	Action string
}

// Func is the simplest node implementation: a function invoked once per
// attempt, given the node's resolved input and a view of the run context.
type Func func(ctx context.Context, input any, runCtx Context) (Result, error)

// Lifecycle is the three-phase node implementation (spec §4.4): prep runs
// once before any attempt, exec is retried per the node's policy, post
// runs once after exec succeeds (or after Fallback, if exec never
// succeeds). All four methods are always called as described; none is
// optional.
type Lifecycle interface {
	// Prep runs once, before any exec attempt. Its error is never retried.
	Prep(ctx context.Context, input any, runCtx Context) (any, error)

	// Exec is retried up to the node's maxRetries. prepped is Prep's
	// output.
	Exec(ctx context.Context, prepped any, runCtx Context) (Result, error)

	// Post runs once, after Exec (or Fallback) succeeds. Its error is
	// never retried.
	Post(ctx context.Context, result Result, runCtx Context) (Result, error)

	// Fallback runs if every Exec attempt failed, given the last error.
	// The default fallback (FallbackReraise) re-raises lastErr.
	Fallback(ctx context.Context, lastErr error, prepped any, runCtx Context) (Result, error)
}

// FallbackReraise is the default Lifecycle.Fallback behavior: it
// re-raises the last exec error unchanged.
func FallbackReraise(_ context.Context, lastErr error, _ any, _ Context) (Result, error) {
	return Result{}, lastErr
}

// Executor wraps a single node invocation with retry, fallback, timeout,
// and abort semantics (spec §4.4). One Executor instance serves every
// node in a run; implementation selection happens per call via Registry.
type Executor struct {
	registry      *Registry
	evaluator     *Evaluator
	subflowRunner SubflowRunner
	onRetry       func(nodeID string, attempt int, err error)
}

// ExecutorOption configures an Executor at construction.
type ExecutorOption func(*Executor)

// WithExecutorEvaluator wires an Evaluator into the Executor, required by
// the loop-controller built-in to evaluate its condition.
func WithExecutorEvaluator(ev *Evaluator) ExecutorOption {
	return func(e *Executor) { e.evaluator = ev }
}

// WithSubflowRunner wires a SubflowRunner into the Executor, required by
// the subflow built-in to run child blueprints.
func WithSubflowRunner(r SubflowRunner) ExecutorOption {
	return func(e *Executor) { e.subflowRunner = r }
}

// WithOnRetry registers a callback invoked just before each retry sleep,
// letting the Runtime emit a node:retry event without the Executor
// depending on the emitter directly.
func WithOnRetry(fn func(nodeID string, attempt int, err error)) ExecutorOption {
	return func(e *Executor) { e.onRetry = fn }
}

// NewExecutor builds an Executor backed by registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{registry: registry}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry resolves a node's Uses selector to an implementation. Built-in
// selectors (subflow, scatter, loop, parallel) are reserved and handled by
// the kernel itself; see builtins.go. There is no separate "gather"
// selector — a batch macro's scatter and gather phases are authored as
// one "scatter" node (see executeScatterGather).
type Registry struct {
	funcs      map[string]Func
	lifecycles map[string]Lifecycle
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs:      make(map[string]Func),
		lifecycles: make(map[string]Lifecycle),
	}
}

// RegisterFunc registers a Func implementation under selector.
func (r *Registry) RegisterFunc(selector string, fn Func) {
	r.funcs[selector] = fn
}

// RegisterLifecycle registers a Lifecycle implementation under selector.
func (r *Registry) RegisterLifecycle(selector string, lc Lifecycle) {
	r.lifecycles[selector] = lc
}

// Execute runs node with input against the given run context, honoring
// node.Config's retry/timeout policy and ctx's cancellation (spec
// §4.4). rng drives backoff jitter deterministically per work item.
func (e *Executor) Execute(ctx context.Context, node Node, input any, runCtx Context, rng *rand.Rand) (Result, error) {
	if isBuiltinSelector(node.Uses) {
		return e.executeBuiltin(ctx, node, input, runCtx, rng)
	}

	if lc, ok := e.registry.lifecycles[node.Uses]; ok {
		return e.executeLifecycle(ctx, node, lc, input, runCtx, rng)
	}

	if fn, ok := e.registry.funcs[node.Uses]; ok {
		return e.executeFunc(ctx, node, fn, input, runCtx, rng)
	}

	return Result{}, &EngineError{
		Message: "no implementation registered for uses=" + node.Uses,
		Code:    "UNKNOWN_USES",
	}
}

func (e *Executor) executeFunc(ctx context.Context, node Node, fn Func, input any, runCtx Context, rng *rand.Rand) (Result, error) {
	maxAttempts := node.Config.MaxRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := checkAborted(ctx); err != nil {
			return Result{}, err
		}

		attemptCtx, cancel := withNodeTimeout(ctx, node.Config.Timeout())
		result, err := fn(attemptCtx, input, runCtx)
		cancel()

		if err == nil {
			return result, nil
		}
		lastErr = err

		if IsFatal(err) || node.Config.FatalOnError {
			return Result{}, Fatal(node.ID, err)
		}

		if attempt == maxAttempts-1 {
			break
		}

		if e.onRetry != nil {
			e.onRetry(node.ID, attempt+1, err)
		}
		if err := sleepOrAbort(ctx, computeBackoff(attempt, node.Config.RetryDelay(), rng)); err != nil {
			return Result{}, err
		}
	}

	return Result{}, &NodeError{NodeID: node.ID, Message: lastErr.Error(), Cause: lastErr}
}

func (e *Executor) executeLifecycle(ctx context.Context, node Node, lc Lifecycle, input any, runCtx Context, rng *rand.Rand) (Result, error) {
	if err := checkAborted(ctx); err != nil {
		return Result{}, err
	}

	prepped, err := lc.Prep(ctx, input, runCtx)
	if err != nil {
		return Result{}, &NodeError{NodeID: node.ID, Message: "prep: " + err.Error(), Fatal: true, Cause: err}
	}

	maxAttempts := node.Config.MaxRetries + 1
	var lastErr error
	var result Result
	succeeded := false

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := checkAborted(ctx); err != nil {
			return Result{}, err
		}

		attemptCtx, cancel := withNodeTimeout(ctx, node.Config.Timeout())
		result, err = lc.Exec(attemptCtx, prepped, runCtx)
		cancel()

		if err == nil {
			succeeded = true
			break
		}
		lastErr = err

		if IsFatal(err) || node.Config.FatalOnError {
			return Result{}, Fatal(node.ID, err)
		}

		if attempt < maxAttempts-1 {
			if e.onRetry != nil {
				e.onRetry(node.ID, attempt+1, err)
			}
			if err := sleepOrAbort(ctx, computeBackoff(attempt, node.Config.RetryDelay(), rng)); err != nil {
				return Result{}, err
			}
		}
	}

	if !succeeded {
		result, err = lc.Fallback(ctx, lastErr, prepped, runCtx)
		if err != nil {
			return Result{}, &NodeError{NodeID: node.ID, Message: err.Error(), Cause: err}
		}
	}

	final, err := lc.Post(ctx, result, runCtx)
	if err != nil {
		return Result{}, &NodeError{NodeID: node.ID, Message: "post: " + err.Error(), Fatal: true, Cause: err}
	}
	return final, nil
}

// checkAborted translates ctx cancellation into the kernel's terminal
// abort error, per the executors' cancellation contract (spec §4.4).
func checkAborted(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}

func withNodeTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func sleepOrAbort(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return checkAborted(ctx)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ErrCancelled
	case <-timer.C:
		return nil
	}
}
