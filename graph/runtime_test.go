package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowforge/flowforge/graph/emit"
	"github.com/flowforge/flowforge/graph/store"
)

func newTestRuntime(bp *Blueprint, registry *Registry) *Runtime {
	return NewRuntime(
		store.NewMemoryStore(),
		map[string]*Blueprint{bp.ID: bp},
		registry,
		NewPropertyPathEvaluator(),
		emit.NewNullEmitter(),
	)
}

func TestRuntimeLinearPipeline(t *testing.T) {
	bp := &Blueprint{
		ID:    "linear",
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
	}
	reg := NewRegistry()
	reg.RegisterFunc("a", func(_ context.Context, _ any, runCtx Context) (Result, error) {
		if err := runCtx.Set(context.Background(), "a_ran", true); err != nil {
			return Result{}, err
		}
		return Result{Output: 1, Action: DefaultAction}, nil
	})
	bp.Nodes[0].Uses = "a"
	reg.RegisterFunc("b", func(_ context.Context, input any, runCtx Context) (Result, error) {
		return Result{Output: input.(int) + 1, Action: DefaultAction}, nil
	})
	bp.Nodes[1].Uses = "b"
	reg.RegisterFunc("c", func(_ context.Context, input any, _ Context) (Result, error) {
		return Result{Output: input.(int) * 10, Action: DefaultAction}, nil
	})
	bp.Nodes[2].Uses = "c"

	rt := newTestRuntime(bp, reg)
	result, err := rt.Run(context.Background(), "linear", map[string]any{}, DefaultRunOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != store.RunCompleted {
		t.Fatalf("Status = %v, want RunCompleted (reason: %s)", result.Status, result.Reason)
	}
	if result.Context["a_ran"] != true {
		t.Fatalf("expected a_ran=true in final context, got %+v", result.Context)
	}
}

func TestRuntimeDiamondJoinAll(t *testing.T) {
	bp := &Blueprint{
		ID: "diamond",
		Nodes: []Node{
			{ID: "a", Uses: "a"},
			{ID: "left", Uses: "left"},
			{ID: "right", Uses: "right"},
			{ID: "join", Uses: "join", Config: NodeConfig{JoinStrategy: JoinAll}},
		},
		Edges: []Edge{
			{Source: "a", Target: "left"},
			{Source: "a", Target: "right"},
			{Source: "left", Target: "join"},
			{Source: "right", Target: "join"},
		},
	}
	reg := NewRegistry()
	reg.RegisterFunc("a", func(_ context.Context, _ any, _ Context) (Result, error) {
		return Result{Action: DefaultAction}, nil
	})
	reg.RegisterFunc("left", func(_ context.Context, _ any, runCtx Context) (Result, error) {
		return Result{Action: DefaultAction}, runCtx.Set(context.Background(), "left_ran", true)
	})
	reg.RegisterFunc("right", func(_ context.Context, _ any, runCtx Context) (Result, error) {
		return Result{Action: DefaultAction}, runCtx.Set(context.Background(), "right_ran", true)
	})
	reg.RegisterFunc("join", func(_ context.Context, _ any, runCtx Context) (Result, error) {
		return Result{Action: DefaultAction}, runCtx.Set(context.Background(), "joined", true)
	})

	rt := newTestRuntime(bp, reg)
	result, err := rt.Run(context.Background(), "diamond", nil, DefaultRunOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != store.RunCompleted {
		t.Fatalf("Status = %v, reason: %s", result.Status, result.Reason)
	}
	if result.Context["left_ran"] != true || result.Context["right_ran"] != true || result.Context["joined"] != true {
		t.Fatalf("expected all branches and the join to have run, got %+v", result.Context)
	}
}

func TestRuntimeAnyJoinRouter(t *testing.T) {
	bp := &Blueprint{
		ID: "router",
		Nodes: []Node{
			{ID: "router", Uses: "router"},
			{ID: "left", Uses: "left"},
			{ID: "right", Uses: "right"},
			{ID: "merge", Uses: "merge", Config: NodeConfig{JoinStrategy: JoinAny}},
		},
		Edges: []Edge{
			{Source: "router", Target: "left", Action: "left"},
			{Source: "router", Target: "right", Action: "right"},
			{Source: "left", Target: "merge"},
			{Source: "right", Target: "merge"},
		},
	}
	reg := NewRegistry()
	reg.RegisterFunc("router", func(_ context.Context, _ any, _ Context) (Result, error) {
		return Result{Action: "left"}, nil
	})
	reg.RegisterFunc("left", func(_ context.Context, _ any, _ Context) (Result, error) {
		return Result{Output: "from-left", Action: DefaultAction}, nil
	})
	rightRan := false
	reg.RegisterFunc("right", func(_ context.Context, _ any, _ Context) (Result, error) {
		rightRan = true
		return Result{}, nil
	})
	reg.RegisterFunc("merge", func(_ context.Context, input any, runCtx Context) (Result, error) {
		return Result{Action: DefaultAction}, runCtx.Set(context.Background(), "mergedFrom", input)
	})

	rt := newTestRuntime(bp, reg)
	result, err := rt.Run(context.Background(), "router", nil, DefaultRunOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != store.RunCompleted {
		t.Fatalf("Status = %v, reason: %s", result.Status, result.Reason)
	}
	if rightRan {
		t.Fatal("right branch should never execute: router chose left")
	}
	if result.Context["mergedFrom"] != "from-left" {
		t.Fatalf("expected merge to have run with the left branch's output, got %+v", result.Context)
	}
}

func TestRuntimeRetryThenRecover(t *testing.T) {
	bp := &Blueprint{
		ID:    "retrying",
		Nodes: []Node{{ID: "flaky", Uses: "flaky", Config: NodeConfig{MaxRetries: 2, RetryDelayMs: 1}}},
	}
	attempts := 0
	reg := NewRegistry()
	reg.RegisterFunc("flaky", func(_ context.Context, _ any, _ Context) (Result, error) {
		attempts++
		if attempts < 3 {
			return Result{}, errors.New("transient failure")
		}
		return Result{Output: "recovered", Action: DefaultAction}, nil
	})

	rt := newTestRuntime(bp, reg)
	result, err := rt.Run(context.Background(), "retrying", nil, DefaultRunOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != store.RunCompleted {
		t.Fatalf("Status = %v, reason: %s", result.Status, result.Reason)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts before success, got %d", attempts)
	}
}

func TestRuntimeFatalErrorCancelsWholeRun(t *testing.T) {
	bp := &Blueprint{
		ID: "fatal-path",
		Nodes: []Node{
			{ID: "a", Uses: "boom", Config: NodeConfig{FatalOnError: true}},
			{ID: "b", Uses: "never"},
		},
		Edges: []Edge{{Source: "a", Target: "b"}},
	}
	reg := NewRegistry()
	reg.RegisterFunc("boom", func(_ context.Context, _ any, _ Context) (Result, error) {
		return Result{}, errors.New("catastrophic")
	})
	reached := false
	reg.RegisterFunc("never", func(_ context.Context, _ any, _ Context) (Result, error) {
		reached = true
		return Result{}, nil
	})

	rt := newTestRuntime(bp, reg)
	result, err := rt.Run(context.Background(), "fatal-path", nil, DefaultRunOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != store.RunFailed {
		t.Fatalf("Status = %v, want RunFailed", result.Status)
	}
	if reached {
		t.Fatal("downstream node must not run after a fatal upstream error")
	}
}

func TestRuntimeLoopMacro(t *testing.T) {
	bp := &Blueprint{
		ID: "loopy",
		Nodes: []Node{
			{ID: "init", Uses: "init"},
			{ID: "controller", Uses: builtinLoop, Params: map[string]any{"condition": "keepGoing"}},
			{ID: "body", Uses: "body"},
		},
		Edges: []Edge{
			{Source: "init", Target: "controller"},
			{Source: "controller", Target: "body", Action: "continue"},
			{Source: "body", Target: "controller"},
		},
	}
	iterations := 0
	reg := NewRegistry()
	reg.RegisterFunc("init", func(_ context.Context, _ any, runCtx Context) (Result, error) {
		return Result{Action: DefaultAction}, runCtx.Set(context.Background(), "keepGoing", true)
	})
	reg.RegisterFunc("body", func(_ context.Context, _ any, runCtx Context) (Result, error) {
		iterations++
		if iterations >= 3 {
			if err := runCtx.Set(context.Background(), "keepGoing", false); err != nil {
				return Result{}, err
			}
		}
		return Result{Action: DefaultAction}, nil
	})

	rt := newTestRuntime(bp, reg)
	opts := DefaultRunOptions()
	opts.StrictCycles = true
	result, err := rt.Run(context.Background(), "loopy", nil, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status != store.RunCompleted {
		t.Fatalf("Status = %v, reason: %s", result.Status, result.Reason)
	}
	if iterations != 3 {
		t.Fatalf("expected the loop body to run exactly 3 times, got %d", iterations)
	}
}

func TestRuntimeUnknownBlueprintID(t *testing.T) {
	rt := newTestRuntime(&Blueprint{ID: "known", Nodes: []Node{{ID: "a", Uses: "noop"}}}, NewRegistry())
	_, err := rt.Run(context.Background(), "missing", nil, DefaultRunOptions())
	if err == nil {
		t.Fatal("expected an error for an unknown blueprint id")
	}
}

func TestRuntimeWallClockTimeout(t *testing.T) {
	bp := &Blueprint{ID: "slow", Nodes: []Node{{ID: "a", Uses: "slow"}}}
	reg := NewRegistry()
	reg.RegisterFunc("slow", func(ctx context.Context, _ any, _ Context) (Result, error) {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(time.Second):
			return Result{}, nil
		}
	})

	rt := newTestRuntime(bp, reg)
	opts := DefaultRunOptions()
	opts.Timeout = 20 * time.Millisecond
	result, err := rt.Run(context.Background(), "slow", nil, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Status == store.RunCompleted {
		t.Fatal("expected the run to not complete cleanly once its wall-clock timeout elapses")
	}
}
