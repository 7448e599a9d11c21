package graph

import (
	"context"
	"errors"
	"math/rand"
	"testing"
)

type stubSubflowRunner struct {
	final map[string]any
	err   error
	gotID string
	gotIn map[string]any
}

func (s *stubSubflowRunner) RunBlueprint(_ context.Context, blueprintID string, initial map[string]any) (map[string]any, error) {
	s.gotID = blueprintID
	s.gotIn = initial
	if s.err != nil {
		return nil, s.err
	}
	return s.final, nil
}

func TestExecuteSubflowMapsInputsAndOutputs(t *testing.T) {
	runner := &stubSubflowRunner{final: map[string]any{"childOut": 42}}
	ex := NewExecutor(NewRegistry(), WithSubflowRunner(runner))

	node := Node{
		ID:   "sub",
		Uses: builtinSubflow,
		Params: map[string]any{
			"blueprintId": "child-bp",
			"inputs":      map[string]any{"childIn": "parentIn"},
			"outputs":     map[string]any{"childOut": "parentOut"},
		},
	}
	runCtx := NewLocalContext(map[string]any{"parentIn": "value"})

	result, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if runner.gotID != "child-bp" {
		t.Fatalf("expected child blueprint id to be passed through, got %q", runner.gotID)
	}
	if runner.gotIn["childIn"] != "value" {
		t.Fatalf("expected parentIn to be mapped to childIn, got %+v", runner.gotIn)
	}
	if result.Action != DefaultAction {
		t.Fatalf("expected default action, got %q", result.Action)
	}

	v, ok, err := runCtx.Get(context.Background(), "parentOut")
	if err != nil || !ok || v != 42 {
		t.Fatalf("expected childOut mapped back to parentOut, got %v, %v, %v", v, ok, err)
	}
}

func TestExecuteSubflowChildErrorIsFatal(t *testing.T) {
	runner := &stubSubflowRunner{err: errors.New("child blew up")}
	ex := NewExecutor(NewRegistry(), WithSubflowRunner(runner))

	node := Node{ID: "sub", Uses: builtinSubflow, Params: map[string]any{"blueprintId": "child-bp"}}
	runCtx := NewLocalContext(nil)

	_, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if !IsFatal(err) {
		t.Fatalf("expected a subflow error to propagate as fatal, got %v", err)
	}
}

func TestExecuteSubflowMissingBlueprintID(t *testing.T) {
	runner := &stubSubflowRunner{final: map[string]any{}}
	ex := NewExecutor(NewRegistry(), WithSubflowRunner(runner))

	node := Node{ID: "sub", Uses: builtinSubflow}
	_, err := ex.Execute(context.Background(), node, nil, NewLocalContext(nil), rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatal("expected missing params.blueprintId to error")
	}
}

func TestExecuteScatterGatherPreservesOrder(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("square", func(_ context.Context, input any, _ Context) (Result, error) {
		n := input.(int)
		return Result{Output: n * n, Action: DefaultAction}, nil
	})
	ex := NewExecutor(reg)

	node := Node{
		ID:   "scatter1",
		Uses: builtinScatter,
		Params: map[string]any{
			"from":        "items",
			"into":        "squared",
			"elementUses": "square",
			"concurrency": 3,
		},
	}
	runCtx := NewLocalContext(map[string]any{
		"items": []any{1, 2, 3, 4, 5},
	})

	result, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	want := []any{1, 4, 9, 16, 25}
	got := result.Output.([]any)
	if len(got) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: got %v, want %v (order must match source elements)", i, got[i], want[i])
		}
	}

	stored, ok, err := runCtx.Get(context.Background(), "squared")
	if err != nil || !ok {
		t.Fatalf("expected squared written to context, got ok=%v err=%v", ok, err)
	}
	if len(stored.([]any)) != 5 {
		t.Fatalf("expected 5 stored elements, got %v", stored)
	}
}

func TestExecuteScatterGatherOneElementFailureFailsWhole(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("maybe_fail", func(_ context.Context, input any, _ Context) (Result, error) {
		n := input.(int)
		if n == 3 {
			return Result{}, errors.New("element 3 failed")
		}
		return Result{Output: n, Action: DefaultAction}, nil
	})
	ex := NewExecutor(reg)

	node := Node{
		ID:   "scatter1",
		Uses: builtinScatter,
		Params: map[string]any{
			"from":        "items",
			"into":        "out",
			"elementUses": "maybe_fail",
		},
	}
	runCtx := NewLocalContext(map[string]any{"items": []any{1, 2, 3}})

	_, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if !IsFatal(err) {
		t.Fatalf("expected any element failure to fail the whole scatter node fatally, got %v", err)
	}
}

func TestExecuteScatterGatherRequiresParams(t *testing.T) {
	ex := NewExecutor(NewRegistry())
	node := Node{ID: "scatter1", Uses: builtinScatter}
	_, err := ex.Execute(context.Background(), node, nil, NewLocalContext(nil), rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatal("expected missing scatter params to error")
	}
}

func TestExecuteParallelContainerPassesInputThrough(t *testing.T) {
	ex := NewExecutor(NewRegistry())
	node := Node{ID: "fanout", Uses: builtinParallel}
	result, err := ex.Execute(context.Background(), node, "payload", NewLocalContext(nil), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Output != "payload" || result.Action != DefaultAction {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestExecuteLoopControllerContinuesWhileTruthy(t *testing.T) {
	ex := NewExecutor(NewRegistry(), WithExecutorEvaluator(NewPropertyPathEvaluator()))
	node := Node{ID: "loop", Uses: builtinLoop, Params: map[string]any{"condition": "keepGoing"}}
	runCtx := NewLocalContext(map[string]any{"keepGoing": true})

	result, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Action != "continue" {
		t.Fatalf("expected action=continue when condition is truthy, got %q", result.Action)
	}
}

func TestExecuteLoopControllerBreaksWhenFalsy(t *testing.T) {
	ex := NewExecutor(NewRegistry(), WithExecutorEvaluator(NewPropertyPathEvaluator()))
	node := Node{ID: "loop", Uses: builtinLoop, Params: map[string]any{"condition": "keepGoing"}}
	runCtx := NewLocalContext(map[string]any{"keepGoing": false})

	result, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Action != "break" {
		t.Fatalf("expected action=break when condition is falsy, got %q", result.Action)
	}
}

func TestExecuteLoopControllerNoConditionAlwaysBreaks(t *testing.T) {
	ex := NewExecutor(NewRegistry())
	node := Node{ID: "loop", Uses: builtinLoop}
	result, err := ex.Execute(context.Background(), node, nil, NewLocalContext(nil), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Action != "break" {
		t.Fatalf("expected action=break with no condition configured, got %q", result.Action)
	}
}
