package graph

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestExecutorFuncSucceedsFirstTry(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("echo", func(_ context.Context, input any, _ Context) (Result, error) {
		return Result{Output: input, Action: DefaultAction}, nil
	})
	ex := NewExecutor(reg)

	node := Node{ID: "n1", Uses: "echo"}
	runCtx := NewLocalContext(nil)
	result, err := ex.Execute(context.Background(), node, "hello", runCtx, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Output != "hello" {
		t.Fatalf("Output = %v, want hello", result.Output)
	}
}

func TestExecutorFuncRetriesThenSucceeds(t *testing.T) {
	reg := NewRegistry()
	attempts := 0
	reg.RegisterFunc("flaky", func(_ context.Context, _ any, _ Context) (Result, error) {
		attempts++
		if attempts < 3 {
			return Result{}, errors.New("transient")
		}
		return Result{Output: "done", Action: DefaultAction}, nil
	})
	ex := NewExecutor(reg)

	node := Node{ID: "n1", Uses: "flaky", Config: NodeConfig{MaxRetries: 5, RetryDelayMs: 1}}
	runCtx := NewLocalContext(nil)
	result, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if result.Output != "done" {
		t.Fatalf("Output = %v, want done", result.Output)
	}
}

func TestExecutorFuncExhaustsRetries(t *testing.T) {
	reg := NewRegistry()
	attempts := 0
	reg.RegisterFunc("always_fails", func(_ context.Context, _ any, _ Context) (Result, error) {
		attempts++
		return Result{}, errors.New("permanent")
	})
	ex := NewExecutor(reg)

	node := Node{ID: "n1", Uses: "always_fails", Config: NodeConfig{MaxRetries: 2, RetryDelayMs: 1}}
	runCtx := NewLocalContext(nil)
	_, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatal("expected an error after exhausting retries")
	}
	if attempts != 3 {
		t.Fatalf("expected maxRetries+1 = 3 attempts, got %d", attempts)
	}
}

func TestExecutorFatalErrorShortCircuitsRetries(t *testing.T) {
	reg := NewRegistry()
	attempts := 0
	reg.RegisterFunc("fatal", func(_ context.Context, _ any, _ Context) (Result, error) {
		attempts++
		return Result{}, Fatal("n1", errors.New("boom"))
	})
	ex := NewExecutor(reg)

	node := Node{ID: "n1", Uses: "fatal", Config: NodeConfig{MaxRetries: 5, RetryDelayMs: 1}}
	runCtx := NewLocalContext(nil)
	_, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatal("expected a fatal error")
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a fatal error, got %d", attempts)
	}
	if !IsFatal(err) {
		t.Fatalf("expected IsFatal(err) to be true, err = %v", err)
	}
}

func TestExecutorFatalOnErrorConfig(t *testing.T) {
	reg := NewRegistry()
	attempts := 0
	reg.RegisterFunc("maybe_fatal", func(_ context.Context, _ any, _ Context) (Result, error) {
		attempts++
		return Result{}, errors.New("ordinary error")
	})
	ex := NewExecutor(reg)

	node := Node{ID: "n1", Uses: "maybe_fatal", Config: NodeConfig{MaxRetries: 5, FatalOnError: true}}
	runCtx := NewLocalContext(nil)
	_, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if !IsFatal(err) {
		t.Fatalf("expected FatalOnError to promote any error to fatal, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected no retries when FatalOnError is set, got %d attempts", attempts)
	}
}

func TestExecutorUnknownUses(t *testing.T) {
	ex := NewExecutor(NewRegistry())
	node := Node{ID: "n1", Uses: "does_not_exist"}
	_, err := ex.Execute(context.Background(), node, nil, NewLocalContext(nil), rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatal("expected an error for an unregistered selector")
	}
}

func TestExecutorRespectsTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("slow", func(ctx context.Context, _ any, _ Context) (Result, error) {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(time.Second):
			return Result{Output: "too slow"}, nil
		}
	})
	ex := NewExecutor(reg)
	node := Node{ID: "n1", Uses: "slow", Config: NodeConfig{TimeoutMs: 10}}
	runCtx := NewLocalContext(nil)
	_, err := ex.Execute(context.Background(), node, nil, runCtx, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatal("expected the node to fail once its timeout elapses")
	}
}

// lifecycleRecorder is a Lifecycle test double recording phase invocation
// order and letting exec fail a fixed number of times before succeeding.
type lifecycleRecorder struct {
	execFailures int
	execCalls    int
	prepCalled   bool
	postCalled   bool
}

func (l *lifecycleRecorder) Prep(_ context.Context, input any, _ Context) (any, error) {
	l.prepCalled = true
	return input, nil
}

func (l *lifecycleRecorder) Exec(_ context.Context, prepped any, _ Context) (Result, error) {
	l.execCalls++
	if l.execCalls <= l.execFailures {
		return Result{}, errors.New("exec failed")
	}
	return Result{Output: prepped, Action: DefaultAction}, nil
}

func (l *lifecycleRecorder) Post(_ context.Context, result Result, _ Context) (Result, error) {
	l.postCalled = true
	return result, nil
}

func (l *lifecycleRecorder) Fallback(ctx context.Context, lastErr error, prepped any, runCtx Context) (Result, error) {
	return FallbackReraise(ctx, lastErr, prepped, runCtx)
}

func TestExecutorLifecycleAllPhasesRun(t *testing.T) {
	reg := NewRegistry()
	lc := &lifecycleRecorder{}
	reg.RegisterLifecycle("staged", lc)
	ex := NewExecutor(reg)

	node := Node{ID: "n1", Uses: "staged"}
	runCtx := NewLocalContext(nil)
	result, err := ex.Execute(context.Background(), node, "payload", runCtx, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !lc.prepCalled || !lc.postCalled {
		t.Fatalf("expected Prep and Post to both run, got prep=%v post=%v", lc.prepCalled, lc.postCalled)
	}
	if result.Output != "payload" {
		t.Fatalf("Output = %v, want payload", result.Output)
	}
}

func TestExecutorLifecycleFallbackOnExhaustedRetries(t *testing.T) {
	reg := NewRegistry()
	lc := &lifecycleRecorder{execFailures: 99}
	reg.RegisterLifecycle("staged", lc)
	ex := NewExecutor(reg)

	node := Node{ID: "n1", Uses: "staged", Config: NodeConfig{MaxRetries: 2, RetryDelayMs: 1}}
	runCtx := NewLocalContext(nil)
	_, err := ex.Execute(context.Background(), node, "payload", runCtx, rand.New(rand.NewSource(1)))
	if err == nil {
		t.Fatal("expected the default fallback (FallbackReraise) to surface the last exec error")
	}
}
