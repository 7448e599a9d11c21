package graph

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/flowforge/flowforge/graph/store"
)

type stubDispatcher struct {
	mu        sync.Mutex
	enqueued  []string
	finalSeen []store.RunStatus
	finalErr  error
}

func (d *stubDispatcher) Enqueue(_ context.Context, _, nodeID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueued = append(d.enqueued, nodeID)
	return nil
}

func (d *stubDispatcher) EnqueueBatch(_ context.Context, _ string, nodeIDs []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enqueued = append(d.enqueued, nodeIDs...)
	return nil
}

func (d *stubDispatcher) PublishFinal(_ context.Context, _ string, status store.RunStatus, _ string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finalSeen = append(d.finalSeen, status)
	return d.finalErr
}

func linearWorkerBlueprint() *Blueprint {
	return &Blueprint{
		ID:    "linear-worker",
		Nodes: []Node{{ID: "a", Uses: "a"}, {ID: "b", Uses: "b"}},
		Edges: []Edge{{Source: "a", Target: "b"}},
	}
}

func TestWorkerExecuteNodeResolvesInputFromPredecessorResult(t *testing.T) {
	bp := linearWorkerBlueprint()
	reg := NewRegistry()
	reg.RegisterFunc("a", func(_ context.Context, _ any, _ Context) (Result, error) {
		return Result{Output: 41, Action: DefaultAction}, nil
	})
	var gotInput any
	reg.RegisterFunc("b", func(_ context.Context, input any, _ Context) (Result, error) {
		gotInput = input
		return Result{Output: 42, Action: DefaultAction}, nil
	})

	st := store.NewMemoryStore()
	disp := &stubDispatcher{}
	w := NewWorker(st, map[string]*Blueprint{bp.ID: bp}, reg, NewPropertyPathEvaluator(), nil, disp)
	runID := "run-1"

	if err := w.ExecuteNode(context.Background(), bp.ID, runID, "a"); err != nil {
		t.Fatalf("ExecuteNode(a): %v", err)
	}
	if err := w.ExecuteNode(context.Background(), bp.ID, runID, "b"); err != nil {
		t.Fatalf("ExecuteNode(b): %v", err)
	}
	if gotInput != 41 {
		t.Fatalf("expected node b's input recomputed from a's recorded result (41), got %v", gotInput)
	}
}

func TestWorkerExecuteNodeStartNodeGetsNilInput(t *testing.T) {
	bp := &Blueprint{ID: "single", Nodes: []Node{{ID: "a", Uses: "a"}}}
	reg := NewRegistry()
	var gotInput any
	seen := false
	reg.RegisterFunc("a", func(_ context.Context, input any, _ Context) (Result, error) {
		gotInput = input
		seen = true
		return Result{Action: DefaultAction}, nil
	})

	st := store.NewMemoryStore()
	w := NewWorker(st, map[string]*Blueprint{bp.ID: bp}, reg, NewPropertyPathEvaluator(), nil, &stubDispatcher{})
	if err := w.ExecuteNode(context.Background(), bp.ID, "run-1", "a"); err != nil {
		t.Fatalf("ExecuteNode: %v", err)
	}
	if !seen {
		t.Fatal("expected node a to run")
	}
	if gotInput != nil {
		t.Fatalf("expected a start node to get nil input, got %v", gotInput)
	}
}

func TestWorkerExecuteNodeNoOpWhenAlreadyClaimed(t *testing.T) {
	bp := &Blueprint{ID: "single", Nodes: []Node{{ID: "a", Uses: "a"}}}
	reg := NewRegistry()
	calls := 0
	reg.RegisterFunc("a", func(_ context.Context, _ any, _ Context) (Result, error) {
		calls++
		return Result{Action: DefaultAction}, nil
	})

	st := store.NewMemoryStore()
	runID := "run-1"
	// Pre-claim the node as already running, simulating a concurrent worker.
	if _, err := st.CASStatus(context.Background(), runID, "a", store.StatusPending, store.StatusRunning); err != nil {
		t.Fatalf("CASStatus: %v", err)
	}

	w := NewWorker(st, map[string]*Blueprint{bp.ID: bp}, reg, NewPropertyPathEvaluator(), nil, &stubDispatcher{})
	if err := w.ExecuteNode(context.Background(), bp.ID, runID, "a"); err != nil {
		t.Fatalf("ExecuteNode: %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected the losing CAS to skip execution entirely, got %d calls", calls)
	}
}

func TestWorkerExecuteNodeCancellationShortCircuit(t *testing.T) {
	bp := &Blueprint{ID: "single", Nodes: []Node{{ID: "a", Uses: "a"}}}
	reg := NewRegistry()
	ran := false
	reg.RegisterFunc("a", func(_ context.Context, _ any, _ Context) (Result, error) {
		ran = true
		return Result{Action: DefaultAction}, nil
	})

	st := store.NewMemoryStore()
	runID := "run-1"
	if err := st.SetCancelled(context.Background(), runID); err != nil {
		t.Fatalf("SetCancelled: %v", err)
	}

	w := NewWorker(st, map[string]*Blueprint{bp.ID: bp}, reg, NewPropertyPathEvaluator(), nil, &stubDispatcher{})
	if err := w.ExecuteNode(context.Background(), bp.ID, runID, "a"); err != nil {
		t.Fatalf("ExecuteNode: %v", err)
	}
	if ran {
		t.Fatal("expected a cancelled run to short-circuit before executing the node")
	}
}

func TestWorkerExecuteNodeUnknownBlueprint(t *testing.T) {
	w := NewWorker(store.NewMemoryStore(), map[string]*Blueprint{}, NewRegistry(), NewPropertyPathEvaluator(), nil, &stubDispatcher{})
	err := w.ExecuteNode(context.Background(), "missing", "run-1", "a")
	if err == nil {
		t.Fatal("expected an error for an unknown blueprint id")
	}
}

func TestWorkerLinearRunFinalizesCompleted(t *testing.T) {
	bp := linearWorkerBlueprint()
	reg := NewRegistry()
	reg.RegisterFunc("a", func(_ context.Context, _ any, _ Context) (Result, error) {
		return Result{Output: 1, Action: DefaultAction}, nil
	})
	reg.RegisterFunc("b", func(_ context.Context, input any, _ Context) (Result, error) {
		return Result{Output: input.(int) + 1, Action: DefaultAction}, nil
	})

	st := store.NewMemoryStore()
	disp := &stubDispatcher{}
	w := NewWorker(st, map[string]*Blueprint{bp.ID: bp}, reg, NewPropertyPathEvaluator(), nil, disp)
	runID := "run-1"

	if err := w.ExecuteNode(context.Background(), bp.ID, runID, "a"); err != nil {
		t.Fatalf("ExecuteNode(a): %v", err)
	}
	disp.mu.Lock()
	readyAfterA := append([]string(nil), disp.enqueued...)
	disp.mu.Unlock()
	if len(readyAfterA) != 1 || readyAfterA[0] != "b" {
		t.Fatalf("expected node b to be enqueued after a finishes, got %v", readyAfterA)
	}

	if err := w.ExecuteNode(context.Background(), bp.ID, runID, "b"); err != nil {
		t.Fatalf("ExecuteNode(b): %v", err)
	}

	final, ok, err := st.GetFinal(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetFinal: %v", err)
	}
	if !ok {
		t.Fatal("expected a final status to have been recorded once all nodes finished")
	}
	if final.Status != store.RunCompleted {
		t.Fatalf("Status = %v, want RunCompleted", final.Status)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.finalSeen) != 1 || disp.finalSeen[0] != store.RunCompleted {
		t.Fatalf("expected PublishFinal(RunCompleted) exactly once, got %v", disp.finalSeen)
	}
}

func TestWorkerFatalErrorFinalizesFailed(t *testing.T) {
	bp := &Blueprint{
		ID: "fatal",
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

	st := store.NewMemoryStore()
	disp := &stubDispatcher{}
	w := NewWorker(st, map[string]*Blueprint{bp.ID: bp}, reg, NewPropertyPathEvaluator(), nil, disp)
	runID := "run-1"

	if err := w.ExecuteNode(context.Background(), bp.ID, runID, "a"); err != nil {
		t.Fatalf("ExecuteNode(a): %v", err)
	}

	cancelled, err := st.IsCancelled(context.Background(), runID)
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if !cancelled {
		t.Fatal("expected a fatal node error to mark the run cancelled")
	}

	final, ok, err := st.GetFinal(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetFinal: %v", err)
	}
	if !ok || final.Status != store.RunFailed {
		t.Fatalf("expected a RunFailed final status, got ok=%v final=%+v", ok, final)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if reached {
		t.Fatal("downstream node must never be enqueued after a fatal upstream error")
	}
	for _, id := range disp.enqueued {
		if id == "b" {
			t.Fatal("node b must not have been enqueued")
		}
	}
	if len(disp.finalSeen) != 1 || disp.finalSeen[0] != store.RunFailed {
		t.Fatalf("expected PublishFinal(RunFailed) exactly once, got %v", disp.finalSeen)
	}
}

func TestWorkerExecuteNodeReportsDeadlockWhenNothingCanAdvance(t *testing.T) {
	// "d" joins "a" and "b" under JoinAll. "b" never executes (simulating
	// a lost re-enqueue elsewhere) — once "a" finishes, nothing in the
	// run is StatusRunning anywhere, yet "b" and "d" remain StatusPending
	// forever. That must surface as a reported deadlock, not silence.
	bp := &Blueprint{
		ID: "diamond-stuck",
		Nodes: []Node{
			{ID: "a", Uses: "a"},
			{ID: "b", Uses: "b"},
			{ID: "d", Uses: "d", Config: NodeConfig{JoinStrategy: JoinAll}},
		},
		Edges: []Edge{
			{Source: "a", Target: "d"},
			{Source: "b", Target: "d"},
		},
	}
	reg := NewRegistry()
	reg.RegisterFunc("a", func(_ context.Context, _ any, _ Context) (Result, error) {
		return Result{Action: DefaultAction}, nil
	})
	reg.RegisterFunc("d", func(_ context.Context, _ any, _ Context) (Result, error) {
		t.Fatal("d must never run: its join can never be satisfied")
		return Result{}, nil
	})

	st := store.NewMemoryStore()
	runID := "run-1"
	if err := st.InitPending(context.Background(), runID, "d", 2); err != nil {
		t.Fatalf("InitPending: %v", err)
	}

	disp := &stubDispatcher{}
	w := NewWorker(st, map[string]*Blueprint{bp.ID: bp}, reg, NewPropertyPathEvaluator(), nil, disp)

	if err := w.ExecuteNode(context.Background(), bp.ID, runID, "a"); err != nil {
		t.Fatalf("ExecuteNode(a): %v", err)
	}

	final, ok, err := st.GetFinal(context.Background(), runID)
	if err != nil {
		t.Fatalf("GetFinal: %v", err)
	}
	if !ok {
		t.Fatal("expected a deadlocked run to still record a final status")
	}
	if final.Status != store.RunFailed {
		t.Fatalf("Status = %v, want RunFailed for a deadlocked run", final.Status)
	}

	disp.mu.Lock()
	defer disp.mu.Unlock()
	if len(disp.finalSeen) != 1 || disp.finalSeen[0] != store.RunFailed {
		t.Fatalf("expected PublishFinal(RunFailed) exactly once for the deadlock, got %v", disp.finalSeen)
	}
}

func TestWorkerRunBlueprintDrivesSynchronousSubflow(t *testing.T) {
	child := &Blueprint{ID: "child", Nodes: []Node{{ID: "c", Uses: "c"}}}
	reg := NewRegistry()
	reg.RegisterFunc("c", func(_ context.Context, _ any, runCtx Context) (Result, error) {
		return Result{Action: DefaultAction}, runCtx.Set(context.Background(), "ran", true)
	})

	st := store.NewMemoryStore()
	w := NewWorker(st, map[string]*Blueprint{child.ID: child}, reg, NewPropertyPathEvaluator(), nil, &stubDispatcher{})

	out, err := w.RunBlueprint(context.Background(), "child", map[string]any{})
	if err != nil {
		t.Fatalf("RunBlueprint: %v", err)
	}
	if out["ran"] != true {
		t.Fatalf("expected the child run's context to reflect its node having run, got %+v", out)
	}
}

func TestWorkerRunBlueprintPropagatesIncompleteSubflow(t *testing.T) {
	child := &Blueprint{
		ID:    "child",
		Nodes: []Node{{ID: "c", Uses: "boom", Config: NodeConfig{FatalOnError: true}}},
	}
	reg := NewRegistry()
	reg.RegisterFunc("boom", func(_ context.Context, _ any, _ Context) (Result, error) {
		return Result{}, errors.New("nope")
	})

	st := store.NewMemoryStore()
	w := NewWorker(st, map[string]*Blueprint{child.ID: child}, reg, NewPropertyPathEvaluator(), nil, &stubDispatcher{})

	_, err := w.RunBlueprint(context.Background(), "child", nil)
	if err == nil {
		t.Fatal("expected an error when the child subflow does not complete successfully")
	}
}
