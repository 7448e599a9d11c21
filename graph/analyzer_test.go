package graph

import "testing"

func TestAnalyzeStartAndTerminal(t *testing.T) {
	bp := &Blueprint{
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Edges: []Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "c"}},
	}

	analysis, err := Analyze(bp, ModeStrict)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if len(analysis.StartNodeIDs) != 1 || analysis.StartNodeIDs[0] != "a" {
		t.Fatalf("unexpected start nodes: %v", analysis.StartNodeIDs)
	}
	if len(analysis.TerminalNodeIDs) != 1 || analysis.TerminalNodeIDs[0] != "c" {
		t.Fatalf("unexpected terminal nodes: %v", analysis.TerminalNodeIDs)
	}
	if len(analysis.Cycles) != 0 {
		t.Fatalf("expected no cycles, got %v", analysis.Cycles)
	}
}

func TestAnalyzeStrictModeRejectsCycle(t *testing.T) {
	bp := &Blueprint{
		Nodes: []Node{{ID: "a"}, {ID: "b"}},
		Edges: []Edge{{Source: "a", Target: "b"}, {Source: "b", Target: "a"}},
	}

	if _, err := Analyze(bp, ModeStrict); err == nil {
		t.Fatal("expected strict mode to reject a cycle")
	}

	analysis, err := Analyze(bp, ModeLoose)
	if err != nil {
		t.Fatalf("loose mode should not error: %v", err)
	}
	if len(analysis.Cycles) == 0 {
		t.Fatal("expected loose mode to report the cycle")
	}
}

func TestAnalyzeExemptsLoopControllerCycle(t *testing.T) {
	bp := &Blueprint{
		Nodes: []Node{
			{ID: "init"},
			{ID: "controller", Uses: builtinLoop},
			{ID: "body"},
		},
		Edges: []Edge{
			{Source: "init", Target: "controller"},
			{Source: "controller", Target: "body", Action: "continue"},
			{Source: "body", Target: "controller"},
		},
	}

	if _, err := Analyze(bp, ModeStrict); err != nil {
		t.Fatalf("expected loop-controller cycle to be exempt in strict mode, got %v", err)
	}
}
