package graph

import "testing"

func TestBlueprintValidate(t *testing.T) {
	tests := []struct {
		name    string
		bp      Blueprint
		wantErr bool
	}{
		{
			name: "valid linear",
			bp: Blueprint{
				ID:    "bp",
				Nodes: []Node{{ID: "a"}, {ID: "b"}},
				Edges: []Edge{{Source: "a", Target: "b"}},
			},
		},
		{
			name: "empty node id",
			bp: Blueprint{
				Nodes: []Node{{ID: ""}},
			},
			wantErr: true,
		},
		{
			name: "duplicate node id",
			bp: Blueprint{
				Nodes: []Node{{ID: "a"}, {ID: "a"}},
			},
			wantErr: true,
		},
		{
			name: "unknown edge source",
			bp: Blueprint{
				Nodes: []Node{{ID: "a"}},
				Edges: []Edge{{Source: "missing", Target: "a"}},
			},
			wantErr: true,
		},
		{
			name: "unknown edge target",
			bp: Blueprint{
				Nodes: []Node{{ID: "a"}},
				Edges: []Edge{{Source: "a", Target: "missing"}},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.bp.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestBlueprintNodeByID(t *testing.T) {
	bp := Blueprint{Nodes: []Node{{ID: "a"}, {ID: "b"}}}

	if _, ok := bp.NodeByID("a"); !ok {
		t.Fatal("expected to find node a")
	}
	if _, ok := bp.NodeByID("missing"); ok {
		t.Fatal("expected not to find node missing")
	}
}

func TestBlueprintEdgeOrderPreserved(t *testing.T) {
	bp := Blueprint{
		Nodes: []Node{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "join"}},
		Edges: []Edge{
			{Source: "a", Target: "join"},
			{Source: "b", Target: "join"},
			{Source: "c", Target: "join"},
		},
	}

	incoming := bp.IncomingEdges("join")
	if len(incoming) != 3 {
		t.Fatalf("expected 3 incoming edges, got %d", len(incoming))
	}
	wantOrder := []string{"a", "b", "c"}
	for i, e := range incoming {
		if e.Source != wantOrder[i] {
			t.Fatalf("incoming edge %d: got source %q, want %q", i, e.Source, wantOrder[i])
		}
	}

	outgoing := bp.OutgoingEdges("a")
	if len(outgoing) != 1 || outgoing[0].Target != "join" {
		t.Fatalf("unexpected outgoing edges: %+v", outgoing)
	}
}
