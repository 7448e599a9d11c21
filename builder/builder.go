// Package builder provides an imperative Add/Connect/Build-style DSL
// for constructing a graph.Blueprint in code, as an alternative to
// loading one declaratively through graph/blueprintio (spec §1's two
// authoring forms — both compile to the same Blueprint).
package builder

import (
	"sync"

	"github.com/flowforge/flowforge/graph"
)

// Builder accumulates nodes and edges, compiling to an immutable
// graph.Blueprint on Build. A Builder is not itself a Blueprint: Build
// must be called, and returns a validation error if the accumulated
// graph is structurally invalid.
type Builder struct {
	mu    sync.Mutex
	id    string
	nodes []graph.Node
	edges []graph.Edge
	seen  map[string]bool
}

// New starts a Builder for a blueprint identified by id.
func New(id string) *Builder {
	return &Builder{id: id, seen: make(map[string]bool)}
}

// Add registers a node. uses selects its implementation; params carries
// free-form node configuration; config controls join strategy, retries,
// timeout, and fatal-error behavior. Returns an error if nodeID is empty
// or already registered.
func (b *Builder) Add(nodeID, uses string, params map[string]any, config graph.NodeConfig) error {
	if b == nil {
		return &graph.EngineError{Message: "builder is nil", Code: "NIL_BUILDER"}
	}
	if nodeID == "" {
		return &graph.EngineError{Message: "node id cannot be empty"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.seen[nodeID] {
		return &graph.EngineError{Message: "duplicate node id: " + nodeID, Code: "DUPLICATE_NODE"}
	}
	b.seen[nodeID] = true
	b.nodes = append(b.nodes, graph.Node{ID: nodeID, Uses: uses, Params: params, Config: config})
	return nil
}

// Connect adds an edge from -> to. action, condition, and transform are
// optional Evaluator expressions/discriminators; pass empty strings for
// an unconditional default-action edge. Node existence is not validated
// here — Build's call to Blueprint.Validate catches unknown endpoints,
// mirroring the teacher idiom of deferring structural checks to one
// place.
func (b *Builder) Connect(from, to, action, condition, transform string) error {
	if b == nil {
		return &graph.EngineError{Message: "builder is nil", Code: "NIL_BUILDER"}
	}
	if from == "" || to == "" {
		return &graph.EngineError{Message: "edge endpoints cannot be empty"}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.edges = append(b.edges, graph.Edge{
		Source:    from,
		Target:    to,
		Action:    action,
		Condition: condition,
		Transform: transform,
	})
	return nil
}

// Build compiles the accumulated nodes and edges into an immutable,
// validated Blueprint.
func (b *Builder) Build() (*graph.Blueprint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bp := &graph.Blueprint{
		ID:    b.id,
		Nodes: append([]graph.Node(nil), b.nodes...),
		Edges: append([]graph.Edge(nil), b.edges...),
	}
	if err := bp.Validate(); err != nil {
		return nil, err
	}
	return bp, nil
}
