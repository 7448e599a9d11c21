package graph

import (
	"context"

	"github.com/flowforge/flowforge/graph/store"
)

// ReadyNode is a node the Traverser has determined can execute next,
// along with the input its producing edge computed for it.
type ReadyNode struct {
	NodeID       string
	Input        any
	SourceNodeID string
	EdgeIndex    int
}

// TraverseResult is the Traverser's output for one node completion:
// newly ready nodes, plus any nodes newly and transitively marked
// skipped (spec §4.5).
type TraverseResult struct {
	Ready   []ReadyNode
	Skipped []string
}

// Traverser computes, from a just-completed node's result, which
// downstream nodes become ready and which become skipped. It never
// executes a node itself — all node dispatch is the Runtime/Worker's
// responsibility (spec §4.5).
type Traverser struct {
	blueprint *Blueprint
	evaluator *Evaluator
}

// NewTraverser builds a Traverser for blueprint, using evaluator to
// resolve edge conditions and transforms.
func NewTraverser(blueprint *Blueprint, evaluator *Evaluator) *Traverser {
	return &Traverser{blueprint: blueprint, evaluator: evaluator}
}

// signal is an internal unit of propagation: nodeID completed (or was
// itself skipped) and is signaling target via the edge at edgeIndex.
// taken reports whether the edge was actually eligible.
type signal struct {
	target    string
	taken     bool
	edgeIndex int
	fromNode  string
}

// OnComplete processes nodeID's completion with result and propagates
// join-counter decrements and skip signals transitively (spec §4.5).
// contextSnapshot is used to evaluate edge conditions/transforms.
func (t *Traverser) OnComplete(ctx context.Context, st store.CoordinationStore, runID, nodeID string, result Result, contextSnapshot map[string]any) (TraverseResult, error) {
	var out TraverseResult

	// A node recorded as failed takes none of its outgoing edges, so its
	// successors see only skip signals.
	srcStatus, err := st.GetStatus(ctx, runID, nodeID)
	if err != nil {
		return out, err
	}

	edges := t.blueprint.OutgoingEdges(nodeID)
	worklist := make([]signal, 0, len(edges))
	for i, e := range edges {
		taken := srcStatus != store.StatusFailed && edgeEligible(t.evaluator, e, result, contextSnapshot, edges)
		worklist = append(worklist, signal{target: e.Target, taken: taken, edgeIndex: i, fromNode: nodeID})
	}

	for len(worklist) > 0 {
		sig := worklist[0]
		worklist = worklist[1:]

		status, err := st.GetStatus(ctx, runID, sig.target)
		if err != nil {
			return out, err
		}
		if status != store.StatusPending {
			// Already dispatched, completed, or skipped — nothing further
			// to decide for this target from this signal.
			continue
		}

		node, ok := t.blueprint.NodeByID(sig.target)
		if !ok {
			continue
		}

		switch node.Config.Strategy() {
		case JoinAny:
			if sig.taken {
				input, err := computeEdgeInput(t.evaluator, t.blueprint.Edges, sig, result, contextSnapshot)
				if err != nil {
					return out, err
				}
				out.Ready = append(out.Ready, ReadyNode{NodeID: sig.target, Input: input, SourceNodeID: sig.fromNode, EdgeIndex: sig.edgeIndex})
				continue
			}
			if _, err := st.DecrementPending(ctx, runID, sig.target); err != nil {
				return out, err
			}
			if t.allIncomingDecided(ctx, st, runID, sig.target) {
				if err := t.markSkipped(ctx, st, runID, sig.target, &out, &worklist); err != nil {
					return out, err
				}
			}

		default: // JoinAll
			remaining, err := st.DecrementPending(ctx, runID, sig.target)
			if err != nil {
				return out, err
			}
			if remaining > 0 {
				continue
			}

			chosen, chosenResult, found, err := firstEligibleIncoming(ctx, st, t.evaluator, t.blueprint, runID, sig.target, contextSnapshot)
			if err != nil {
				return out, err
			}
			if !found {
				if err := t.markSkipped(ctx, st, runID, sig.target, &out, &worklist); err != nil {
					return out, err
				}
				continue
			}

			input := resolveTransform(t.evaluator, chosen, chosenResult, contextSnapshot)
			out.Ready = append(out.Ready, ReadyNode{NodeID: sig.target, Input: input, SourceNodeID: chosen.Source, EdgeIndex: 0})
		}
	}

	return out, nil
}

// allIncomingDecided reports whether every incoming edge to nodeID has
// either fired a taken signal already recorded in nodeResult (via a
// succeeded predecessor whose edge to nodeID is eligible) or has had its
// source complete/skip. Used to decide whether an any-join node with no
// taken signal yet can be declared skipped instead of left dangling.
func (t *Traverser) allIncomingDecided(ctx context.Context, st store.CoordinationStore, runID, nodeID string) bool {
	for _, e := range t.blueprint.IncomingEdges(nodeID) {
		status, err := st.GetStatus(ctx, runID, e.Source)
		if err != nil {
			return false
		}
		if status != store.StatusSucceeded && status != store.StatusSkipped && status != store.StatusFailed {
			return false
		}
	}
	return true
}

// markSkipped transitions nodeID to StatusSkipped and enqueues its
// outgoing edges as skip signals, continuing the transitive propagation
// described in spec §4.5.
func (t *Traverser) markSkipped(ctx context.Context, st store.CoordinationStore, runID, nodeID string, out *TraverseResult, worklist *[]signal) error {
	ok, err := st.CASStatus(ctx, runID, nodeID, store.StatusPending, store.StatusSkipped)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	out.Skipped = append(out.Skipped, nodeID)

	for i, e := range t.blueprint.OutgoingEdges(nodeID) {
		*worklist = append(*worklist, signal{target: e.Target, taken: false, edgeIndex: i, fromNode: nodeID})
	}
	return nil
}

// edgeEligible reports whether e is eligible given the producing node's
// result and the current context: its action must match, and its
// condition, if present, must evaluate truthy (spec §4.1, §4.5).
//
// Action matching falls back to the default action when the producing
// node emitted a non-default action that none of its sibling outgoing
// edges (siblingEdges — every edge declared from the same source,
// including e itself) claims explicitly: "if no edge with a matching
// non-default action exists, edges with the default action are
// considered" (spec §4.1). A node with only a default-tagged successor
// therefore still routes even when it returns an action the blueprint
// never names.
func edgeEligible(ev *Evaluator, e Edge, result Result, contextSnapshot map[string]any, siblingEdges []Edge) bool {
	wantAction := e.Action
	if wantAction == "" {
		wantAction = DefaultAction
	}
	gotAction := result.Action
	if gotAction == "" {
		gotAction = DefaultAction
	}
	if gotAction != DefaultAction && !hasExplicitAction(siblingEdges, gotAction) {
		gotAction = DefaultAction
	}
	if wantAction != gotAction {
		return false
	}

	if e.Condition == "" {
		return true
	}
	if ev == nil {
		return false
	}
	v, ok := ev.Eval(e.Condition, contextSnapshot)
	return ok && Truthy(v)
}

// hasExplicitAction reports whether any of edges names action explicitly.
func hasExplicitAction(edges []Edge, action string) bool {
	for _, e := range edges {
		if e.Action == action {
			return true
		}
	}
	return false
}

// resolveTransform computes a successor's input payload: e.Transform
// applied to context+output when present, otherwise the raw output
// passes through unchanged (spec §3, edge.transform).
func resolveTransform(ev *Evaluator, e Edge, result Result, contextSnapshot map[string]any) any {
	if e.Transform == "" || ev == nil {
		return result.Output
	}
	binding := make(map[string]any, len(contextSnapshot)+1)
	for k, v := range contextSnapshot {
		binding[k] = v
	}
	binding["output"] = result.Output
	if v, ok := ev.Eval(e.Transform, binding); ok {
		return v
	}
	return result.Output
}

// computeEdgeInput resolves the input for a ready any-join target by
// replaying the exact edge that fired sig, using result directly (the
// completion that triggered the signal).
func computeEdgeInput(ev *Evaluator, edges []Edge, sig signal, result Result, contextSnapshot map[string]any) (any, error) {
	outgoing := 0
	for _, e := range edges {
		if e.Source != sig.fromNode {
			continue
		}
		if outgoing == sig.edgeIndex {
			return resolveTransform(ev, e, result, contextSnapshot), nil
		}
		outgoing++
	}
	return result.Output, nil
}

// firstEligibleIncoming finds, among nodeID's incoming edges in
// blueprint declaration order, the first whose source succeeded and
// whose action/condition are eligible against the source's recorded
// result and the current context. This makes "all"-join input selection
// deterministic regardless of predecessor completion order (spec §4.5,
// §5 ordering guarantees).
func firstEligibleIncoming(ctx context.Context, st store.CoordinationStore, ev *Evaluator, b *Blueprint, runID, nodeID string, contextSnapshot map[string]any) (Edge, Result, bool, error) {
	for _, e := range b.IncomingEdges(nodeID) {
		res, ok, err := st.GetResult(ctx, runID, e.Source)
		if err != nil {
			return Edge{}, Result{}, false, err
		}
		if !ok {
			continue
		}
		candidate := Result{Output: res.Output, Action: res.Action}
		if edgeEligible(ev, e, candidate, contextSnapshot, b.OutgoingEdges(e.Source)) {
			return e, candidate, true, nil
		}
	}
	return Edge{}, Result{}, false, nil
}
