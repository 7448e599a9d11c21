package graph

import "fmt"

// AnalysisMode controls how Analyze treats discovered cycles.
type AnalysisMode int

const (
	// ModeStrict reports cycles as a fatal blueprint error.
	ModeStrict AnalysisMode = iota
	// ModeLoose reports cycles without failing; loop controllers are
	// expected to introduce back edges and are exempted from the report.
	ModeLoose
)

// Analysis is the Analyzer's output (spec §4.3).
type Analysis struct {
	StartNodeIDs    []string
	TerminalNodeIDs []string
	Cycles          [][]string
}

// nodeColor is a DFS visitation state used by cycle detection.
type nodeColor int

const (
	colorWhite nodeColor = iota
	colorGray
	colorBlack
)

// Analyze computes a blueprint's start/terminal sets and detects cycles.
// Start nodes have no incoming edges; terminal nodes have no outgoing
// edges. Cycle detection is depth-first coloring; each reported cycle is
// the list of node ids on the back edge's path. In ModeStrict, any
// reported cycle (other than one rooted at a loop controller node) is
// returned as a fatal *EngineError. In ModeLoose, cycles are returned in
// Analysis.Cycles without error, leaving out those that pass through a
// loop controller node.
func Analyze(b *Blueprint, mode AnalysisMode) (*Analysis, error) {
	hasIncoming := make(map[string]bool, len(b.Nodes))
	hasOutgoing := make(map[string]bool, len(b.Nodes))
	for _, e := range b.Edges {
		hasOutgoing[e.Source] = true
		hasIncoming[e.Target] = true
	}

	analysis := &Analysis{}
	for _, n := range b.Nodes {
		if !hasIncoming[n.ID] {
			analysis.StartNodeIDs = append(analysis.StartNodeIDs, n.ID)
		}
		if !hasOutgoing[n.ID] {
			analysis.TerminalNodeIDs = append(analysis.TerminalNodeIDs, n.ID)
		}
	}

	colors := make(map[string]nodeColor, len(b.Nodes))
	for _, n := range b.Nodes {
		colors[n.ID] = colorWhite
	}

	var path []string
	var visit func(nodeID string)
	for _, n := range b.Nodes {
		if colors[n.ID] != colorWhite {
			continue
		}
		visit = func(nodeID string) {
			colors[nodeID] = colorGray
			path = append(path, nodeID)
			for _, e := range b.OutgoingEdges(nodeID) {
				switch colors[e.Target] {
				case colorWhite:
					visit(e.Target)
				case colorGray:
					analysis.Cycles = append(analysis.Cycles, cyclePath(path, e.Target))
				case colorBlack:
					// already fully explored, not a back edge
				}
			}
			path = path[:len(path)-1]
			colors[nodeID] = colorBlack
		}
		visit(n.ID)
	}

	if mode == ModeLoose {
		analysis.Cycles = filterExemptCycles(b, analysis.Cycles)
	}

	if mode == ModeStrict {
		fatal := filterExemptCycles(b, analysis.Cycles)
		if len(fatal) > 0 {
			return analysis, &EngineError{
				Message: fmt.Sprintf("blueprint has %d cycle(s) in strict mode: %v", len(fatal), fatal),
				Code:    "CYCLE_DETECTED",
			}
		}
	}

	return analysis, nil
}

// cyclePath returns the sub-slice of path starting at the back edge's
// target, which together with the back edge itself forms the cycle.
func cyclePath(path []string, backTarget string) []string {
	for i, id := range path {
		if id == backTarget {
			cycle := make([]string, len(path)-i)
			copy(cycle, path[i:])
			return cycle
		}
	}
	return append([]string{}, path...)
}

// filterExemptCycles drops cycles rooted at a loop controller node
// (Uses == builtinLoop), since those back edges are expected (spec
// §4.3, §4.6).
func filterExemptCycles(b *Blueprint, cycles [][]string) [][]string {
	var fatal [][]string
	for _, cycle := range cycles {
		exempt := false
		for _, id := range cycle {
			if n, ok := b.NodeByID(id); ok && n.Uses == builtinLoop {
				exempt = true
				break
			}
		}
		if !exempt {
			fatal = append(fatal, cycle)
		}
	}
	return fatal
}
