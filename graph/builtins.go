package graph

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
)

// Built-in Uses selectors (spec §4.6). These strings are reserved: a
// blueprint node with one of these Uses values is handled directly by
// the kernel rather than dispatched through the Registry.
const (
	builtinSubflow  = "subflow"
	builtinScatter  = "scatter"
	builtinParallel = "parallel"
	builtinLoop     = "loop"
)

func isBuiltinSelector(uses string) bool {
	switch uses {
	case builtinSubflow, builtinScatter, builtinParallel, builtinLoop:
		return true
	default:
		return false
	}
}

// SubflowRunner runs a child blueprint to completion and returns its
// final context, so the subflow built-in can seed a child run and copy
// outputs back into the parent (spec §4.6). Implemented by Runtime.
type SubflowRunner interface {
	RunBlueprint(ctx context.Context, blueprintID string, initial map[string]any) (map[string]any, error)
}

// executeBuiltin dispatches a built-in node by its Uses selector. It is
// only reached for nodes whose Uses is one of the reserved built-in
// selectors (see isBuiltinSelector).
func (e *Executor) executeBuiltin(ctx context.Context, node Node, input any, runCtx Context, rng *rand.Rand) (Result, error) {
	switch node.Uses {
	case builtinSubflow:
		return e.executeSubflow(ctx, node, input, runCtx)
	case builtinScatter:
		return e.executeScatterGather(ctx, node, input, runCtx, rng)
	case builtinParallel:
		return e.executeParallelContainer(node, input)
	case builtinLoop:
		return e.executeLoopController(ctx, node, runCtx)
	default:
		return Result{}, &EngineError{Message: "unrecognized built-in uses=" + node.Uses, Code: "UNKNOWN_USES"}
	}
}

// executeSubflow seeds a child run from node.Params["blueprintId"],
// filtering/renaming the parent context through Params["inputs"] (a
// map of child-key -> parent-key), and on completion copies
// Params["outputs"] (child-key -> parent-key) back into the parent
// context. Errors in the child propagate as a fatal error for the
// parent node (spec §4.6).
func (e *Executor) executeSubflow(ctx context.Context, node Node, _ any, runCtx Context) (Result, error) {
	if e.subflowRunner == nil {
		return Result{}, &EngineError{Message: "subflow node requires a SubflowRunner", Code: "NO_SUBFLOW_RUNNER"}
	}

	blueprintID, _ := node.Params["blueprintId"].(string)
	if blueprintID == "" {
		return Result{}, &EngineError{Message: "subflow node missing params.blueprintId", Code: "INVALID_PARAMS"}
	}

	parentSnapshot, err := runCtx.Snapshot(ctx)
	if err != nil {
		return Result{}, err
	}

	childInitial := make(map[string]any)
	if inputs, ok := node.Params["inputs"].(map[string]any); ok {
		for childKey, parentKeyAny := range inputs {
			parentKey, _ := parentKeyAny.(string)
			childInitial[childKey] = parentSnapshot[parentKey]
		}
	} else {
		childInitial = parentSnapshot
	}

	childFinal, err := e.subflowRunner.RunBlueprint(ctx, blueprintID, childInitial)
	if err != nil {
		return Result{}, Fatal(node.ID, fmt.Errorf("subflow %s: %w", blueprintID, err))
	}

	if outputs, ok := node.Params["outputs"].(map[string]any); ok {
		for childKeyAny, parentKeyAny := range outputs {
			childKey, _ := childKeyAny.(string)
			parentKey, _ := parentKeyAny.(string)
			if err := runCtx.Set(ctx, parentKey, childFinal[childKey]); err != nil {
				return Result{}, err
			}
		}
	}

	return Result{Output: childFinal, Action: DefaultAction}, nil
}

// scatterElementResult pairs a scattered element's output with its
// source index, so gather can restore scatter order after concurrent
// execution.
type scatterElementResult struct {
	index  int
	output any
	err    error
}

// executeScatterGather reads an array from Params["from"] in the run
// context, invokes the Registry function named Params["elementUses"]
// once per element (bounded by Params["concurrency"], default 4), and
// writes the ordered list of outputs to Params["into"] (spec §4.6). The
// kernel collapses the batch macro's scatter and gather phases into one
// atomic built-in node rather than dynamically instantiating N blueprint
// nodes per run, since a Blueprint's node set is fixed at validation
// time; the externally observable contract (element inputs, order
// preservation, all-or-nothing join) matches the two-node description.
func (e *Executor) executeScatterGather(ctx context.Context, node Node, _ any, runCtx Context, rng *rand.Rand) (Result, error) {
	fromKey, _ := node.Params["from"].(string)
	intoKey, _ := node.Params["into"].(string)
	elementUses, _ := node.Params["elementUses"].(string)
	if fromKey == "" || intoKey == "" || elementUses == "" {
		return Result{}, &EngineError{
			Message: "scatter node requires params.from, params.into, params.elementUses",
			Code:    "INVALID_PARAMS",
		}
	}

	elementFn, ok := e.registry.funcs[elementUses]
	if !ok {
		return Result{}, &EngineError{Message: "no func registered for elementUses=" + elementUses, Code: "UNKNOWN_USES"}
	}

	raw, _, err := runCtx.Get(ctx, fromKey)
	if err != nil {
		return Result{}, err
	}
	elements, ok := raw.([]any)
	if !ok {
		return Result{}, &EngineError{Message: "scatter source key is not an array: " + fromKey, Code: "INVALID_SCATTER_SOURCE"}
	}

	concurrency := 4
	if c, ok := node.Params["concurrency"].(int); ok && c > 0 {
		concurrency = c
	}

	results := make([]scatterElementResult, len(elements))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, element := range elements {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, el any) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := checkAborted(ctx); err != nil {
				results[idx] = scatterElementResult{index: idx, err: err}
				return
			}
			elementCtx, cancel := withNodeTimeout(ctx, node.Config.Timeout())
			defer cancel()
			res, err := elementFn(elementCtx, el, runCtx)
			if err != nil {
				results[idx] = scatterElementResult{index: idx, err: err}
				return
			}
			results[idx] = scatterElementResult{index: idx, output: res.Output}
		}(i, element)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

	outputs := make([]any, len(results))
	for i, r := range results {
		if r.err != nil {
			return Result{}, Fatal(node.ID, fmt.Errorf("scatter element %d: %w", r.index, r.err))
		}
		outputs[i] = r.output
	}

	if err := runCtx.Set(ctx, intoKey, outputs); err != nil {
		return Result{}, err
	}

	_ = rng // reserved: element-level randomness would derive from this per element index
	return Result{Output: outputs, Action: DefaultAction}, nil
}

// executeParallelContainer is a synthetic root unifying a declared branch
// set under one node (spec §4.6). The branches themselves are plain
// outgoing edges with the default action; this node simply passes its
// input through so the Traverser's existing multi-edge fan-out handles
// dispatch without special-casing.
func (e *Executor) executeParallelContainer(_ Node, input any) (Result, error) {
	return Result{Output: input, Action: DefaultAction}, nil
}

// executeLoopController evaluates Params["condition"] against the
// current context. A truthy result routes action="continue" (taken by
// the edge back to Params["startNodeId"]); otherwise it routes
// action="break" (taken by the edge labeled "break") (spec §4.6).
func (e *Executor) executeLoopController(ctx context.Context, node Node, runCtx Context) (Result, error) {
	condition, _ := node.Params["condition"].(string)
	if condition == "" {
		return Result{Output: nil, Action: "break"}, nil
	}
	if e.evaluator == nil {
		return Result{}, &EngineError{Message: "loop controller node requires an Evaluator", Code: "NO_EVALUATOR"}
	}

	snapshot, err := runCtx.Snapshot(ctx)
	if err != nil {
		return Result{}, err
	}

	v, ok := e.evaluator.Eval(condition, snapshot)
	if ok && Truthy(v) {
		return Result{Output: snapshot, Action: "continue"}, nil
	}
	return Result{Output: snapshot, Action: "break"}, nil
}
