package graph

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator resolves string expressions against a data object (spec §4.1).
// It has two disjoint modes with distinct security postures: the default
// property-path mode, and an opt-in unsafe expression mode. A runtime is
// wired to exactly one mode at construction; edge conditions and
// transforms never see which mode is active. A single Evaluator instance
// is shared across a Runtime's concurrently-dispatching worker goroutines,
// so the unsafe mode's compile cache is mutex-guarded.
type Evaluator struct {
	unsafe bool

	compiledMu sync.RWMutex
	compiled   map[string]*vm.Program
}

// NewPropertyPathEvaluator returns the default, safe Evaluator: it accepts
// only dotted property-path identifiers and rejects everything else. This
// is the evaluator a Runtime uses unless unsafe mode is explicitly opted
// into (spec §4.1, §9 — "never a default").
func NewPropertyPathEvaluator() *Evaluator {
	return &Evaluator{unsafe: false}
}

// NewUnsafeEvaluator returns an Evaluator backed by a sandboxed expression
// language (github.com/expr-lang/expr), for loop conditions and other
// expressions beyond simple property paths (e.g. "loop_count < 2"). Must
// be opted into explicitly by the caller constructing a Runtime.
func NewUnsafeEvaluator() *Evaluator {
	return &Evaluator{unsafe: true, compiled: make(map[string]*vm.Program)}
}

var propertyPathSet = func() [256]bool {
	var set [256]bool
	for c := 'a'; c <= 'z'; c++ {
		set[c] = true
	}
	for c := 'A'; c <= 'Z'; c++ {
		set[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		set[c] = true
	}
	set['_'] = true
	set['.'] = true
	return set
}()

// isValidPropertyPath reports whether expr contains only
// [A-Za-z0-9_.] characters, per the property-path mode's security
// invariant (spec §4.1).
func isValidPropertyPath(expr string) bool {
	if expr == "" {
		return false
	}
	for i := 0; i < len(expr); i++ {
		if !propertyPathSet[expr[i]] {
			return false
		}
	}
	return true
}

// Eval resolves expr against binding. In property-path mode, expr must be
// a dotted identifier path (e.g. "user.name"); any other character causes
// Eval to return (nil, false) rather than an error — property-path
// resolution never throws into the runtime. In unsafe mode, expr is
// compiled and run through expr-lang/expr with binding as the only
// available environment; compile or eval failures likewise yield
// (nil, false) instead of propagating, per the "failures yield absent"
// contract in spec §4.1.
func (e *Evaluator) Eval(expr string, binding map[string]any) (any, bool) {
	if e.unsafe {
		return e.evalUnsafe(expr, binding)
	}
	return e.evalPropertyPath(expr, binding)
}

func (e *Evaluator) evalPropertyPath(path string, binding map[string]any) (any, bool) {
	if !isValidPropertyPath(path) {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var current any = binding
	for _, part := range parts {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

func (e *Evaluator) evalUnsafe(src string, binding map[string]any) (any, bool) {
	e.compiledMu.RLock()
	program, ok := e.compiled[src]
	e.compiledMu.RUnlock()

	if !ok {
		compiled, err := expr.Compile(src, expr.Env(binding), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, false
		}
		program = compiled

		e.compiledMu.Lock()
		e.compiled[src] = program
		e.compiledMu.Unlock()
	}

	out, err := expr.Run(program, binding)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Truthy reports the standard JSON/JS-ish truthiness of v: false, nil, 0,
// "", and empty containers are falsy; everything else is truthy. Edge
// condition evaluation (spec §4.1) uses this to decide eligibility.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// asString coerces common scalar types to string for use in edge action
// matching; used by built-ins that emit computed actions.
func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case fmt.Stringer:
		return t.String()
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}
