// Package graph provides the orchestration kernel: blueprint structure,
// traversal and scheduling, join semantics, and the coordination-store
// contract that lets the same kernel run in-process or across workers.
package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the kernel. Use errors.Is to check for these
// across wrapping layers (retry wrappers, coordination-store adapters).
var (
	// ErrCancelled is returned when a run or node execution observes the
	// coordination store's cancellation flag.
	ErrCancelled = errors.New("run cancelled")

	// ErrDeadlock is returned when the frontier is empty, pending work
	// remains, and the run has not been cancelled — no node can ever
	// become ready again.
	ErrDeadlock = errors.New("deadlock: no ready nodes with pending predecessors outstanding")

	// ErrMaxAttemptsExceeded is returned when a node exhausts its
	// configured maxRetries without succeeding.
	ErrMaxAttemptsExceeded = errors.New("node exceeded max retry attempts")

	// ErrBackpressureTimeout is returned when the frontier queue stays
	// full longer than the configured backpressure timeout.
	ErrBackpressureTimeout = errors.New("backpressure timeout: frontier queue full")

	// ErrReplayMismatch is returned when recorded I/O does not match the
	// hash computed for a replayed node attempt.
	ErrReplayMismatch = errors.New("replay mismatch: recorded I/O hash differs from live execution")

	// ErrNotReady is returned by the coordination store's CAS when a node
	// is not currently in the expected status.
	ErrNotReady = errors.New("node not in expected status for transition")

	// ErrIdempotencyViolation is returned when a checkpoint commit's
	// idempotency key collides with a previously committed checkpoint for
	// the same run, indicating the commit already happened.
	ErrIdempotencyViolation = errors.New("idempotency violation: checkpoint already committed")
)

// EngineError is the kernel's structured validation/runtime error type. It
// carries a machine-readable Code so callers can branch on failure class
// without string matching.
type EngineError struct {
	// Message is the human-readable description.
	Message string

	// Code is a machine-readable error code (e.g. "DUPLICATE_NODE",
	// "UNKNOWN_USES", "NODE_NOT_FOUND", "CYCLE_DETECTED").
	Code string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// NodeError represents an error produced by a node execution. Fatal
// distinguishes the two execution error classes in the kernel's error
// taxonomy: a recoverable error is subject to retry/fallback and, on final
// failure, only skips the failing node's subtree; a fatal error cancels the
// whole run.
type NodeError struct {
	// NodeID identifies which node produced this error.
	NodeID string

	// Message is the human-readable error description.
	Message string

	// Fatal, when true, short-circuits retries and cancels the run.
	Fatal bool

	// Cause is the underlying error that caused this NodeError.
	Cause error
}

func (e *NodeError) Error() string {
	if e.NodeID != "" {
		return "node " + e.NodeID + ": " + e.Message
	}
	return e.Message
}

func (e *NodeError) Unwrap() error {
	return e.Cause
}

// Fatal wraps err as a fatal NodeError for nodeID. Fatal errors skip
// remaining retries and cancel the run (spec §7, execution/fatal).
func Fatal(nodeID string, err error) error {
	return &NodeError{NodeID: nodeID, Message: err.Error(), Fatal: true, Cause: err}
}

// IsFatal reports whether err (or something it wraps) is a fatal NodeError.
func IsFatal(err error) bool {
	var ne *NodeError
	if errors.As(err, &ne) {
		return ne.Fatal
	}
	return false
}
