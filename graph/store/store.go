// Package store provides the coordination store contract and its
// implementations: the external owner of all per-run mutable state (spec
// §3's Run State), shared between the in-process orchestrator and
// distributed worker-mode runtime.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/flowforge/graph/emit"
)

// ErrNotFound is returned when a requested run, node, or checkpoint does not exist.
var ErrNotFound = errors.New("not found")

// ErrIdempotencyViolation is returned when a checkpoint commit's
// idempotency key collides with a previously committed checkpoint.
var ErrIdempotencyViolation = errors.New("idempotency violation: checkpoint already committed")

// NodeStatus is a node's execution status within a run.
type NodeStatus string

const (
	StatusPending   NodeStatus = "pending"
	StatusRunning   NodeStatus = "running"
	StatusSucceeded NodeStatus = "succeeded"
	StatusFailed    NodeStatus = "failed"
	StatusSkipped   NodeStatus = "skipped"
)

// RunStatus is a run's overall terminal (or in-flight) status.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// NodeResult is the output of a succeeded node execution: the value passed
// downstream and the action discriminator used to select outgoing edges.
type NodeResult struct {
	Output any    `json:"output"`
	Action string `json:"action"`
}

// FinalStatus is the terminal record for a run.
type FinalStatus struct {
	Status RunStatus `json:"status"`
	Reason string    `json:"reason,omitempty"`
}

// CoordinationStore is the external contract an orchestration kernel
// deployment implements to own per-run state: context values, node
// completion status, join counters, cancellation, and terminal status
// (spec §6). Both the in-process orchestrator and the distributed worker
// runtime drive a run exclusively through this interface, which is what
// lets the same kernel run in-memory or across processes.
//
// CASStatus is the basis for at-most-one-execution-per-node across workers:
// a worker only proceeds to execute a node after winning the
// pending-to-running compare-and-swap.
//
// Implementations must be safe for concurrent use.
type CoordinationStore interface {
	// CASStatus atomically transitions nodeID's status from `from` to `to`,
	// reporting whether the transition happened. A false result with a nil
	// error means the node was not in the `from` status (someone else
	// already claimed or completed it).
	CASStatus(ctx context.Context, runID, nodeID string, from, to NodeStatus) (bool, error)

	// GetStatus returns a node's current status, or StatusPending with a
	// nil error if the node has no recorded status yet for this run.
	GetStatus(ctx context.Context, runID, nodeID string) (NodeStatus, error)

	// PutResult records a succeeded node's output and action.
	PutResult(ctx context.Context, runID, nodeID string, result NodeResult) error

	// GetResult retrieves a previously recorded node result.
	GetResult(ctx context.Context, runID, nodeID string) (NodeResult, bool, error)

	// GetContext returns the run's full context snapshot.
	GetContext(ctx context.Context, runID string) (map[string]any, error)

	// SetContextKey sets a single context key. Last-write-wins per key; no
	// multi-key atomicity is required or provided.
	SetContextKey(ctx context.Context, runID, key string, value any) error

	// SnapshotContext returns a point-in-time copy of the run's context,
	// suitable for Checkpoint.ContextSnapshot.
	SnapshotContext(ctx context.Context, runID string) (map[string]any, error)

	// InitPending sets nodeID's initial pendingPredecessors count for runID.
	InitPending(ctx context.Context, runID, nodeID string, count int) error

	// DecrementPending decrements nodeID's pendingPredecessors counter and
	// returns the new value. Called once per eligible predecessor
	// completion (spec §4.5).
	DecrementPending(ctx context.Context, runID, nodeID string) (int, error)

	// SetCancelled sets the run's sticky cancellation flag.
	SetCancelled(ctx context.Context, runID string) error

	// IsCancelled reports the run's cancellation flag.
	IsCancelled(ctx context.Context, runID string) (bool, error)

	// PutFinal records the run's terminal status.
	PutFinal(ctx context.Context, runID string, status RunStatus, reason string) error

	// GetFinal retrieves the run's terminal status, if recorded.
	GetFinal(ctx context.Context, runID string) (FinalStatus, bool, error)

	// SaveCheckpoint persists a labeled or automatic checkpoint. Frontier
	// and RecordedIOs are opaque (interface{}) here to avoid a dependency
	// cycle with the graph package; callers pass []graph.WorkItem and
	// []graph.RecordedIO respectively and type-assert on read.
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error

	// LoadCheckpoint retrieves a checkpoint by run id and label. An empty
	// label loads the most recently saved checkpoint for the run, whatever
	// its label.
	LoadCheckpoint(ctx context.Context, runID, label string) (Checkpoint, error)

	// CheckIdempotency reports whether an idempotency key has already been
	// committed, guarding against duplicate checkpoint commits.
	CheckIdempotency(ctx context.Context, key string) (bool, error)

	// PendingEvents retrieves up to limit not-yet-emitted events from the
	// transactional outbox, ordered by creation time.
	PendingEvents(ctx context.Context, limit int) ([]emit.Event, error)

	// MarkEventsEmitted marks events as delivered so PendingEvents will not
	// return them again.
	MarkEventsEmitted(ctx context.Context, eventIDs []string) error
}

// Checkpoint is the store's wire representation of a run snapshot. See
// graph.Checkpoint for the typed equivalent used within the kernel;
// Frontier and RecordedIOs are carried here as interface{} so this package
// need not import graph.
type Checkpoint struct {
	RunID           string         `json:"runId"`
	ContextSnapshot map[string]any `json:"contextSnapshot"`
	Frontier        interface{}    `json:"frontier"`
	RNGSeed         int64          `json:"rngSeed"`
	RecordedIOs     interface{}    `json:"recordedIOs"`
	IdempotencyKey  string         `json:"idempotencyKey"`
	Timestamp       time.Time      `json:"timestamp"`
	Label           string         `json:"label,omitempty"`
}
