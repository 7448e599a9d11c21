// Package queue defines the distribution adapter contract a worker-mode
// deployment uses to move node dispatches between processes (spec §4.8).
// The kernel itself only depends on the Queue interface; MemoryQueue and
// the Redis-backed implementation in redis.go are two interchangeable
// transports.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/flowforge/flowforge/graph/store"
)

// ErrClosed is returned by Subscribe/SubscribeFinal once the queue has
// been closed.
var ErrClosed = errors.New("queue: closed")

// Job is one node dispatch handed to a worker: execute nodeID within
// runID. The job carries no payload beyond identity — a worker reads
// everything else it needs (context, status, pending predecessors)
// through the CoordinationStore, per the kernel's external-state design.
type Job struct {
	RunID  string `json:"runId"`
	NodeID string `json:"nodeId"`
}

// Handler processes one dequeued Job. A returned error leaves the job's
// at-least-once redelivery to the adapter; the coordination store's
// status CAS is what makes redelivery safe (spec §4.8, §9 Non-goals).
type Handler func(ctx context.Context, job Job) error

// FinalNotification is published once a run reaches a terminal status,
// letting an external waiter avoid polling the coordination store.
type FinalNotification struct {
	RunID  string
	Status store.RunStatus
	Reason string
}

// Queue is the distribution adapter contract (spec §4.8). Enqueue is
// required to be at-least-once; duplicate delivery of the same (runID,
// nodeID) job is expected and is made safe by the coordination store's
// pending-to-running CAS, not by the queue.
type Queue interface {
	// Enqueue submits one job for dispatch.
	Enqueue(ctx context.Context, job Job) error

	// EnqueueBatch submits multiple jobs, e.g. a fan-out's whole ready
	// set, more efficiently than one Enqueue call per job.
	EnqueueBatch(ctx context.Context, jobs []Job) error

	// Subscribe registers handler to process jobs until ctx is
	// cancelled or the queue is closed. Subscribe blocks; callers
	// typically run it in its own goroutine per worker.
	Subscribe(ctx context.Context, handler Handler) error

	// PublishFinal announces a run's terminal status on its per-run
	// status channel.
	PublishFinal(ctx context.Context, runID string, status store.RunStatus, reason string) error

	// SubscribeFinal returns a channel that receives runID's terminal
	// notification once published, then closes. MemoryQueue also
	// delivers a notification published before SubscribeFinal was
	// called; RedisQueue (Redis pub/sub) delivers only notifications
	// published after its subscription is established, so a notification
	// published earlier is observed only through the coordination
	// store's GetFinal.
	SubscribeFinal(ctx context.Context, runID string) (<-chan FinalNotification, error)

	// Close releases the queue's resources. Subscribe calls in
	// progress return ErrClosed.
	Close() error
}

// MemoryQueue is an in-process Queue backed by a buffered channel, for
// single-process worker-mode deployments and tests.
type MemoryQueue struct {
	jobs chan Job

	mu      sync.Mutex
	closed  bool
	finals  map[string]FinalNotification
	waiters map[string][]chan FinalNotification
}

// NewMemoryQueue builds a MemoryQueue with the given job buffer capacity.
func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{
		jobs:    make(chan Job, capacity),
		finals:  make(map[string]FinalNotification),
		waiters: make(map[string][]chan FinalNotification),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.jobs <- job:
		return nil
	}
}

func (q *MemoryQueue) EnqueueBatch(ctx context.Context, jobs []Job) error {
	for _, j := range jobs {
		if err := q.Enqueue(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

func (q *MemoryQueue) Subscribe(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-q.jobs:
			if !ok {
				return ErrClosed
			}
			// At-least-once: a handler error is swallowed here rather
			// than requeued automatically, mirroring the contract that
			// redelivery safety comes from the coordination store's
			// CAS, not the queue. Callers that want automatic redrive
			// re-Enqueue from within handler.
			_ = handler(ctx, job)
		}
	}
}

func (q *MemoryQueue) PublishFinal(_ context.Context, runID string, status store.RunStatus, reason string) error {
	notif := FinalNotification{RunID: runID, Status: status, Reason: reason}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.finals[runID] = notif
	for _, ch := range q.waiters[runID] {
		ch <- notif
		close(ch)
	}
	delete(q.waiters, runID)
	return nil
}

func (q *MemoryQueue) SubscribeFinal(_ context.Context, runID string) (<-chan FinalNotification, error) {
	ch := make(chan FinalNotification, 1)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		close(ch)
		return ch, ErrClosed
	}
	if notif, ok := q.finals[runID]; ok {
		ch <- notif
		close(ch)
		return ch, nil
	}
	q.waiters[runID] = append(q.waiters[runID], ch)
	return ch, nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.jobs)
	for _, waiters := range q.waiters {
		for _, ch := range waiters {
			close(ch)
		}
	}
	q.waiters = nil
	return nil
}
