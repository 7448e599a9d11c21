package queue

import (
	"context"

	"github.com/flowforge/flowforge/graph/store"
)

// Dispatcher adapts a Queue to graph.Dispatcher, so graph.Worker can
// re-enqueue ready nodes without importing this package directly.
type Dispatcher struct {
	Queue Queue
}

// NewDispatcher wraps q as a graph.Dispatcher.
func NewDispatcher(q Queue) *Dispatcher {
	return &Dispatcher{Queue: q}
}

func (d *Dispatcher) Enqueue(ctx context.Context, runID, nodeID string) error {
	return d.Queue.Enqueue(ctx, Job{RunID: runID, NodeID: nodeID})
}

func (d *Dispatcher) EnqueueBatch(ctx context.Context, runID string, nodeIDs []string) error {
	jobs := make([]Job, len(nodeIDs))
	for i, id := range nodeIDs {
		jobs[i] = Job{RunID: runID, NodeID: id}
	}
	return d.Queue.EnqueueBatch(ctx, jobs)
}

func (d *Dispatcher) PublishFinal(ctx context.Context, runID string, status store.RunStatus, reason string) error {
	return d.Queue.PublishFinal(ctx, runID, status, reason)
}
