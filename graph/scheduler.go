package graph

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"sync/atomic"
)

// WorkItem represents a schedulable unit of work in the execution frontier:
// one node dispatch for one run. It carries everything the runtime needs to
// execute the node and to order concurrent completions deterministically.
//
// Besides the per-dispatch Input the Traverser computed, WorkItem carries
// only provenance and scheduling metadata; the node reads any other
// context keys it needs from the run's Context (§3/§4 of the kernel's
// data model).
type WorkItem struct {
	// RunID identifies which run this work item belongs to.
	RunID string `json:"runId"`

	// NodeID is the node to execute.
	NodeID string `json:"nodeId"`

	// OrderKey is a deterministic sort key computed from (parent node id,
	// edge index). Frontier dequeues in OrderKey order so concurrent
	// completions still merge and emit in a reproducible sequence.
	OrderKey uint64 `json:"orderKey"`

	// Attempt is the retry counter: 0 for the first execution, 1+ for
	// retries.
	Attempt int `json:"attempt"`

	// ParentNodeID is the node whose completion produced this work item,
	// used to compute OrderKey and for diagnostics. "__start__" for start
	// nodes.
	ParentNodeID string `json:"parentNodeId"`

	// EdgeIndex is the index of the edge taken from ParentNodeID among its
	// outgoing edges, used to compute OrderKey.
	EdgeIndex int `json:"edgeIndex"`

	// Input is the payload the Traverser computed for this dispatch (the
	// producing edge's transform output, or the predecessor's raw output).
	// This is per-dispatch routing data, not run state — the node still
	// reads whatever else it needs from Context.
	Input any `json:"input,omitempty"`
}

// ComputeOrderKey derives a deterministic sort key from the producing node
// id and the outgoing edge index. The key is stable across processes and
// goroutine scheduling, which is what lets the frontier reproduce the same
// dispatch order on every run of the same blueprint.
//
// Key = first 8 bytes of SHA-256(parentNodeID || edgeIndex), big-endian.
func ComputeOrderKey(parentNodeID string, edgeIndex int) uint64 {
	h := sha256.New()
	h.Write([]byte(parentNodeID))

	var edgeBytes [4]byte
	binary.BigEndian.PutUint32(edgeBytes[:], uint32(edgeIndex)) // #nosec G115 -- edge index is small and non-negative
	h.Write(edgeBytes[:])

	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// workHeap implements heap.Interface, ordering WorkItems by OrderKey.
type workHeap []WorkItem

func (h workHeap) Len() int            { return len(h) }
func (h workHeap) Less(i, j int) bool  { return h[i].OrderKey < h[j].OrderKey }
func (h workHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *workHeap) Push(x interface{}) { *h = append(*h, x.(WorkItem)) }
func (h *workHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

// Frontier is the scheduler's bounded, deterministically-ordered work queue.
// It pairs a min-heap (ordering by OrderKey) with a buffered channel (bounded
// capacity and backpressure): Enqueue pushes onto the heap then blocks on the
// channel send when the channel is full; Dequeue blocks for a channel receive
// then pops the smallest OrderKey off the heap.
//
// This combination gives deterministic dequeue order regardless of the order
// concurrent node executions actually complete in, while still providing
// natural backpressure against unbounded fan-out.
//
// All methods are safe for concurrent use.
type Frontier struct {
	heap     workHeap
	queue    chan struct{}
	capacity int
	mu       sync.Mutex

	totalEnqueued      atomic.Int64
	totalDequeued       atomic.Int64
	backpressureEvents atomic.Int32
	peakQueueDepth      atomic.Int32
}

// NewFrontier creates a Frontier with the given bounded capacity.
func NewFrontier(capacity int) *Frontier {
	f := &Frontier{
		heap:     make(workHeap, 0),
		queue:    make(chan struct{}, capacity),
		capacity: capacity,
	}
	heap.Init(&f.heap)
	return f
}

// Enqueue adds item to the frontier. If the queue is at capacity, Enqueue
// blocks until space frees up or ctx is cancelled, in which case ctx.Err()
// is returned (callers typically surface this as ErrBackpressureTimeout
// once their own backpressure deadline is exceeded).
func (f *Frontier) Enqueue(ctx context.Context, item WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	heap.Push(&f.heap, item)
	depth := int32(f.heap.Len()) // #nosec G115 -- bounded by capacity, a configured int
	f.mu.Unlock()

	for {
		old := f.peakQueueDepth.Load()
		if depth <= old || f.peakQueueDepth.CompareAndSwap(old, depth) {
			break
		}
	}

	if depth >= int32(f.capacity) { // #nosec G115 -- capacity is a configured int
		f.backpressureEvents.Add(1)
	}

	select {
	case <-ctx.Done():
		// Roll back: remove the item we just pushed so heap and channel
		// occupancy stay in sync.
		f.mu.Lock()
		f.removeByOrderKey(item.OrderKey)
		f.mu.Unlock()
		return ctx.Err()
	case f.queue <- struct{}{}:
		f.totalEnqueued.Add(1)
		return nil
	}
}

func (f *Frontier) removeByOrderKey(key uint64) {
	for i, wi := range f.heap {
		if wi.OrderKey == key {
			heap.Remove(&f.heap, i)
			return
		}
	}
}

// Dequeue blocks until a work item is available or ctx is cancelled, then
// returns the item with the smallest OrderKey currently queued.
func (f *Frontier) Dequeue(ctx context.Context) (WorkItem, error) {
	var zero WorkItem

	if err := ctx.Err(); err != nil {
		return zero, err
	}

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.queue:
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.heap.Len() == 0 {
			return zero, context.Canceled
		}
		item := heap.Pop(&f.heap).(WorkItem)
		f.totalDequeued.Add(1)
		return item, nil
	}
}

// Len returns the current number of queued work items.
func (f *Frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heap.Len()
}

// SchedulerMetrics is a point-in-time snapshot of frontier activity,
// returned by Frontier.Metrics.
type SchedulerMetrics struct {
	QueueDepth         int32
	QueueCapacity      int32
	TotalEnqueued      int64
	TotalDequeued      int64
	BackpressureEvents int32
	PeakQueueDepth     int32
}

// Metrics returns a snapshot of the frontier's current counters.
func (f *Frontier) Metrics() SchedulerMetrics {
	f.mu.Lock()
	depth := int32(f.heap.Len()) // #nosec G115 -- bounded by capacity
	f.mu.Unlock()

	return SchedulerMetrics{
		QueueDepth:         depth,
		QueueCapacity:      int32(f.capacity), // #nosec G115 -- capacity is a configured int
		TotalEnqueued:      f.totalEnqueued.Load(),
		TotalDequeued:      f.totalDequeued.Load(),
		BackpressureEvents: f.backpressureEvents.Load(),
		PeakQueueDepth:     f.peakQueueDepth.Load(),
	}
}
