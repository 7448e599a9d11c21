package graph

import (
	"context"
	"sync"

	"github.com/flowforge/flowforge/graph/store"
)

// Context is the kernel's keyed state contract (spec §4.2): a store of
// JSON-compatible values exposing Get/Set/Has/Delete/Snapshot. Every
// operation takes a context.Context because the distributed variant
// round-trips through an external CoordinationStore; the local variant
// resolves immediately. Callers must not cache a Snapshot across another
// operation and expect it to stay current — each operation is a single
// await-point (spec §9).
type Context interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Set(ctx context.Context, key string, value any) error
	Has(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Snapshot(ctx context.Context) (map[string]any, error)
}

// LocalContext is the in-memory Context variant, used by the orchestrator
// when no distributed coordination store is configured. All operations
// resolve synchronously.
type LocalContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewLocalContext creates a LocalContext seeded with initial (copied, not
// aliased).
func NewLocalContext(initial map[string]any) *LocalContext {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &LocalContext{values: values}
}

// Get implements Context.
func (c *LocalContext) Get(_ context.Context, key string) (any, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok, nil
}

// Set implements Context. Last-write-wins per key.
func (c *LocalContext) Set(_ context.Context, key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

// Has implements Context.
func (c *LocalContext) Has(_ context.Context, key string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key]
	return ok, nil
}

// Delete implements Context.
func (c *LocalContext) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

// Snapshot implements Context, returning a point-in-time copy.
func (c *LocalContext) Snapshot(_ context.Context) (map[string]any, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out, nil
}

// DistributedContext is the CoordinationStore-backed Context variant,
// used by worker-mode runs and by orchestrator runs configured with a
// shared store (e.g. SQLiteStore, MySQLStore) so multiple processes can
// observe the same run.
type DistributedContext struct {
	runID string
	store store.CoordinationStore
}

// NewDistributedContext wraps a CoordinationStore as a Context for runID.
func NewDistributedContext(runID string, s store.CoordinationStore) *DistributedContext {
	return &DistributedContext{runID: runID, store: s}
}

// Get implements Context.
func (c *DistributedContext) Get(ctx context.Context, key string) (any, bool, error) {
	snapshot, err := c.store.GetContext(ctx, c.runID)
	if err != nil {
		return nil, false, err
	}
	v, ok := snapshot[key]
	return v, ok, nil
}

// Set implements Context.
func (c *DistributedContext) Set(ctx context.Context, key string, value any) error {
	return c.store.SetContextKey(ctx, c.runID, key, value)
}

// Has implements Context.
func (c *DistributedContext) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

// Delete implements Context by setting the key to nil. The store contract
// (spec §6) does not include a remote delete primitive, so the key stays
// present: Has reports true, and the key resolves to nil, which Truthy
// treats as false.
func (c *DistributedContext) Delete(ctx context.Context, key string) error {
	return c.store.SetContextKey(ctx, c.runID, key, nil)
}

// Snapshot implements Context.
func (c *DistributedContext) Snapshot(ctx context.Context) (map[string]any, error) {
	return c.store.SnapshotContext(ctx, c.runID)
}
