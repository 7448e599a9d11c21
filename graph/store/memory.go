package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/flowforge/flowforge/graph/emit"
)

// MemoryStore is an in-memory CoordinationStore.
//
// Designed for:
//   - Testing and development
//   - Single-process in-process-mode runs
//   - Short-lived workflows where persistence isn't required
//
// MemoryStore is thread-safe. Data is lost when the process terminates, so
// it is not suitable for the distributed worker-mode runtime across
// process restarts — use SQLiteStore or MySQLStore there.
type MemoryStore struct {
	mu sync.RWMutex

	status     map[string]map[string]NodeStatus // runID -> nodeID -> status
	results    map[string]map[string]NodeResult // runID -> nodeID -> result
	contexts   map[string]map[string]any        // runID -> key -> value
	pending    map[string]map[string]int        // runID -> nodeID -> count
	cancelled  map[string]bool
	finals     map[string]FinalStatus
	checkpoints    map[string]Checkpoint // "runID:label" -> checkpoint
	latestByRun    map[string]string     // runID -> most recent checkpoint key
	idempotencyMap map[string]bool
	pendingEvents  []emit.Event
}

// NewMemoryStore creates an empty in-memory coordination store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		status:         make(map[string]map[string]NodeStatus),
		results:        make(map[string]map[string]NodeResult),
		contexts:       make(map[string]map[string]any),
		pending:        make(map[string]map[string]int),
		cancelled:      make(map[string]bool),
		finals:         make(map[string]FinalStatus),
		checkpoints:    make(map[string]Checkpoint),
		latestByRun:    make(map[string]string),
		idempotencyMap: make(map[string]bool),
		pendingEvents:  make([]emit.Event, 0),
	}
}

func (m *MemoryStore) statusMap(runID string) map[string]NodeStatus {
	sm, ok := m.status[runID]
	if !ok {
		sm = make(map[string]NodeStatus)
		m.status[runID] = sm
	}
	return sm
}

// CASStatus implements CoordinationStore.
func (m *MemoryStore) CASStatus(_ context.Context, runID, nodeID string, from, to NodeStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sm := m.statusMap(runID)
	current, exists := sm[nodeID]
	if !exists {
		current = StatusPending
	}
	if current != from {
		return false, nil
	}
	sm[nodeID] = to
	return true, nil
}

// GetStatus implements CoordinationStore.
func (m *MemoryStore) GetStatus(_ context.Context, runID, nodeID string) (NodeStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if sm, ok := m.status[runID]; ok {
		if s, ok := sm[nodeID]; ok {
			return s, nil
		}
	}
	return StatusPending, nil
}

// PutResult implements CoordinationStore.
func (m *MemoryStore) PutResult(_ context.Context, runID, nodeID string, result NodeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rm, ok := m.results[runID]
	if !ok {
		rm = make(map[string]NodeResult)
		m.results[runID] = rm
	}
	rm[nodeID] = result
	return nil
}

// GetResult implements CoordinationStore.
func (m *MemoryStore) GetResult(_ context.Context, runID, nodeID string) (NodeResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rm, ok := m.results[runID]
	if !ok {
		return NodeResult{}, false, nil
	}
	res, ok := rm[nodeID]
	return res, ok, nil
}

// GetContext implements CoordinationStore.
func (m *MemoryStore) GetContext(_ context.Context, runID string) (map[string]any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyContext(m.contexts[runID]), nil
}

// SetContextKey implements CoordinationStore.
func (m *MemoryStore) SetContextKey(_ context.Context, runID, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cm, ok := m.contexts[runID]
	if !ok {
		cm = make(map[string]any)
		m.contexts[runID] = cm
	}
	cm[key] = value
	return nil
}

// SnapshotContext implements CoordinationStore.
func (m *MemoryStore) SnapshotContext(ctx context.Context, runID string) (map[string]any, error) {
	return m.GetContext(ctx, runID)
}

func copyContext(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// InitPending implements CoordinationStore.
func (m *MemoryStore) InitPending(_ context.Context, runID, nodeID string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.pending[runID]
	if !ok {
		pm = make(map[string]int)
		m.pending[runID] = pm
	}
	pm[nodeID] = count
	return nil
}

// DecrementPending implements CoordinationStore.
func (m *MemoryStore) DecrementPending(_ context.Context, runID, nodeID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.pending[runID]
	if !ok {
		pm = make(map[string]int)
		m.pending[runID] = pm
	}
	pm[nodeID]--
	return pm[nodeID], nil
}

// SetCancelled implements CoordinationStore.
func (m *MemoryStore) SetCancelled(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled[runID] = true
	return nil
}

// IsCancelled implements CoordinationStore.
func (m *MemoryStore) IsCancelled(_ context.Context, runID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cancelled[runID], nil
}

// PutFinal implements CoordinationStore.
func (m *MemoryStore) PutFinal(_ context.Context, runID string, status RunStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finals[runID] = FinalStatus{Status: status, Reason: reason}
	return nil
}

// GetFinal implements CoordinationStore.
func (m *MemoryStore) GetFinal(_ context.Context, runID string) (FinalStatus, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fs, ok := m.finals[runID]
	return fs, ok, nil
}

// SaveCheckpoint implements CoordinationStore.
func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cp.IdempotencyKey != "" {
		if m.idempotencyMap[cp.IdempotencyKey] {
			return fmt.Errorf("%w: key %q already committed", ErrIdempotencyViolation, cp.IdempotencyKey)
		}
		m.idempotencyMap[cp.IdempotencyKey] = true
	}

	key := cp.RunID
	if cp.Label != "" {
		key = cp.RunID + ":" + cp.Label
	}
	m.checkpoints[key] = cp
	m.latestByRun[cp.RunID] = key
	return nil
}

// LoadCheckpoint implements CoordinationStore. An empty label loads the
// most recently saved checkpoint for the run.
func (m *MemoryStore) LoadCheckpoint(_ context.Context, runID, label string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	key := runID
	if label != "" {
		key = runID + ":" + label
	} else if latest, ok := m.latestByRun[runID]; ok {
		key = latest
	}

	cp, ok := m.checkpoints[key]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

// CheckIdempotency implements CoordinationStore.
func (m *MemoryStore) CheckIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotencyMap[key], nil
}

// PendingEvents implements CoordinationStore.
func (m *MemoryStore) PendingEvents(_ context.Context, limit int) ([]emit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := len(m.pendingEvents)
	if limit > 0 && limit < count {
		count = limit
	}
	result := make([]emit.Event, count)
	copy(result, m.pendingEvents[:count])
	return result, nil
}

// EnqueueEvent adds an event to the transactional outbox. Exposed for
// callers (typically the Runtime) that want at-least-once delivery via the
// outbox pattern instead of direct Emitter calls.
func (m *MemoryStore) EnqueueEvent(e emit.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingEvents = append(m.pendingEvents, e)
}

// MarkEventsEmitted implements CoordinationStore.
func (m *MemoryStore) MarkEventsEmitted(_ context.Context, eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(eventIDs) == 0 {
		return nil
	}

	toRemove := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		toRemove[id] = true
	}

	filtered := make([]emit.Event, 0, len(m.pendingEvents))
	for _, e := range m.pendingEvents {
		id := ""
		if e.Meta != nil {
			if v, ok := e.Meta["event_id"].(string); ok {
				id = v
			}
		}
		if !toRemove[id] {
			filtered = append(filtered, e)
		}
	}
	m.pendingEvents = filtered
	return nil
}
