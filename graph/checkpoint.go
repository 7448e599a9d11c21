package graph

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Checkpoint is a durable snapshot of a run's coordination-store state,
// sufficient to resume execution or to start a new, branched run from the
// same point (spec §3's "coordination store owns all run state", extended
// with labeled save points).
//
// A checkpoint captures the run's entire context snapshot rather than a
// single typed state value, since the kernel's data model is a shared keyed
// Context rather than a value threaded node-to-node.
type Checkpoint struct {
	// RunID identifies the run this checkpoint was taken from.
	RunID string `json:"runId"`

	// ContextSnapshot is the full key/value context at checkpoint time.
	ContextSnapshot map[string]any `json:"contextSnapshot"`

	// Frontier contains the work items queued but not yet dequeued at
	// checkpoint time, so resuming replays exactly the pending dispatch.
	Frontier []WorkItem `json:"frontier"`

	// RNGSeed is the run's deterministic RNG seed (see rngForRun), carried
	// forward so a resumed run reuses the same random stream.
	RNGSeed int64 `json:"rngSeed"`

	// RecordedIOs holds captured external interactions up to this
	// checkpoint, keyed by (NodeID, Attempt) for replay lookup.
	RecordedIOs []RecordedIO `json:"recordedIOs"`

	// IdempotencyKey hashes (RunID, ContextSnapshot, Frontier) so a
	// checkpoint commit can detect and reject a duplicate.
	IdempotencyKey string `json:"idempotencyKey"`

	// Timestamp records when the checkpoint was created.
	Timestamp time.Time `json:"timestamp"`

	// Label optionally names this checkpoint ("before-approval",
	// "after-validation"); empty for automatic checkpoints.
	Label string `json:"label,omitempty"`
}

// computeIdempotencyKey hashes the run id, the sorted frontier (by OrderKey,
// so enqueue order doesn't affect the digest), and the JSON-marshaled
// context snapshot, producing a "sha256:<hex>" idempotency key for
// checkpoint commits.
func computeIdempotencyKey(runID string, items []WorkItem, contextSnapshot map[string]any) (string, error) {
	h := sha256.New()
	h.Write([]byte(runID))

	sorted := make([]WorkItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].OrderKey < sorted[j].OrderKey
	})

	for _, item := range sorted {
		h.Write([]byte(item.NodeID))
		var keyBytes [8]byte
		binary.BigEndian.PutUint64(keyBytes[:], item.OrderKey)
		h.Write(keyBytes[:])
	}

	// Sort keys so the snapshot's JSON encoding is order-independent.
	keys := make([]string, 0, len(contextSnapshot))
	for k := range contextSnapshot {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	ordered := make([]struct {
		K string `json:"k"`
		V any    `json:"v"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].K = k
		ordered[i].V = contextSnapshot[k]
	}

	snapshotJSON, err := json.Marshal(ordered)
	if err != nil {
		return "", err
	}
	h.Write(snapshotJSON)

	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}
