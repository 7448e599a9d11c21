package graph

import (
	"hash/fnv"
	"math/rand"

	"github.com/google/uuid"
)

// NewRunID generates a new run identifier. Run ids are opaque strings;
// callers that need to correlate a run with external systems (logs,
// queues) should treat them as UUIDs but must not parse their structure.
func NewRunID() string {
	return uuid.NewString()
}

// rngForRun derives a deterministic *rand.Rand for runID, so that node
// executions needing randomness (and computeBackoff's jitter) produce the
// same stream across retries and replays of the same run. XOR in an extra
// salt (e.g. an OrderKey) to get an independent-looking but still
// deterministic stream per work item.
func rngForRun(runID string, salt uint64) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(runID))
	seed := int64(h.Sum64() ^ salt) // #nosec G115 -- deterministic seed, not security sensitive
	return rand.New(rand.NewSource(seed)) // #nosec G404 -- deterministic PRNG is required for replay, not a cryptographic use
}
