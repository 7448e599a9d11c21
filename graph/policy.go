package graph

import (
	"math/rand"
	"time"
)

// NodeConfig configures the execution behavior of a single blueprint node
// (spec §3's Node.config). Zero values map to the documented defaults.
type NodeConfig struct {
	// JoinStrategy controls readiness for nodes with multiple predecessors.
	// "all" (default) requires every eligible predecessor to complete;
	// "any" makes the node ready on the first satisfying predecessor and
	// discards the rest.
	JoinStrategy JoinStrategy `json:"joinStrategy,omitempty"`

	// MaxRetries is the number of additional attempts after the first on
	// recoverable node errors. Zero means no retries.
	MaxRetries int `json:"maxRetries,omitempty"`

	// RetryDelayMs is the base delay between retry attempts, in
	// milliseconds. Exponential backoff with jitter is applied on top.
	RetryDelayMs int `json:"retryDelayMs,omitempty"`

	// TimeoutMs, if positive, bounds a single attempt's execution time.
	TimeoutMs int `json:"timeoutMs,omitempty"`

	// FatalOnError marks any recoverable error from this node as fatal,
	// skipping retries and cancelling the run instead of only skipping
	// the node's downstream subtree.
	FatalOnError bool `json:"fatalOnError,omitempty"`
}

// JoinStrategy is the readiness rule applied to a node with multiple
// predecessors.
type JoinStrategy string

const (
	// JoinAll requires every eligible predecessor to complete before the
	// node is ready. This is the default.
	JoinAll JoinStrategy = "all"

	// JoinAny makes the node ready on the first satisfying predecessor;
	// later predecessor completions are discarded for this run.
	JoinAny JoinStrategy = "any"
)

// Timeout returns the node's configured attempt timeout, or 0 if none.
func (c NodeConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// RetryDelay returns the node's configured base retry delay.
func (c NodeConfig) RetryDelay() time.Duration {
	if c.RetryDelayMs <= 0 {
		return 0
	}
	return time.Duration(c.RetryDelayMs) * time.Millisecond
}

// Strategy normalizes an empty JoinStrategy to JoinAll.
func (c NodeConfig) Strategy() JoinStrategy {
	if c.JoinStrategy == JoinAny {
		return JoinAny
	}
	return JoinAll
}

// computeBackoff calculates the delay before retrying a failed node
// execution, using exponential backoff with jitter:
//
//	delay = min(base * 2^attempt, 30s) + jitter(0, base)
//
// attempt is zero-based (0 = first retry). rng is the run's deterministic
// RNG when available (see rngForRun), falling back to the global source
// otherwise — which is fine outside of replay, since jitter timing is not
// itself part of the deterministic contract.
func computeBackoff(attempt int, base time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}

	const maxDelay = 30 * time.Second

	shift := attempt
	if shift > 20 {
		shift = 20
	}
	exponential := base * (1 << uint(shift)) // #nosec G115 -- shift bounded above, not security sensitive
	if exponential > maxDelay {
		exponential = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security sensitive
	}

	return exponential + jitter
}
