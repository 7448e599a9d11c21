package emit

import "context"

// NullEmitter implements Emitter by discarding all events. Useful for
// worker-mode deployments and tests that don't care about the observability
// stream.
type NullEmitter struct{}

// NewNullEmitter returns an Emitter that discards everything it receives.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit implements Emitter.
func (n *NullEmitter) Emit(event Event) {}

// EmitBatch implements Emitter by discarding events.
func (n *NullEmitter) EmitBatch(_ context.Context, _ []Event) error { return nil }

// Flush implements Emitter; there is nothing to flush.
func (n *NullEmitter) Flush(_ context.Context) error { return nil }
