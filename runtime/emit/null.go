package emit

import "context"

// NullEmitter discards every event. A diagram with no subscribers is valid;
// this is the default when the caller supplies no Emitter.
type NullEmitter struct{}

// NewNullEmitter returns a no-op Emitter.
func NewNullEmitter() NullEmitter { return NullEmitter{} }

func (NullEmitter) Emit(Event)                                {}
func (NullEmitter) EmitBatch(context.Context, []Event) error   { return nil }
func (NullEmitter) Flush(context.Context) error                { return nil }
