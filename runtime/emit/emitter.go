package emit

import "context"

// Emitter is the EventBus's pub/sub interface. A slow or absent subscriber
// must never block the scheduler: implementations that fan out to real
// subscribers do so through a bounded, drop_oldest queue (see Fanout).
type Emitter interface {
	Emit(event Event)
	EmitBatch(ctx context.Context, events []Event) error
	Flush(ctx context.Context) error
}
