package emit

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OtelEmitter opens one span per node execution, linked to the owning
// execution id, and records failures as span errors. It keeps the open
// spans in a small map keyed by (execution, node) since node_started and
// node_completed/node_failed arrive as two separate Emit calls.
type OtelEmitter struct {
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[string]trace.Span
}

func NewOtelEmitter(tracer trace.Tracer) *OtelEmitter {
	return &OtelEmitter{tracer: tracer, spans: make(map[string]trace.Span)}
}

func spanKey(executionID, nodeID string) string { return executionID + "/" + nodeID }

func (o *OtelEmitter) Emit(e Event) {
	switch e.Kind {
	case NodeStarted:
		_, span := o.tracer.Start(context.Background(), e.NodeType+":"+e.NodeID,
			trace.WithAttributes(
				attribute.String("execution_id", e.ExecutionID),
				attribute.String("node_id", e.NodeID),
				attribute.String("node_type", e.NodeType),
			),
		)
		o.mu.Lock()
		o.spans[spanKey(e.ExecutionID, e.NodeID)] = span
		o.mu.Unlock()

	case NodeCompleted:
		o.endSpan(e.ExecutionID, e.NodeID, func(s trace.Span) {
			s.SetAttributes(attribute.String("status", e.Status))
			s.SetStatus(codes.Ok, "")
		})

	case NodeFailed:
		o.endSpan(e.ExecutionID, e.NodeID, func(s trace.Span) {
			s.SetAttributes(attribute.String("error_type", e.ErrorType))
			s.SetStatus(codes.Error, e.Error)
		})
	}
}

func (o *OtelEmitter) endSpan(executionID, nodeID string, mutate func(trace.Span)) {
	key := spanKey(executionID, nodeID)
	o.mu.Lock()
	span, ok := o.spans[key]
	if ok {
		delete(o.spans, key)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	mutate(span)
	span.End()
}

func (o *OtelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.Emit(e)
	}
	return nil
}

func (o *OtelEmitter) Flush(context.Context) error { return nil }
