package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// LogEmitter writes events to an io.Writer, either as a terse one-line text
// form or as newline-delimited JSON.
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

func (l *LogEmitter) Emit(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		b, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Fprintln(l.writer, string(b))
		return
	}

	switch e.Kind {
	case ExecutionStarted:
		fmt.Fprintf(l.writer, "[%s] execution started (diagram=%s)\n", e.ExecutionID, e.Meta["diagram_id"])
	case NodeStarted:
		fmt.Fprintf(l.writer, "[%s] %s started (%s)\n", e.ExecutionID, e.NodeID, e.NodeType)
	case NodeCompleted:
		fmt.Fprintf(l.writer, "[%s] %s completed status=%s duration=%dms\n", e.ExecutionID, e.NodeID, e.Status, e.DurationMS)
	case NodeFailed:
		fmt.Fprintf(l.writer, "[%s] %s failed: %s (%s)\n", e.ExecutionID, e.NodeID, e.Error, e.ErrorType)
	case ExecutionCompleted:
		fmt.Fprintf(l.writer, "[%s] execution completed steps=%d\n", e.ExecutionID, e.TotalSteps)
	default:
		fmt.Fprintf(l.writer, "[%s] %s\n", e.ExecutionID, e.Kind)
	}
}

func (l *LogEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.Emit(e)
	}
	return nil
}

func (l *LogEmitter) Flush(context.Context) error { return nil }
