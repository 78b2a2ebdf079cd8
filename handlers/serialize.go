package handlers

import (
	"fmt"

	"github.com/corectl/diagexec/runtime"
)

// DefaultSerialize applies the default output-serialization rules from the
// handler contract (§4.4): a map becomes a JSON envelope, a slice becomes a
// JSON envelope tagged wrapped_list=true, an error becomes an error
// envelope, and everything else is stringified into a text envelope.
// Handlers whose Run already returns a runtime.Envelope pass it straight
// through unchanged.
func DefaultSerialize(result any, req *runtime.Request) (runtime.Envelope, error) {
	producedBy := req.Node.ID
	traceID := req.ExecutionID

	switch v := result.(type) {
	case runtime.Envelope:
		return v, nil
	case error:
		return runtime.Error(v.Error(), "handler_error", producedBy, traceID), nil
	case map[string]any:
		return runtime.JSON(v, producedBy, traceID), nil
	case []any:
		return runtime.JSON(v, producedBy, traceID).WithMeta(map[string]any{"wrapped_list": true}), nil
	case string:
		return runtime.Text(v, producedBy, traceID), nil
	case []byte:
		return runtime.Binary(v, producedBy, traceID), nil
	case nil:
		return runtime.Text("", producedBy, traceID), nil
	default:
		return runtime.Text(fmt.Sprintf("%v", v), producedBy, traceID), nil
	}
}
