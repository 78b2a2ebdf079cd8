// Package handlers provides the reference Handler implementations for the
// closed set of node types a Diagram may contain: start, endpoint,
// condition, code_job, person_job, sub_diagram. Register wires all six
// into a runtime.HandlerRegistry.
package handlers

import (
	"context"

	"github.com/corectl/diagexec/runtime"
)

// StartHandler seeds an execution: it takes no inputs and emits whatever
// static payload is configured on the node (or an empty text envelope if
// none is set). Every diagram needs at least one StartNode; the
// ReadinessChecker treats StartNodes as always ready when PENDING.
type StartHandler struct{}

func (StartHandler) NodeType() runtime.NodeType { return runtime.NodeTypeStart }

func (StartHandler) Validate(req *runtime.Request) error { return nil }

func (StartHandler) PreExecute(req *runtime.Request) (runtime.Envelope, error) { return nil, nil }

func (StartHandler) PrepareInputs(req *runtime.Request, envelopes map[runtime.Port]runtime.Envelope) (map[string]any, error) {
	return nil, nil
}

func (StartHandler) Run(ctx context.Context, inputs map[string]any, req *runtime.Request) (any, error) {
	if body, ok := req.Node.Config["text"].(string); ok {
		return body, nil
	}
	if body, ok := req.Node.Config["object"]; ok {
		return body, nil
	}
	return "", nil
}

func (StartHandler) SerializeOutput(result any, req *runtime.Request) (runtime.Envelope, error) {
	return DefaultSerialize(result, req)
}

func (StartHandler) PostExecute(req *runtime.Request, env runtime.Envelope) (runtime.Envelope, error) {
	return env, nil
}

func (StartHandler) OnError(req *runtime.Request, err error) (runtime.Envelope, error) { return nil, nil }
