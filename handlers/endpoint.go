package handlers

import (
	"context"

	"github.com/corectl/diagexec/runtime"
)

// EndpointHandler is a terminal sink: it passes its resolved default input
// through unchanged as the node's own output, giving callers a stable
// place to read an execution's final result regardless of which node
// upstream actually produced it. EndpointNodes are never reset by the
// downstream cascade (§4.7), so they run at most once.
type EndpointHandler struct{}

func (EndpointHandler) NodeType() runtime.NodeType { return runtime.NodeTypeEndpoint }

func (EndpointHandler) Validate(req *runtime.Request) error { return nil }

func (EndpointHandler) PreExecute(req *runtime.Request) (runtime.Envelope, error) { return nil, nil }

func (EndpointHandler) PrepareInputs(req *runtime.Request, envelopes map[runtime.Port]runtime.Envelope) (map[string]any, error) {
	in := envelopes[runtime.PortDefault]
	return map[string]any{"input": in}, nil
}

func (EndpointHandler) Run(ctx context.Context, inputs map[string]any, req *runtime.Request) (any, error) {
	env, _ := inputs["input"].(runtime.Envelope)
	if env == nil {
		return "", nil
	}
	return env, nil
}

func (EndpointHandler) SerializeOutput(result any, req *runtime.Request) (runtime.Envelope, error) {
	return DefaultSerialize(result, req)
}

func (EndpointHandler) PostExecute(req *runtime.Request, env runtime.Envelope) (runtime.Envelope, error) {
	return env, nil
}

func (EndpointHandler) OnError(req *runtime.Request, err error) (runtime.Envelope, error) {
	return nil, nil
}
