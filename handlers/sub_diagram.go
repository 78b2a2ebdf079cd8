package handlers

import (
	"context"
	"fmt"

	"github.com/corectl/diagexec/runtime"
	"github.com/corectl/diagexec/runtime/emit"
)

// SubDiagramHandler is the one orchestrator handler in the reference set:
// its Run step builds and drives a complete nested runtime.Engine over a
// child Diagram, rather than doing its own unit of work. The child runs to
// completion (or failure) before this node's dispatch returns; re-entrancy
// (§5) is satisfied because the child gets its own Engine, tracker and
// cache, parented to the current execution only through inherited
// services.
//
// Config: "diagram" (inline *runtime.Diagram) and/or "diagram_name"
// (string, resolved against the "diagrams" service as
// map[string]*runtime.Diagram). spec.md's Open Question about precedence
// when both are present is resolved here as "inline wins, no error" — see
// DESIGN.md.
type SubDiagramHandler struct{}

func (SubDiagramHandler) NodeType() runtime.NodeType { return runtime.NodeTypeSubDiagram }

func (SubDiagramHandler) Validate(req *runtime.Request) error {
	if _, err := resolveChildDiagram(req); err != nil {
		return err
	}
	return nil
}

func (SubDiagramHandler) PreExecute(req *runtime.Request) (runtime.Envelope, error) { return nil, nil }

func (SubDiagramHandler) PrepareInputs(req *runtime.Request, envelopes map[runtime.Port]runtime.Envelope) (map[string]any, error) {
	vars := make(map[string]any, len(envelopes))
	for port, env := range envelopes {
		vars[string(port)] = envelopeScalar(env)
	}
	return vars, nil
}

func (SubDiagramHandler) Run(ctx context.Context, inputs map[string]any, req *runtime.Request) (any, error) {
	child, err := resolveChildDiagram(req)
	if err != nil {
		return nil, err
	}

	registry, ok := serviceAs[*runtime.HandlerRegistry](req, "registry")
	if !ok {
		return nil, fmt.Errorf("sub_diagram: no \"registry\" service registered for child execution")
	}
	store, ok := serviceAs[runtime.Store](req, "store")
	if !ok {
		return nil, fmt.Errorf("sub_diagram: no \"store\" service registered for child execution")
	}
	emitter, _ := serviceAs[emit.Emitter](req, "emitter")

	childID := runtime.ExecutionID(fmt.Sprintf("%s/%s#%d", req.ExecutionID, req.Node.ID, req.ExecutionNumber))

	engine, err := runtime.NewEngine(child, registry, store, emitter)
	if err != nil {
		return nil, fmt.Errorf("sub_diagram: building child engine: %w", err)
	}

	childState, err := engine.Run(ctx, childID, inputs)
	if err != nil {
		return nil, fmt.Errorf("sub_diagram: running child %s: %w", childID, err)
	}
	if childState.Status == runtime.ExecFailed || childState.Status == runtime.ExecAborted {
		return nil, fmt.Errorf("sub_diagram: child %s ended %s: %s", childID, childState.Status, childState.Error)
	}

	return childEndpointOutput(child, childState)
}

func (SubDiagramHandler) SerializeOutput(result any, req *runtime.Request) (runtime.Envelope, error) {
	return DefaultSerialize(result, req)
}

func (SubDiagramHandler) PostExecute(req *runtime.Request, env runtime.Envelope) (runtime.Envelope, error) {
	return env, nil
}

func (SubDiagramHandler) OnError(req *runtime.Request, err error) (runtime.Envelope, error) {
	return nil, nil
}

func resolveChildDiagram(req *runtime.Request) (*runtime.Diagram, error) {
	if d, ok := req.Node.Config["diagram"].(*runtime.Diagram); ok && d != nil {
		return d, nil
	}
	name, ok := req.Node.Config["diagram_name"].(string)
	if !ok || name == "" {
		return nil, fmt.Errorf("sub_diagram node requires either a \"diagram\" (inline *runtime.Diagram) or a \"diagram_name\" config field")
	}
	diagrams, ok := serviceAs[map[string]*runtime.Diagram](req, "diagrams")
	if !ok {
		return nil, fmt.Errorf("sub_diagram: no \"diagrams\" service registered to resolve diagram_name %q", name)
	}
	d, ok := diagrams[name]
	if !ok {
		return nil, fmt.Errorf("sub_diagram: diagram_name %q not found in \"diagrams\" service", name)
	}
	return d, nil
}

// childEndpointOutput returns the output of the child diagram's first
// EndpointNode, which is the stable place to read a diagram's final
// result regardless of internal structure (see handlers.EndpointHandler).
func childEndpointOutput(child *runtime.Diagram, state *runtime.ExecutionState) (runtime.Envelope, error) {
	for _, n := range child.Nodes {
		if n.Type != runtime.NodeTypeEndpoint {
			continue
		}
		se, ok := state.NodeOutputs[n.ID]
		if !ok {
			continue
		}
		return runtime.UnmarshalEnvelope(se)
	}
	return nil, fmt.Errorf("sub_diagram: child diagram %s has no EndpointNode output", child.ID)
}

// serviceAs looks up key in req's service registry and type-asserts it to
// T, reporting false on either a missing key or a type mismatch.
func serviceAs[T any](req *runtime.Request, key string) (T, bool) {
	var zero T
	v, ok := req.Context.GetService(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
