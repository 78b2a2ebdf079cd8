package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/corectl/diagexec/runtime"
)

// CodeJobFunc is a Go closure registered at composition time, keyed by the
// node's Config["code_ref"]. This is the reference handler's stand-in for
// the out-of-core-scope concern of running arbitrary code (subprocess
// execution, sandboxed interpreters): the runtime specifies only the
// contract a code_job node satisfies, not how untrusted code gets run.
type CodeJobFunc func(ctx context.Context, inputs map[string]any) (any, error)

// CodeJobHandler dispatches to a registered CodeJobFunc when the node
// config names one, or — for the three canned "action"s the seed test
// scenarios in spec.md §8 exercise — runs a small built-in behavior
// directly: "echo" passes its default input through, "sleep" holds for
// Config["sleep_ms"] before echoing, "raise" fails with Config["message"].
type CodeJobHandler struct{}

func (CodeJobHandler) NodeType() runtime.NodeType { return runtime.NodeTypeCodeJob }

func (CodeJobHandler) Validate(req *runtime.Request) error {
	if _, ok := req.Node.Config["code_ref"].(string); ok {
		return nil
	}
	switch action, _ := req.Node.Config["action"].(string); action {
	case "echo", "sleep", "raise":
		return nil
	default:
		return fmt.Errorf("code_job node requires a \"code_ref\" or a known \"action\" config field, got action %q", action)
	}
}

func (CodeJobHandler) PreExecute(req *runtime.Request) (runtime.Envelope, error) { return nil, nil }

func (CodeJobHandler) PrepareInputs(req *runtime.Request, envelopes map[runtime.Port]runtime.Envelope) (map[string]any, error) {
	inputs := make(map[string]any, len(envelopes))
	for port, env := range envelopes {
		inputs[string(port)] = env
	}
	return inputs, nil
}

func (CodeJobHandler) Run(ctx context.Context, inputs map[string]any, req *runtime.Request) (any, error) {
	if ref, ok := req.Node.Config["code_ref"].(string); ok {
		svc, ok := req.Context.GetService("code_job:" + ref)
		if !ok {
			return nil, fmt.Errorf("code_job: no function registered for code_ref %q", ref)
		}
		fn, ok := svc.(CodeJobFunc)
		if !ok {
			return nil, fmt.Errorf("code_job: service %q is not a CodeJobFunc", ref)
		}
		return fn(ctx, inputs)
	}

	action, _ := req.Node.Config["action"].(string)
	switch action {
	case "echo":
		return defaultPort(inputs), nil
	case "sleep":
		ms, _ := req.Node.Config["sleep_ms"].(int)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return defaultPort(inputs), nil
	case "raise":
		msg, _ := req.Node.Config["message"].(string)
		if msg == "" {
			msg = "code_job raised"
		}
		return nil, errors.New(msg)
	default:
		return nil, fmt.Errorf("code_job: unknown action %q", action)
	}
}

func defaultPort(inputs map[string]any) any {
	if env, ok := inputs[string(runtime.PortDefault)].(runtime.Envelope); ok {
		return env
	}
	return ""
}

func (CodeJobHandler) SerializeOutput(result any, req *runtime.Request) (runtime.Envelope, error) {
	return DefaultSerialize(result, req)
}

func (CodeJobHandler) PostExecute(req *runtime.Request, env runtime.Envelope) (runtime.Envelope, error) {
	return env, nil
}

func (CodeJobHandler) OnError(req *runtime.Request, err error) (runtime.Envelope, error) {
	return nil, nil
}
