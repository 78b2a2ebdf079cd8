package handlers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/expr-lang/expr"

	"github.com/corectl/diagexec/runtime"
)

// ConditionHandler selects an outgoing branch (condtrue/condfalse) rather
// than failing or succeeding in the usual sense: branch selection is data
// on the output envelope (§9 "exceptions are forbidden for branch
// selection"), read back by ReadinessChecker and InputResolver via
// runtime.SelectedBranch.
//
// Two condition types are supported, per spec.md:
//   - "custom": evaluates Config["expression"] (an expr-lang expression)
//     against the resolved input ports, exposed to the expression as
//     `inputs`.
//   - "detect_max_iterations": true iff every PersonJob node that has
//     executed at least once has reached MAXITER_REACHED (and at least one
//     has executed). DESIGN.md records the decision on the scope ambiguity
//     in spec.md's Open Questions: execution-wide, not ancestor-only.
type ConditionHandler struct{}

func (ConditionHandler) NodeType() runtime.NodeType { return runtime.NodeTypeCondition }

func (ConditionHandler) Validate(req *runtime.Request) error {
	switch conditionType(req.Node) {
	case "", "custom":
		if _, ok := req.Node.Config["expression"].(string); !ok {
			return fmt.Errorf("condition node requires a string \"expression\" config field for type %q", conditionType(req.Node))
		}
	case "detect_max_iterations":
	default:
		return fmt.Errorf("condition node: unknown type %q", conditionType(req.Node))
	}
	return nil
}

func (ConditionHandler) PreExecute(req *runtime.Request) (runtime.Envelope, error) { return nil, nil }

func (ConditionHandler) PrepareInputs(req *runtime.Request, envelopes map[runtime.Port]runtime.Envelope) (map[string]any, error) {
	inputs := make(map[string]any, len(envelopes))
	for port, env := range envelopes {
		inputs[string(port)] = envelopeScalar(env)
	}
	return map[string]any{"inputs": inputs}, nil
}

func (ConditionHandler) Run(ctx context.Context, inputs map[string]any, req *runtime.Request) (any, error) {
	switch conditionType(req.Node) {
	case "detect_max_iterations":
		return detectMaxIterations(req), nil
	default:
		exprStr, _ := req.Node.Config["expression"].(string)
		out, err := expr.Eval(exprStr, inputs)
		if err != nil {
			return nil, fmt.Errorf("condition expression %q: %w", exprStr, err)
		}
		if truthy(out) {
			return runtime.PortCondTrue, nil
		}
		return runtime.PortCondFalse, nil
	}
}

func (ConditionHandler) SerializeOutput(result any, req *runtime.Request) (runtime.Envelope, error) {
	branch, _ := result.(runtime.Port)
	env := runtime.Text(string(branch), req.Node.ID, req.ExecutionID)
	return env.WithMeta(map[string]any{"selected_branch": branch}), nil
}

func (ConditionHandler) PostExecute(req *runtime.Request, env runtime.Envelope) (runtime.Envelope, error) {
	return env, nil
}

func (ConditionHandler) OnError(req *runtime.Request, err error) (runtime.Envelope, error) {
	return nil, nil
}

func conditionType(node *runtime.Node) string {
	t, _ := node.Config["type"].(string)
	return t
}

// detectMaxIterations scans every PersonJob node the running execution
// knows about, per the execution-wide scope decision recorded in
// DESIGN.md. It fires condtrue only once every PersonJob that has executed
// at least once has reached MAXITER_REACHED — a single exhausted PersonJob
// alongside a sibling that still has iterations left must not trip this
// early.
func detectMaxIterations(req *runtime.Request) runtime.Port {
	foundExecuted := false
	allReachedMax := true

	for _, n := range req.Context.Diagram().Nodes {
		if n.Type != runtime.NodeTypePersonJob {
			continue
		}
		if req.Context.GetNodeExecutionCount(n.ID) == 0 {
			continue
		}
		foundExecuted = true

		ns, ok := req.Context.GetNodeState(n.ID)
		if !ok || ns.Status != runtime.NodeMaxIterReached {
			allReachedMax = false
			break
		}
	}

	if foundExecuted && allReachedMax {
		return runtime.PortCondTrue
	}
	return runtime.PortCondFalse
}

// truthy applies Go-ish truthiness to an expr-lang evaluation result: false
// for zero values, empty strings/collections and nil; true otherwise.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

// envelopeScalar projects an envelope into the plain Go value a condition
// expression (or a template substitution) operates on: the decoded body
// for object envelopes, the raw text for error envelopes, and a
// best-effort scalar parse of the text view for every other kind.
func envelopeScalar(env runtime.Envelope) any {
	if env == nil {
		return nil
	}
	switch env.ContentType() {
	case runtime.ContentObject:
		v, err := env.AsJSON()
		if err == nil {
			return v
		}
	case runtime.ContentError:
		s, _ := env.AsText()
		return s
	}
	s, err := env.AsText()
	if err != nil {
		return nil
	}
	return parseScalar(s)
}

func parseScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
