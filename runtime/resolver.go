package runtime

import "fmt"

// selectedBranchMetaKey is the meta key a ConditionNode's handler sets on
// its output envelope to record which branch it selected. Condition
// outputs are data, never exceptions, per the design notes: branch
// selection is read back here, not inferred from control flow.
const selectedBranchMetaKey = "selected_branch"

// SelectedBranch reads the branch a condition output selected, if any.
func SelectedBranch(env Envelope) (Port, bool) {
	if env == nil {
		return "", false
	}
	v, ok := env.Meta()[selectedBranchMetaKey]
	if !ok {
		return "", false
	}
	p, ok := v.(Port)
	if ok {
		return p, true
	}
	if s, ok := v.(string); ok {
		return Port(s), true
	}
	return "", false
}

// ResolvedInputs is the InputResolver's return value: the envelopes chosen
// per target port, plus any non-fatal warnings accumulated while resolving
// (e.g. last-writer-wins collisions).
type ResolvedInputs struct {
	Ports    map[Port]Envelope
	Warnings []string
}

// InputResolver collects envelopes from a target node's incoming edges,
// applies per-edge transforms, and picks "first" vs "default" wiring for
// PersonJob targets, per §4.5.
type InputResolver struct {
	diagram *Diagram
	tracker *ExecutionTracker
}

// NewInputResolver builds a resolver bound to one diagram and tracker.
func NewInputResolver(diagram *Diagram, tracker *ExecutionTracker) *InputResolver {
	return &InputResolver{diagram: diagram, tracker: tracker}
}

// Resolve computes the input envelopes for target, per the six rules in
// §4.5. Unconnected ports yield no entry.
func (r *InputResolver) Resolve(target *Node) (ResolvedInputs, error) {
	edges := r.relevantEdges(target)

	out := ResolvedInputs{Ports: make(map[Port]Envelope)}
	seen := make(map[Port]bool)

	for _, e := range edges {
		source := r.diagram.GetNode(e.SourceNodeID)
		lastOut := r.tracker.LastOutput(e.SourceNodeID)
		if lastOut == nil {
			continue // rule 1: source has no output yet
		}

		// rule 2: ConditionNode sources only contribute on their active branch.
		if source != nil && source.Type == NodeTypeCondition {
			branch, ok := SelectedBranch(lastOut)
			if !ok || branch != e.SourcePort {
				continue
			}
		}

		env := lastOut
		if e.Transform != nil && e.Transform.ContentType == ContentObject {
			if env.ContentType() == ContentText {
				parsed, err := env.AsJSON()
				if err != nil {
					return ResolvedInputs{}, &InputResolutionError{NodeID: target.ID, Port: e.TargetPort, Cause: err}
				}
				env = JSON(parsed, env.ProducedBy(), env.TraceID())
			}
		}

		if seen[e.TargetPort] {
			out.Warnings = append(out.Warnings, fmt.Sprintf("port %q received multiple edges; last writer wins", e.TargetPort))
		}
		seen[e.TargetPort] = true
		out.Ports[e.TargetPort] = env
	}

	return out, nil
}

// relevantEdges implements rules 3 and 4 of §4.5: which incoming edges
// are even candidates before transform/last-output filtering. Its "first"
// port preference on the first execution matches the readiness checker's;
// unlike the checker, it drops "first" edges on later executions, always
// adds conversation_state edges, and falls back to every other edge
// (condition-sourced ones included) when no "first" edge exists.
func (r *InputResolver) relevantEdges(target *Node) []Edge {
	incoming := r.diagram.IncomingEdges(target.ID)

	if target.Type != NodeTypePersonJob {
		return incoming
	}

	// Completed count, not started: by the time inputs are resolved the
	// node's own dispatch has already opened a record, and that in-flight
	// execution must not disqualify the "first" wiring.
	execCount := r.tracker.CompletedExecutionCount(target.ID)

	// rule 4: conversation_state edges are always included, first or not.
	var always []Edge
	var rest []Edge
	for _, e := range incoming {
		if e.Transform != nil && e.Transform.ContentType == ContentConversation {
			always = append(always, e)
		} else {
			rest = append(rest, e)
		}
	}

	var selected []Edge
	if execCount == 0 {
		var firstEdges []Edge
		for _, e := range rest {
			if e.TargetPort == PortFirst {
				firstEdges = append(firstEdges, e)
			}
		}
		if len(firstEdges) > 0 {
			selected = firstEdges
		} else {
			selected = rest
		}
	} else {
		for _, e := range rest {
			if e.TargetPort != PortFirst {
				selected = append(selected, e)
			}
		}
	}

	return append(selected, always...)
}
