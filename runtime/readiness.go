package runtime

// ReadinessChecker decides which nodes may execute now. It is grounded
// directly on the node-readiness rules described in §4.6: a node is ready
// when it is PENDING, all of its relevant incoming edges are satisfied,
// any condition-sourced edges match the condition's active branch, and any
// template-variable dependencies it declares are covered by edges that
// will be present at dispatch.
type ReadinessChecker struct {
	diagram  *Diagram
	tracker  *ExecutionTracker
	registry *HandlerRegistry
}

// NewReadinessChecker binds a checker to one diagram, tracker and handler
// registry (the registry is consulted only for the optional
// TemplateVariables hook).
func NewReadinessChecker(diagram *Diagram, tracker *ExecutionTracker, registry *HandlerRegistry) *ReadinessChecker {
	return &ReadinessChecker{diagram: diagram, tracker: tracker, registry: registry}
}

// IsReady reports whether node may be dispatched now, given a snapshot of
// node states taken under the caller's per-execution mutex.
func (c *ReadinessChecker) IsReady(node *Node, states map[NodeID]NodeState) bool {
	state, ok := states[node.ID]
	if !ok {
		return false
	}
	if state.Status != NodePending && !c.isConditionReReady(node, state) {
		return false
	}

	if node.Type == NodeTypeStart {
		return true
	}

	edges := c.relevantEdges(node)

	for _, e := range edges {
		if !c.isDependencySatisfied(e, states) {
			return false
		}
		source := c.diagram.GetNode(e.SourceNodeID)
		if source != nil && source.Type == NodeTypeCondition {
			if !c.isConditionBranchActive(source.ID, e.SourcePort) {
				return false
			}
		}
	}

	if !c.hasRequiredTemplateInputs(node, edges, states) {
		return false
	}

	return true
}

// GetReady returns the ids of every ready node, in diagram declaration
// order (stable so that, combined with the scheduler's deterministic
// dispatch ordering, event emission order is reproducible across runs).
func (c *ReadinessChecker) GetReady(states map[NodeID]NodeState) []NodeID {
	var ready []NodeID
	for i := range c.diagram.Nodes {
		n := &c.diagram.Nodes[i]
		if c.IsReady(n, states) {
			ready = append(ready, n.ID)
		}
	}
	return ready
}

// relevantEdges mirrors the "first execution" special case for PersonJob
// targets: on the first execution it waits for edges wired to the "first"
// port if any exist, otherwise for all non-condition-sourced edges; on
// later executions all incoming edges are relevant again (loop feedback
// included).
func (c *ReadinessChecker) relevantEdges(node *Node) []Edge {
	incoming := c.diagram.IncomingEdges(node.ID)

	if node.Type != NodeTypePersonJob {
		return incoming
	}

	if c.tracker.CompletedExecutionCount(node.ID) != 0 {
		return incoming
	}

	var firstEdges []Edge
	for _, e := range incoming {
		if e.TargetPort == PortFirst {
			firstEdges = append(firstEdges, e)
		}
	}
	if len(firstEdges) > 0 {
		return firstEdges
	}

	var nonLoop []Edge
	for _, e := range incoming {
		source := c.diagram.GetNode(e.SourceNodeID)
		if source != nil && source.Type != NodeTypeCondition {
			nonLoop = append(nonLoop, e)
		}
	}
	if len(nonLoop) > 0 {
		return nonLoop
	}
	return incoming
}

// isDependencySatisfied reports whether e's source has produced a usable
// output. A PersonJob source that is PENDING but has already executed at
// least once counts as satisfied: it is between loop iterations, not
// genuinely blocked.
func (c *ReadinessChecker) isDependencySatisfied(e Edge, states map[NodeID]NodeState) bool {
	depState, ok := states[e.SourceNodeID]
	if !ok {
		return false
	}

	depNode := c.diagram.GetNode(e.SourceNodeID)
	depCount := c.tracker.ExecutionCount(e.SourceNodeID)

	if depNode != nil && depNode.Type == NodeTypePersonJob && depState.Status == NodePending && depCount > 0 {
		return true
	}

	return depState.Status == NodeCompleted || depState.Status == NodeMaxIterReached
}

// isConditionReReady implements the cascade's explicit carve-out for
// ConditionNodes (§4.7): they are never reset back to PENDING by the
// downstream cascade, yet "re-execute when their inputs re-arrive and
// their own completion status allows" (§4.7). A condition node whose own
// NodeState is still COMPLETED from a prior branch selection is therefore
// treated as ready again once any of its sources has produced a newer
// output than the condition last consumed — tracked by comparing
// execution counts, the same signal PersonJob's between-iterations
// exception already relies on.
func (c *ReadinessChecker) isConditionReReady(node *Node, state NodeState) bool {
	if node.Type != NodeTypeCondition || state.Status != NodeCompleted {
		return false
	}
	// Completed counts on both sides: a source that has merely started its
	// next execution has not produced a newer output yet, and firing the
	// condition against the stale one would both waste the dispatch and
	// race the source's own completion cascade.
	ownCount := c.tracker.CompletedExecutionCount(node.ID)
	for _, e := range c.diagram.IncomingEdges(node.ID) {
		if c.tracker.CompletedExecutionCount(e.SourceNodeID) > ownCount {
			return true
		}
	}
	return false
}

// isConditionBranchActive reports whether branch is the branch the named
// condition node's last output selected.
func (c *ReadinessChecker) isConditionBranchActive(condition NodeID, branch Port) bool {
	out := c.tracker.LastOutput(condition)
	if out == nil {
		return false
	}
	selected, ok := SelectedBranch(out)
	if !ok {
		return false
	}
	return selected == branch
}

// hasRequiredTemplateInputs reports whether every edge supplying a
// template-variable dependency is satisfied. Handlers that do not declare
// template variables (the TemplateVariables hook) are vacuously satisfied;
// see SPEC_FULL.md's note on generalizing this beyond PersonJob.
func (c *ReadinessChecker) hasRequiredTemplateInputs(node *Node, edges []Edge, states map[NodeID]NodeState) bool {
	vars := c.templateVariables(node)
	if len(vars) == 0 {
		return true
	}

	if c.tracker.CompletedExecutionCount(node.ID) == 0 {
		for _, e := range edges {
			if !c.isDependencySatisfied(e, states) {
				return false
			}
		}
	}
	return true
}

func (c *ReadinessChecker) templateVariables(node *Node) []string {
	if c.registry == nil {
		return nil
	}
	h, err := c.registry.Lookup(node.ID, node.Type)
	if err != nil {
		return nil
	}
	if tv, ok := h.(TemplateVariables); ok {
		return tv.TemplateVariables(node)
	}
	return nil
}
