package runtime

import "sync"

// ExecutionContext is the read-mostly facade exposed to handlers. Read
// operations are safe from any goroutine; write operations are restricted
// to the node currently executing under this context (see CurrentNodeID).
// One ExecutionContext core is shared for the whole execution; the
// scheduler hands each dispatch a cheap per-node view via forNode.
//
// Node-state reads go through StateTransitionLogic's accessors, which hold
// the per-execution mutex; varsMu guards only the execution-scope
// variables, which no transition primitive touches.
type ExecutionContext struct {
	diagram     *Diagram
	executionID ExecutionID
	tracker     *ExecutionTracker
	transitions *StateTransitionLogic
	readiness   *ReadinessChecker
	resolver    *InputResolver
	services    map[string]any

	varsMu *sync.RWMutex
	state  *ExecutionState

	currentNode NodeID
}

// NewExecutionContext builds the shared core for one execution.
func NewExecutionContext(
	diagram *Diagram,
	executionID ExecutionID,
	tracker *ExecutionTracker,
	transitions *StateTransitionLogic,
	readiness *ReadinessChecker,
	resolver *InputResolver,
	state *ExecutionState,
	services map[string]any,
) *ExecutionContext {
	return &ExecutionContext{
		diagram:     diagram,
		executionID: executionID,
		tracker:     tracker,
		transitions: transitions,
		readiness:   readiness,
		resolver:    resolver,
		services:    services,
		varsMu:      &sync.RWMutex{},
		state:       state,
	}
}

// forNode returns a cheap view of ctx scoped to node: the same shared
// core, with write operations restricted to node.
func (c *ExecutionContext) forNode(node NodeID) *ExecutionContext {
	cp := *c
	cp.currentNode = node
	return &cp
}

// ---- reads ----

func (c *ExecutionContext) GetNodeState(id NodeID) (NodeState, bool) {
	return c.transitions.NodeState(id)
}

// GetNodeResult returns the most recent execution record for id.
func (c *ExecutionContext) GetNodeResult(id NodeID) (ExecutionRecord, bool) {
	recs := c.tracker.Records(id)
	if len(recs) == 0 {
		return ExecutionRecord{}, false
	}
	return recs[len(recs)-1], true
}

func (c *ExecutionContext) GetNodeOutput(id NodeID) Envelope {
	return c.tracker.LastOutput(id)
}

func (c *ExecutionContext) GetNodeExecutionCount(id NodeID) int {
	return c.tracker.ExecutionCount(id)
}

// GetVariables returns a copy-on-read snapshot of execution-scope
// variables.
func (c *ExecutionContext) GetVariables() map[string]any {
	c.varsMu.RLock()
	defer c.varsMu.RUnlock()
	out := make(map[string]any, len(c.state.Variables))
	for k, v := range c.state.Variables {
		out[k] = v
	}
	return out
}

// UpdateVariables merges kv into the execution-scope variables.
func (c *ExecutionContext) UpdateVariables(kv map[string]any) {
	c.varsMu.Lock()
	defer c.varsMu.Unlock()
	if c.state.Variables == nil {
		c.state.Variables = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		c.state.Variables[k] = v
	}
}

// GetService looks up a composition-time-registered collaborator by key.
// The service registry is read-only during execution.
func (c *ExecutionContext) GetService(key string) (any, bool) {
	v, ok := c.services[key]
	return v, ok
}

func (c *ExecutionContext) GetCompletedNodes() []NodeID {
	var out []NodeID
	for id, ns := range c.transitions.SnapshotStates() {
		if ns.Status == NodeCompleted || ns.Status == NodeMaxIterReached {
			out = append(out, id)
		}
	}
	return out
}

func (c *ExecutionContext) HasRunningNodes() bool {
	for _, ns := range c.transitions.SnapshotStates() {
		if ns.Status == NodeRunning {
			return true
		}
	}
	return false
}

func (c *ExecutionContext) IsComplete() bool {
	states := c.transitions.SnapshotStates()
	if len(c.readiness.GetReady(states)) > 0 {
		return false
	}
	for _, ns := range states {
		if ns.Status == NodeRunning {
			return false
		}
	}
	return true
}

func (c *ExecutionContext) GetReadyNodes() []NodeID {
	return c.readiness.GetReady(c.transitions.SnapshotStates())
}

func (c *ExecutionContext) ResolveInputs(node *Node) (ResolvedInputs, error) {
	return c.resolver.Resolve(node)
}

func (c *ExecutionContext) Diagram() *Diagram           { return c.diagram }
func (c *ExecutionContext) ExecutionIDValue() ExecutionID { return c.executionID }
func (c *ExecutionContext) DiagramIDValue() DiagramID     { return c.diagram.ID }
func (c *ExecutionContext) CurrentNodeID() NodeID         { return c.currentNode }

// ---- writes (restricted to CurrentNodeID) ----

func (c *ExecutionContext) TransitionToCompleted(output Envelope, tokens *TokenUsage) error {
	return c.transitions.ToCompleted(c.currentNode, output, tokens)
}

func (c *ExecutionContext) TransitionToMaxIter(output Envelope) error {
	return c.transitions.ToMaxIter(c.currentNode, output)
}

// Reset re-arms node for another iteration. Intended for orchestrator
// handlers (e.g. SubDiagram) that drive their own child loop; ordinary
// handlers never need to call it directly since the scheduler's cascade
// (§4.7) handles loop feedback.
func (c *ExecutionContext) Reset(node NodeID) {
	c.transitions.Reset(node)
}
