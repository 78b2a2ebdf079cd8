package runtime

import "testing"

func newBlankState(id DiagramID) *ExecutionState {
	return &ExecutionState{
		DiagramID:   id,
		NodeStates:  make(map[NodeID]NodeState),
		NodeOutputs: make(map[NodeID]SerializedEnvelope),
		Variables:   make(map[string]any),
		ExecCounts:  make(map[NodeID]int),
	}
}

func TestTransitionToCompletedCascadesDownstreamCompletedNode(t *testing.T) {
	nodes := []Node{
		{ID: "A", Type: NodeTypeCodeJob},
		{ID: "B", Type: NodeTypeCodeJob},
	}
	edges := []Edge{
		{ID: "e1", SourceNodeID: "A", SourcePort: PortDefault, TargetNodeID: "B", TargetPort: PortDefault},
	}
	d := NewDiagram("d", nodes, edges)
	tr := NewExecutionTracker()
	state := newBlankState("d")
	s := NewStateTransitionLogic(d, tr, state)

	if _, err := s.ToRunning("B"); err != nil {
		t.Fatalf("ToRunning B: %v", err)
	}
	if err := s.ToCompleted("B", Text("b-out", "B", "t"), nil); err != nil {
		t.Fatalf("ToCompleted B: %v", err)
	}
	if state.NodeStates["B"].Status != NodeCompleted {
		t.Fatalf("expected B COMPLETED, got %v", state.NodeStates["B"].Status)
	}

	if _, err := s.ToRunning("A"); err != nil {
		t.Fatalf("ToRunning A: %v", err)
	}
	if err := s.ToCompleted("A", Text("a-out", "A", "t"), nil); err != nil {
		t.Fatalf("ToCompleted A: %v", err)
	}

	if state.NodeStates["B"].Status != NodePending {
		t.Fatalf("expected cascade to reset downstream COMPLETED node B to PENDING, got %v", state.NodeStates["B"].Status)
	}
}

func TestTransitionCascadeExcludesStartEndpointCondition(t *testing.T) {
	nodes := []Node{
		{ID: "A", Type: NodeTypeCodeJob},
		{ID: "S2", Type: NodeTypeStart},
		{ID: "E", Type: NodeTypeEndpoint},
		{ID: "C", Type: NodeTypeCondition},
	}
	edges := []Edge{
		{ID: "e1", SourceNodeID: "A", SourcePort: PortDefault, TargetNodeID: "S2", TargetPort: PortDefault},
		{ID: "e2", SourceNodeID: "A", SourcePort: PortDefault, TargetNodeID: "E", TargetPort: PortDefault},
		{ID: "e3", SourceNodeID: "A", SourcePort: PortDefault, TargetNodeID: "C", TargetPort: PortDefault},
	}
	d := NewDiagram("d", nodes, edges)
	tr := NewExecutionTracker()
	state := newBlankState("d")
	s := NewStateTransitionLogic(d, tr, state)

	for _, id := range []NodeID{"S2", "E", "C"} {
		if _, err := s.ToRunning(id); err != nil {
			t.Fatalf("ToRunning %s: %v", id, err)
		}
		if err := s.ToCompleted(id, Text("x", id, "t"), nil); err != nil {
			t.Fatalf("ToCompleted %s: %v", id, err)
		}
	}

	if _, err := s.ToRunning("A"); err != nil {
		t.Fatalf("ToRunning A: %v", err)
	}
	if err := s.ToCompleted("A", Text("a", "A", "t"), nil); err != nil {
		t.Fatalf("ToCompleted A: %v", err)
	}

	for _, id := range []NodeID{"S2", "E", "C"} {
		if state.NodeStates[id].Status != NodeCompleted {
			t.Fatalf("cascade must not reset %s (type excluded), got %v", id, state.NodeStates[id].Status)
		}
	}
}

func TestTransitionCascadeExcludesPersonJobAtMaxIteration(t *testing.T) {
	nodes := []Node{
		{ID: "A", Type: NodeTypeCodeJob},
		{ID: "P", Type: NodeTypePersonJob, MaxIteration: 1},
	}
	edges := []Edge{
		{ID: "e1", SourceNodeID: "A", SourcePort: PortDefault, TargetNodeID: "P", TargetPort: PortDefault},
	}
	d := NewDiagram("d", nodes, edges)
	tr := NewExecutionTracker()
	state := newBlankState("d")
	s := NewStateTransitionLogic(d, tr, state)

	if _, err := s.ToRunning("P"); err != nil {
		t.Fatalf("ToRunning P: %v", err)
	}
	if err := s.ToCompleted("P", Text("p-out", "P", "t"), nil); err != nil {
		t.Fatalf("ToCompleted P: %v", err)
	}

	if _, err := s.ToRunning("A"); err != nil {
		t.Fatalf("ToRunning A: %v", err)
	}
	if err := s.ToCompleted("A", Text("a", "A", "t"), nil); err != nil {
		t.Fatalf("ToCompleted A: %v", err)
	}

	if state.NodeStates["P"].Status != NodeCompleted {
		t.Fatalf("P has reached max_iteration=1; cascade must not reset it, got %v", state.NodeStates["P"].Status)
	}
}

func TestTransitionToFailedDoesNotCascade(t *testing.T) {
	nodes := []Node{
		{ID: "A", Type: NodeTypeCodeJob},
		{ID: "B", Type: NodeTypeCodeJob},
	}
	edges := []Edge{
		{ID: "e1", SourceNodeID: "A", SourcePort: PortDefault, TargetNodeID: "B", TargetPort: PortDefault},
	}
	d := NewDiagram("d", nodes, edges)
	tr := NewExecutionTracker()
	state := newBlankState("d")
	s := NewStateTransitionLogic(d, tr, state)

	if _, err := s.ToRunning("B"); err != nil {
		t.Fatalf("ToRunning B: %v", err)
	}
	if err := s.ToCompleted("B", Text("b", "B", "t"), nil); err != nil {
		t.Fatalf("ToCompleted B: %v", err)
	}

	if _, err := s.ToRunning("A"); err != nil {
		t.Fatalf("ToRunning A: %v", err)
	}
	if err := s.ToFailed("A", Error("boom", "HandlerError", "A", "t"), "boom"); err != nil {
		t.Fatalf("ToFailed A: %v", err)
	}

	if state.NodeStates["B"].Status != NodeCompleted {
		t.Fatalf("a failure must not trigger the downstream cascade, B status = %v", state.NodeStates["B"].Status)
	}
	if state.NodeStates["A"].Status != NodeFailed {
		t.Fatalf("expected A FAILED, got %v", state.NodeStates["A"].Status)
	}
}

func TestTransitionTokenUsageAggregates(t *testing.T) {
	nodes := []Node{{ID: "P", Type: NodeTypePersonJob, MaxIteration: 2}}
	d := NewDiagram("d", nodes, nil)
	tr := NewExecutionTracker()
	state := newBlankState("d")
	s := NewStateTransitionLogic(d, tr, state)

	if _, err := s.ToRunning("P"); err != nil {
		t.Fatalf("ToRunning: %v", err)
	}
	if err := s.ToCompleted("P", Text("1", "P", "t"), &TokenUsage{Input: 5, Output: 2}); err != nil {
		t.Fatalf("ToCompleted: %v", err)
	}
	s.Reset("P")
	if _, err := s.ToRunning("P"); err != nil {
		t.Fatalf("ToRunning 2: %v", err)
	}
	if err := s.ToCompleted("P", Text("2", "P", "t"), &TokenUsage{Input: 3, Output: 1}); err != nil {
		t.Fatalf("ToCompleted 2: %v", err)
	}

	want := TokenUsage{Input: 8, Output: 3}
	if state.TokenUsage != want {
		t.Fatalf("expected aggregated token usage %+v, got %+v", want, state.TokenUsage)
	}
}
