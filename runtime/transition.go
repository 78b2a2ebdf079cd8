package runtime

import (
	"sync"
	"time"
)

// StateTransitionLogic performs the five atomic node-state transition
// primitives described in §4.7, plus the downstream reset cascade that
// follows a successful completion inside a loop. Its mutex is THE
// per-execution mutex: it is the only lock that guards
// ExecutionState.NodeStates, for writes (the transition primitives) and
// for reads that must be consistent (the scheduler's readiness snapshot,
// ExecutionContext's node-state queries, the persistence snapshot) — all
// of which go through the accessor methods below rather than touching the
// state directly. Serializing tracker writes and NodeStates writes under
// it also keeps a node RUNNING in at most one execution at a time.
type StateTransitionLogic struct {
	mu      sync.Mutex
	diagram *Diagram
	tracker *ExecutionTracker
	state   *ExecutionState
}

// NewStateTransitionLogic binds transition logic to one diagram, tracker
// and execution state.
func NewStateTransitionLogic(diagram *Diagram, tracker *ExecutionTracker, state *ExecutionState) *StateTransitionLogic {
	return &StateTransitionLogic{diagram: diagram, tracker: tracker, state: state}
}

// ToRunning starts a new execution of node and marks it RUNNING.
func (s *StateTransitionLogic) ToRunning(node NodeID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	execNum := s.tracker.StartExecution(node)
	now := time.Now()
	s.state.NodeStates[node] = NodeState{Status: NodeRunning, StartedAt: &now}
	s.state.ExecCounts[node] = execNum
	return execNum, nil
}

// ToCompleted closes node's execution with SUCCESS, records its output,
// and triggers the downstream reset cascade.
func (s *StateTransitionLogic) ToCompleted(node NodeID, output Envelope, tokens *TokenUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tracker.CompleteExecution(node, NodeCompleted, output, "", tokens); err != nil {
		return err
	}

	now := time.Now()
	ns := s.state.NodeStates[node]
	ns.Status = NodeCompleted
	ns.EndedAt = &now
	ns.TokenUsage = tokens
	ns.Error = ""
	s.state.NodeStates[node] = ns

	if output != nil {
		if se, err := MarshalEnvelope(output); err == nil {
			s.state.NodeOutputs[node] = se
		}
	}
	if tokens != nil {
		s.state.TokenUsage = s.state.TokenUsage.Add(*tokens)
	}
	s.state.ExecutedNodes = append(s.state.ExecutedNodes, node)

	s.cascade(node, make(map[NodeID]bool))
	return nil
}

// ToFailed closes node's execution with FAILED. No cascade follows a
// failure.
func (s *StateTransitionLogic) ToFailed(node NodeID, errEnvelope Envelope, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tracker.CompleteExecution(node, NodeFailed, errEnvelope, errMsg, nil); err != nil {
		return err
	}

	now := time.Now()
	ns := s.state.NodeStates[node]
	ns.Status = NodeFailed
	ns.EndedAt = &now
	ns.Error = errMsg
	s.state.NodeStates[node] = ns

	if errEnvelope != nil {
		if se, err := MarshalEnvelope(errEnvelope); err == nil {
			s.state.NodeOutputs[node] = se
		}
	}
	s.state.ExecutedNodes = append(s.state.ExecutedNodes, node)
	return nil
}

// ToMaxIter closes node's execution at its iteration ceiling.
func (s *StateTransitionLogic) ToMaxIter(node NodeID, output Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tracker.CompleteExecution(node, NodeMaxIterReached, output, "", nil); err != nil {
		return err
	}

	now := time.Now()
	ns := s.state.NodeStates[node]
	ns.Status = NodeMaxIterReached
	ns.EndedAt = &now
	s.state.NodeStates[node] = ns

	if output != nil {
		if se, err := MarshalEnvelope(output); err == nil {
			s.state.NodeOutputs[node] = se
		}
	}
	s.state.ExecutedNodes = append(s.state.ExecutedNodes, node)
	return nil
}

// ToSkipped closes node's execution as SKIPPED, opening a record first if
// none is open. The scheduler's loop-exit classification does not call it:
// it uses SkipPending, which changes NodeStates only.
func (s *StateTransitionLogic) ToSkipped(node NodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A skipped node may never have been started; synthesize an open
	// record so tracker.CompleteExecution has something to close.
	if s.tracker.openRecordMissing(node) {
		s.tracker.StartExecution(node)
	}
	if err := s.tracker.CompleteExecution(node, NodeSkipped, nil, "", nil); err != nil {
		return err
	}

	now := time.Now()
	ns := s.state.NodeStates[node]
	ns.Status = NodeSkipped
	ns.EndedAt = &now
	s.state.NodeStates[node] = ns
	return nil
}

// Reset returns node to PENDING for loop re-entry without touching its
// history. A no-op if the node has never executed.
func (s *StateTransitionLogic) Reset(node NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tracker.ResetForIteration(node)
	s.state.NodeStates[node] = NodeState{Status: NodePending}
}

// SnapshotStates returns a copy of every node's current NodeState, taken
// under the per-execution mutex so readiness evaluation and other
// consumers see a consistent view.
func (s *StateTransitionLogic) SnapshotStates() map[NodeID]NodeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[NodeID]NodeState, len(s.state.NodeStates))
	for k, v := range s.state.NodeStates {
		out[k] = v
	}
	return out
}

// NodeState returns one node's current state.
func (s *StateTransitionLogic) NodeState(node NodeID) (NodeState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.state.NodeStates[node]
	return ns, ok
}

// SetNodeError annotates node's state with an error message without
// closing any tracker record. Used for handlers that outlive the
// cancellation grace period: they cannot be terminated, only marked.
func (s *StateTransitionLogic) SetNodeError(node NodeID, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.state.NodeStates[node]
	ns.Error = msg
	s.state.NodeStates[node] = ns
}

// SkipPending classifies every still-PENDING node as SKIPPED, the
// loop-exit rule for nodes a failure left permanently unreachable.
func (s *StateTransitionLogic) SkipPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ns := range s.state.NodeStates {
		if ns.Status == NodePending {
			now := time.Now()
			ns.Status = NodeSkipped
			ns.EndedAt = &now
			s.state.NodeStates[id] = ns
		}
	}
}

// StateSnapshot returns a deep copy of the whole ExecutionState, taken
// under the per-execution mutex. The scheduler persists this snapshot
// mid-run while other dispatches are still mutating the live state.
func (s *StateTransitionLogic) StateSnapshot() *ExecutionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Clone()
}

// cascade resets downstream nodes after a successful completion, per the
// rules in §4.7: a target is reset iff it is COMPLETED, not a one-time
// StartNode/EndpointNode, not a ConditionNode, and (if PersonJob) has
// started fewer executions than its max_iteration. Recursion is bounded by
// visited, since only
// COMPLETED nodes are candidates and each is reset at most once per
// invocation.
func (s *StateTransitionLogic) cascade(node NodeID, visited map[NodeID]bool) {
	for _, e := range s.diagram.OutgoingEdges(node) {
		target := s.diagram.GetNode(e.TargetNodeID)
		if target == nil || visited[target.ID] {
			continue
		}

		ns := s.state.NodeStates[target.ID]
		if ns.Status != NodeCompleted {
			continue
		}
		if target.Type == NodeTypeStart || target.Type == NodeTypeEndpoint {
			continue
		}
		if target.Type == NodeTypeCondition {
			continue
		}
		if target.Type == NodeTypePersonJob && target.MaxIteration > 0 {
			if s.tracker.ExecutionCount(target.ID) >= target.MaxIteration {
				continue
			}
		}

		visited[target.ID] = true
		s.tracker.ResetForIteration(target.ID)
		s.state.NodeStates[target.ID] = NodeState{Status: NodePending}

		s.cascade(target.ID, visited)
	}
}
