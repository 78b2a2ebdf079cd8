package runtime

import (
	"sync"
	"time"
)

// ExecutionTracker records executions, exposes both history and runtime
// flow state, and allows loop resets that preserve history. It owns its
// own mutex; StateTransitionLogic holds its own per-execution mutex above
// this one, so a transition's tracker write and NodeState write happen
// together (a node is RUNNING in at most one execution at a time).
type ExecutionTracker struct {
	mu sync.RWMutex

	records  map[NodeID][]*ExecutionRecord
	runtime  map[NodeID]*NodeRuntimeState
	lastOut  map[NodeID]Envelope
	openRec  map[NodeID]*ExecutionRecord
	order    []NodeID
}

// NewExecutionTracker returns an empty tracker.
func NewExecutionTracker() *ExecutionTracker {
	return &ExecutionTracker{
		records: make(map[NodeID][]*ExecutionRecord),
		runtime: make(map[NodeID]*NodeRuntimeState),
		lastOut: make(map[NodeID]Envelope),
		openRec: make(map[NodeID]*ExecutionRecord),
	}
}

// StartExecution opens a new record for node, incrementing its execution
// count, and marks its runtime flow_status RUNNING. Returns the new
// (1-based) execution number.
func (t *ExecutionTracker) StartExecution(node NodeID) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.records[node]) + 1
	rec := &ExecutionRecord{NodeID: node, ExecutionNumber: n, StartedAt: time.Now()}
	t.records[node] = append(t.records[node], rec)
	t.openRec[node] = rec
	t.runtime[node] = &NodeRuntimeState{FlowStatus: FlowRunning, DependenciesMet: true, IsActive: true}
	return n
}

// CompleteExecution closes the open record for node. On NodeCompleted the
// runtime flow_status becomes WAITING; on NodeFailed it becomes BLOCKED;
// on NodeSkipped/NodeMaxIterReached it becomes WAITING. Completing a node
// with no open record is an InvalidTransitionError.
func (t *ExecutionTracker) CompleteExecution(node NodeID, status NodeStatus, output Envelope, errMsg string, tokens *TokenUsage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.openRec[node]
	if rec == nil {
		return &InvalidTransitionError{NodeID: node, Attempted: string(status), Reason: "complete_execution on node with no open record"}
	}

	now := time.Now()
	rec.EndedAt = &now
	rec.Status = status
	rec.Output = output
	rec.Error = errMsg
	rec.TokenUsage = tokens
	delete(t.openRec, node)

	if output != nil {
		t.lastOut[node] = output
	}
	t.order = append(t.order, node)

	rt := t.runtime[node]
	if rt == nil {
		rt = &NodeRuntimeState{}
		t.runtime[node] = rt
	}
	switch status {
	case NodeCompleted, NodeSkipped, NodeMaxIterReached:
		rt.FlowStatus = FlowWaiting
	case NodeFailed:
		rt.FlowStatus = FlowBlocked
	}
	rt.IsActive = false

	return nil
}

// ExecutionCount returns the number of executions started (completed or
// in-flight) for node.
func (t *ExecutionTracker) ExecutionCount(node NodeID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records[node])
}

// CompletedExecutionCount returns the number of executions of node that
// have finished. It differs from ExecutionCount exactly when node has an
// open record — which is the case for the node currently being dispatched,
// whose own ToRunning has already bumped the started count. Input
// resolution and condition re-readiness key off this one, so that "first
// execution" and "newer upstream output" mean completed work, not work
// merely begun.
func (t *ExecutionTracker) CompletedExecutionCount(node NodeID) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := len(t.records[node])
	if t.openRec[node] != nil {
		n--
	}
	return n
}

// LastOutput returns the envelope from the most recently completed
// execution of node, or nil if none has completed. This persists across
// resets.
func (t *ExecutionTracker) LastOutput(node NodeID) Envelope {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastOut[node]
}

// RuntimeState returns a copy of node's NodeRuntimeState, or the zero value
// if the node has never been touched.
func (t *ExecutionTracker) RuntimeState(node NodeID) NodeRuntimeState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if rt := t.runtime[node]; rt != nil {
		return *rt
	}
	return NodeRuntimeState{}
}

// ResetForIteration returns node to READY/active runtime state without
// touching its records or last output. A no-op if the node has never
// executed.
func (t *ExecutionTracker) ResetForIteration(node NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.records[node]) == 0 {
		return
	}
	t.runtime[node] = &NodeRuntimeState{FlowStatus: FlowReady, DependenciesMet: true, IsActive: true}
}

// Summary returns totals, per-node execution counts, the execution order,
// and aggregate token usage across all completed records.
func (t *ExecutionTracker) Summary() ExecutionSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	sum := ExecutionSummary{
		PerNodeCounts:  make(map[NodeID]int, len(t.records)),
		ExecutionOrder: append([]NodeID(nil), t.order...),
	}
	for node, recs := range t.records {
		sum.PerNodeCounts[node] = len(recs)
		sum.TotalSteps += len(recs)
		for _, r := range recs {
			if r.TokenUsage != nil {
				sum.TotalTokens = sum.TotalTokens.Add(*r.TokenUsage)
			}
		}
	}
	return sum
}

// openRecordMissing reports whether node has no currently-open record,
// i.e. whether CompleteExecution would fail with InvalidTransitionError.
func (t *ExecutionTracker) openRecordMissing(node NodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.openRec[node] == nil
}

// Records returns a copy of the completed+open records for node, oldest
// first. Intended for tests and for rehydrating an ExecutionState.
func (t *ExecutionTracker) Records(node NodeID) []ExecutionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ExecutionRecord, 0, len(t.records[node]))
	for _, r := range t.records[node] {
		out = append(out, *r)
	}
	return out
}

// seedFromPersisted populates the tracker's exec counts and last outputs
// from a persisted ExecutionState, for the resume path (§4.8 step 1). It
// does not reconstruct full ExecutionRecord history (timestamps, per-record
// status are not retained in ExecutionState), only what readiness and input
// resolution need going forward: counts and last outputs.
func (t *ExecutionTracker) seedFromPersisted(state *ExecutionState, diagram *Diagram) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for node, count := range state.ExecCounts {
		recs := make([]*ExecutionRecord, count)
		for i := range recs {
			recs[i] = &ExecutionRecord{NodeID: node, ExecutionNumber: i + 1, Status: NodeCompleted}
		}
		t.records[node] = recs
	}
	for node, se := range state.NodeOutputs {
		env, err := UnmarshalEnvelope(se)
		if err != nil {
			return err
		}
		t.lastOut[node] = env
	}
	t.order = append([]NodeID(nil), state.ExecutedNodes...)
	for node, ns := range state.NodeStates {
		fs := FlowWaiting
		switch ns.Status {
		case NodePending:
			fs = FlowReady
		case NodeRunning:
			fs = FlowRunning
		case NodeFailed:
			fs = FlowBlocked
		}
		t.runtime[node] = &NodeRuntimeState{FlowStatus: fs}
	}
	return nil
}
