package runtime

import "time"

// NodeStatus is the lifecycle status of a single node within one execution.
type NodeStatus string

const (
	NodePending        NodeStatus = "PENDING"
	NodeRunning        NodeStatus = "RUNNING"
	NodeCompleted      NodeStatus = "COMPLETED"
	NodeFailed         NodeStatus = "FAILED"
	NodeSkipped        NodeStatus = "SKIPPED"
	NodeMaxIterReached NodeStatus = "MAXITER_REACHED"
)

// FlowStatus is the scheduler's view of a node's readiness, distinct from
// NodeStatus: it tracks whether the node is waiting on dependencies, ready
// to dispatch, currently running, or blocked by a failed dependency.
type FlowStatus string

const (
	FlowWaiting FlowStatus = "WAITING"
	FlowReady   FlowStatus = "READY"
	FlowRunning FlowStatus = "RUNNING"
	FlowBlocked FlowStatus = "BLOCKED"
)

// ExecutionStatus is the state of an execution as a whole.
type ExecutionStatus string

const (
	ExecPending   ExecutionStatus = "PENDING"
	ExecRunning   ExecutionStatus = "RUNNING"
	ExecCompleted ExecutionStatus = "COMPLETED"
	ExecFailed    ExecutionStatus = "FAILED"
	ExecAborted   ExecutionStatus = "ABORTED"
)

// ExitCode maps a terminal execution status to the process exit code
// contract: 0 completed, 1 failed, 2 aborted. Any other status — the
// execution never reached a terminal state, which at process exit means a
// load or configuration problem — maps to 3.
func (s ExecutionStatus) ExitCode() int {
	switch s {
	case ExecCompleted:
		return 0
	case ExecFailed:
		return 1
	case ExecAborted:
		return 2
	default:
		return 3
	}
}

// TokenUsage is the aggregate token count attached to a node output or to
// an entire ExecutionState.
type TokenUsage struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Add returns the element-wise sum of two usages.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + o.Input, Output: u.Output + o.Output}
}

// NodeState is the per-node, per-execution lifecycle record: PENDING at
// execution start, RUNNING on dispatch, terminal (COMPLETED/FAILED/SKIPPED/
// MAXITER_REACHED) on handler return, and possibly back to PENDING under an
// iteration reset for loop-participating nodes.
type NodeState struct {
	Status     NodeStatus  `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	EndedAt    *time.Time  `json:"ended_at,omitempty"`
	Error      string      `json:"error,omitempty"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

// ExecutionRecord is an immutable (once completed) historical entry
// describing one invocation of a node. Records are append-only: an
// iteration reset never deletes a record, it appends a new one with
// ExecutionNumber = previous + 1.
type ExecutionRecord struct {
	NodeID         NodeID
	ExecutionNumber int // 1-based
	StartedAt      time.Time
	EndedAt        *time.Time
	Status         NodeStatus
	Output         Envelope
	Error          string
	TokenUsage     *TokenUsage
}

// Duration returns the record's wall-clock duration, or 0 if still open.
func (r ExecutionRecord) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// NodeRuntimeState is mutable scheduling metadata, kept separate from
// ExecutionRecord so that loop re-entry never loses history.
type NodeRuntimeState struct {
	FlowStatus      FlowStatus
	DependenciesMet bool
	IsActive        bool
}

// ExecutionSummary is the read-only snapshot returned by
// ExecutionTracker.Summary: totals, per-node counts, the execution order,
// and aggregate token usage.
type ExecutionSummary struct {
	TotalSteps     int
	PerNodeCounts  map[NodeID]int
	ExecutionOrder []NodeID
	TotalTokens    TokenUsage
}

// ExecutionState is the persistence snapshot of one execution: everything
// needed to resume it, or to report its outcome after it terminates.
type ExecutionState struct {
	ID            ExecutionID               `json:"id"`
	DiagramID     DiagramID                 `json:"diagram_id"`
	Status        ExecutionStatus           `json:"status"`
	StartedAt     time.Time                 `json:"started_at"`
	EndedAt       *time.Time                `json:"ended_at,omitempty"`
	NodeStates    map[NodeID]NodeState      `json:"node_states"`
	NodeOutputs   map[NodeID]SerializedEnvelope `json:"node_outputs"`
	TokenUsage    TokenUsage                `json:"token_usage"`
	Error         string                    `json:"error,omitempty"`
	Variables     map[string]any            `json:"variables"`
	ExecCounts    map[NodeID]int            `json:"exec_counts"`
	ExecutedNodes []NodeID                  `json:"executed_nodes"`
	IsActive      bool                      `json:"is_active"`
	Degraded      bool                      `json:"persistence_degraded,omitempty"`
}

// Clone returns a deep-enough copy of the state suitable for copy-on-read
// access by concurrent callers (e.g. ExecutionContext.GetVariables).
func (s *ExecutionState) Clone() *ExecutionState {
	cp := *s
	cp.NodeStates = make(map[NodeID]NodeState, len(s.NodeStates))
	for k, v := range s.NodeStates {
		cp.NodeStates[k] = v
	}
	cp.NodeOutputs = make(map[NodeID]SerializedEnvelope, len(s.NodeOutputs))
	for k, v := range s.NodeOutputs {
		cp.NodeOutputs[k] = v
	}
	cp.Variables = make(map[string]any, len(s.Variables))
	for k, v := range s.Variables {
		cp.Variables[k] = v
	}
	cp.ExecCounts = make(map[NodeID]int, len(s.ExecCounts))
	for k, v := range s.ExecCounts {
		cp.ExecCounts[k] = v
	}
	cp.ExecutedNodes = append([]NodeID(nil), s.ExecutedNodes...)
	return &cp
}
