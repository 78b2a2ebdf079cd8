// Package emit implements the execution runtime's EventBus: a decoupled,
// pub/sub observer mechanism for scheduler progress, adapted from the
// teacher's graph/emit package to the five typed events described in the
// diagram execution runtime's component design.
package emit

import "time"

// Kind discriminates the five event shapes the scheduler emits.
type Kind string

const (
	ExecutionStarted   Kind = "execution_started"
	NodeStarted        Kind = "node_started"
	NodeCompleted      Kind = "node_completed"
	NodeFailed         Kind = "node_failed"
	ExecutionCompleted Kind = "execution_completed"
)

// Event is the payload delivered to every subscriber. Fields not relevant
// to Kind are left zero; Meta carries anything else without forcing a new
// Kind-specific struct for minor extensions.
type Event struct {
	Kind        Kind
	ExecutionID string
	NodeID      string
	NodeType    string
	Status      string
	Error       string
	ErrorType   string
	DurationMS  int64
	TotalSteps  int
	Path        []string
	Timestamp   time.Time
	Meta        map[string]any
}
