// Package runtime implements the diagram execution runtime: the scheduler,
// readiness evaluator, state-transition machine, execution tracker, input
// resolver, handler dispatch protocol, and execution state store.
package runtime

import "github.com/google/uuid"

// NodeID identifies a node within a Diagram. Equality is by value.
type NodeID string

// EdgeID identifies an edge within a Diagram. Equality is by value.
type EdgeID string

// ExecutionID identifies a single run of a Diagram. Equality is by value.
type ExecutionID string

// DiagramID identifies a Diagram definition. Equality is by value.
type DiagramID string

// Port names a named input or output channel on a node.
type Port string

// Well-known ports. Custom ports are also valid Port values.
const (
	PortDefault   Port = "default"
	PortFirst     Port = "first"
	PortCondTrue  Port = "condtrue"
	PortCondFalse Port = "condfalse"
)

// NewExecutionID returns a fresh random ExecutionID, for callers that do
// not bring their own (tests, one-shot CLI runs).
func NewExecutionID() ExecutionID {
	return ExecutionID(uuid.NewString())
}

// NewEdgeID returns a fresh random EdgeID, for programmatically-built
// diagrams that do not care about stable edge identity.
func NewEdgeID() EdgeID {
	return EdgeID(uuid.NewString())
}
