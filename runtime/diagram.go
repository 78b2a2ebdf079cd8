package runtime

// NodeType tags a node with the handler that executes it. The set is
// closed: HandlerRegistry rejects any tag it has not been given a handler
// for at dispatch time.
type NodeType string

const (
	NodeTypeStart      NodeType = "start"
	NodeTypeEndpoint   NodeType = "endpoint"
	NodeTypeCondition  NodeType = "condition"
	NodeTypeCodeJob    NodeType = "code_job"
	NodeTypePersonJob  NodeType = "person_job"
	NodeTypeSubDiagram NodeType = "sub_diagram"
)

// Node is one vertex of a Diagram: a type tag plus type-specific static
// configuration. Config is intentionally untyped at this layer — each
// Handler interprets its own node's Config; the runtime never inspects it
// except through the optional TemplateVariables hook (see readiness.go).
type Node struct {
	ID          NodeID
	Type        NodeType
	Label       string
	Config      map[string]any
	MaxIteration int // PersonJob only; 0 means "unset" and is not enforced.
}

// TransformRule describes a per-edge projection applied by the
// InputResolver before the envelope reaches a handler.
type TransformRule struct {
	ContentType ContentType
}

// Edge is a directed wire from a source node's output port to a target
// node's input port. A Diagram is a multigraph: more than one edge may
// share the same (source, target) pair on different ports.
type Edge struct {
	ID           EdgeID
	SourceNodeID NodeID
	SourcePort   Port
	TargetNodeID NodeID
	TargetPort   Port
	Transform    *TransformRule
}

// Diagram is the immutable input to an execution: an ordered set of nodes
// and edges. Diagrams are constructed once (by a loader outside this
// package's scope) and never mutated during execution.
type Diagram struct {
	ID    DiagramID
	Nodes []Node
	Edges []Edge

	byID          map[NodeID]*Node
	outgoingBySrc map[NodeID][]Edge
	incomingByTgt map[NodeID][]Edge
}

// NewDiagram builds a Diagram and its lookup indexes from nodes and edges.
// The returned value's indexes are fixed at construction; Diagram is treated
// as immutable from then on.
func NewDiagram(id DiagramID, nodes []Node, edges []Edge) *Diagram {
	d := &Diagram{
		ID:            id,
		Nodes:         nodes,
		Edges:         edges,
		byID:          make(map[NodeID]*Node, len(nodes)),
		outgoingBySrc: make(map[NodeID][]Edge),
		incomingByTgt: make(map[NodeID][]Edge),
	}
	for i := range d.Nodes {
		n := &d.Nodes[i]
		d.byID[n.ID] = n
	}
	for _, e := range edges {
		d.outgoingBySrc[e.SourceNodeID] = append(d.outgoingBySrc[e.SourceNodeID], e)
		d.incomingByTgt[e.TargetNodeID] = append(d.incomingByTgt[e.TargetNodeID], e)
	}
	return d
}

// GetNode returns the node with the given id, or nil if absent.
func (d *Diagram) GetNode(id NodeID) *Node {
	return d.byID[id]
}

// IncomingEdges returns the edges targeting id, in diagram order.
func (d *Diagram) IncomingEdges(id NodeID) []Edge {
	return d.incomingByTgt[id]
}

// OutgoingEdges returns the edges sourced at id, in diagram order.
func (d *Diagram) OutgoingEdges(id NodeID) []Edge {
	return d.outgoingBySrc[id]
}
