// Node accessors for the two-variant span tree
package waterfall

// Node is either a Present span or a Missing placeholder, plus its ordered
// children. Children are only ever Present nodes: a placeholder that gains
// span data converts to Present in place, keeping its identity and children.
type Node struct {
	kind     NodeKind
	spanID   string
	span     Span // valid only when kind == KindPresent
	children []*Node
	key      Key
	attached bool // structurally wired (root mark or parent attachment)
}

// Kind reports the node variant.
func (n *Node) Kind() NodeKind { return n.kind }

// SpanID returns the node's span identifier. For missing nodes this is the
// unresolved parent reference the placeholder was synthesized for.
func (n *Node) SpanID() string { return n.spanID }

// Span returns the node's span data. ok is false for missing placeholders.
func (n *Node) Span() (Span, bool) {
	if n.kind != KindPresent {
		return Span{}, false
	}
	return n.span, true
}

// Children returns the node's children. The slice is ordered by ascending
// (start time, span ID) once keys have been assigned; before that it reflects
// attachment order. Callers must not mutate it.
func (n *Node) Children() []*Node { return n.children }

// Key returns the node's hierarchical sort key. Empty until AssignKeys runs.
func (n *Node) Key() Key { return n.key }
