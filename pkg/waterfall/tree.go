// Forest construction from flat span lists
// Synthesizes placeholder roots for parents referenced but never seen
package waterfall

// Forest holds one trace's nodes, addressed by stable span ID so a
// placeholder can convert to Present in place without pointer rewriting.
// nodes only ever holds Present nodes; missing holds the placeholders,
// which by construction are roots.
type Forest struct {
	nodes         map[string]*Node
	missing       map[string]*Node
	explicitRoots []*Node
	keyed         bool
}

// Build reconstructs the span forest from a flat span list, in any input
// order. Spans whose parent is absent from the set attach under a single
// synthesized placeholder per unresolved parent ID; a span naming itself as
// parent attaches under a placeholder distinct from its own node.
func Build(spans []Span) *Forest {
	f := &Forest{
		nodes:   make(map[string]*Node, len(spans)),
		missing: make(map[string]*Node),
	}
	for _, s := range spans {
		f.add(s)
	}
	return f
}

func (f *Forest) add(s Span) {
	n, seen := f.nodes[s.SpanID]
	if !seen {
		if ph, ok := f.missing[s.SpanID]; ok {
			// The span resolves an existing placeholder: convert it in
			// place, keeping identity and accumulated children, and stop
			// tracking it as a synthetic root.
			delete(f.missing, s.SpanID)
			ph.kind = KindPresent
			n = ph
		} else {
			n = &Node{kind: KindPresent, spanID: s.SpanID}
		}
		f.nodes[s.SpanID] = n
	}

	// Last write wins on the span value; a duplicate never rewires structure.
	n.span = s
	if n.attached {
		return
	}
	n.attached = true

	if s.ParentSpanID == "" {
		f.explicitRoots = append(f.explicitRoots, n)
		return
	}
	parent := f.parentNode(s.SpanID, s.ParentSpanID)
	parent.children = append(parent.children, n)
}

// parentNode returns the attachment target for a span's parent reference:
// the parent's Present node when one exists, otherwise the placeholder for
// that ID, created on first reference. A self-referential parent never
// resolves to the span's own node, which would wire it as its own child.
func (f *Forest) parentNode(spanID, parentID string) *Node {
	if parentID != spanID {
		if p, ok := f.nodes[parentID]; ok {
			return p
		}
	}
	if ph, ok := f.missing[parentID]; ok {
		return ph
	}
	ph := &Node{kind: KindMissing, spanID: parentID}
	f.missing[parentID] = ph
	return ph
}

// Len reports the number of nodes in the forest, placeholders included.
func (f *Forest) Len() int {
	return len(f.nodes) + len(f.missing)
}

// Roots returns the forest's top-level nodes in output order: explicit roots
// first, then missing placeholders, each group ordered per the sort-key
// rules. The returned slice is freshly allocated.
func (f *Forest) Roots() []*Node {
	return f.orderedRoots()
}
