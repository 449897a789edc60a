// Pre-order depth-first row emission in ascending sort-key order
package waterfall

// Linearize emits one OutputRow per node in ascending sort-key order, which
// is pre-order DFS with siblings by start time. Depth counts ancestors, so
// roots (explicit and missing alike) are 0. Assigns keys first if the forest
// has none. An empty forest yields an empty sequence.
func Linearize(f *Forest) []OutputRow {
	f.AssignKeys()
	if f.Len() == 0 {
		return nil
	}
	rows := make([]OutputRow, 0, f.Len())
	for _, root := range f.orderedRoots() {
		rows = emit(rows, root, 0)
	}
	return rows
}

func emit(rows []OutputRow, n *Node, depth int) []OutputRow {
	row := OutputRow{
		Kind:   n.kind,
		SpanID: n.spanID,
		Depth:  depth,
	}
	if n.kind == KindPresent {
		row.StartTime = n.span.StartTime
		row.EndTime = n.span.EndTime
		row.Payload = n.span.Payload
	}
	rows = append(rows, row)
	for _, c := range n.children {
		rows = emit(rows, c, depth+1)
	}
	return rows
}
