// Hierarchical sort keys: root-to-node paths compared lexicographically
// Key order reproduces pre-order DFS with siblings in start-time order
package waterfall

import (
	"cmp"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Key is a node's path from an implicit super-root: the root rank followed by
// the 1-based sibling rank at each level below it.
type Key []int

// Compare orders keys lexicographically element by element; a key that is a
// strict prefix of another precedes it. This order is exactly pre-order
// depth-first traversal with siblings visited by ascending start time.
func (k Key) Compare(o Key) int {
	for i := 0; i < len(k) && i < len(o); i++ {
		if c := cmp.Compare(k[i], o[i]); c != 0 {
			return c
		}
	}
	return cmp.Compare(len(k), len(o))
}

// String renders the key as dot-separated ranks, e.g. "2.1.3".
func (k Key) String() string {
	if len(k) == 0 {
		return ""
	}
	var b strings.Builder
	for i, r := range k {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(strconv.Itoa(r))
	}
	return b.String()
}

// AssignKeys gives every node its sort key. Explicit roots are ranked first
// by ascending (start time, span ID) starting at 1; missing placeholders
// continue the numbering, ordered by the minimum start time over their
// Present descendants (span ID as tie-break). Children get the parent key
// extended with their 1-based rank among siblings in the same order.
// Idempotent; Linearize calls it when needed.
func (f *Forest) AssignKeys() {
	if f.keyed {
		return
	}
	for i, root := range f.orderedRoots() {
		root.key = Key{i + 1}
		assignChildKeys(root)
	}
	f.keyed = true
}

func assignChildKeys(n *Node) {
	sortSiblings(n.children)
	for i, c := range n.children {
		k := make(Key, len(n.key)+1)
		copy(k, n.key)
		k[len(n.key)] = i + 1
		c.key = k
		assignChildKeys(c)
	}
}

// sortSiblings orders children by ascending start time, span ID as the
// deterministic tie-break. Children are always Present nodes.
func sortSiblings(children []*Node) {
	slices.SortFunc(children, func(a, b *Node) int {
		if c := a.span.StartTime.Compare(b.span.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.spanID, b.spanID)
	})
}

func (f *Forest) orderedRoots() []*Node {
	explicit := slices.Clone(f.explicitRoots)
	slices.SortFunc(explicit, func(a, b *Node) int {
		if c := a.span.StartTime.Compare(b.span.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.spanID, b.spanID)
	})

	// Placeholders carry no timing of their own; they order by the earliest
	// Present descendant, after all explicit roots.
	type rankedMissing struct {
		node     *Node
		minStart int64
	}
	ranked := make([]rankedMissing, 0, len(f.missing))
	for _, ph := range f.missing {
		ranked = append(ranked, rankedMissing{node: ph, minStart: subtreeMinStart(ph)})
	}
	slices.SortFunc(ranked, func(a, b rankedMissing) int {
		if c := cmp.Compare(a.minStart, b.minStart); c != 0 {
			return c
		}
		return strings.Compare(a.node.spanID, b.node.spanID)
	})

	roots := make([]*Node, 0, len(explicit)+len(ranked))
	roots = append(roots, explicit...)
	for _, r := range ranked {
		roots = append(roots, r.node)
	}
	return roots
}

// subtreeMinStart returns the minimum start time (unix nanoseconds) over all
// Present nodes in n's subtree. A subtree with no Present node reports
// math.MaxInt64 so it sorts last; that cannot arise from Build (a placeholder
// always has at least one Present child) but is kept as explicit policy.
func subtreeMinStart(n *Node) int64 {
	best := int64(math.MaxInt64)
	if n.kind == KindPresent {
		best = n.span.StartTime.UnixNano()
	}
	for _, c := range n.children {
		if s := subtreeMinStart(c); s < best {
			best = s
		}
	}
	return best
}
