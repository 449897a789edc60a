// Package waterfall reconstructs a trace's span hierarchy from an unordered
// flat span set and produces a single deterministic, depth-first row sequence
// suitable for rendering a waterfall view. The pipeline is Build (forest with
// placeholder roots for unresolved parents), AssignKeys (hierarchical sort
// keys), Linearize (ordered rows); Rows fuses the three and Resolve runs the
// fused pipeline against a span source for one trace ID.
package waterfall

import (
	"context"
	"encoding/json"
	"time"
)

// Span is one immutable unit of work as sourced from storage.
// Payload is opaque: it is carried through verbatim and never interpreted.
type Span struct {
	SpanID       string          `json:"span_id"`
	ParentSpanID string          `json:"parent_span_id,omitempty"` // empty means root
	StartTime    time.Time       `json:"start_time"`
	EndTime      time.Time       `json:"end_time"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

// NodeKind discriminates the two node variants. Downstream code switches
// exhaustively on it.
type NodeKind string

const (
	// KindPresent marks a node backed by span data.
	KindPresent NodeKind = "present"
	// KindMissing marks a synthesized placeholder for a parent that was
	// referenced but never seen. Missing nodes are always roots.
	KindMissing NodeKind = "missing"
)

// OutputRow is one row of the linearized waterfall. Depth is the number of
// ancestors (roots are 0). Payload and timing are zero-valued on missing rows.
type OutputRow struct {
	Kind      NodeKind        `json:"kind"`
	SpanID    string          `json:"span_id"`
	Depth     int             `json:"depth"`
	StartTime time.Time       `json:"start_time,omitzero"`
	EndTime   time.Time       `json:"end_time,omitzero"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// SpanSource supplies the unordered span set for one trace. Fetching may
// block; everything after it is pure computation.
type SpanSource interface {
	Spans(ctx context.Context, traceID string) ([]Span, error)
}

// Rows runs the full pipeline over an already-materialized span set.
// The result is independent of the input order.
func Rows(spans []Span) []OutputRow {
	f := Build(spans)
	f.AssignKeys()
	return Linearize(f)
}

// Resolve fetches the spans for traceID from src and returns the ordered row
// sequence. Source failures (unknown trace, storage unavailable) are returned
// unchanged; no partial sequence is ever produced.
func Resolve(ctx context.Context, src SpanSource, traceID string) ([]OutputRow, error) {
	spans, err := src.Spans(ctx, traceID)
	if err != nil {
		return nil, err
	}
	return Rows(spans), nil
}
