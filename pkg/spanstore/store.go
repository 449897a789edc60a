// Package spanstore persists trace spans and serves them back for waterfall
// assembly. All backends share one logical schema: spans keyed by
// (trace_id, span_id), written with last-write-wins upserts.
package spanstore

import (
	"context"
	"errors"
	"time"

	"github.com/andrewh/bellhop/pkg/waterfall"
)

// ErrTraceNotFound is returned when a trace has no stored spans.
var ErrTraceNotFound = errors.New("spanstore: trace not found")

// Store is the span persistence interface shared by all backends.
// Its Spans method satisfies waterfall.SpanSource.
type Store interface {
	// WriteSpans upserts spans into the given trace. A span that already
	// exists under the same trace and span ID is replaced entirely.
	WriteSpans(ctx context.Context, traceID string, spans []waterfall.Span) error

	// Spans returns the unordered span set of a trace, or ErrTraceNotFound
	// when the trace has no spans.
	Spans(ctx context.Context, traceID string) ([]waterfall.Span, error)

	// Traces lists stored traces ordered by earliest span start time.
	Traces(ctx context.Context) ([]TraceSummary, error)

	Close() error
}

// Waterfaller is implemented by stores that can compute the waterfall row
// sequence themselves, typically as a hierarchical SQL query. The sequence
// must match waterfall.Rows over the same span set, row for row.
type Waterfaller interface {
	WaterfallRows(ctx context.Context, traceID string) ([]waterfall.OutputRow, error)
}

// TraceSummary describes one stored trace.
type TraceSummary struct {
	TraceID   string    `json:"trace_id"`
	SpanCount int       `json:"span_count"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}
