// Shared fixtures and helpers for the span store backend tests
package spanstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/andrewh/bellhop/pkg/waterfall"
)

var (
	_ Store       = (*Memory)(nil)
	_ Store       = (*SQLite)(nil)
	_ Store       = (*Postgres)(nil)
	_ Waterfaller = (*SQLite)(nil)
	_ Waterfaller = (*Postgres)(nil)

	_ waterfall.SpanSource = (Store)(nil)
)

// ns builds a UTC instant from a nanosecond offset, mirroring how the SQL
// backends materialize stored times.
func ns(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

// sp builds a span; payload may be empty.
func sp(id, parent string, start, end int64, payload string) waterfall.Span {
	s := waterfall.Span{
		SpanID:       id,
		ParentSpanID: parent,
		StartTime:    ns(start),
		EndTime:      ns(end),
	}
	if payload != "" {
		s.Payload = json.RawMessage(payload)
	}
	return s
}

type waterfallFixture struct {
	name  string
	spans []waterfall.Span
	want  []waterfall.OutputRow
}

// waterfallFixtures are scenarios every Waterfaller backend must reproduce
// exactly. Payloads are compared as JSON values because Postgres normalizes
// JSONB formatting.
func waterfallFixtures() []waterfallFixture {
	return []waterfallFixture{
		{
			name: "siblings ordered by start",
			spans: []waterfall.Span{
				sp("span-b", "span-a", 160, 190, ""),
				sp("span-c", "span-a", 120, 150, ""),
				sp("span-a", "", 100, 200, `{"service":"api"}`),
			},
			want: []waterfall.OutputRow{
				{Kind: waterfall.KindPresent, SpanID: "span-a", Depth: 0, StartTime: ns(100), EndTime: ns(200), Payload: json.RawMessage(`{"service":"api"}`)},
				{Kind: waterfall.KindPresent, SpanID: "span-c", Depth: 1, StartTime: ns(120), EndTime: ns(150)},
				{Kind: waterfall.KindPresent, SpanID: "span-b", Depth: 1, StartTime: ns(160), EndTime: ns(190)},
			},
		},
		{
			name: "orphan under synthesized missing root",
			spans: []waterfall.Span{
				sp("span-a", "", 100, 200, ""),
				sp("span-b", "span-a", 160, 190, ""),
				sp("span-c", "span-a", 120, 150, ""),
				sp("span-d", "span-x", 130, 140, `{"service":"worker"}`),
			},
			want: []waterfall.OutputRow{
				{Kind: waterfall.KindPresent, SpanID: "span-a", Depth: 0, StartTime: ns(100), EndTime: ns(200)},
				{Kind: waterfall.KindPresent, SpanID: "span-c", Depth: 1, StartTime: ns(120), EndTime: ns(150)},
				{Kind: waterfall.KindPresent, SpanID: "span-b", Depth: 1, StartTime: ns(160), EndTime: ns(190)},
				{Kind: waterfall.KindMissing, SpanID: "span-x", Depth: 0},
				{Kind: waterfall.KindPresent, SpanID: "span-d", Depth: 1, StartTime: ns(130), EndTime: ns(140), Payload: json.RawMessage(`{"service":"worker"}`)},
			},
		},
		{
			name: "self parent becomes child of its own placeholder",
			spans: []waterfall.Span{
				sp("span-e", "span-e", 50, 80, ""),
			},
			want: []waterfall.OutputRow{
				{Kind: waterfall.KindMissing, SpanID: "span-e", Depth: 0},
				{Kind: waterfall.KindPresent, SpanID: "span-e", Depth: 1, StartTime: ns(50), EndTime: ns(80)},
			},
		},
		{
			name: "explicit roots precede missing roots with earlier subtrees",
			spans: []waterfall.Span{
				sp("span-r", "", 300, 400, ""),
				sp("span-g1", "ghost", 100, 110, ""),
				sp("span-g2", "ghost", 400, 410, ""),
			},
			want: []waterfall.OutputRow{
				{Kind: waterfall.KindPresent, SpanID: "span-r", Depth: 0, StartTime: ns(300), EndTime: ns(400)},
				{Kind: waterfall.KindMissing, SpanID: "ghost", Depth: 0},
				{Kind: waterfall.KindPresent, SpanID: "span-g1", Depth: 1, StartTime: ns(100), EndTime: ns(110)},
				{Kind: waterfall.KindPresent, SpanID: "span-g2", Depth: 1, StartTime: ns(400), EndTime: ns(410)},
			},
		},
		{
			name: "missing roots ordered by earliest reachable start",
			spans: []waterfall.Span{
				sp("span-p", "ghost-late", 500, 510, ""),
				sp("span-q", "ghost-early", 50, 60, ""),
				sp("span-q2", "span-q", 55, 58, ""),
			},
			want: []waterfall.OutputRow{
				{Kind: waterfall.KindMissing, SpanID: "ghost-early", Depth: 0},
				{Kind: waterfall.KindPresent, SpanID: "span-q", Depth: 1, StartTime: ns(50), EndTime: ns(60)},
				{Kind: waterfall.KindPresent, SpanID: "span-q2", Depth: 2, StartTime: ns(55), EndTime: ns(58)},
				{Kind: waterfall.KindMissing, SpanID: "ghost-late", Depth: 0},
				{Kind: waterfall.KindPresent, SpanID: "span-p", Depth: 1, StartTime: ns(500), EndTime: ns(510)},
			},
		},
		{
			name: "tied roots break by span ID bytewise",
			spans: []waterfall.Span{
				sp("alpha", "", 100, 200, ""),
				sp("ALPHA", "", 100, 200, ""),
			},
			want: []waterfall.OutputRow{
				{Kind: waterfall.KindPresent, SpanID: "ALPHA", Depth: 0, StartTime: ns(100), EndTime: ns(200)},
				{Kind: waterfall.KindPresent, SpanID: "alpha", Depth: 0, StartTime: ns(100), EndTime: ns(200)},
			},
		},
		{
			name: "deep chain keeps one child per level",
			spans: []waterfall.Span{
				sp("span-3", "span-2", 130, 140, ""),
				sp("span-1", "", 100, 200, ""),
				sp("span-4", "span-3", 140, 150, ""),
				sp("span-2", "span-1", 120, 160, ""),
			},
			want: []waterfall.OutputRow{
				{Kind: waterfall.KindPresent, SpanID: "span-1", Depth: 0, StartTime: ns(100), EndTime: ns(200)},
				{Kind: waterfall.KindPresent, SpanID: "span-2", Depth: 1, StartTime: ns(120), EndTime: ns(160)},
				{Kind: waterfall.KindPresent, SpanID: "span-3", Depth: 2, StartTime: ns(130), EndTime: ns(140)},
				{Kind: waterfall.KindPresent, SpanID: "span-4", Depth: 3, StartTime: ns(140), EndTime: ns(150)},
			},
		},
	}
}

// requireSameRows asserts got matches want row for row. Payloads are compared
// as JSON values, everything else exactly.
func requireSameRows(t *testing.T, want, got []waterfall.OutputRow) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		w, g := want[i], got[i]
		require.Equalf(t, w.Kind, g.Kind, "row %d kind", i)
		require.Equalf(t, w.SpanID, g.SpanID, "row %d span ID", i)
		require.Equalf(t, w.Depth, g.Depth, "row %d depth", i)
		require.Truef(t, w.StartTime.Equal(g.StartTime), "row %d start: want %v, got %v", i, w.StartTime, g.StartTime)
		require.Truef(t, w.EndTime.Equal(g.EndTime), "row %d end: want %v, got %v", i, w.EndTime, g.EndTime)
		if len(w.Payload) == 0 {
			require.Emptyf(t, g.Payload, "row %d payload", i)
		} else {
			require.JSONEqf(t, string(w.Payload), string(g.Payload), "row %d payload", i)
		}
	}
}

// rowsMatch reports whether two row sequences are identical. Used by the
// parity properties, where both sides come from the same backend and payload
// bytes must agree exactly.
func rowsMatch(a, b []waterfall.OutputRow) bool {
	return slices.EqualFunc(a, b, func(x, y waterfall.OutputRow) bool {
		return x.Kind == y.Kind &&
			x.SpanID == y.SpanID &&
			x.Depth == y.Depth &&
			x.StartTime.Equal(y.StartTime) &&
			x.EndTime.Equal(y.EndTime) &&
			bytes.Equal(x.Payload, y.Payload)
	})
}

// genTraceSpans draws an adversarial span soup: ghost parents, self-parents,
// reference cycles, duplicate IDs, mixed-case IDs and colliding start times.
func genTraceSpans(t *rapid.T) []waterfall.Span {
	n := rapid.IntRange(1, 25).Draw(t, "n")
	ids := make([]string, n)
	for i := range n {
		prefix := rapid.SampledFrom([]string{"span", "SPAN", "aux"}).Draw(t, "prefix")
		ids[i] = fmt.Sprintf("%s-%03d", prefix, i)
	}

	spans := make([]waterfall.Span, 0, n)
	for i := range n {
		id := ids[i]
		if rapid.IntRange(0, 9).Draw(t, "dup") == 0 {
			id = rapid.SampledFrom(ids).Draw(t, "dupID")
		}
		var parent string
		switch rapid.IntRange(0, 3).Draw(t, "parentKind") {
		case 0:
			// explicit root
		case 1:
			parent = rapid.SampledFrom(ids).Draw(t, "parent")
		case 2:
			parent = fmt.Sprintf("ghost-%02d", rapid.IntRange(0, 4).Draw(t, "ghost"))
		case 3:
			parent = id
		}
		start := rapid.Int64Range(0, 50).Draw(t, "start")
		end := start + rapid.Int64Range(0, 100).Draw(t, "dur")
		var payload string
		if rapid.Bool().Draw(t, "hasPayload") {
			payload = fmt.Sprintf(`{"op":"op-%03d"}`, i)
		}
		spans = append(spans, sp(id, parent, start, end, payload))
	}
	return spans
}
