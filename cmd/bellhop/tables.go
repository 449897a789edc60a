// Table rendering for waterfall rows, trace listings and load summaries
package main

import (
	"io"
	"strings"
	"time"

	"github.com/andrewh/bellhop/pkg/spanstore"
	"github.com/andrewh/bellhop/pkg/tracein"
	"github.com/andrewh/bellhop/pkg/waterfall"
	"github.com/jedib0t/go-pretty/v6/table"
)

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

// renderWaterfall prints one row per waterfall row, in sequence order. Depth
// is shown by indenting the span ID, timing as an offset from the earliest
// present start.
func renderWaterfall(w io.Writer, rows []waterfall.OutputRow) {
	var origin time.Time
	for _, r := range rows {
		if r.Kind == waterfall.KindPresent && (origin.IsZero() || r.StartTime.Before(origin)) {
			origin = r.StartTime
		}
	}

	tw := newTable(w)
	tw.AppendHeader(table.Row{"Span", "Kind", "Start", "Duration", "Service", "Operation"})
	for _, r := range rows {
		name := strings.Repeat("  ", r.Depth) + r.SpanID
		if r.Kind == waterfall.KindMissing {
			tw.AppendRow(table.Row{name, r.Kind, "", "", "", ""})
			continue
		}
		detail, _ := tracein.ParseDetail(r.Payload)
		tw.AppendRow(table.Row{
			name,
			r.Kind,
			"+" + roundDuration(r.StartTime.Sub(origin)).String(),
			roundDuration(r.EndTime.Sub(r.StartTime)).String(),
			detail.Service,
			detail.Operation,
		})
	}
	tw.Render()
}

func renderTraces(w io.Writer, summaries []spanstore.TraceSummary) {
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Trace", "Spans", "Start", "Duration"})
	for _, s := range summaries {
		tw.AppendRow(table.Row{
			s.TraceID,
			s.SpanCount,
			s.StartTime.Format(time.RFC3339Nano),
			roundDuration(s.EndTime.Sub(s.StartTime)).String(),
		})
	}
	tw.Render()
}

type loadedTrace struct {
	traceID string
	spans   int
	start   time.Time
	end     time.Time
}

func renderLoadSummary(w io.Writer, loaded []loadedTrace) {
	total := 0
	tw := newTable(w)
	tw.AppendHeader(table.Row{"Trace", "Spans", "Start", "Duration"})
	for _, l := range loaded {
		total += l.spans
		tw.AppendRow(table.Row{
			l.traceID,
			l.spans,
			l.start.Format(time.RFC3339Nano),
			roundDuration(l.end.Sub(l.start)).String(),
		})
	}
	tw.AppendFooter(table.Row{"total", total, "", ""})
	tw.Render()
}

// roundDuration trims sub-resolution noise so columns stay readable.
func roundDuration(d time.Duration) time.Duration {
	switch {
	case d >= time.Second:
		return d.Round(100 * time.Millisecond)
	case d >= 100*time.Millisecond:
		return d.Round(10 * time.Millisecond)
	case d >= 10*time.Millisecond:
		return d.Round(time.Millisecond)
	case d >= time.Millisecond:
		return d.Round(100 * time.Microsecond)
	case d >= 100*time.Microsecond:
		return d.Round(10 * time.Microsecond)
	default:
		return d.Round(time.Microsecond)
	}
}
