// Package replay re-emits stored traces through the OpenTelemetry SDK so a
// collector or backend can receive them again. The SDK owns span identity:
// emitted spans get fresh IDs and the original IDs ride along as attributes.
package replay

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/andrewh/bellhop/pkg/tracein"
	"github.com/andrewh/bellhop/pkg/waterfall"
)

// Stats counts what one replay emitted.
type Stats struct {
	// Spans is the total number of spans emitted, synthesized ones included.
	Spans int
	// Synthesized counts placeholder parents emitted for missing spans.
	Synthesized int
	// Errors counts spans replayed with error status.
	Errors int
}

// Replay walks the forest depth-first and emits one span per node through
// tracer. Present nodes keep their original timestamps, names, attributes and
// status; missing placeholders become synthesized parents spanning their
// children so the emitted trace stays rooted. On context cancellation the
// walk stops and the stats emitted so far are returned with the error.
func Replay(ctx context.Context, tracer trace.Tracer, f *waterfall.Forest) (Stats, error) {
	f.AssignKeys()

	var stats Stats
	for _, root := range f.Roots() {
		if err := emitNode(ctx, tracer, root, &stats); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func emitNode(ctx context.Context, tracer trace.Tracer, n *waterfall.Node, stats *Stats) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	sp, ok := n.Span()
	if !ok {
		return emitSynthesized(ctx, tracer, n, stats)
	}

	// The payload is opaque everywhere else; replay owns the Detail schema
	// and falls back to bare identity when a payload doesn't carry it.
	detail, _ := tracein.ParseDetail(sp.Payload)
	name := detail.Operation
	if name == "" {
		name = sp.SpanID
	}

	attrs := []attribute.KeyValue{attribute.String("bellhop.span_id", sp.SpanID)}
	if detail.Service != "" {
		attrs = append(attrs, attribute.String("bellhop.service", detail.Service))
	}
	for k, v := range detail.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	spanCtx, span := tracer.Start(ctx, name,
		trace.WithTimestamp(sp.StartTime),
		trace.WithSpanKind(spanKind(detail.Kind)),
		trace.WithAttributes(attrs...),
	)
	if detail.IsError {
		span.SetStatus(codes.Error, detail.StatusMessage)
		stats.Errors++
	}
	stats.Spans++

	for _, c := range n.Children() {
		if err := emitNode(spanCtx, tracer, c, stats); err != nil {
			span.End(trace.WithTimestamp(sp.EndTime))
			return err
		}
	}
	span.End(trace.WithTimestamp(sp.EndTime))
	return nil
}

// emitSynthesized emits a placeholder parent covering the time window of its
// subtree. Placeholders carry no timing of their own, so the window comes
// from their Present descendants.
func emitSynthesized(ctx context.Context, tracer trace.Tracer, n *waterfall.Node, stats *Stats) error {
	start, end := subtreeWindow(n)
	spanCtx, span := tracer.Start(ctx, "missing-span",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.Bool("bellhop.synthesized", true),
			attribute.String("bellhop.span_id", n.SpanID()),
		),
	)
	stats.Spans++
	stats.Synthesized++

	for _, c := range n.Children() {
		if err := emitNode(spanCtx, tracer, c, stats); err != nil {
			span.End(trace.WithTimestamp(end))
			return err
		}
	}
	span.End(trace.WithTimestamp(end))
	return nil
}

// subtreeWindow returns the earliest start and latest end over all Present
// nodes in n's subtree.
func subtreeWindow(n *waterfall.Node) (time.Time, time.Time) {
	var start, end time.Time
	var walk func(*waterfall.Node)
	walk = func(m *waterfall.Node) {
		if sp, ok := m.Span(); ok {
			if start.IsZero() || sp.StartTime.Before(start) {
				start = sp.StartTime
			}
			if end.IsZero() || sp.EndTime.After(end) {
				end = sp.EndTime
			}
		}
		for _, c := range m.Children() {
			walk(c)
		}
	}
	walk(n)
	return start, end
}

// spanKind maps a Detail kind string back to the OTel span kind.
func spanKind(s string) trace.SpanKind {
	switch s {
	case "internal":
		return trace.SpanKindInternal
	case "server":
		return trace.SpanKindServer
	case "client":
		return trace.SpanKindClient
	case "producer":
		return trace.SpanKindProducer
	case "consumer":
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindUnspecified
	}
}
