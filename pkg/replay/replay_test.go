package replay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/andrewh/bellhop/pkg/waterfall"
)

func newRecorder(t *testing.T) (trace.Tracer, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp.Tracer("replay-test"), exporter
}

func ns(v int64) time.Time {
	return time.Unix(0, v).UTC()
}

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

func stubsByName(stubs tracetest.SpanStubs) map[string]tracetest.SpanStub {
	byName := make(map[string]tracetest.SpanStub, len(stubs))
	for _, s := range stubs {
		byName[s.Name] = s
	}
	return byName
}

func attrMap(stub tracetest.SpanStub) map[string]string {
	m := make(map[string]string, len(stub.Attributes))
	for _, attr := range stub.Attributes {
		m[string(attr.Key)] = attr.Value.Emit()
	}
	return m
}

func TestReplayEmitsHierarchy(t *testing.T) {
	tracer, exporter := newRecorder(t)

	f := waterfall.Build([]waterfall.Span{
		sp("span-a", "", 100, 400, `{"service":"api","operation":"checkout"}`),
		sp("span-b", "span-a", 150, 300, `{"service":"payments","operation":"charge","kind":"client"}`),
	})

	stats, err := Replay(context.Background(), tracer, f)
	require.NoError(t, err)
	assert.Equal(t, Stats{Spans: 2}, stats)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	byName := stubsByName(spans)

	root, ok := byName["checkout"]
	require.True(t, ok, "root span should be named from its payload operation")
	child, ok := byName["charge"]
	require.True(t, ok)

	assert.Equal(t, root.SpanContext.SpanID(), child.Parent.SpanID())
	assert.Equal(t, root.SpanContext.TraceID(), child.SpanContext.TraceID())
	assert.Equal(t, trace.SpanKindClient, child.SpanKind)

	assert.True(t, root.StartTime.Equal(ns(100)))
	assert.True(t, root.EndTime.Equal(ns(400)))
	assert.True(t, child.StartTime.Equal(ns(150)))
	assert.True(t, child.EndTime.Equal(ns(300)))

	attrs := attrMap(child)
	assert.Equal(t, "span-b", attrs["bellhop.span_id"])
	assert.Equal(t, "payments", attrs["bellhop.service"])
}

func TestReplaySynthesizesMissingParent(t *testing.T) {
	tracer, exporter := newRecorder(t)

	f := waterfall.Build([]waterfall.Span{
		sp("span-d", "span-x", 130, 140, `{"operation":"orphan-op"}`),
	})

	stats, err := Replay(context.Background(), tracer, f)
	require.NoError(t, err)
	assert.Equal(t, Stats{Spans: 2, Synthesized: 1}, stats)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	byName := stubsByName(spans)

	parent, ok := byName["missing-span"]
	require.True(t, ok, "missing parent should be synthesized")
	orphan := byName["orphan-op"]

	assert.Equal(t, parent.SpanContext.SpanID(), orphan.Parent.SpanID())

	attrs := attrMap(parent)
	assert.Equal(t, "span-x", attrs["bellhop.span_id"])
	assert.Equal(t, "true", attrs["bellhop.synthesized"])

	// The placeholder spans its subtree's time window.
	assert.True(t, parent.StartTime.Equal(ns(130)))
	assert.True(t, parent.EndTime.Equal(ns(140)))
}

func TestReplayErrorStatus(t *testing.T) {
	tracer, exporter := newRecorder(t)

	f := waterfall.Build([]waterfall.Span{
		sp("span-a", "", 100, 200, `{"operation":"pay","error":true,"status_message":"card declined"}`),
	})

	stats, err := Replay(context.Background(), tracer, f)
	require.NoError(t, err)
	assert.Equal(t, Stats{Spans: 1, Errors: 1}, stats)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, sdktrace.Status{Code: codes.Error, Description: "card declined"}, spans[0].Status)
}

func TestReplayAttributesCarried(t *testing.T) {
	tracer, exporter := newRecorder(t)

	f := waterfall.Build([]waterfall.Span{
		sp("span-a", "", 100, 200, `{"operation":"op","attributes":{"http.method":"GET","peer":"db-1"}}`),
	})

	_, err := Replay(context.Background(), tracer, f)
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	attrs := attrMap(spans[0])
	assert.Equal(t, "GET", attrs["http.method"])
	assert.Equal(t, "db-1", attrs["peer"])
}

func TestReplayFallsBackToSpanID(t *testing.T) {
	tracer, exporter := newRecorder(t)

	// No payload at all: the span ID becomes the name.
	f := waterfall.Build([]waterfall.Span{
		sp("span-bare", "", 100, 200, ""),
	})

	_, err := Replay(context.Background(), tracer, f)
	require.NoError(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "span-bare", spans[0].Name)
	assert.Equal(t, trace.SpanKindUnspecified, spans[0].SpanKind)
}

func TestReplaySelfParent(t *testing.T) {
	tracer, exporter := newRecorder(t)

	f := waterfall.Build([]waterfall.Span{
		sp("span-e", "span-e", 50, 80, `{"operation":"loop"}`),
	})

	stats, err := Replay(context.Background(), tracer, f)
	require.NoError(t, err)
	assert.Equal(t, Stats{Spans: 2, Synthesized: 1}, stats)

	spans := exporter.GetSpans()
	require.Len(t, spans, 2)
	byName := stubsByName(spans)

	// The placeholder and the real span share the referenced ID but are
	// distinct emitted spans, parent and child.
	parent := byName["missing-span"]
	child := byName["loop"]
	assert.Equal(t, "span-e", attrMap(parent)["bellhop.span_id"])
	assert.Equal(t, "span-e", attrMap(child)["bellhop.span_id"])
	assert.Equal(t, parent.SpanContext.SpanID(), child.Parent.SpanID())
	assert.NotEqual(t, parent.SpanContext.SpanID(), child.SpanContext.SpanID())
}

func TestReplayEmptyForest(t *testing.T) {
	tracer, exporter := newRecorder(t)

	stats, err := Replay(context.Background(), tracer, waterfall.Build(nil))
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
	assert.Empty(t, exporter.GetSpans())
}

func TestReplayCancelledContext(t *testing.T) {
	tracer, exporter := newRecorder(t)

	f := waterfall.Build([]waterfall.Span{
		sp("span-a", "", 100, 200, ""),
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Replay(ctx, tracer, f)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, exporter.GetSpans())
}

func TestReplayStatsCountMixedForest(t *testing.T) {
	tracer, _ := newRecorder(t)

	f := waterfall.Build([]waterfall.Span{
		sp("span-a", "", 100, 400, `{"operation":"root"}`),
		sp("span-b", "span-a", 150, 300, `{"operation":"ok-child"}`),
		sp("span-c", "span-a", 160, 310, `{"operation":"bad-child","error":true}`),
		sp("span-d", "ghost-1", 130, 140, ""),
		sp("span-e", "ghost-2", 135, 145, `{"error":true}`),
	})

	stats, err := Replay(context.Background(), tracer, f)
	require.NoError(t, err)
	assert.Equal(t, Stats{Spans: 7, Synthesized: 2, Errors: 2}, stats)
}
