// In-memory span store, used for tests and one-shot file workflows
package spanstore

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/andrewh/bellhop/pkg/waterfall"
)

// Memory keeps spans in process memory. Safe for concurrent use.
type Memory struct {
	mu     sync.RWMutex
	traces map[string]map[string]waterfall.Span
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{traces: make(map[string]map[string]waterfall.Span)}
}

func (m *Memory) WriteSpans(_ context.Context, traceID string, spans []waterfall.Span) error {
	if len(spans) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	trace := m.traces[traceID]
	if trace == nil {
		trace = make(map[string]waterfall.Span, len(spans))
		m.traces[traceID] = trace
	}
	for _, s := range spans {
		trace[s.SpanID] = s
	}
	return nil
}

func (m *Memory) Spans(_ context.Context, traceID string) ([]waterfall.Span, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	trace, ok := m.traces[traceID]
	if !ok {
		return nil, ErrTraceNotFound
	}
	out := make([]waterfall.Span, 0, len(trace))
	for _, s := range trace {
		out = append(out, s)
	}
	return out, nil
}

func (m *Memory) Traces(_ context.Context) ([]TraceSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]TraceSummary, 0, len(m.traces))
	for traceID, trace := range m.traces {
		sum := TraceSummary{TraceID: traceID, SpanCount: len(trace)}
		first := true
		for _, s := range trace {
			if first || s.StartTime.Before(sum.StartTime) {
				sum.StartTime = s.StartTime
			}
			if first || s.EndTime.After(sum.EndTime) {
				sum.EndTime = s.EndTime
			}
			first = false
		}
		out = append(out, sum)
	}
	// Earliest start first, trace ID as tie-break, matching the SQL
	// backends' ORDER BY.
	slices.SortFunc(out, func(a, b TraceSummary) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return strings.Compare(a.TraceID, b.TraceID)
	})
	return out, nil
}

func (m *Memory) Close() error {
	return nil
}
