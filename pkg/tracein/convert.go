// Conversions between ingested spans and the waterfall span shape
package tracein

import (
	"encoding/json"

	"github.com/andrewh/bellhop/pkg/waterfall"
)

// Waterfall converts the span to the storage shape, serialising Detail as
// the opaque payload. Detail marshals deterministically (map keys sorted),
// so equal details always produce byte-equal payloads.
func (s Span) Waterfall() waterfall.Span {
	payload, _ := json.Marshal(s.Detail) //nolint:errcheck // plain strings and maps cannot fail to marshal
	return waterfall.Span{
		SpanID:       s.SpanID,
		ParentSpanID: s.ParentSpanID,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		Payload:      payload,
	}
}

// ToWaterfall converts a span list to the storage shape.
func ToWaterfall(spans []Span) []waterfall.Span {
	out := make([]waterfall.Span, len(spans))
	for i, s := range spans {
		out[i] = s.Waterfall()
	}
	return out
}

// GroupByTrace buckets spans by trace ID, preserving input order within
// each trace.
func GroupByTrace(spans []Span) map[string][]Span {
	byTrace := make(map[string][]Span)
	for _, s := range spans {
		byTrace[s.TraceID] = append(byTrace[s.TraceID], s)
	}
	return byTrace
}

// ParseDetail decodes a waterfall payload back into its Detail fields.
// Unknown payload fields are ignored; an empty payload yields a zero Detail.
func ParseDetail(payload json.RawMessage) (Detail, error) {
	var d Detail
	if len(payload) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(payload, &d); err != nil {
		return Detail{}, err
	}
	return d, nil
}
