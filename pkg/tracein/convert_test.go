// Unit tests for span conversion and payload encoding
package tracein

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaterfall_PayloadEncoding(t *testing.T) {
	s := Span{
		TraceID:      "t1",
		SpanID:       "s1",
		ParentSpanID: "p1",
		StartTime:    time.Unix(0, 100).UTC(),
		EndTime:      time.Unix(0, 200).UTC(),
		Detail: Detail{
			Service:       "api",
			Operation:     "GET /users",
			Kind:          "server",
			IsError:       true,
			StatusMessage: "timeout",
			Attributes:    map[string]string{"http.method": "GET"},
		},
	}

	w := s.Waterfall()
	assert.Equal(t, "s1", w.SpanID)
	assert.Equal(t, "p1", w.ParentSpanID)
	assert.True(t, w.StartTime.Equal(s.StartTime))
	assert.True(t, w.EndTime.Equal(s.EndTime))
	assert.JSONEq(t,
		`{"service":"api","operation":"GET /users","kind":"server","error":true,"status_message":"timeout","attributes":{"http.method":"GET"}}`,
		string(w.Payload))
}

func TestWaterfall_EmptyDetailOmitsFields(t *testing.T) {
	w := Span{SpanID: "s1"}.Waterfall()
	assert.Equal(t, `{}`, string(w.Payload))
}

func TestWaterfall_Deterministic(t *testing.T) {
	s := Span{
		SpanID: "s1",
		Detail: Detail{Attributes: map[string]string{"b": "2", "a": "1", "c": "3"}},
	}
	first := string(s.Waterfall().Payload)
	for range 5 {
		assert.Equal(t, first, string(s.Waterfall().Payload))
	}
}

func TestToWaterfall(t *testing.T) {
	spans := []Span{
		{SpanID: "a", Detail: Detail{Operation: "one"}},
		{SpanID: "b", ParentSpanID: "a", Detail: Detail{Operation: "two"}},
	}
	out := ToWaterfall(spans)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].SpanID)
	assert.Equal(t, "b", out[1].SpanID)
	assert.Equal(t, "a", out[1].ParentSpanID)
}

func TestGroupByTrace(t *testing.T) {
	spans := []Span{
		{TraceID: "t1", SpanID: "a"},
		{TraceID: "t2", SpanID: "b"},
		{TraceID: "t1", SpanID: "c"},
	}
	byTrace := GroupByTrace(spans)
	require.Len(t, byTrace, 2)
	require.Len(t, byTrace["t1"], 2)
	assert.Equal(t, "a", byTrace["t1"][0].SpanID)
	assert.Equal(t, "c", byTrace["t1"][1].SpanID)
	require.Len(t, byTrace["t2"], 1)
}

func TestParseDetail_RoundTrip(t *testing.T) {
	d := Detail{
		Service:    "api",
		Operation:  "op",
		Kind:       "client",
		Attributes: map[string]string{"k": "v"},
	}
	got, err := ParseDetail(Span{Detail: d}.Waterfall().Payload)
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestParseDetail_EmptyPayload(t *testing.T) {
	d, err := ParseDetail(nil)
	require.NoError(t, err)
	assert.Equal(t, Detail{}, d)
}

func TestParseDetail_UnknownFieldsIgnored(t *testing.T) {
	d, err := ParseDetail([]byte(`{"service":"api","custom":{"nested":true}}`))
	require.NoError(t, err)
	assert.Equal(t, "api", d.Service)
}

func TestParseDetail_Invalid(t *testing.T) {
	_, err := ParseDetail([]byte(`{broken`))
	require.Error(t, err)
}
