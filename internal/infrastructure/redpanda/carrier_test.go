package redpanda

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestRecordCarrierRoundTrip(t *testing.T) {
	record := &kgo.Record{}
	carrier := recordCarrier{record: record}

	carrier.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", carrier.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, carrier.Keys())

	// Setting an existing key overwrites instead of duplicating the header.
	carrier.Set("traceparent", "00-abc-def-02")
	assert.Equal(t, "00-abc-def-02", carrier.Get("traceparent"))
	require.Len(t, record.Headers, 1)

	assert.Empty(t, carrier.Get("missing"))
}

func TestRecordCarrierPropagatesTraceContext(t *testing.T) {
	propagator := propagation.TraceContext{}

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	record := &kgo.Record{}
	propagator.Inject(ctx, recordCarrier{record: record})
	require.NotEmpty(t, record.Headers)

	got := trace.SpanContextFromContext(propagator.Extract(context.Background(), recordCarrier{record: record}))
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestDefaultTopicConfigsCoverEveryTopic(t *testing.T) {
	names := make(map[string]bool)
	for _, cfg := range DefaultTopicConfigs() {
		names[cfg.Name] = true
		assert.Positive(t, cfg.Partitions, cfg.Name)
	}
	for _, topic := range []string{TopicStockMovements, TopicStockAlerts, TopicFulfillmentEvents, TopicDeadLetter} {
		assert.True(t, names[topic], topic)
	}
}
