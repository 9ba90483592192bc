package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	meter := noop.NewMeterProvider().Meter("test")
	sink, err := NewSink(meter)
	require.NoError(t, err)
	return sink
}

func TestRecordRequestAccumulatesFallbackSummary(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		sink.RecordRequest(ctx, Labels{Provider: "openai", Tenant: "t1", Mode: "hybrid", ScoreType: "rrf", Result: ResultOK}, 10*time.Millisecond)
	}
	sink.RecordRequest(ctx, Labels{Result: ResultError}, time.Millisecond)
	sink.RecordRequest(ctx, Labels{Result: ResultSkipped}, time.Millisecond)

	sum := sink.Summary()
	assert.Equal(t, int64(27), sum.TotalRequests)
	assert.Equal(t, 27, sum.SampleCount)
	assert.Equal(t, int64(1), sum.ErrorCount)
	assert.Equal(t, int64(1), sum.SkippedCount)
	assert.Greater(t, sum.P95Latency, time.Duration(0), "P95 should be populated once sample count reaches 20")
}

func TestSummaryOmitsPercentilesBelowMinimumSampleCount(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()
	sink.RecordRequest(ctx, Labels{Result: ResultOK}, 5*time.Millisecond)

	sum := sink.Summary()
	assert.Equal(t, 1, sum.SampleCount)
	assert.Equal(t, time.Duration(0), sum.P95Latency)
	assert.Equal(t, 5*time.Millisecond, sum.AvgLatency)
}

func TestFallbackSummaryWindowEvictsOldestSample(t *testing.T) {
	f := newFallbackSummary(3)
	f.record(Labels{Result: ResultOK}, time.Millisecond)
	f.record(Labels{Result: ResultOK}, 2*time.Millisecond)
	f.record(Labels{Result: ResultOK}, 3*time.Millisecond)
	f.record(Labels{Result: ResultOK}, 100*time.Millisecond)

	sum := f.summary()
	assert.Equal(t, 3, sum.SampleCount, "ring buffer caps sample count at window size")
	assert.Equal(t, int64(4), sum.TotalRequests, "total count keeps growing past the window")
}

func TestQueueAndDLQDepthAndRotationDoNotPanicAgainstNoopMeter(t *testing.T) {
	sink := newTestSink(t)
	ctx := context.Background()
	assert.NotPanics(t, func() {
		sink.SetQueueDepth(ctx, "slack", "t1", 5)
		sink.SetQueueDepth(ctx, "slack", "t1", -2)
		sink.SetDLQDepth(ctx, "slack", 1)
		sink.RecordRotation(ctx, ResultOK)
	})
}
