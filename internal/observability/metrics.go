// Package observability wires OTel metric instruments for every component
// and offers an in-process P95 summary fallback for synchronous callers
// (e.g. GET /_admin/metrics_summary) that cannot round-trip through an OTel
// collector, generalizing the teacher's gorm.Store.PoolMetrics sliding
// window into a general-purpose, label-aware histogram/counter sink.
package observability

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result is the fixed, low-cardinality outcome label every recorded
// operation carries (SPEC_FULL.md §4.9).
type Result string

const (
	ResultOK      Result = "ok"
	ResultError   Result = "error"
	ResultSkipped Result = "skipped"
)

// Labels is the fixed attribute set every Sink call accepts. Only these
// dimensions are ever reported — no caller may add ad-hoc label keys,
// keeping cardinality bounded.
type Labels struct {
	Provider  string
	Tenant    string
	Mode      string
	ScoreType string
	Result    Result
}

func (l Labels) attrs() []attrKV {
	return []attrKV{
		{"provider", l.Provider},
		{"tenant", l.Tenant},
		{"mode", l.Mode},
		{"score_type", l.ScoreType},
		{"result", string(l.Result)},
	}
}

type attrKV struct {
	key, value string
}

// Sink records counters and latency histograms. Every call is best-effort
// and non-blocking: callers never wait on export (SPEC_FULL.md §4.9).
type Sink struct {
	requestTotal  metric.Int64Counter
	requestLatency metric.Float64Histogram
	dlqDepth      metric.Int64UpDownCounter
	queueDepth    metric.Int64UpDownCounter
	rotationTotal metric.Int64Counter
	retrievalUplift metric.Float64Gauge

	fallback *fallbackSummary
}

// NewSink builds a Sink against the given meter. meter may be the global
// no-op meter when no collector is configured; instrument creation never
// fails in that case.
func NewSink(meter metric.Meter) (*Sink, error) {
	requestTotal, err := meter.Int64Counter("lattice_requests_total",
		metric.WithDescription("Requests processed, by provider/tenant/mode/score_type/result"))
	if err != nil {
		return nil, err
	}
	requestLatency, err := meter.Float64Histogram("lattice_request_latency_seconds",
		metric.WithDescription("Request latency in seconds"))
	if err != nil {
		return nil, err
	}
	dlqDepth, err := meter.Int64UpDownCounter("lattice_connector_dlq_depth",
		metric.WithDescription("Current dead-letter queue depth"))
	if err != nil {
		return nil, err
	}
	queueDepth, err := meter.Int64UpDownCounter("lattice_connector_queue_depth",
		metric.WithDescription("Current per-(provider,tenant) ingestion queue depth"))
	if err != nil {
		return nil, err
	}
	rotationTotal, err := meter.Int64Counter("lattice_connector_rotation_total",
		metric.WithDescription("KEK rotation attempts, by result"))
	if err != nil {
		return nil, err
	}
	retrievalUplift, err := meter.Float64Gauge("lattice_retrieval_uplift",
		metric.WithDescription("Operator-set measured uplift of a retrieval mode over the vector-only baseline"))
	if err != nil {
		return nil, err
	}

	return &Sink{
		requestTotal:   requestTotal,
		requestLatency: requestLatency,
		dlqDepth:       dlqDepth,
		queueDepth:     queueDepth,
		rotationTotal:  rotationTotal,
		retrievalUplift: retrievalUplift,
		fallback:       newFallbackSummary(200),
	}, nil
}

// RecordRetrievalUplift sets the uplift gauge for one score_type (e.g.
// "hybrid" or "weighted_fusion"), reported by an operator via
// POST /_admin/metrics/retrieval_uplift after an offline evaluation run.
func (s *Sink) RecordRetrievalUplift(ctx context.Context, scoreType string, value float64) {
	s.retrievalUplift.Record(ctx, value, toOtelOption([]attrKV{{"score_type", scoreType}}))
}

// RecordRequest records one completed operation's outcome and latency.
func (s *Sink) RecordRequest(ctx context.Context, l Labels, latency time.Duration) {
	attrs := toOtelOption(l.attrs())
	s.requestTotal.Add(ctx, 1, attrs)
	s.requestLatency.Record(ctx, latency.Seconds(), attrs)
	s.fallback.record(l, latency)
}

// SetQueueDepth reports the current depth of one (provider,tenant) queue.
// Callers pass the signed delta since their last report.
func (s *Sink) SetQueueDepth(ctx context.Context, provider, tenant string, delta int64) {
	s.queueDepth.Add(ctx, delta, toOtelOption([]attrKV{{"provider", provider}, {"tenant", tenant}}))
}

// SetDLQDepth reports a signed delta in DLQ depth.
func (s *Sink) SetDLQDepth(ctx context.Context, provider string, delta int64) {
	s.dlqDepth.Add(ctx, delta, toOtelOption([]attrKV{{"provider", provider}}))
}

// RecordRotation records one KEK rotation attempt's outcome.
func (s *Sink) RecordRotation(ctx context.Context, result Result) {
	s.rotationTotal.Add(ctx, 1, toOtelOption([]attrKV{{"result", string(result)}}))
}

// Summary is the in-process fallback view exposed by GET /_admin/metrics_summary.
type Summary struct {
	TotalRequests int64         `json:"total_requests"`
	SampleCount   int           `json:"sample_count"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`
	P50Latency    time.Duration `json:"p50_latency_ns,omitempty"`
	P95Latency    time.Duration `json:"p95_latency_ns,omitempty"`
	P99Latency    time.Duration `json:"p99_latency_ns,omitempty"`
	ErrorCount    int64         `json:"error_count"`
	SkippedCount  int64         `json:"skipped_count"`
}

// Summary returns the current in-process fallback snapshot.
func (s *Sink) Summary() Summary {
	return s.fallback.summary()
}

// fallbackSummary is a fixed-size ring buffer of recent latencies plus
// result counters, directly generalizing gorm.Store.PoolMetrics.
type fallbackSummary struct {
	mu         sync.RWMutex
	samples    []time.Duration
	idx, count int
	windowSize int
	total      int64
	errors     int64
	skipped    int64
}

func newFallbackSummary(windowSize int) *fallbackSummary {
	if windowSize <= 0 {
		windowSize = 200
	}
	return &fallbackSummary{samples: make([]time.Duration, windowSize), windowSize: windowSize}
}

func (f *fallbackSummary) record(l Labels, latency time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples[f.idx] = latency
	f.idx = (f.idx + 1) % f.windowSize
	if f.count < f.windowSize {
		f.count++
	}
	f.total++
	switch l.Result {
	case ResultError:
		f.errors++
	case ResultSkipped:
		f.skipped++
	}
}

func (f *fallbackSummary) summary() Summary {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := Summary{TotalRequests: f.total, SampleCount: f.count, ErrorCount: f.errors, SkippedCount: f.skipped}
	if f.count == 0 {
		return out
	}
	var sum time.Duration
	for i := 0; i < f.count; i++ {
		sum += f.samples[i]
	}
	out.AvgLatency = sum / time.Duration(f.count)
	if f.count >= 20 {
		sorted := make([]time.Duration, f.count)
		copy(sorted, f.samples[:f.count])
		slices.Sort(sorted)
		out.P50Latency = percentile(sorted, 0.50)
		out.P95Latency = percentile(sorted, 0.95)
		out.P99Latency = percentile(sorted, 0.99)
	}
	return out
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func toOtelOption(kvs []attrKV) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, len(kvs))
	for _, kv := range kvs {
		if kv.value == "" {
			continue
		}
		attrs = append(attrs, attribute.String(kv.key, kv.value))
	}
	return metric.WithAttributes(attrs...)
}
