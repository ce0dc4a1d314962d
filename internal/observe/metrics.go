// Package observe provides application-wide observability primitives for
// Cortexd: OpenTelemetry metrics, structured logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Cortexd metrics.
const meterName = "github.com/brainloop/cortexd"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Stream ingestion ---

	// SamplesReceived counts samples accepted into the sliding buffer.
	SamplesReceived metric.Int64Counter

	// SamplesDropped counts samples rejected at the buffer boundary. Use
	// with attribute: attribute.String("reason", "duplicate"|"out_of_order").
	SamplesDropped metric.Int64Counter

	// SamplesEvicted counts samples aged out of the sliding buffer.
	SamplesEvicted metric.Int64Counter

	// --- Clock synchronization ---

	// DesyncEvents counts synchronized → desynchronized transitions.
	DesyncEvents metric.Int64Counter

	// Synchronized reports the current sync state (1 = synchronized).
	Synchronized metric.Int64Gauge

	// --- Windowing and scheduling ---

	// WindowsExtracted counts full windows handed to decode slots.
	WindowsExtracted metric.Int64Counter

	// WindowsSkipped counts ticks resolved without a window. Use with
	// attribute: attribute.String("reason", "insufficient_data"|"desynchronized").
	WindowsSkipped metric.Int64Counter

	// TicksOverrun counts ticks dropped because their slot was saturated.
	TicksOverrun metric.Int64Counter

	// --- Decoding ---

	// ResultsEmitted counts decode results delivered to the consumer. Use
	// with attribute: attribute.String("label", ...).
	ResultsEmitted metric.Int64Counter

	// DecodeLatency tracks window-end to emission latency.
	DecodeLatency metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for decode-cycle latencies, which sit well below a second.
var latencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Stream counters.
	if met.SamplesReceived, err = m.Int64Counter("cortexd.samples.received",
		metric.WithDescription("Total samples accepted into the sliding buffer."),
	); err != nil {
		return nil, err
	}
	if met.SamplesDropped, err = m.Int64Counter("cortexd.samples.dropped",
		metric.WithDescription("Total samples rejected at the buffer boundary, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SamplesEvicted, err = m.Int64Counter("cortexd.samples.evicted",
		metric.WithDescription("Total samples aged out of the sliding buffer."),
	); err != nil {
		return nil, err
	}

	// Synchronization.
	if met.DesyncEvents, err = m.Int64Counter("cortexd.sync.desync_events",
		metric.WithDescription("Total synchronized-to-desynchronized transitions."),
	); err != nil {
		return nil, err
	}
	if met.Synchronized, err = m.Int64Gauge("cortexd.sync.synchronized",
		metric.WithDescription("Current clock synchronization state (1 = synchronized)."),
	); err != nil {
		return nil, err
	}

	// Windowing and scheduling.
	if met.WindowsExtracted, err = m.Int64Counter("cortexd.windows.extracted",
		metric.WithDescription("Total full windows handed to decode slots."),
	); err != nil {
		return nil, err
	}
	if met.WindowsSkipped, err = m.Int64Counter("cortexd.windows.skipped",
		metric.WithDescription("Total decode ticks resolved without a window, by reason."),
	); err != nil {
		return nil, err
	}
	if met.TicksOverrun, err = m.Int64Counter("cortexd.ticks.overrun",
		metric.WithDescription("Total decode ticks dropped because their slot was saturated."),
	); err != nil {
		return nil, err
	}

	// Decoding.
	if met.ResultsEmitted, err = m.Int64Counter("cortexd.results.emitted",
		metric.WithDescription("Total decode results delivered to the consumer, by label."),
	); err != nil {
		return nil, err
	}
	if met.DecodeLatency, err = m.Float64Histogram("cortexd.decode.latency",
		metric.WithDescription("Latency from window end to result emission."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("cortexd.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDrop records one or more dropped samples with the standard reason
// attribute.
func (m *Metrics) RecordDrop(ctx context.Context, n int64, reason string) {
	m.SamplesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSkip records a decode tick resolved without a window.
func (m *Metrics) RecordSkip(ctx context.Context, reason string) {
	m.WindowsSkipped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordResult records an emitted decode result and its end-to-emission
// latency.
func (m *Metrics) RecordResult(ctx context.Context, label string, latency time.Duration) {
	m.ResultsEmitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("label", label)),
	)
	m.DecodeLatency.Record(ctx, latency.Seconds())
}

// RecordSyncState records the current clock synchronization state.
func (m *Metrics) RecordSyncState(ctx context.Context, synced bool) {
	v := int64(0)
	if synced {
		v = 1
	}
	m.Synchronized.Record(ctx, v)
}
