// Package observe provides application-wide observability primitives for
// pdmlink: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [Setup] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all pdmlink metrics.
const meterName = "github.com/MrWong99/pdmlink"

// Capture error kinds used with [Metrics.RecordCaptureError].
const (
	CaptureErrorTimeout = "timeout"
	CaptureErrorRead    = "read"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Streaming pipeline ---

	// BlocksCaptured counts blocks delivered by the sampling device.
	BlocksCaptured metric.Int64Counter

	// BlocksSent counts blocks fully written to the output channel.
	BlocksSent metric.Int64Counter

	// BlocksDropped counts blocks discarded because the transfer queue was full.
	BlocksDropped metric.Int64Counter

	// Overruns counts block periods lost because the pool had no free block.
	Overruns metric.Int64Counter

	// CaptureErrors counts failed device reads. Use with attribute:
	//   attribute.String("kind", CaptureErrorTimeout|CaptureErrorRead)
	CaptureErrors metric.Int64Counter

	// TxErrors counts output channel write failures.
	TxErrors metric.Int64Counter

	// TxDuration tracks the time needed to emit one timestamp + PCM frame pair.
	TxDuration metric.Float64Histogram

	// PoolInUse tracks the number of blocks checked out of the pool.
	PoolInUse metric.Int64UpDownCounter

	// --- Scope (host receiver) ---

	// ScopeFrames counts PCM frames decoded by the receiver.
	ScopeFrames metric.Int64Counter

	// ScopeDropped counts decoded frames dropped because the consumer lagged.
	ScopeDropped metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// txBuckets defines histogram bucket boundaries (in seconds) for frame pair
// transmission. A 640-byte block at 921600 baud takes roughly 7 ms.
var txBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.BlocksCaptured, err = m.Int64Counter("pdmlink.blocks.captured",
		metric.WithDescription("Blocks delivered by the sampling device."),
	); err != nil {
		return nil, err
	}
	if met.BlocksSent, err = m.Int64Counter("pdmlink.blocks.sent",
		metric.WithDescription("Blocks written to the output channel."),
	); err != nil {
		return nil, err
	}
	if met.BlocksDropped, err = m.Int64Counter("pdmlink.blocks.dropped",
		metric.WithDescription("Blocks discarded because the transfer queue was full."),
	); err != nil {
		return nil, err
	}
	if met.Overruns, err = m.Int64Counter("pdmlink.blocks.overruns",
		metric.WithDescription("Block periods lost because the block pool was exhausted."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.CaptureErrors, err = m.Int64Counter("pdmlink.capture.errors",
		metric.WithDescription("Failed sampling device reads by kind."),
	); err != nil {
		return nil, err
	}
	if met.TxErrors, err = m.Int64Counter("pdmlink.tx.errors",
		metric.WithDescription("Output channel write failures."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.TxDuration, err = m.Float64Histogram("pdmlink.tx.duration",
		metric.WithDescription("Time to emit one timestamp and PCM frame pair."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(txBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PoolInUse, err = m.Int64UpDownCounter("pdmlink.pool.in_use",
		metric.WithDescription("Blocks currently checked out of the pool."),
	); err != nil {
		return nil, err
	}

	// Scope.
	if met.ScopeFrames, err = m.Int64Counter("pdmlink.scope.frames",
		metric.WithDescription("PCM frames decoded by the scope receiver."),
	); err != nil {
		return nil, err
	}
	if met.ScopeDropped, err = m.Int64Counter("pdmlink.scope.dropped",
		metric.WithDescription("Decoded frames dropped because the consumer lagged."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pdmlink.http.request.duration",
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

// RecordCaptureError is a convenience method that records a capture error
// counter increment with the standard attribute set.
func (m *Metrics) RecordCaptureError(ctx context.Context, kind string) {
	m.CaptureErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
