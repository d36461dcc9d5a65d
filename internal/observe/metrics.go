// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, tracing helpers, and the Prometheus scrape
// endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// SessionDuration tracks wall-clock length of voice sessions, from
	// connect to teardown.
	SessionDuration metric.Float64Histogram

	// CaptureFrames counts microphone frames by outcome. Use with attribute:
	//   attribute.String("status", "sent"|"dropped")
	CaptureFrames metric.Int64Counter

	// PlaybackChunks counts inbound audio chunks by outcome. Use with attribute:
	//   attribute.String("status", "played"|"malformed")
	PlaybackChunks metric.Int64Counter

	// BargeIns counts interruption signals that flushed scheduled playback.
	BargeIns metric.Int64Counter

	// Utterances counts completed transcript entries. Use with attribute:
	//   attribute.String("role", ...)
	Utterances metric.Int64Counter

	// ServiceErrors counts fatal service-side session errors by stage.
	ServiceErrors metric.Int64Counter

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// sessionBuckets defines histogram bucket boundaries (in seconds) sized for
// conversation lengths rather than request latencies.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("parley.session.duration",
		metric.WithDescription("Wall-clock duration of voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureFrames, err = m.Int64Counter("parley.capture.frames",
		metric.WithDescription("Total microphone frames by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("parley.playback.chunks",
		metric.WithDescription("Total inbound audio chunks by decode status."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("parley.playback.barge_ins",
		metric.WithDescription("Total interruptions that stopped scheduled playback."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("parley.transcript.utterances",
		metric.WithDescription("Total completed transcript entries by role."),
	); err != nil {
		return nil, err
	}
	if met.ServiceErrors, err = m.Int64Counter("parley.service.errors",
		metric.WithDescription("Total fatal service errors by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
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

// RecordCaptureFrames is a convenience method that adds n to the capture
// frame counter with the given delivery status.
func (m *Metrics) RecordCaptureFrames(ctx context.Context, status string, n int64) {
	m.CaptureFrames.Add(ctx, n,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordPlaybackChunk is a convenience method that records one inbound audio
// chunk with the given decode status.
func (m *Metrics) RecordPlaybackChunk(ctx context.Context, status string) {
	m.PlaybackChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordUtterance is a convenience method that records one completed
// transcript entry for role.
func (m *Metrics) RecordUtterance(ctx context.Context, role string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordServiceError is a convenience method that records a fatal service
// error attributed to the pipeline stage that observed it.
func (m *Metrics) RecordServiceError(ctx context.Context, stage string) {
	m.ServiceErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
