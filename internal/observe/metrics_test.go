package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumValue returns the data-point value matching the given attribute, or -1.
func sumValue(sum metricdata.Sum[int64], key, value string) int64 {
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value
			}
		}
	}
	return -1
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestSessionDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.SessionDuration.Record(ctx, 12.5)
	m.SessionDuration.Record(ctx, 340)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.session.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestCaptureFramesCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCaptureFrames(ctx, "sent", 40)
	m.RecordCaptureFrames(ctx, "sent", 2)
	m.RecordCaptureFrames(ctx, "dropped", 3)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.capture.frames")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := sumValue(sum, "status", "sent"); got != 42 {
		t.Errorf("sent frames = %d, want 42", got)
	}
	if got := sumValue(sum, "status", "dropped"); got != 3 {
		t.Errorf("dropped frames = %d, want 3", got)
	}
}

func TestPlaybackChunksCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPlaybackChunk(ctx, "played")
	m.RecordPlaybackChunk(ctx, "played")
	m.RecordPlaybackChunk(ctx, "malformed")

	rm := collect(t, reader)
	met := findMetric(rm, "parley.playback.chunks")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := sumValue(sum, "status", "played"); got != 2 {
		t.Errorf("played chunks = %d, want 2", got)
	}
	if got := sumValue(sum, "status", "malformed"); got != 1 {
		t.Errorf("malformed chunks = %d, want 1", got)
	}
}

func TestUtterancesCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUtterance(ctx, "user")
	m.RecordUtterance(ctx, "agent")
	m.RecordUtterance(ctx, "agent")

	rm := collect(t, reader)
	met := findMetric(rm, "parley.transcript.utterances")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := sumValue(sum, "role", "agent"); got != 2 {
		t.Errorf("agent utterances = %d, want 2", got)
	}
}

func TestServiceErrorsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordServiceError(ctx, "receive")

	rm := collect(t, reader)
	met := findMetric(rm, "parley.service.errors")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := sumValue(sum, "stage", "receive"); got != 1 {
		t.Errorf("receive errors = %d, want 1", got)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	met := findMetric(rm, "parley.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := sum.DataPoints[0].Value; got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestAttr(t *testing.T) {
	kv := Attr("status", "sent")
	if kv.Key != attribute.Key("status") || kv.Value.AsString() != "sent" {
		t.Errorf("Attr = %v, want status=sent", kv)
	}
}
