package observe

import (
	"context"
	"testing"
	"time"

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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestRecordTranscript(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTranscript(ctx, true)
	m.RecordTranscript(ctx, true)
	m.RecordTranscript(ctx, false)

	rm := collect(t, reader)
	mt := findMetric(rm, "voxscribe.transcripts")
	if mt == nil {
		t.Fatal("voxscribe.transcripts not found")
	}
	sum, ok := mt.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", mt.Data)
	}

	var finals, interims int64
	for _, dp := range sum.DataPoints {
		if kind, ok := dp.Attributes.Value(attribute.Key("kind")); ok {
			switch kind.AsString() {
			case "final":
				finals = dp.Value
			case "interim":
				interims = dp.Value
			}
		}
	}
	if finals != 2 || interims != 1 {
		t.Errorf("finals = %d, interims = %d; want 2, 1", finals, interims)
	}
}

func TestActiveSessionsGauge(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	rm := collect(t, reader)
	mt := findMetric(rm, "voxscribe.active_sessions")
	if mt == nil {
		t.Fatal("voxscribe.active_sessions not found")
	}
	sum, ok := mt.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", mt.Data)
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions = %v, want single data point of 1", sum.DataPoints)
	}
}

func TestRecordTeardownHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTeardown(ctx, 120*time.Millisecond)
	m.RecordTeardown(ctx, 80*time.Millisecond)

	rm := collect(t, reader)
	mt := findMetric(rm, "voxscribe.session.teardown.duration")
	if mt == nil {
		t.Fatal("voxscribe.session.teardown.duration not found")
	}
	hist, ok := mt.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("unexpected data type %T", mt.Data)
	}
	if len(hist.DataPoints) != 1 || hist.DataPoints[0].Count != 2 {
		t.Errorf("teardown histogram data points = %v, want one point with count 2", hist.DataPoints)
	}
}

func TestRecordVoiceEvent(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordVoiceEvent(ctx, "voice_start")
	m.RecordVoiceEvent(ctx, "voice_start")
	m.RecordVoiceEvent(ctx, "voice_end")

	rm := collect(t, reader)
	mt := findMetric(rm, "voxscribe.voice.events")
	if mt == nil {
		t.Fatal("voxscribe.voice.events not found")
	}
	sum, ok := mt.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", mt.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("voice event total = %d, want 3", total)
	}
}
