// Package observe provides application-wide observability primitives for
// Voxscribe: OpenTelemetry metrics and the SDK provider setup.
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

// meterName is the instrumentation scope name used for all Voxscribe metrics.
const meterName = "github.com/voxscribe/voxscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Histograms ---

	// TeardownDuration tracks how long one session's ordered teardown takes.
	TeardownDuration metric.Float64Histogram

	// SpeechDuration tracks the length of detected utterances.
	SpeechDuration metric.Float64Histogram

	// AudioLevel tracks the RMS level (dBFS) measured at voice-activity
	// events.
	AudioLevel metric.Float64Histogram

	// HTTPRequestDuration tracks sidecar request processing time. Use with
	// attributes:
	//   Attr("method", ...), Attr("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// Transcripts counts forwarded recognition results. Use with attribute:
	//   attribute.String("kind", "final"|"interim")
	Transcripts metric.Int64Counter

	// RecognitionRestarts counts executed recognizer restart cycles.
	RecognitionRestarts metric.Int64Counter

	// RecognitionErrors counts surfaced recognition errors. Use with attribute:
	//   attribute.Bool("fatal", ...)
	RecognitionErrors metric.Int64Counter

	// DroppedChunks counts audio chunks dropped as malformed.
	DroppedChunks metric.Int64Counter

	// VoiceEvents counts voice-activity events. Use with attribute:
	//   attribute.String("type", ...)
	VoiceEvents metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live listening sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks the number of open voice-channel connections.
	ActiveConnections metric.Int64UpDownCounter
}

// durationBuckets defines histogram bucket boundaries (in seconds) for
// teardown and utterance durations.
var durationBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// levelBuckets defines histogram bucket boundaries (in dBFS) for audio
// levels. 0 dBFS is full scale; speech typically sits between -35 and -10.
var levelBuckets = []float64{
	-90, -70, -60, -50, -45, -40, -35, -30, -25, -20, -15, -10, -5, 0,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TeardownDuration, err = m.Float64Histogram("voxscribe.session.teardown.duration",
		metric.WithDescription("Duration of one session's ordered teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SpeechDuration, err = m.Float64Histogram("voxscribe.speech.duration",
		metric.WithDescription("Length of detected utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AudioLevel, err = m.Float64Histogram("voxscribe.audio.level",
		metric.WithDescription("RMS audio level at voice-activity events."),
		metric.WithUnit("dBFS"),
		metric.WithExplicitBucketBoundaries(levelBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxscribe.http.request.duration",
		metric.WithDescription("Sidecar HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Transcripts, err = m.Int64Counter("voxscribe.transcripts",
		metric.WithDescription("Forwarded recognition results by kind."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionRestarts, err = m.Int64Counter("voxscribe.recognition.restarts",
		metric.WithDescription("Executed recognizer restart cycles."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionErrors, err = m.Int64Counter("voxscribe.recognition.errors",
		metric.WithDescription("Surfaced recognition errors by fatality."),
	); err != nil {
		return nil, err
	}
	if met.DroppedChunks, err = m.Int64Counter("voxscribe.audio.dropped_chunks",
		metric.WithDescription("Audio chunks dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.VoiceEvents, err = m.Int64Counter("voxscribe.voice.events",
		metric.WithDescription("Voice-activity events by type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxscribe.active_sessions",
		metric.WithDescription("Number of live listening sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxscribe.active_connections",
		metric.WithDescription("Number of open voice-channel connections."),
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

// RecordTranscript records one forwarded recognition result.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	kind := "interim"
	if final {
		kind = "final"
	}
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(Attr("kind", kind)),
	)
}

// RecordRecognitionError records one surfaced recognition error.
func (m *Metrics) RecordRecognitionError(ctx context.Context, fatal bool) {
	m.RecognitionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.Bool("fatal", fatal)),
	)
}

// RecordVoiceEvent records one voice-activity event by type name.
func (m *Metrics) RecordVoiceEvent(ctx context.Context, eventType string) {
	m.VoiceEvents.Add(ctx, 1,
		metric.WithAttributes(Attr("type", eventType)),
	)
}

// RecordTeardown records one session teardown's duration.
func (m *Metrics) RecordTeardown(ctx context.Context, d time.Duration) {
	m.TeardownDuration.Record(ctx, d.Seconds())
}
