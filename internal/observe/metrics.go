// Package observe provides application-wide observability primitives for
// livetutor: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all livetutor metrics.
const meterName = "github.com/dewayanto/livetutor"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from start until the live session is
	// open and capturing.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks how long practice sessions last.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts microphone frames handed to the transport.
	FramesSent metric.Int64Counter

	// BytesSent counts PCM bytes handed to the transport (before base64).
	BytesSent metric.Int64Counter

	// AudioChunks counts inline audio payloads received from the model.
	AudioChunks metric.Int64Counter

	// Interruptions counts barge-in events.
	Interruptions metric.Int64Counter

	// Turns counts completed model turns.
	Turns metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts failures by kind. Use with attribute:
	//   attribute.String("kind", "microphone"|"transport"|"decode"|"send"|"playback")
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions (zero or one).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for
// practice session length.
var sessionBuckets = []float64{
	10, 30, 60, 300, 600, 1200, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("livetutor.session.connect.duration",
		metric.WithDescription("Latency from start until the session is open and capturing."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("livetutor.session.duration",
		metric.WithDescription("Length of practice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("livetutor.capture.frames_sent",
		metric.WithDescription("Total microphone frames sent to the model."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("livetutor.capture.bytes_sent",
		metric.WithDescription("Total PCM bytes sent to the model."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("livetutor.playback.chunks",
		metric.WithDescription("Total audio payloads received from the model."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("livetutor.session.interruptions",
		metric.WithDescription("Total barge-in interruptions."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("livetutor.session.turns",
		metric.WithDescription("Total completed model turns."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("livetutor.session.errors",
		metric.WithDescription("Total session errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livetutor.active_sessions",
		metric.WithDescription("Number of live practice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livetutor.http.request.duration",
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

// Error kinds recorded by [Metrics.RecordSessionError].
const (
	ErrorKindMicrophone = "microphone"
	ErrorKindTransport  = "transport"
	ErrorKindDecode     = "decode"
	ErrorKindSend       = "send"
	ErrorKindPlayback   = "playback"
)

// RecordSessionError records a session error counter increment.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordFrameSent records one outbound microphone frame of n PCM bytes.
func (m *Metrics) RecordFrameSent(ctx context.Context, n int) {
	m.FramesSent.Add(ctx, 1)
	m.BytesSent.Add(ctx, int64(n))
}
