// Package observe provides application-wide observability primitives for
// Talkwire: OpenTelemetry metrics, structured logging helpers, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Talkwire metrics.
const meterName = "github.com/talkwire/talkwire"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use: the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// TranscribeDuration tracks speech-to-text transcription latency.
	TranscribeDuration metric.Float64Histogram

	// RespondDuration tracks reply generation latency.
	RespondDuration metric.Float64Histogram

	// SynthesizeDuration tracks text-to-speech synthesis latency, measured
	// from the synthesis request until the audio stream is exhausted.
	SynthesizeDuration metric.Float64Histogram

	// TurnDuration tracks end-of-utterance to end-of-playback latency for a
	// full conversational turn.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// FramesIngested counts audio frames accepted into session buffers.
	FramesIngested metric.Int64Counter

	// Interruptions counts barge-in events that cancelled an in-flight
	// response stream.
	Interruptions metric.Int64Counter

	// BufferEvictions counts frames evicted because a session buffer hit
	// capacity.
	BufferEvictions metric.Int64Counter

	// MessagesSent counts outbound protocol messages. Use with attribute:
	//   attribute.String("type", ...)
	MessagesSent metric.Int64Counter

	// --- Error counters ---

	// ProtocolErrors counts inbound messages rejected as malformed or out of
	// sequence. Use with attribute: attribute.String("kind", ...)
	ProtocolErrors metric.Int64Counter

	// BridgeErrors counts speech backend failures. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("kind", ...)
	BridgeErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.TranscribeDuration, err = m.Float64Histogram("talkwire.transcribe.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RespondDuration, err = m.Float64Histogram("talkwire.respond.duration",
		metric.WithDescription("Latency of reply generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesizeDuration, err = m.Float64Histogram("talkwire.synthesize.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("talkwire.turn.duration",
		metric.WithDescription("End-to-end latency of a conversational turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesIngested, err = m.Int64Counter("talkwire.frames.ingested",
		metric.WithDescription("Total audio frames accepted into session buffers."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("talkwire.interruptions",
		metric.WithDescription("Total barge-in events that cancelled a response stream."),
	); err != nil {
		return nil, err
	}
	if met.BufferEvictions, err = m.Int64Counter("talkwire.buffer.evictions",
		metric.WithDescription("Total frames evicted due to session buffer pressure."),
	); err != nil {
		return nil, err
	}
	if met.MessagesSent, err = m.Int64Counter("talkwire.messages.sent",
		metric.WithDescription("Total outbound protocol messages by type."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolErrors, err = m.Int64Counter("talkwire.protocol.errors",
		metric.WithDescription("Total rejected inbound messages by kind."),
	); err != nil {
		return nil, err
	}
	if met.BridgeErrors, err = m.Int64Counter("talkwire.bridge.errors",
		metric.WithDescription("Total speech backend failures by stage and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("talkwire.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("talkwire.http.request.duration",
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

// RecordBridgeError is a convenience method that records a backend failure
// counter increment with the standard attribute set.
func (m *Metrics) RecordBridgeError(ctx context.Context, stage, kind string) {
	m.BridgeErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
		),
	)
}

// RecordProtocolError is a convenience method that records a rejected inbound
// message counter increment.
func (m *Metrics) RecordProtocolError(ctx context.Context, kind string) {
	m.ProtocolErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordMessageSent is a convenience method that records an outbound message
// counter increment.
func (m *Metrics) RecordMessageSent(ctx context.Context, msgType string) {
	m.MessagesSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", msgType)),
	)
}
