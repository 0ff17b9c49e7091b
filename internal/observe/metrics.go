// Package observe provides application-wide observability primitives for
// Trunkline: OpenTelemetry metrics, distributed tracing, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so instruments can be
// scraped from the ops listener's /metrics endpoint. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Trunkline metrics.
const meterName = "github.com/trunkline/trunkline"

// Directions for frame counters.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Drop causes for the frames-dropped counter.
const (
	DropCauseBackpressure = "backpressure"
	DropCauseStale        = "stale"
	DropCauseCodec        = "codec"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Relay counters ---

	// FramesRelayed counts audio frames carried end to end. Use with
	// attribute: attribute.String("direction", ...)
	FramesRelayed metric.Int64Counter

	// FramesDropped counts frames discarded by policy. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("cause", ...)
	FramesDropped metric.Int64Counter

	// CodecErrors counts malformed frames rejected by the transcoder.
	CodecErrors metric.Int64Counter

	// BargeIns counts caller interruptions of agent playback.
	BargeIns metric.Int64Counter

	// EngineConnects counts engine dial attempts. Use with attribute:
	//   attribute.String("status", "ok"|"error"|"breaker_open")
	EngineConnects metric.Int64Counter

	// --- Latency histograms ---

	// FlushLatency tracks time from barge-in detection to the outbound
	// path going quiet.
	FlushLatency metric.Float64Histogram

	// FirstAudioLatency tracks time from generation start to the first
	// synthesized chunk.
	FirstAudioLatency metric.Float64Histogram

	// SessionDuration tracks total call session length.
	SessionDuration metric.Float64Histogram

	// --- Gauges ---

	// ActiveSessions tracks the number of live call sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks ops endpoint request processing time.
	// Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram boundaries (seconds) sized for the
// relay's sub-second latency budget.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1, 2.5, 5,
}

// durationBuckets defines histogram boundaries (seconds) for whole-call
// durations up to the default max-duration cutoff and beyond.
var durationBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 900,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesRelayed, err = m.Int64Counter("trunkline.frames.relayed",
		metric.WithDescription("Total audio frames relayed by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("trunkline.frames.dropped",
		metric.WithDescription("Total frames discarded by direction and cause."),
	); err != nil {
		return nil, err
	}
	if met.CodecErrors, err = m.Int64Counter("trunkline.codec.errors",
		metric.WithDescription("Total malformed frames rejected by the transcoder."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("trunkline.barge_ins",
		metric.WithDescription("Total caller interruptions of agent playback."),
	); err != nil {
		return nil, err
	}
	if met.EngineConnects, err = m.Int64Counter("trunkline.engine.connects",
		metric.WithDescription("Total engine dial attempts by status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.FlushLatency, err = m.Float64Histogram("trunkline.flush.duration",
		metric.WithDescription("Time from barge-in detection to outbound silence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioLatency, err = m.Float64Histogram("trunkline.engine.first_audio.duration",
		metric.WithDescription("Time from generation start to first synthesized chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("trunkline.session.duration",
		metric.WithDescription("Total call session length."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("trunkline.active_sessions",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("trunkline.http.request.duration",
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

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
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

// RecordFrameRelayed increments the relayed-frames counter for one direction.
func (m *Metrics) RecordFrameRelayed(ctx context.Context, direction string) {
	m.FramesRelayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordFrameDropped increments the dropped-frames counter with the
// standard attribute set.
func (m *Metrics) RecordFrameDropped(ctx context.Context, direction, cause string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("cause", cause),
		),
	)
}

// RecordEngineConnect increments the engine dial counter for one outcome.
func (m *Metrics) RecordEngineConnect(ctx context.Context, status string) {
	m.EngineConnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
