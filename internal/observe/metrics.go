// Package observe provides the observability primitives of turnstile:
// OpenTelemetry metrics and tracing, trace-aware logging, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider]; [Handler] serves them on /metrics. A
// package-level [DefaultMetrics] instance is provided for convenience; tests
// should use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all turnstile metrics.
const meterName = "github.com/MrWong99/turnstile"

// Turn pipeline stages, used as the "stage" attribute.
const (
	StageSTT   = "stt"
	StageReply = "reply"
	StageTTS   = "tts"
	StageTurn  = "turn"
)

// Turn outcomes, used as the "outcome" attribute of [Metrics.Turns].
const (
	OutcomeDispatched = "dispatched"
	OutcomeDiscarded  = "discarded"
	OutcomeDropped    = "dropped"
	OutcomeCompleted  = "completed"
	OutcomeFailed     = "failed"
	OutcomeEmpty      = "empty"
	OutcomeSkipped    = "skipped"
)

// Metrics holds all metric instruments of the application. All fields are
// safe for concurrent use.
type Metrics struct {
	// StageDuration tracks turn stage latency. Attribute: stage.
	StageDuration metric.Float64Histogram

	// SegmentDuration tracks the audio length of dispatched turns.
	SegmentDuration metric.Float64Histogram

	// Turns counts turns by outcome. Attribute: outcome
	// (dispatched, discarded, dropped, completed, failed, empty, skipped).
	Turns metric.Int64Counter

	// Interrupts counts barge-in signals sent to clients.
	Interrupts metric.Int64Counter

	// OutboundEvents counts outbound delivery attempts. Attributes: kind,
	// status (sent, dropped).
	OutboundEvents metric.Int64Counter

	// FrameErrors counts frames that failed normalization or decoding.
	FrameErrors metric.Int64Counter

	// ProviderErrors counts collaborator failures. Attributes: provider, kind.
	ProviderErrors metric.Int64Counter

	// CircuitTransitions counts circuit breaker state changes. Attributes:
	// name, to.
	CircuitTransitions metric.Int64Counter

	// ActiveStreams tracks the number of open ingest streams.
	ActiveStreams metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network-bound collaborator calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32,
}

// segmentBuckets cover utterances from the minimum speech length up to the
// maximum utterance cap.
var segmentBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 12, 15, 20,
}

// NewMetrics creates all instruments on the given [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("turnstile.turn.stage.duration",
		metric.WithDescription("Latency of turn pipeline stages."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("turnstile.segment.duration",
		metric.WithDescription("Audio length of dispatched utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("turnstile.turns",
		metric.WithDescription("Turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("turnstile.interrupts",
		metric.WithDescription("Barge-in signals sent to clients."),
	); err != nil {
		return nil, err
	}
	if met.OutboundEvents, err = m.Int64Counter("turnstile.outbound.events",
		metric.WithDescription("Outbound events by kind and delivery status."),
	); err != nil {
		return nil, err
	}
	if met.FrameErrors, err = m.Int64Counter("turnstile.frame.errors",
		metric.WithDescription("Frames that could not be normalized or decoded."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("turnstile.provider.errors",
		metric.WithDescription("Collaborator errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.CircuitTransitions, err = m.Int64Counter("turnstile.circuit.transitions",
		metric.WithDescription("Circuit breaker state changes."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("turnstile.active_streams",
		metric.WithDescription("Number of open ingest streams."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("turnstile.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call from [otel.GetMeterProvider]. Call [InitProvider] first so the
// instruments bind to the Prometheus bridge.
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

// Attr is a shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordStage records the latency of one turn stage.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("stage", stage)))
}

// RecordTurn increments the turn counter for the given outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordSegment records the audio length of a dispatched utterance.
func (m *Metrics) RecordSegment(ctx context.Context, durationMs int) {
	m.SegmentDuration.Record(ctx, float64(durationMs)/1000)
}

// RecordInterrupt increments the barge-in counter.
func (m *Metrics) RecordInterrupt(ctx context.Context) {
	m.Interrupts.Add(ctx, 1)
}

// RecordOutbound increments the outbound event counter.
func (m *Metrics) RecordOutbound(ctx context.Context, kind, status string) {
	m.OutboundEvents.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind), Attr("status", status)))
}

// RecordFrameError increments the frame error counter. reason is a short
// label such as "normalize" or "opus".
func (m *Metrics) RecordFrameError(ctx context.Context, reason string) {
	m.FrameErrors.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason)))
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("provider", provider), Attr("kind", kind)))
}

// RecordCircuitTransition increments the breaker transition counter.
func (m *Metrics) RecordCircuitTransition(ctx context.Context, name, to string) {
	m.CircuitTransitions.Add(ctx, 1, metric.WithAttributes(Attr("name", name), Attr("to", to)))
}
