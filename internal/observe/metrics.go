// Package observe provides observability primitives for turnkeeper:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all turnkeeper metrics.
const meterName = "github.com/MrWong99/turnkeeper"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// FirstTokenLatency is the time from starting a generation to its first
	// token. Attribute: speculative (bool).
	FirstTokenLatency metric.Float64Histogram

	// ResponseLatency is the time from the end of the user's turn (commit)
	// to the first audio chunk of the reply.
	ResponseLatency metric.Float64Histogram

	// --- Counters ---

	// Transitions counts turn state transitions. Attributes: from, to.
	Transitions metric.Int64Counter

	// BargeIns counts barge-in decisions. Attributes: action, reason.
	BargeIns metric.Int64Counter

	// Speculations counts speculation outcomes. Attribute: outcome
	// (started, reused, diverged).
	Speculations metric.Int64Counter

	// Repairs counts repair prompts. Attribute: reason.
	Repairs metric.Int64Counter

	// DroppedEvents counts output events dropped from a full decision
	// stream. Attribute: kind.
	DroppedEvents metric.Int64Counter

	// StaleSignals counts VAD signals ignored as stale. Attribute: source.
	StaleSignals metric.Int64Counter

	// ProviderRequests counts provider calls. Attributes: provider, kind, status.
	ProviderRequests metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live turn sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 1.5, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FirstTokenLatency, err = m.Float64Histogram("turnkeeper.generation.first_token",
		metric.WithDescription("Time from generation start to first token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseLatency, err = m.Float64Histogram("turnkeeper.turn.response_latency",
		metric.WithDescription("Time from end of user turn to first reply audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Transitions, err = m.Int64Counter("turnkeeper.turn.transitions",
		metric.WithDescription("Turn state transitions by from and to state."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("turnkeeper.bargein.decisions",
		metric.WithDescription("Barge-in decisions by action and reason."),
	); err != nil {
		return nil, err
	}
	if met.Speculations, err = m.Int64Counter("turnkeeper.speculation.outcomes",
		metric.WithDescription("Speculative generation outcomes."),
	); err != nil {
		return nil, err
	}
	if met.Repairs, err = m.Int64Counter("turnkeeper.repair.prompts",
		metric.WithDescription("Repair prompts by reason."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEvents, err = m.Int64Counter("turnkeeper.output.dropped",
		metric.WithDescription("Output events dropped from a full decision stream."),
	); err != nil {
		return nil, err
	}
	if met.StaleSignals, err = m.Int64Counter("turnkeeper.vad.stale",
		metric.WithDescription("VAD signals ignored as stale, by source."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("turnkeeper.provider.requests",
		metric.WithDescription("Provider requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("turnkeeper.active_sessions",
		metric.WithDescription("Number of live turn sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("turnkeeper.http.request.duration",
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTransition counts one turn state transition.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

// RecordBargeIn counts one barge-in decision.
func (m *Metrics) RecordBargeIn(ctx context.Context, action, reason string) {
	m.BargeIns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("reason", reason),
	))
}

// RecordSpeculation counts one speculation outcome.
func (m *Metrics) RecordSpeculation(ctx context.Context, outcome string) {
	m.Speculations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordRepair counts one repair prompt.
func (m *Metrics) RecordRepair(ctx context.Context, reason string) {
	m.Repairs.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDropped counts one dropped output event.
func (m *Metrics) RecordDropped(ctx context.Context, kind string) {
	m.DroppedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordStaleSignal counts one stale VAD signal.
func (m *Metrics) RecordStaleSignal(ctx context.Context, source string) {
	m.StaleSignals.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("kind", kind),
		attribute.String("status", status),
	))
}
