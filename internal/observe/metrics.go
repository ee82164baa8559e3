// Package observe provides application-wide observability primitives for
// readaloud: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all readaloud metrics.
const meterName = "github.com/MrWong99/readaloud"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Speech registry ---

	// ActiveSpeeches tracks the number of registered playback coordinators.
	ActiveSpeeches metric.Int64UpDownCounter

	// SpeechesCreated counts coordinators created.
	SpeechesCreated metric.Int64Counter

	// SpeechesDestroyed counts coordinators destroyed. Use with attribute:
	//   attribute.String("reason", "removed"|"stopped")
	SpeechesDestroyed metric.Int64Counter

	// --- Coordination ---

	// StopCommands counts stop commands sent to other coordinators when one
	// became active.
	StopCommands metric.Int64Counter

	// PreferenceWrites counts writes to the shared state store. Use with
	// attribute:
	//   attribute.String("status", "ok"|"error")
	PreferenceWrites metric.Int64Counter

	// ExternalPreferenceChanges counts store changes made by other contexts.
	ExternalPreferenceChanges metric.Int64Counter

	// --- Resilience ---

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes:
	//   attribute.String("name", ...), attribute.String("to", "closed"|"open"|"half-open")
	BreakerTransitions metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveSpeeches, err = m.Int64UpDownCounter("readaloud.speeches.active",
		metric.WithDescription("Number of registered playback coordinators."),
	); err != nil {
		return nil, err
	}
	if met.SpeechesCreated, err = m.Int64Counter("readaloud.speeches.created",
		metric.WithDescription("Total playback coordinators created."),
	); err != nil {
		return nil, err
	}
	if met.SpeechesDestroyed, err = m.Int64Counter("readaloud.speeches.destroyed",
		metric.WithDescription("Total playback coordinators destroyed by reason."),
	); err != nil {
		return nil, err
	}
	if met.StopCommands, err = m.Int64Counter("readaloud.playback.stop_commands",
		metric.WithDescription("Stop commands sent to enforce a single active playback."),
	); err != nil {
		return nil, err
	}
	if met.PreferenceWrites, err = m.Int64Counter("readaloud.preferences.writes",
		metric.WithDescription("Writes of the shared preference record by status."),
	); err != nil {
		return nil, err
	}
	if met.ExternalPreferenceChanges, err = m.Int64Counter("readaloud.preferences.external_changes",
		metric.WithDescription("Preference changes written by other contexts."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("readaloud.resilience.breaker_transitions",
		metric.WithDescription("Circuit breaker state changes by breaker and target state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("readaloud.http.request.duration",
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
// pointer. Panics if instrument creation fails.
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

// RecordSpeechCreated increments the created counter and the active gauge.
func (m *Metrics) RecordSpeechCreated(ctx context.Context) {
	m.SpeechesCreated.Add(ctx, 1)
	m.ActiveSpeeches.Add(ctx, 1)
}

// RecordSpeechDestroyed increments the destroyed counter and decrements the
// active gauge.
func (m *Metrics) RecordSpeechDestroyed(ctx context.Context, reason string) {
	m.SpeechesDestroyed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.ActiveSpeeches.Add(ctx, -1)
}

// RecordPreferenceWrite records a store write outcome.
func (m *Metrics) RecordPreferenceWrite(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.PreferenceWrites.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordBreakerTransition records a circuit breaker entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, name, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", name),
		attribute.String("to", to),
	))
}
