// Package observe carries the telemetry of Speakwell: OpenTelemetry
// instruments for sessions, billing and grading, request tracing, and
// loggers that know the user and trace of a context.
//
// [Setup] installs the SDK providers and a Prometheus bridge. Components take
// a [*Metrics]; when none is given they fall back to [DefaultMetrics], which
// binds to the global provider. Tests build their own with [NewMetrics] and a
// manual reader.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Speakwell metrics.
const meterName = "github.com/MrWong99/speakwell"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Histograms ---

	// SessionDuration tracks how long speaking sessions stay active.
	SessionDuration metric.Float64Histogram

	// GradingDuration tracks transcript analysis latency.
	GradingDuration metric.Float64Histogram

	// --- Session counters ---

	// SessionsStarted counts start attempts. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("status", ...)
	SessionsStarted metric.Int64Counter

	// WindDowns counts wind-down phases. Use with attribute:
	//   attribute.String("trigger", ...): "deadline" or "fallback_stop"
	WindDowns metric.Int64Counter

	// Cues counts examiner cues detected in the transcript. Use with attribute:
	//   attribute.String("kind", ...)
	Cues metric.Int64Counter

	// CueNearMisses counts examiner lines that resembled a cue phrase
	// without matching it. Use with attribute:
	//   attribute.String("kind", ...)
	CueNearMisses metric.Int64Counter

	// Finalizations counts finalization attempts. Use with attribute:
	//   attribute.String("outcome", ...)
	Finalizations metric.Int64Counter

	// --- Billing ---

	// MinutesBilled counts minutes successfully deducted.
	MinutesBilled metric.Int64Counter

	// DeductionFailures counts failed deduction requests.
	DeductionFailures metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Recorded by
	// [Middleware] with method, route and status_class attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// speaking sessions.
var sessionBuckets = []float64{
	30, 60, 120, 240, 300, 420, 600, 840, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("speakwell.session.duration",
		metric.WithDescription("Active time of speaking sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.GradingDuration, err = m.Float64Histogram("speakwell.grading.duration",
		metric.WithDescription("Latency of transcript analysis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Session counters.
	if met.SessionsStarted, err = m.Int64Counter("speakwell.sessions.started",
		metric.WithDescription("Total session start attempts by mode and status."),
	); err != nil {
		return nil, err
	}
	if met.WindDowns, err = m.Int64Counter("speakwell.session.wind_downs",
		metric.WithDescription("Total wind-down phases by trigger."),
	); err != nil {
		return nil, err
	}
	if met.Cues, err = m.Int64Counter("speakwell.cues.detected",
		metric.WithDescription("Total examiner cues detected by kind."),
	); err != nil {
		return nil, err
	}
	if met.CueNearMisses, err = m.Int64Counter("speakwell.cues.near_misses",
		metric.WithDescription("Total examiner lines resembling a cue phrase without matching it."),
	); err != nil {
		return nil, err
	}
	if met.Finalizations, err = m.Int64Counter("speakwell.finalizations",
		metric.WithDescription("Total finalization attempts by outcome."),
	); err != nil {
		return nil, err
	}

	// Billing.
	if met.MinutesBilled, err = m.Int64Counter("speakwell.billing.minutes",
		metric.WithDescription("Total minutes deducted."),
		metric.WithUnit("min"),
	); err != nil {
		return nil, err
	}
	if met.DeductionFailures, err = m.Int64Counter("speakwell.billing.failures",
		metric.WithDescription("Total failed deduction requests."),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderRequests, err = m.Int64Counter("speakwell.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("speakwell.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("speakwell.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("speakwell.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status class."),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSessionStart records a session start attempt.
func (m *Metrics) RecordSessionStart(ctx context.Context, mode, status string) {
	m.SessionsStarted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("status", status),
		),
	)
}

// RecordCue records a detected examiner cue.
func (m *Metrics) RecordCue(ctx context.Context, kind string) {
	m.Cues.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCueNearMiss records an examiner line that almost matched a cue.
func (m *Metrics) RecordCueNearMiss(ctx context.Context, kind string) {
	m.CueNearMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordWindDown records a wind-down phase.
func (m *Metrics) RecordWindDown(ctx context.Context, trigger string) {
	m.WindDowns.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// RecordFinalization records the outcome of a finalization attempt.
func (m *Metrics) RecordFinalization(ctx context.Context, outcome string) {
	m.Finalizations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDeduction records the result of one deduction request.
func (m *Metrics) RecordDeduction(ctx context.Context, minutes int, err error) {
	if err != nil {
		m.DeductionFailures.Add(ctx, 1)
		return
	}
	m.MinutesBilled.Add(ctx, int64(minutes))
}
