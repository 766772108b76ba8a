package grading

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/speakwell/internal/observe"
	"github.com/MrWong99/speakwell/internal/resilience"
)

// Guarded is an [Analyzer] that routes requests through a
// [resilience.FallbackGroup]: the primary backend is tried first and each
// fallback in turn, every one behind its own circuit breaker.
type Guarded struct {
	group   *resilience.FallbackGroup[Analyzer]
	metrics *observe.Metrics
	timeout time.Duration
}

var _ Analyzer = (*Guarded)(nil)

// GuardedOption configures a [Guarded] analyzer.
type GuardedOption func(*Guarded)

// WithMetrics records latency and per-backend outcomes on m.
func WithMetrics(m *observe.Metrics) GuardedOption {
	return func(g *Guarded) { g.metrics = m }
}

// WithTimeout bounds every backend attempt. Zero disables the bound.
func WithTimeout(d time.Duration) GuardedOption {
	return func(g *Guarded) { g.timeout = d }
}

// NewGuarded wraps primary. cb is the breaker template applied to every
// backend.
func NewGuarded(name string, primary Analyzer, cb resilience.CircuitBreakerConfig, opts ...GuardedOption) *Guarded {
	g := &Guarded{group: resilience.NewFallbackGroup(name, primary, cb)}
	for _, o := range opts {
		o(g)
	}
	return g
}

// AddFallback registers a backend tried when those before it fail.
func (g *Guarded) AddFallback(name string, a Analyzer) {
	g.group.AddFallback(name, a)
}

// Backends returns the registered backend names in try order.
func (g *Guarded) Backends() []string { return g.group.Names() }

// Analyze implements [Analyzer].
func (g *Guarded) Analyze(ctx context.Context, req Request) (*Feedback, error) {
	ctx, span := observe.StartSpan(ctx, "grading.analyze",
		trace.WithAttributes(
			attribute.String("mode", string(req.Mode)),
			attribute.Int("messages", len(req.Messages)),
		),
	)
	defer span.End()

	start := time.Now()
	fb, backend, err := resilience.Do(ctx, g.group, func(ctx context.Context, a Analyzer) (*Feedback, error) {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		return a.Analyze(ctx, req)
	})
	if g.metrics != nil {
		g.metrics.GradingDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("mode", string(req.Mode))))
		status := "ok"
		if err != nil {
			status = "error"
			g.metrics.RecordProviderError(ctx, backend, "grading")
		}
		g.metrics.RecordProviderRequest(ctx, backend, "grading", status)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "analysis failed")
		return nil, fmt.Errorf("grading: analyze: %w", err)
	}
	span.SetAttributes(attribute.String("backend", backend), attribute.Float64("band", fb.Band))
	return fb, nil
}
