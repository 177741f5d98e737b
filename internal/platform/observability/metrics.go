package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Metrics holds all application metrics. A nil or disabled *Metrics is
// valid and records nothing.
type Metrics struct {
	meter metric.Meter

	// Tier cache metrics
	CacheReads      metric.Int64Counter
	CacheErrors     metric.Int64Counter
	DriftPersistent metric.Int64Counter

	// Rebuild metrics
	Rebuilds        metric.Int64Counter
	RebuildDuration metric.Float64Histogram
	LockContention  metric.Int64Counter

	// DB fallback metrics
	FallbackCalls    metric.Int64Counter
	FallbackDuration metric.Float64Histogram

	// Promotion metrics
	Promotions      metric.Int64Counter
	PromotedPosts   metric.Int64Counter
	EventsPublished metric.Int64Counter
	DecayTicks      metric.Int64Counter

	// Circuit breaker metrics
	CircuitBreakerState metric.Int64Gauge

	// Error metrics
	Errors metric.Int64Counter

	exporter *prometheus.Exporter
}

// NewMetrics creates a new Metrics instance
func NewMetrics(serviceName string, enabled bool) (*Metrics, error) {
	if !enabled {
		return &Metrics{}, nil
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String("1.0.0"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	m := &Metrics{
		meter:    provider.Meter(serviceName),
		exporter: exporter,
	}

	if err := m.initMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	return m, nil
}

func (m *Metrics) initMetrics() error {
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.CacheReads, "feed.cache.reads", "Tier cache reads by freshness signal"},
		{&m.CacheErrors, "feed.cache.errors", "Tier cache backend failures"},
		{&m.DriftPersistent, "feed.cache.drift.persistent", "Drift observed again after a completed rebuild"},
		{&m.Rebuilds, "feed.cache.rebuilds", "Tier rebuilds by result"},
		{&m.LockContention, "feed.cache.lock.contention", "Rebuilds skipped because the tier lock was held"},
		{&m.FallbackCalls, "feed.fallback.calls", "Database fallback reads by result"},
		{&m.Promotions, "feed.promotion.runs", "Promotion job runs by result"},
		{&m.PromotedPosts, "feed.promotion.posts", "Posts newly entering a featured tier"},
		{&m.EventsPublished, "feed.events.published", "Featured events handed to the sink"},
		{&m.DecayTicks, "feed.score.decay", "Real-time score decay ticks by route"},
		{&m.Errors, "feed.errors", "Total errors encountered"},
	}
	for _, c := range counters {
		*c.dst, err = m.meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return err
		}
	}

	m.RebuildDuration, err = m.meter.Float64Histogram(
		"feed.cache.rebuild.duration",
		metric.WithDescription("Tier rebuild duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.FallbackDuration, err = m.meter.Float64Histogram(
		"feed.fallback.duration",
		metric.WithDescription("Database fallback read duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return err
	}

	m.CircuitBreakerState, err = m.meter.Int64Gauge(
		"feed.circuit_breaker.state",
		metric.WithDescription("Circuit breaker state (0=closed, 1=open, 2=half-open)"),
	)
	return err
}

func (m *Metrics) enabled() bool {
	return m != nil && m.meter != nil
}

// RecordCacheRead records one tier read and its freshness signal
func (m *Metrics) RecordCacheRead(ctx context.Context, tier, signal string) {
	if !m.enabled() {
		return
	}
	m.CacheReads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("signal", signal),
	))
}

// RecordCacheError records a failed cache backend call
func (m *Metrics) RecordCacheError(ctx context.Context, tier, op string) {
	if !m.enabled() {
		return
	}
	m.CacheErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("op", op),
	))
}

// RecordPersistentDrift records drift that survived a rebuild
func (m *Metrics) RecordPersistentDrift(ctx context.Context, tier string) {
	if !m.enabled() {
		return
	}
	m.DriftPersistent.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordRebuild records a rebuild attempt and how it ended
func (m *Metrics) RecordRebuild(ctx context.Context, tier, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	)
	m.Rebuilds.Add(ctx, 1, attrs)
	m.RebuildDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
	if result == "contended" {
		m.LockContention.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
	}
}

// RecordFallback records a database fallback read
func (m *Metrics) RecordFallback(ctx context.Context, fallbackType, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("type", fallbackType),
		attribute.String("result", result),
	)
	m.FallbackCalls.Add(ctx, 1, attrs)
	m.FallbackDuration.Record(ctx, float64(duration.Milliseconds()), attrs)
}

// RecordPromotion records a promotion job run
func (m *Metrics) RecordPromotion(ctx context.Context, tier, result string, promoted int) {
	if !m.enabled() {
		return
	}
	m.Promotions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	))
	if promoted > 0 {
		m.PromotedPosts.Add(ctx, int64(promoted), metric.WithAttributes(attribute.String("tier", tier)))
	}
}

// RecordEvent records a featured event hand-off
func (m *Metrics) RecordEvent(ctx context.Context, eventType, status string) {
	if !m.enabled() {
		return
	}
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", eventType),
		attribute.String("status", status),
	))
}

// RecordDecay records a score decay tick and the store it went to
func (m *Metrics) RecordDecay(ctx context.Context, route string) {
	if !m.enabled() {
		return
	}
	m.DecayTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("route", route)))
}

// SetCircuitBreakerState sets circuit breaker state
// 0 = closed, 1 = open, 2 = half-open
func (m *Metrics) SetCircuitBreakerState(ctx context.Context, service string, state int64) {
	if !m.enabled() {
		return
	}
	m.CircuitBreakerState.Record(ctx, state, metric.WithAttributes(attribute.String("service", service)))
}

// RecordError records an error
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	if !m.enabled() {
		return
	}
	m.Errors.Add(ctx, 1, metric.WithAttributes(attribute.String("type", errorType)))
}

// Handler returns the HTTP handler for Prometheus metrics
func (m *Metrics) Handler() http.Handler {
	// The OpenTelemetry Prometheus exporter registers with the default
	// Prometheus registry
	return promhttp.Handler()
}
