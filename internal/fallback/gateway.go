// Package fallback serves tier pages straight from the database when the
// cache path cannot, without letting a cache outage turn into a database
// request storm.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/resilience"
)

// Config wires a Gateway.
type Config struct {
	Posts feed.PostQueryPort
	// LastKnownGood keeps the most recent first page of every type
	LastKnownGood cache.Cache
	KeyPrefix     string
	LastKnownTTL  time.Duration

	// Timeout bounds one database read
	Timeout       time.Duration
	MaxConcurrent int64
	Limiter       *resilience.RateLimiter

	// FailureThreshold is the consecutive failures that open a breaker
	FailureThreshold uint32
	// CoolDown is how long a breaker stays open before a trial
	CoolDown time.Duration
	// HalfOpenRequests is the number of trial reads admitted when half-open
	HalfOpenRequests uint32

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

const defaultLastKnownTTL = 24 * time.Hour

// Gateway executes the per-FallbackType database read. Each type has its
// own breaker; all types share the concurrency bound and admission rate.
type Gateway struct {
	posts    feed.PostQueryPort
	lkg      cache.Cache
	prefix   string
	lkgTTL   time.Duration
	timeout  time.Duration
	sem      *semaphore.Weighted
	limiter  *resilience.RateLimiter
	breakers map[feed.FallbackType]*gobreaker.CircuitBreaker

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// lastKnownGood is the stored form of a successful first page.
type lastKnownGood struct {
	Items []feed.PostSummary `json:"items"`
	Total int64              `json:"total"`
}

// NewGateway creates a gateway with one breaker per tier.
func NewGateway(cfg Config) (*Gateway, error) {
	if cfg.Posts == nil {
		return nil, fmt.Errorf("post query port is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.CoolDown <= 0 {
		cfg.CoolDown = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.LastKnownTTL <= 0 {
		cfg.LastKnownTTL = defaultLastKnownTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	g := &Gateway{
		posts:    cfg.Posts,
		lkg:      cfg.LastKnownGood,
		prefix:   cfg.KeyPrefix,
		lkgTTL:   cfg.LastKnownTTL,
		timeout:  cfg.Timeout,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter:  cfg.Limiter,
		breakers: make(map[feed.FallbackType]*gobreaker.CircuitBreaker, len(feed.AllTiers)),
		logger:   cfg.Logger.Component("fallback"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}

	for _, tier := range feed.AllTiers {
		ft := feed.FallbackFor(tier)
		g.breakers[ft] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "fallback_" + tier.Key(),
			MaxRequests: cfg.HalfOpenRequests,
			Timeout:     cfg.CoolDown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				g.logger.Warn("fallback circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
				g.metrics.SetCircuitBreakerState(context.Background(), name, breakerStateValue(to))
			},
			// A caller that gave up says nothing about the database
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		})
	}

	return g, nil
}

// Fetch reads one page of the tier behind fallbackType from the database.
// When the breaker is open or the gateway is saturated it serves the
// last-known-good page marked Degraded, or an empty page and
// feed.ErrFallbackOpen. Database errors are not retried.
func (g *Gateway) Fetch(ctx context.Context, fallbackType feed.FallbackType, offset, limit int) (feed.Page[feed.PostSummary], error) {
	ctx, span := g.tracer.StartSpan(ctx, "Gateway.Fetch",
		observability.WithAttributes(
			attribute.String("fallback_type", string(fallbackType)),
			attribute.Int("offset", offset),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	start := time.Now()
	cb, ok := g.breakers[fallbackType]
	if !ok {
		return feed.EmptyPage[feed.PostSummary](offset, limit), fmt.Errorf("unknown fallback type %q", fallbackType)
	}

	if g.limiter != nil && !g.limiter.Allow() {
		return g.degraded(ctx, fallbackType, offset, limit, "rate_limited", start)
	}
	if !g.sem.TryAcquire(1) {
		return g.degraded(ctx, fallbackType, offset, limit, "saturated", start)
	}
	defer g.sem.Release(1)

	v, err := cb.Execute(func() (interface{}, error) {
		dbCtx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.posts.FindPage(dbCtx, fallbackType.Tier(), offset, limit)
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return g.degraded(ctx, fallbackType, offset, limit, "open", start)
	}
	if err != nil {
		span.NoticeError(err)
		g.metrics.RecordFallback(ctx, string(fallbackType), "error", time.Since(start))
		g.logger.LogError(ctx, "database fallback read failed", err, "type", fallbackType)
		page := feed.EmptyPage[feed.PostSummary](offset, limit)
		page.Degraded = true
		return page, fmt.Errorf("fallback %s: %w: %v", fallbackType, feed.ErrBackendUnavailable, err)
	}

	page := v.(feed.Page[feed.PostSummary])
	if page.Items == nil {
		page.Items = []feed.PostSummary{}
	}
	if offset == 0 {
		g.remember(ctx, fallbackType, page)
	}

	g.metrics.RecordFallback(ctx, string(fallbackType), "ok", time.Since(start))
	return page, nil
}

// degraded serves the last-known-good first page sliced to the request.
func (g *Gateway) degraded(ctx context.Context, fallbackType feed.FallbackType, offset, limit int, reason string, start time.Time) (feed.Page[feed.PostSummary], error) {
	if lkg, ok := g.recall(ctx, fallbackType); ok && offset < len(lkg.Items) {
		page := feed.Slice(lkg.Items, offset, limit)
		page.Total = lkg.Total
		page.Degraded = true
		g.metrics.RecordFallback(ctx, string(fallbackType), reason+"_lkg", time.Since(start))
		return page, nil
	}

	g.metrics.RecordFallback(ctx, string(fallbackType), reason, time.Since(start))
	g.logger.LogWarn(ctx, "database fallback shedding load", "type", fallbackType, "reason", reason)
	page := feed.EmptyPage[feed.PostSummary](offset, limit)
	page.Degraded = true
	return page, fmt.Errorf("fallback %s %s: %w", fallbackType, reason, feed.ErrFallbackOpen)
}

func (g *Gateway) lkgKey(fallbackType feed.FallbackType) string {
	return g.prefix + "lkg:" + fallbackType.Tier().Key()
}

func (g *Gateway) remember(ctx context.Context, fallbackType feed.FallbackType, page feed.Page[feed.PostSummary]) {
	if g.lkg == nil || len(page.Items) == 0 {
		return
	}
	raw, err := json.Marshal(lastKnownGood{Items: page.Items, Total: page.Total})
	if err != nil {
		return
	}
	if err := g.lkg.Set(ctx, g.lkgKey(fallbackType), raw, g.lkgTTL); err != nil {
		g.logger.LogDebug(ctx, "failed to store last-known-good page", "type", fallbackType, "error", err)
	}
}

func (g *Gateway) recall(ctx context.Context, fallbackType feed.FallbackType) (lastKnownGood, bool) {
	if g.lkg == nil {
		return lastKnownGood{}, false
	}
	raw, err := g.lkg.Get(ctx, g.lkgKey(fallbackType))
	if err != nil {
		return lastKnownGood{}, false
	}
	var lkg lastKnownGood
	if err := json.Unmarshal(raw, &lkg); err != nil {
		return lastKnownGood{}, false
	}
	return lkg, true
}

// States reports every breaker state by fallback type.
func (g *Gateway) States() map[feed.FallbackType]string {
	out := make(map[feed.FallbackType]string, len(g.breakers))
	for ft, cb := range g.breakers {
		out[ft] = cb.State().String()
	}
	return out
}

// breakerStateValue maps gobreaker states onto the gauge convention
// 0 = closed, 1 = open, 2 = half-open.
func breakerStateValue(s gobreaker.State) int64 {
	switch s {
	case gobreaker.StateOpen:
		return int64(resilience.StateOpen)
	case gobreaker.StateHalfOpen:
		return int64(resilience.StateHalfOpen)
	default:
		return int64(resilience.StateClosed)
	}
}
