// Package refresh decides, per read, whether a tier is served from cache,
// refreshed early, rebuilt, or fetched from the database, and owns the
// per-tier rebuild lock.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/worker"
	"github.com/BimilLog/BimilLog-sub000/internal/tiercache"
)

// Fallback serves a tier page straight from the database.
type Fallback interface {
	Fetch(ctx context.Context, fallbackType feed.FallbackType, offset, limit int) (feed.Page[feed.PostSummary], error)
}

// SourceFunc loads the current members of a tier for a rebuild.
type SourceFunc func(ctx context.Context, limit int) ([]feed.PostSummary, error)

// Config wires a Coordinator.
type Config struct {
	Caches   map[feed.Tier]tiercache.TierCache
	Posts    feed.PostQueryPort
	Fallback Fallback
	Locker   *cache.Locker
	// Pool runs asynchronous rebuilds
	Pool *worker.Pool
	// Sources overrides the rebuild source of a tier (default FindRanked)
	Sources map[feed.Tier]SourceFunc

	LockTTL            time.Duration
	SourceTimeout      time.Duration
	EarlyRefreshWindow float64
	// Rand returns a value in [0,1) for early refresh decisions
	Rand func() float64

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// Coordinator implements the read-through and rebuild policy for every tier.
type Coordinator struct {
	caches   map[feed.Tier]tiercache.TierCache
	posts    feed.PostQueryPort
	fallback Fallback
	locker   *cache.Locker
	pool     *worker.Pool
	sources  map[feed.Tier]SourceFunc

	lockTTL       time.Duration
	sourceTimeout time.Duration
	window        float64
	rand          func() float64
	randMu        sync.Mutex

	misses singleflight.Group

	mu          sync.Mutex
	pending     map[feed.Tier]bool
	generation  map[feed.Tier]uint64
	driftSeenAt map[feed.Tier]uint64

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// NewCoordinator creates a coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Posts == nil {
		return nil, fmt.Errorf("post query port is required")
	}
	if cfg.Fallback == nil {
		return nil, fmt.Errorf("fallback gateway is required")
	}
	if cfg.Locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("worker pool is required")
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = 2 * time.Second
	}
	if cfg.Rand == nil {
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		cfg.Rand = rng.Float64
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Coordinator{
		caches:        cfg.Caches,
		posts:         cfg.Posts,
		fallback:      cfg.Fallback,
		locker:        cfg.Locker,
		pool:          cfg.Pool,
		sources:       cfg.Sources,
		lockTTL:       cfg.LockTTL,
		sourceTimeout: cfg.SourceTimeout,
		window:        cfg.EarlyRefreshWindow,
		rand:          cfg.Rand,
		pending:       make(map[feed.Tier]bool),
		generation:    make(map[feed.Tier]uint64),
		driftSeenAt:   make(map[feed.Tier]uint64),
		logger:        cfg.Logger.Component("refresh"),
		metrics:       cfg.Metrics,
		tracer:        cfg.Tracer,
	}, nil
}

// Cache returns the tier cache for tier.
func (c *Coordinator) Cache(tier feed.Tier) (tiercache.TierCache, bool) {
	tc, ok := c.caches[tier]
	return tc, ok
}

// Read serves one page of tier. It never fails: cache and database
// problems degrade to partial, last-known-good or empty pages.
func (c *Coordinator) Read(ctx context.Context, tier feed.Tier, offset, limit int) (feed.Page[feed.PostSummary], feed.Freshness) {
	ctx, span := c.tracer.StartSpan(ctx, "Coordinator.Read",
		observability.WithAttributes(
			attribute.String("tier", tier.String()),
			attribute.Int("offset", offset),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	tc, ok := c.caches[tier]
	if !ok {
		return c.readFallback(ctx, tier, offset, limit), feed.FreshnessMiss
	}

	view, err := tc.Load(ctx)
	if err != nil {
		span.NoticeError(err)
		c.metrics.RecordCacheRead(ctx, tier.Key(), "error")
		c.logger.LogWarn(ctx, "tier cache unavailable, serving from database", "tier", tier, "error", err)
		return c.readFallback(ctx, tier, offset, limit), feed.FreshnessMiss
	}

	c.metrics.RecordCacheRead(ctx, tier.Key(), string(view.Signal))
	span.SetAttributes(attribute.String("signal", string(view.Signal)))

	switch view.Signal {
	case feed.FreshnessMiss:
		page := c.readFallback(ctx, tier, offset, limit)
		c.schedule(ctx, tier, "miss")
		return page, feed.FreshnessMiss

	case feed.FreshnessDrift:
		c.observeDrift(ctx, tier, view)
		c.schedule(ctx, tier, "drift")
		page := feed.Slice(view.Items, offset, limit)
		page.Degraded = true
		return page, feed.FreshnessDrift

	case feed.FreshnessStale:
		c.clearDrift(tier)
		if c.refreshEarly(view.Remaining, tc.Spec().TTL) {
			c.schedule(ctx, tier, "early")
		}

	default:
		c.clearDrift(tier)
	}

	return feed.Slice(view.Items, offset, limit), view.Signal
}

// refreshEarly decides a STALE read's rebuild. The closer to expiry, the
// likelier; at expiry it is certain.
func (c *Coordinator) refreshEarly(remaining, ttl time.Duration) bool {
	windowLen := c.window * float64(ttl)
	if windowLen <= 0 || remaining <= 0 {
		return true
	}
	p := 1 - float64(remaining)/windowLen

	c.randMu.Lock()
	r := c.rand()
	c.randMu.Unlock()
	return r < p
}

// readFallback fetches from the database, collapsing concurrent misses
// for the same window into one call.
func (c *Coordinator) readFallback(ctx context.Context, tier feed.Tier, offset, limit int) feed.Page[feed.PostSummary] {
	key := fmt.Sprintf("%s:%d:%d", tier, offset, limit)
	v, err, shared := c.misses.Do(key, func() (interface{}, error) {
		return c.fallback.Fetch(context.WithoutCancel(ctx), feed.FallbackFor(tier), offset, limit)
	})

	page, _ := v.(feed.Page[feed.PostSummary])
	if err != nil {
		c.logger.LogWarn(ctx, "database fallback failed", "tier", tier, "shared", shared, "error", err)
	}
	if page.Items == nil {
		page = feed.EmptyPage[feed.PostSummary](offset, limit)
		page.Degraded = err != nil
	}
	return page
}

// schedule queues an asynchronous rebuild unless one is already queued.
func (c *Coordinator) schedule(ctx context.Context, tier feed.Tier, reason string) {
	c.mu.Lock()
	if c.pending[tier] {
		c.mu.Unlock()
		return
	}
	c.pending[tier] = true
	c.mu.Unlock()

	err := c.pool.TrySubmit(worker.Job{
		ID: "rebuild:" + tier.String(),
		Execute: func(ctx context.Context) error {
			defer c.clearPending(tier)
			err := c.Rebuild(ctx, tier)
			if err != nil && !feed.IsSkip(err) {
				c.logger.LogError(ctx, "async rebuild failed", err, "tier", tier, "reason", reason)
			}
			return err
		},
	})
	if err != nil {
		c.clearPending(tier)
		c.logger.LogDebug(ctx, "rebuild not scheduled", "tier", tier, "reason", reason, "error", err)
	}
}

func (c *Coordinator) clearPending(tier feed.Tier) {
	c.mu.Lock()
	delete(c.pending, tier)
	c.mu.Unlock()
}

// Rebuild reloads tier from its source and replaces the cache. It returns
// feed.ErrLockContention when another rebuild holds the lock and
// feed.ErrEmptySource when the source had nothing; neither writes.
func (c *Coordinator) Rebuild(ctx context.Context, tier feed.Tier) error {
	ctx, span := c.tracer.StartSpan(ctx, "Coordinator.Rebuild",
		observability.WithAttributes(attribute.String("tier", tier.String())),
	)
	defer span.End()

	start := time.Now()
	err := c.WithTierLock(ctx, tier, func(ctx context.Context) error {
		items, err := c.load(ctx, tier)
		if err != nil {
			return err
		}
		return c.Store(ctx, tier, items)
	})

	c.metrics.RecordRebuild(ctx, tier.Key(), rebuildResult(err), time.Since(start))
	if err != nil && !feed.IsSkip(err) {
		span.NoticeError(err)
	}
	return err
}

// load reads the tier's members from its source under the source timeout.
func (c *Coordinator) load(ctx context.Context, tier feed.Tier) ([]feed.PostSummary, error) {
	tc, ok := c.caches[tier]
	if !ok {
		return nil, fmt.Errorf("no cache configured for tier %s", tier)
	}

	ctx, cancel := context.WithTimeout(ctx, c.sourceTimeout)
	defer cancel()

	var (
		items []feed.PostSummary
		err   error
	)
	if src, ok := c.sources[tier]; ok {
		items, err = src(ctx, tc.Spec().MaxMembers)
	} else {
		items, err = c.posts.FindRanked(ctx, tier, tc.Spec().MaxMembers)
	}
	if err != nil {
		if errors.Is(err, feed.ErrBackendUnavailable) {
			return nil, fmt.Errorf("load %s: %w", tier, err)
		}
		return nil, fmt.Errorf("load %s: %w: %v", tier, feed.ErrBackendUnavailable, err)
	}
	if len(items) == 0 {
		return nil, feed.ErrEmptySource
	}
	return items, nil
}

// Store replaces the tier cache with items. Callers must hold the tier lock.
func (c *Coordinator) Store(ctx context.Context, tier feed.Tier, items []feed.PostSummary) error {
	tc, ok := c.caches[tier]
	if !ok {
		return fmt.Errorf("no cache configured for tier %s", tier)
	}
	if err := tc.Replace(ctx, items); err != nil {
		return err
	}

	c.mu.Lock()
	c.generation[tier]++
	c.mu.Unlock()
	return nil
}

// Invalidate drops the cached contents of tier so the next read reloads it.
func (c *Coordinator) Invalidate(ctx context.Context, tier feed.Tier) error {
	tc, ok := c.caches[tier]
	if !ok {
		return fmt.Errorf("no cache configured for tier %s", tier)
	}
	if err := tc.Invalidate(ctx); err != nil {
		return fmt.Errorf("invalidate %s: %w", tier, err)
	}
	return nil
}

// WithTierLock runs fn while holding the advisory rebuild lock of tier.
// The lock is released on every exit path, including a failing fn.
func (c *Coordinator) WithTierLock(ctx context.Context, tier feed.Tier, fn func(ctx context.Context) error) error {
	lock, err := c.locker.TryLock(ctx, "rebuild:"+tier.Key(), c.lockTTL)
	if errors.Is(err, cache.ErrLockHeld) {
		return feed.ErrLockContention
	}
	if err != nil {
		return fmt.Errorf("lock %s: %w: %v", tier, feed.ErrBackendUnavailable, err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			c.logger.LogWarn(ctx, "failed to release tier lock", "tier", tier, "error", err)
		}
	}()

	return fn(ctx)
}

// observeDrift reports drift that survived a completed rebuild.
func (c *Coordinator) observeDrift(ctx context.Context, tier feed.Tier, view tiercache.View) {
	c.mu.Lock()
	gen := c.generation[tier]
	seenAt, seen := c.driftSeenAt[tier]
	c.driftSeenAt[tier] = gen
	c.mu.Unlock()

	if seen && gen > seenAt {
		c.metrics.RecordPersistentDrift(ctx, tier.Key())
		c.logger.LogError(ctx, "tier drift persisted across rebuild", feed.ErrDrift,
			"tier", tier,
			"index_len", view.IndexLen,
			"item_len", view.ItemLen,
		)
		return
	}
	c.logger.LogDebug(ctx, "tier drift detected", "tier", tier, "index_len", view.IndexLen, "item_len", view.ItemLen)
}

func (c *Coordinator) clearDrift(tier feed.Tier) {
	c.mu.Lock()
	delete(c.driftSeenAt, tier)
	c.mu.Unlock()
}

func rebuildResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, feed.ErrLockContention):
		return "contended"
	case errors.Is(err, feed.ErrEmptySource):
		return "empty"
	default:
		return "error"
	}
}
