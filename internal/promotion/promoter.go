// Package promotion recomputes tier membership on a schedule: score decay
// for REALTIME, flag-persisting promotion for WEEKLY and LEGEND, and plain
// database-to-cache refreshes for NOTICE and FIRST_PAGE.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/resilience"
)

// Refresher is the part of the refresh coordinator promotion relies on.
type Refresher interface {
	WithTierLock(ctx context.Context, tier feed.Tier, fn func(ctx context.Context) error) error
	Store(ctx context.Context, tier feed.Tier, items []feed.PostSummary) error
	Rebuild(ctx context.Context, tier feed.Tier) error
	Invalidate(ctx context.Context, tier feed.Tier) error
}

// Decayer applies score decay; the score router routes it through the
// score-path breaker.
type Decayer interface {
	DecayAll(ctx context.Context, factor float64) error
	// SettledRoute marks ctx so ranking reads under it reuse the route the
	// decay just settled on.
	SettledRoute(ctx context.Context) context.Context
}

// PromoterConfig wires a Promoter.
type PromoterConfig struct {
	Posts       feed.PostQueryPort
	Refresher   Refresher
	Scores      Decayer
	Events      feed.EventSink
	Specs       map[feed.Tier]feed.TierSpec
	DecayFactor float64
	// LockRetry bounds how long the WEEKLY rebuild after a LEGEND promotion
	// waits for a rebuild already in progress
	LockRetry resilience.RetryConfig

	// NewID generates event ids (default uuid)
	NewID func() string
	Now   func() time.Time

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Tracer  observability.Tracer
}

// Promoter runs one scheduler tick per tier.
type Promoter struct {
	posts       feed.PostQueryPort
	refresher   Refresher
	scores      Decayer
	events      feed.EventSink
	specs       map[feed.Tier]feed.TierSpec
	decayFactor float64
	lockRetry   resilience.RetryConfig
	newID       func() string
	now         func() time.Time

	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  observability.Tracer
}

// NewPromoter creates a promoter.
func NewPromoter(cfg PromoterConfig) (*Promoter, error) {
	if cfg.Posts == nil || cfg.Refresher == nil || cfg.Scores == nil || cfg.Events == nil {
		return nil, fmt.Errorf("posts, refresher, scores and events are required")
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		return nil, fmt.Errorf("decay factor must be in (0,1], got %v", cfg.DecayFactor)
	}
	if cfg.Specs == nil {
		cfg.Specs = feed.DefaultTierSpecs()
	}
	if cfg.LockRetry.MaxAttempts <= 0 {
		cfg.LockRetry = resilience.RetryConfig{
			MaxAttempts: 8,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Jitter:      0.2,
		}
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Promoter{
		posts:       cfg.Posts,
		refresher:   cfg.Refresher,
		scores:      cfg.Scores,
		events:      cfg.Events,
		specs:       cfg.Specs,
		decayFactor: cfg.DecayFactor,
		lockRetry:   cfg.LockRetry,
		newID:       cfg.NewID,
		now:         cfg.Now,
		logger:      cfg.Logger.Component("promotion"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
	}, nil
}

// Run executes the job of tier once.
func (p *Promoter) Run(ctx context.Context, tier feed.Tier) error {
	switch tier {
	case feed.TierRealtime:
		return p.Decay(ctx)
	case feed.TierWeekly:
		return p.PromoteWeekly(ctx)
	case feed.TierLegend:
		return p.PromoteLegend(ctx)
	case feed.TierNotice:
		return p.RefreshNotice(ctx)
	case feed.TierFirstPage:
		return p.RefreshFirstPage(ctx)
	default:
		return fmt.Errorf("unknown tier %q", tier)
	}
}

// Decay applies one decay tick to the real-time scores and rebuilds the
// REALTIME view from the decayed ranking. The rebuild reads the ranking from
// the store the decay ran on, so a tick evaluates the score breaker once.
func (p *Promoter) Decay(ctx context.Context) error {
	ctx, span := p.tracer.StartSpan(ctx, "Promoter.Decay")
	defer span.End()

	if err := p.scores.DecayAll(ctx, p.decayFactor); err != nil {
		span.NoticeError(err)
		p.metrics.RecordPromotion(ctx, feed.TierRealtime.Key(), "error", 0)
		return fmt.Errorf("decay scores: %w", err)
	}

	err := p.refresher.Rebuild(p.scores.SettledRoute(ctx), feed.TierRealtime)
	p.metrics.RecordPromotion(ctx, feed.TierRealtime.Key(), result(err), 0)
	return err
}

// PromoteWeekly recomputes WEEKLY membership. Posts already in LEGEND are
// left out.
func (p *Promoter) PromoteWeekly(ctx context.Context) error {
	_, err := p.promote(ctx, feed.TierWeekly)
	return err
}

// PromoteLegend recomputes LEGEND membership, clearing WEEKLY from every
// post entering LEGEND, then rebuilds the WEEKLY view so it no longer shows
// them. A WEEKLY rebuild already in progress may have read the old flags, so
// the rebuild waits for it rather than skipping. If WEEKLY cannot be rebuilt
// it is invalidated.
func (p *Promoter) PromoteLegend(ctx context.Context) error {
	promoted, err := p.promote(ctx, feed.TierLegend)
	if err != nil || promoted == 0 {
		return err
	}

	err = resilience.RetryIf(ctx, p.lockRetry, isContention, func(ctx context.Context) error {
		return p.refresher.Rebuild(ctx, feed.TierWeekly)
	})
	if err == nil {
		return nil
	}

	if errors.Is(err, feed.ErrEmptySource) {
		p.logger.LogDebug(ctx, "weekly has no members left after legend promotion")
	} else {
		p.logger.LogWarn(ctx, "weekly rebuild after legend promotion failed, invalidating", "error", err)
	}
	if err := p.refresher.Invalidate(ctx, feed.TierWeekly); err != nil {
		p.logger.LogError(ctx, "failed to invalidate weekly after legend promotion", err)
	}
	return nil
}

// RefreshNotice reloads NOTICE from the database. An empty source is skipped.
func (p *Promoter) RefreshNotice(ctx context.Context) error {
	err := p.refresher.Rebuild(ctx, feed.TierNotice)
	p.metrics.RecordPromotion(ctx, feed.TierNotice.Key(), result(err), 0)
	return err
}

// RefreshFirstPage reloads FIRST_PAGE from the database. An empty source is
// skipped.
func (p *Promoter) RefreshFirstPage(ctx context.Context) error {
	err := p.refresher.Rebuild(ctx, feed.TierFirstPage)
	p.metrics.RecordPromotion(ctx, feed.TierFirstPage.Key(), result(err), 0)
	return err
}

// promote runs one WEEKLY or LEGEND cycle under the tier lock:
//  1. rank; an empty ranking changes nothing
//  2. diff newly entering posts and build their events
//  3. persist flags
//  4. replace the tier cache
//  5. publish events
//
// It returns the number of members written.
func (p *Promoter) promote(ctx context.Context, tier feed.Tier) (int, error) {
	ctx, span := p.tracer.StartSpan(ctx, "Promoter.Promote",
		observability.WithAttributes(attribute.String("tier", tier.String())),
	)
	defer span.End()

	var (
		events   []feed.FeaturedEvent
		members  int
		cacheErr error
	)

	err := p.refresher.WithTierLock(ctx, tier, func(ctx context.Context) error {
		posts, err := p.posts.FindRanked(ctx, tier, p.specs[tier].MaxMembers)
		if err != nil {
			return fmt.Errorf("rank %s: %w: %v", tier, feed.ErrBackendUnavailable, err)
		}
		if tier == feed.TierWeekly {
			posts = withoutTier(posts, feed.TierLegend)
		}
		if len(posts) == 0 {
			return feed.ErrEmptySource
		}

		now := p.now()
		for _, post := range posts {
			if post.Featured != tier && post.HasMember() {
				events = append(events, feed.NewFeaturedEvent(p.newID(), post, tier, now))
			}
		}

		ids := feed.IDs(posts)
		if err := p.persistFlags(ctx, tier, ids); err != nil {
			events = nil
			return err
		}

		members = len(posts)
		for i := range posts {
			posts[i].Featured = tier
		}
		// Flags are the record; a failed cache write must not swallow the
		// events of this cycle
		cacheErr = p.refresher.Store(ctx, tier, posts)
		return nil
	})

	if err != nil {
		p.metrics.RecordPromotion(ctx, tier.Key(), result(err), 0)
		if !feed.IsSkip(err) {
			span.NoticeError(err)
		}
		return 0, err
	}

	if cacheErr != nil {
		p.logger.LogError(ctx, "tier cache write failed after promotion", cacheErr, "tier", tier)
	}

	p.publish(ctx, events)
	p.metrics.RecordPromotion(ctx, tier.Key(), result(cacheErr), len(events))
	p.logger.LogInfo(ctx, "tier promoted",
		"tier", tier,
		"members", members,
		"newly_featured", len(events),
	)

	if cacheErr != nil {
		return members, fmt.Errorf("store %s: %w", tier, cacheErr)
	}
	return members, nil
}

func (p *Promoter) persistFlags(ctx context.Context, tier feed.Tier, ids []int64) error {
	switch tier {
	case feed.TierLegend:
		if err := p.posts.ClearTierFlagOverriding(ctx, ids, feed.TierLegend, feed.TierWeekly); err != nil {
			return fmt.Errorf("clear flags for %s: %w: %v", tier, feed.ErrBackendUnavailable, err)
		}
	default:
		if err := p.posts.ClearTierFlag(ctx, tier); err != nil {
			return fmt.Errorf("clear flags for %s: %w: %v", tier, feed.ErrBackendUnavailable, err)
		}
	}
	if err := p.posts.SetTierFlag(ctx, ids, tier); err != nil {
		return fmt.Errorf("set flags for %s: %w: %v", tier, feed.ErrBackendUnavailable, err)
	}
	return nil
}

// publish hands every event to the sink once. Failures are logged, not retried.
func (p *Promoter) publish(ctx context.Context, events []feed.FeaturedEvent) {
	for _, ev := range events {
		if err := p.events.Publish(ctx, ev); err != nil {
			p.logger.LogWarn(ctx, "featured event not delivered",
				"event_id", ev.ID,
				"post_id", ev.PostID,
				"type", ev.Type,
				"error", err,
			)
		}
	}
}

func withoutTier(posts []feed.PostSummary, tier feed.Tier) []feed.PostSummary {
	out := posts[:0:0]
	for _, p := range posts {
		if p.Featured != tier {
			out = append(out, p)
		}
	}
	return out
}

func isContention(err error) bool {
	return errors.Is(err, feed.ErrLockContention)
}

func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, feed.ErrEmptySource):
		return "empty"
	case errors.Is(err, feed.ErrLockContention):
		return "contended"
	default:
		return "error"
	}
}
