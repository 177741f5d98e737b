// Package reader is the entry point for feed reads, real-time activity and
// notice administration.
package reader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/resilience"
	"github.com/BimilLog/BimilLog-sub000/internal/refresh"
	"github.com/BimilLog/BimilLog-sub000/internal/tiercache"
)

// DefaultPageSize is used when a read asks for no limit.
const DefaultPageSize = 20

// ErrInvalidArgument is returned for requests that can never succeed.
var ErrInvalidArgument = errors.New("invalid argument")

// Coordinator is the refresh coordinator as seen by the service.
type Coordinator interface {
	Read(ctx context.Context, tier feed.Tier, offset, limit int) (feed.Page[feed.PostSummary], feed.Freshness)
	Cache(tier feed.Tier) (tiercache.TierCache, bool)
	Rebuild(ctx context.Context, tier feed.Tier) error
	WithTierLock(ctx context.Context, tier feed.Tier, fn func(ctx context.Context) error) error
}

// ScoreWriter accepts real-time activity.
type ScoreWriter interface {
	Increment(ctx context.Context, postID int64, delta float64) (float64, error)
}

// NoticeStore is the part of the store of record notice edits need.
type NoticeStore interface {
	FindByID(ctx context.Context, id int64) (feed.PostSummary, error)
	SetNotice(ctx context.Context, id int64, notice bool) error
}

// memberEditor is a tier cache that supports single-member edits.
type memberEditor interface {
	Put(ctx context.Context, item feed.PostSummary) error
	Remove(ctx context.Context, postID int64) error
}

// Config wires a Service.
type Config struct {
	Coordinator Coordinator
	Scores      ScoreWriter
	Notices     NoticeStore
	// LockRetry bounds how long a notice edit waits for a running rebuild
	LockRetry resilience.RetryConfig

	Logger *observability.Logger
	Tracer observability.Tracer
}

// Service serves tier pages and applies reader-facing writes.
type Service struct {
	coord     Coordinator
	scores    ScoreWriter
	notices   NoticeStore
	lockRetry resilience.RetryConfig

	logger *observability.Logger
	tracer observability.Tracer
}

// NewService creates a reader service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Coordinator == nil || cfg.Scores == nil || cfg.Notices == nil {
		return nil, fmt.Errorf("coordinator, scores and notices are required")
	}
	if cfg.LockRetry.MaxAttempts <= 0 {
		cfg.LockRetry = resilience.RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    time.Second,
			Jitter:      0.2,
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoopTracer()
	}

	return &Service{
		coord:     cfg.Coordinator,
		scores:    cfg.Scores,
		notices:   cfg.Notices,
		lockRetry: cfg.LockRetry,
		logger:    cfg.Logger.Component("reader"),
		tracer:    cfg.Tracer,
	}, nil
}

// Read serves one page of tier. Cache and database trouble never surfaces
// as an error; it shows up as a partial, degraded or empty page.
func (s *Service) Read(ctx context.Context, tier feed.Tier, offset, limit int) (feed.Page[feed.PostSummary], feed.Freshness, error) {
	tc, ok := s.coord.Cache(tier)
	if !ok {
		return feed.Page[feed.PostSummary]{}, "", fmt.Errorf("%w: unknown tier %q", ErrInvalidArgument, tier)
	}
	if offset < 0 {
		return feed.Page[feed.PostSummary]{}, "", fmt.Errorf("%w: negative offset %d", ErrInvalidArgument, offset)
	}
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if maxMembers := tc.Spec().MaxMembers; limit > maxMembers {
		limit = maxMembers
	}

	ctx, span := s.tracer.StartSpan(ctx, "Reader.Read",
		observability.WithAttributes(
			attribute.String("tier", tier.String()),
			attribute.Int("offset", offset),
			attribute.Int("limit", limit),
		),
	)
	defer span.End()

	page, signal := s.coord.Read(ctx, tier, offset, limit)
	span.SetAttributes(
		attribute.String("freshness", string(signal)),
		attribute.Bool("degraded", page.Degraded),
	)
	return page, signal, nil
}

// Realtime serves the real-time popularity ranking.
func (s *Service) Realtime(ctx context.Context, offset, limit int) (feed.Page[feed.PostSummary], feed.Freshness, error) {
	return s.Read(ctx, feed.TierRealtime, offset, limit)
}

// RecordActivity adds delta to the real-time score of a post and returns
// the new score. Scores only grow between decay ticks.
func (s *Service) RecordActivity(ctx context.Context, postID int64, delta float64) (float64, error) {
	if postID <= 0 {
		return 0, fmt.Errorf("%w: post id %d", ErrInvalidArgument, postID)
	}
	if delta < 0 {
		return 0, fmt.Errorf("%w: negative score delta %v", ErrInvalidArgument, delta)
	}
	return s.scores.Increment(ctx, postID, delta)
}

// PinNotice marks a post as a notice and adds it to the NOTICE cache.
func (s *Service) PinNotice(ctx context.Context, postID int64) error {
	if err := s.notices.SetNotice(ctx, postID, true); err != nil {
		return fmt.Errorf("pin notice %d: %w", postID, err)
	}
	post, err := s.notices.FindByID(ctx, postID)
	if err != nil {
		return fmt.Errorf("load notice %d: %w", postID, err)
	}

	return s.editNotices(ctx, "pin", func(ctx context.Context, ed memberEditor) error {
		return ed.Put(ctx, post)
	})
}

// UnpinNotice clears the notice mark of a post and drops it from the
// NOTICE cache.
func (s *Service) UnpinNotice(ctx context.Context, postID int64) error {
	if err := s.notices.SetNotice(ctx, postID, false); err != nil {
		return fmt.Errorf("unpin notice %d: %w", postID, err)
	}

	return s.editNotices(ctx, "unpin", func(ctx context.Context, ed memberEditor) error {
		return ed.Remove(ctx, postID)
	})
}

// editNotices applies a single-member edit under the NOTICE lock, waiting
// out a running rebuild. A cache that cannot take the edit is rebuilt from
// the database instead. The database write already happened, so a failed
// cache edit is logged and left to the next NOTICE refresh.
func (s *Service) editNotices(ctx context.Context, op string, edit func(context.Context, memberEditor) error) error {
	tc, ok := s.coord.Cache(feed.TierNotice)
	if !ok {
		return nil
	}

	ed, editable := tc.(memberEditor)
	var err error
	if editable {
		err = s.withNoticeLock(ctx, func(ctx context.Context) error {
			return edit(ctx, ed)
		})
	}
	if !editable || errors.Is(err, tiercache.ErrNotLoaded) {
		err = resilience.RetryIf(ctx, s.lockRetry, isContention, func(ctx context.Context) error {
			return s.coord.Rebuild(ctx, feed.TierNotice)
		})
		if errors.Is(err, feed.ErrEmptySource) {
			// Last notice unpinned: nothing left to cache
			err = tc.Invalidate(ctx)
		}
	}

	if err != nil {
		s.logger.LogWarn(ctx, "notice cache edit failed", "op", op, "error", err)
	}
	return nil
}

func (s *Service) withNoticeLock(ctx context.Context, fn func(context.Context) error) error {
	return resilience.RetryIf(ctx, s.lockRetry, isContention, func(ctx context.Context) error {
		return s.coord.WithTierLock(ctx, feed.TierNotice, fn)
	})
}

func isContention(err error) bool {
	return errors.Is(err, feed.ErrLockContention)
}

// PostLoader resolves ranked ids to summaries.
type PostLoader interface {
	FindByIDs(ctx context.Context, ids []int64) ([]feed.PostSummary, error)
	FindRanked(ctx context.Context, tier feed.Tier, limit int) ([]feed.PostSummary, error)
}

// ScoreRanker reads the real-time score ranking.
type ScoreRanker interface {
	Range(ctx context.Context, offset, count int64) ([]int64, error)
}

// RealtimeSource builds REALTIME from the score ranking. Before any
// activity is recorded the database approximation is used.
func RealtimeSource(scores ScoreRanker, posts PostLoader) refresh.SourceFunc {
	return func(ctx context.Context, limit int) ([]feed.PostSummary, error) {
		ids, err := scores.Range(ctx, 0, int64(limit))
		if err != nil {
			return nil, fmt.Errorf("rank realtime scores: %w", err)
		}
		if len(ids) == 0 {
			return posts.FindRanked(ctx, feed.TierRealtime, limit)
		}
		return posts.FindByIDs(ctx, ids)
	}
}
