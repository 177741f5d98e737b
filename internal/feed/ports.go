package feed

import "context"

// PostQueryPort is the relational store of record as seen by the cache
// engine.
type PostQueryPort interface {
	// FindRanked returns the current top posts for tier by its ranking rule.
	FindRanked(ctx context.Context, tier Tier, limit int) ([]PostSummary, error)

	// FindPage returns a window over the tier's ranked posts.
	FindPage(ctx context.Context, tier Tier, offset, limit int) (Page[PostSummary], error)

	// SetTierFlag marks ids as members of tier.
	SetTierFlag(ctx context.Context, ids []int64, tier Tier) error

	// ClearTierFlag removes tier from every post currently flagged with it.
	ClearTierFlag(ctx context.Context, tier Tier) error

	// ClearTierFlagOverriding clears oldTier from ids that are about to
	// become newTier, and clears newTier from posts that are leaving it.
	ClearTierFlagOverriding(ctx context.Context, ids []int64, newTier, oldTier Tier) error
}

// EventSink receives featured notifications. Delivery is at most once and
// failures are not retried by the caller.
type EventSink interface {
	Publish(ctx context.Context, event FeaturedEvent) error
}
