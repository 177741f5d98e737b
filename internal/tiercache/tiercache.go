// Package tiercache holds the per-tier cached views of the feed and the
// real-time score set. A tier is stored either as a single snapshot blob or
// as an id index plus an item hash; both sit behind TierCache.
package tiercache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/observability"
)

// ErrNotLoaded is returned by single-member edits when the tier has no
// cached representation to edit.
var ErrNotLoaded = errors.New("tier cache not loaded")

// View is one read of a tier cache.
type View struct {
	// Items in tier order. On DRIFT only the members present in both the
	// index and the hash are returned.
	Items     []feed.PostSummary
	Signal    feed.Freshness
	IndexLen  int
	ItemLen   int
	Remaining time.Duration
}

// TierCache is the capability shared by both representations.
type TierCache interface {
	Tier() feed.Tier
	Spec() feed.TierSpec
	// Load reads and classifies the tier. Backend failures and timeouts
	// are reported as feed.ErrBackendUnavailable.
	Load(ctx context.Context) (View, error)
	// Replace swaps the whole tier for items. Readers see either the old
	// or the new contents, never a mix. Empty input is refused with
	// feed.ErrEmptySource.
	Replace(ctx context.Context, items []feed.PostSummary) error
	Invalidate(ctx context.Context) error
}

// Options are shared by every tier cache.
type Options struct {
	// Prefix is prepended to every key, e.g. "feed:"
	Prefix string
	// EarlyRefreshWindow is the fraction of TTL below which a read is STALE
	EarlyRefreshWindow float64
	// Timeout bounds every backend call
	Timeout time.Duration
	Metrics *observability.Metrics
	// Now overrides the clock (tests)
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 500 * time.Millisecond
	}
	if o.EarlyRefreshWindow < 0 {
		o.EarlyRefreshWindow = 0
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// New builds the cache for one tier in the representation its spec names.
func New(spec feed.TierSpec, backend cache.Backend, opts Options) TierCache {
	if spec.Representation == feed.RepresentationHash {
		return NewHashIndexCache(spec, backend, opts)
	}
	return NewSnapshotCache(spec, backend, opts)
}

// NewAll builds one cache per tier spec.
func NewAll(specs map[feed.Tier]feed.TierSpec, backend cache.Backend, opts Options) map[feed.Tier]TierCache {
	caches := make(map[feed.Tier]TierCache, len(specs))
	for tier, spec := range specs {
		caches[tier] = New(spec, backend, opts)
	}
	return caches
}

// Classify derives the freshness signal of a read.
func Classify(indexLen, itemLen int, remaining, ttl time.Duration, window float64) feed.Freshness {
	switch {
	case indexLen == 0 && itemLen == 0:
		return feed.FreshnessMiss
	case indexLen != itemLen:
		return feed.FreshnessDrift
	case remaining == cache.NoExpiry:
		return feed.FreshnessHit
	case float64(remaining) <= window*float64(ttl):
		return feed.FreshnessStale
	default:
		return feed.FreshnessHit
	}
}

func tierKey(prefix string, tier feed.Tier, suffix string) string {
	return prefix + tier.Key() + ":" + suffix
}

// unavailable converts an adapter error into the backend-unavailable
// taxonomy without exposing the transport error chain.
func unavailable(op string, tier feed.Tier, err error) error {
	return fmt.Errorf("%s %s: %w: %v", op, tier, feed.ErrBackendUnavailable, err)
}
