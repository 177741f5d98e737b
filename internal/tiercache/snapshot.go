package tiercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
)

// snapshot is the stored envelope. Carrying the write time lets a read
// compute the remaining TTL without a second round trip.
type snapshot struct {
	WrittenAt time.Time          `json:"written_at"`
	TTL       time.Duration      `json:"ttl"`
	Items     []feed.PostSummary `json:"items"`
}

// SnapshotCache stores a whole tier as one blob replaced with a single SET.
type SnapshotCache struct {
	spec    feed.TierSpec
	backend cache.Cache
	key     string
	opts    Options
}

// NewSnapshotCache creates the snapshot representation of a tier.
func NewSnapshotCache(spec feed.TierSpec, backend cache.Cache, opts Options) *SnapshotCache {
	opts = opts.withDefaults()
	return &SnapshotCache{
		spec:    spec,
		backend: backend,
		key:     tierKey(opts.Prefix, spec.Tier, "snapshot"),
		opts:    opts,
	}
}

func (c *SnapshotCache) Tier() feed.Tier     { return c.spec.Tier }
func (c *SnapshotCache) Spec() feed.TierSpec { return c.spec }

// Key returns the backend key of the snapshot.
func (c *SnapshotCache) Key() string { return c.key }

func (c *SnapshotCache) Load(ctx context.Context) (View, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	raw, err := c.backend.Get(ctx, c.key)
	if errors.Is(err, cache.ErrNotFound) {
		return View{Signal: feed.FreshnessMiss}, nil
	}
	if err != nil {
		c.opts.Metrics.RecordCacheError(ctx, c.spec.Tier.Key(), "load")
		return View{}, unavailable("load snapshot", c.spec.Tier, err)
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		// A blob we cannot decode is as good as absent; the rebuild overwrites it
		return View{Signal: feed.FreshnessMiss}, nil
	}

	remaining := snap.WrittenAt.Add(snap.TTL).Sub(c.opts.Now())
	if snap.TTL <= 0 {
		remaining = cache.NoExpiry
	} else if remaining < 0 {
		remaining = 0
	}

	n := len(snap.Items)
	return View{
		Items:     snap.Items,
		Signal:    Classify(n, n, remaining, c.spec.TTL, c.opts.EarlyRefreshWindow),
		IndexLen:  n,
		ItemLen:   n,
		Remaining: remaining,
	}, nil
}

func (c *SnapshotCache) Replace(ctx context.Context, items []feed.PostSummary) error {
	if len(items) == 0 {
		return feed.ErrEmptySource
	}

	raw, err := json.Marshal(snapshot{
		WrittenAt: c.opts.Now(),
		TTL:       c.spec.TTL,
		Items:     items,
	})
	if err != nil {
		return fmt.Errorf("encode %s snapshot: %w", c.spec.Tier, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.backend.Set(ctx, c.key, raw, c.spec.TTL); err != nil {
		c.opts.Metrics.RecordCacheError(ctx, c.spec.Tier.Key(), "replace")
		return unavailable("replace snapshot", c.spec.Tier, err)
	}
	return nil
}

func (c *SnapshotCache) Invalidate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.backend.Delete(ctx, c.key); err != nil {
		return unavailable("invalidate snapshot", c.spec.Tier, err)
	}
	return nil
}
