package tiercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/BimilLog/BimilLog-sub000/internal/feed"
	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
)

// HashIndexCache stores a tier as an ordered id list plus an id → summary
// hash. It supports single-member edits and detects drift by comparing
// the two cardinalities.
type HashIndexCache struct {
	spec     feed.TierSpec
	backend  cache.Backend
	hashKey  string
	indexKey string
	opts     Options
}

// NewHashIndexCache creates the hash+index representation of a tier.
func NewHashIndexCache(spec feed.TierSpec, backend cache.Backend, opts Options) *HashIndexCache {
	opts = opts.withDefaults()
	return &HashIndexCache{
		spec:     spec,
		backend:  backend,
		hashKey:  tierKey(opts.Prefix, spec.Tier, "items"),
		indexKey: tierKey(opts.Prefix, spec.Tier, "index"),
		opts:     opts,
	}
}

func (c *HashIndexCache) Tier() feed.Tier     { return c.spec.Tier }
func (c *HashIndexCache) Spec() feed.TierSpec { return c.spec }

// Keys returns the hash and index keys.
func (c *HashIndexCache) Keys() (hashKey, indexKey string) { return c.hashKey, c.indexKey }

// Load reads the index then the hash and walks the index to build items.
func (c *HashIndexCache) Load(ctx context.Context) (View, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	index, err := c.backend.ListRange(ctx, c.indexKey)
	if err != nil {
		return View{}, c.fail(ctx, "load index", err)
	}
	fields, err := c.backend.HashGetAll(ctx, c.hashKey)
	if err != nil {
		return View{}, c.fail(ctx, "load items", err)
	}

	remaining, err := c.backend.TTL(ctx, c.indexKey)
	switch {
	case errors.Is(err, cache.ErrNotFound):
		remaining = 0
	case err != nil:
		return View{}, c.fail(ctx, "load ttl", err)
	}

	decoded := make(map[string]feed.PostSummary, len(fields))
	for id, raw := range fields {
		var item feed.PostSummary
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		decoded[id] = item
	}

	items := make([]feed.PostSummary, 0, len(index))
	for _, id := range index {
		if item, ok := decoded[id]; ok {
			items = append(items, item)
		}
	}
	itemLen := len(decoded)

	return View{
		Items:     items,
		Signal:    Classify(len(index), itemLen, remaining, c.spec.TTL, c.opts.EarlyRefreshWindow),
		IndexLen:  len(index),
		ItemLen:   itemLen,
		Remaining: remaining,
	}, nil
}

// Index returns the ordered member ids.
func (c *HashIndexCache) Index(ctx context.Context) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	index, err := c.backend.ListRange(ctx, c.indexKey)
	if err != nil {
		return nil, c.fail(ctx, "load index", err)
	}
	ids := make([]int64, 0, len(index))
	for _, s := range index {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Items returns the hash contents keyed by post id, unordered.
func (c *HashIndexCache) Items(ctx context.Context) (map[int64]feed.PostSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	fields, err := c.backend.HashGetAll(ctx, c.hashKey)
	if err != nil {
		return nil, c.fail(ctx, "load items", err)
	}
	out := make(map[int64]feed.PostSummary, len(fields))
	for _, raw := range fields {
		var item feed.PostSummary
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		out[item.ID] = item
	}
	return out, nil
}

func (c *HashIndexCache) Replace(ctx context.Context, items []feed.PostSummary) error {
	if len(items) == 0 {
		return feed.ErrEmptySource
	}

	fields := make(map[string][]byte, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		id := strconv.FormatInt(item.ID, 10)
		if _, dup := fields[id]; dup {
			continue
		}
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode %s item %d: %w", c.spec.Tier, item.ID, err)
		}
		fields[id] = raw
		order = append(order, id)
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.backend.ReplaceHashIndex(ctx, c.hashKey, c.indexKey, fields, order, c.spec.TTL); err != nil {
		return c.fail(ctx, "replace", err)
	}
	return nil
}

// Put adds or updates one member. New members go to the end of the index.
// The tier must already be loaded; otherwise ErrNotLoaded is returned and
// the caller should rebuild instead.
func (c *HashIndexCache) Put(ctx context.Context, item feed.PostSummary) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode %s item %d: %w", c.spec.Tier, item.ID, err)
	}
	id := strconv.FormatInt(item.ID, 10)

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	index, err := c.backend.ListRange(ctx, c.indexKey)
	if err != nil {
		return c.fail(ctx, "put", err)
	}
	if len(index) == 0 {
		return ErrNotLoaded
	}

	if err := c.backend.HashSet(ctx, c.hashKey, id, raw); err != nil {
		return c.fail(ctx, "put", err)
	}
	for _, existing := range index {
		if existing == id {
			return nil
		}
	}
	if err := c.backend.ListAppend(ctx, c.indexKey, id); err != nil {
		return c.fail(ctx, "put", err)
	}
	return nil
}

// Remove drops one member from the index and the hash.
func (c *HashIndexCache) Remove(ctx context.Context, postID int64) error {
	id := strconv.FormatInt(postID, 10)

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.backend.ListRemove(ctx, c.indexKey, id); err != nil {
		return c.fail(ctx, "remove", err)
	}
	if err := c.backend.HashDelete(ctx, c.hashKey, id); err != nil {
		return c.fail(ctx, "remove", err)
	}
	return nil
}

func (c *HashIndexCache) Invalidate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.backend.Delete(ctx, c.hashKey, c.indexKey); err != nil {
		return c.fail(ctx, "invalidate", err)
	}
	return nil
}

func (c *HashIndexCache) fail(ctx context.Context, op string, err error) error {
	c.opts.Metrics.RecordCacheError(ctx, c.spec.Tier.Key(), op)
	return unavailable(op, c.spec.Tier, err)
}
