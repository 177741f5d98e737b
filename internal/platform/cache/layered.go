package cache

import (
	"context"
	"errors"
	"time"
)

// DefaultL1MaxTTL caps how long a value lives in the fast layer.
const DefaultL1MaxTTL = 1 * time.Minute

// LayeredCache is a two-tier blob cache (L1: process memory, L2: shared).
// Writes go to both layers; reads prefer L1 and backfill it from L2. Either
// layer may be missing or failing without failing the whole cache.
type LayeredCache struct {
	l1       Cache
	l2       Cache
	l1MaxTTL time.Duration
}

// NewLayeredCache creates a new layered cache
func NewLayeredCache(l1, l2 Cache) *LayeredCache {
	return NewLayeredCacheWithTTL(l1, l2, DefaultL1MaxTTL)
}

// NewLayeredCacheWithTTL creates a layered cache with a custom L1 TTL cap
func NewLayeredCacheWithTTL(l1, l2 Cache, l1MaxTTL time.Duration) *LayeredCache {
	if l1MaxTTL <= 0 {
		l1MaxTTL = DefaultL1MaxTTL
	}
	return &LayeredCache{l1: l1, l2: l2, l1MaxTTL: l1MaxTTL}
}

func (lc *LayeredCache) l1TTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > lc.l1MaxTTL {
		return lc.l1MaxTTL
	}
	return ttl
}

// Get retrieves a value (L1 → L2 → miss)
func (lc *LayeredCache) Get(ctx context.Context, key string) ([]byte, error) {
	if lc.l1 != nil {
		if val, err := lc.l1.Get(ctx, key); err == nil {
			return val, nil
		}
	}

	if lc.l2 != nil {
		val, err := lc.l2.Get(ctx, key)
		if err == nil {
			if lc.l1 != nil {
				_ = lc.l1.Set(ctx, key, val, lc.l1MaxTTL)
			}
			return val, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	return nil, ErrNotFound
}

// Set stores a value in both layers
func (lc *LayeredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1Err = lc.l1.Set(ctx, key, value, lc.l1TTL(ttl))
	}
	if lc.l2 != nil {
		l2Err = lc.l2.Set(ctx, key, value, ttl)
	}

	// Only fail when no layer took the write
	switch {
	case lc.l1 == nil:
		return l2Err
	case lc.l2 == nil:
		return l1Err
	case l1Err != nil && l2Err != nil:
		return l2Err
	}
	return nil
}

// Delete removes keys from both layers
func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	var l1Err, l2Err error

	if lc.l1 != nil {
		l1Err = lc.l1.Delete(ctx, keys...)
	}
	if lc.l2 != nil {
		l2Err = lc.l2.Delete(ctx, keys...)
	}

	if l1Err != nil {
		return l1Err
	}
	return l2Err
}

// Close is a no-op: the layers are owned by whoever built them.
func (lc *LayeredCache) Close() error {
	return nil
}

// InvalidateL1 drops a key from the fast layer only
func (lc *LayeredCache) InvalidateL1(ctx context.Context, key string) error {
	if lc.l1 != nil {
		return lc.l1.Delete(ctx, key)
	}
	return nil
}
