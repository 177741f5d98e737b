package fallback

import (
	"time"

	"github.com/BimilLog/BimilLog-sub000/internal/platform/cache"
)

// LastKnownGoodStore keeps last-known-good pages in process memory in front
// of the shared cache. The local copy lives as long as the shared one so a
// degraded page can still be served when both the database and the shared
// cache are down.
type LastKnownGoodStore struct {
	*cache.LayeredCache
	local *cache.MemoryCache
}

// NewLastKnownGoodStore layers a local cache of localSize entries over
// shared. ttl must match the gateway's LastKnownTTL.
func NewLastKnownGoodStore(shared cache.Cache, localSize int, ttl time.Duration) *LastKnownGoodStore {
	if ttl <= 0 {
		ttl = defaultLastKnownTTL
	}
	local := cache.NewMemoryCache(localSize)
	return &LastKnownGoodStore{
		LayeredCache: cache.NewLayeredCacheWithTTL(local, shared, ttl),
		local:        local,
	}
}

// Close stops the local layer. The shared cache is owned by the caller.
func (s *LastKnownGoodStore) Close() error {
	return s.local.Close()
}
