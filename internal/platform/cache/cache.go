package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key or member is not in the cache
	ErrNotFound = errors.New("cache: key not found")

	// ErrInvalidValue is returned when a cached value cannot be decoded
	ErrInvalidValue = errors.New("cache: invalid value")

	// ErrLockHeld is returned by TryLock when another holder owns the key
	ErrLockHeld = errors.New("cache: lock held")
)

// NoExpiry is reported by TTL for keys that exist without an expiration.
const NoExpiry time.Duration = -1

// Cache is the blob subset of the backend: opaque values with a TTL.
type Cache interface {
	// Get retrieves a value from cache
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with TTL (0 means no expiry)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes keys from cache
	Delete(ctx context.Context, keys ...string) error

	// Close closes the cache connection
	Close() error
}

// HashStore holds field→blob maps under one key.
type HashStore interface {
	HashGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HashSet(ctx context.Context, key, field string, value []byte) error
	HashDelete(ctx context.Context, key, field string) error
}

// ListStore holds ordered string lists.
type ListStore interface {
	ListRange(ctx context.Context, key string) ([]string, error)
	ListAppend(ctx context.Context, key string, values ...string) error
	ListRemove(ctx context.Context, key, value string) error
}

// ScoreSet is a sorted set of members ordered by a float score.
type ScoreSet interface {
	ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error)
	// ZRevRange returns up to count members starting at offset, highest
	// score first.
	ZRevRange(ctx context.Context, key string, offset, count int64) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)
	ZScore(ctx context.Context, key, member string) (float64, error)
	// ZDecay multiplies every score in the set by factor.
	ZDecay(ctx context.Context, key string, factor float64) error
}

// Backend is the full key-value contract the tier caches are built on.
// Implementations report missing keys as ErrNotFound and every other failure
// as a wrapped transport error.
type Backend interface {
	Cache
	HashStore
	ListStore
	ScoreSet

	// TTL returns the remaining lifetime of key, NoExpiry for persistent
	// keys, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// ReplaceHashIndex swaps the hash at hashKey and the list at indexKey
	// for the given contents in one step. Readers never see a mix of old
	// and new data. An empty order deletes both keys.
	ReplaceHashIndex(ctx context.Context, hashKey, indexKey string, fields map[string][]byte, order []string, ttl time.Duration) error

	// SetNX stores value only when key is absent.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error)

	Ping(ctx context.Context) error
}
