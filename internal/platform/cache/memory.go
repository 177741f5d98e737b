package cache

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"
)

// entry is one key in the in-memory backend. Exactly one of the value
// fields is used depending on the key's kind.
type entry struct {
	key        string
	blob       []byte
	hash       map[string][]byte
	list       []string
	zset       map[string]float64
	expiration time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiration.IsZero() && now.After(e.expiration)
}

// MemoryCache implements Backend in process with LRU eviction and TTL.
// It serves single-process deployments and tests.
type MemoryCache struct {
	maxSize int
	items   map[string]*list.Element
	lru     *list.List
	mu      sync.Mutex
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemoryCache creates a new in-memory cache
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}

	c := &MemoryCache{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
	}

	go c.cleanup()

	return c
}

// lookup returns the live entry for key and marks it recently used
// (caller must hold lock)
func (c *MemoryCache) lookup(key string) *entry {
	element, ok := c.items[key]
	if !ok {
		return nil
	}
	e := element.Value.(*entry)
	if e.expired(time.Now()) {
		c.remove(key)
		return nil
	}
	c.lru.MoveToFront(element)
	return e
}

// upsert returns the entry for key, creating an empty one if needed
// (caller must hold lock)
func (c *MemoryCache) upsert(key string) *entry {
	if e := c.lookup(key); e != nil {
		return e
	}
	e := &entry{key: key}
	c.items[key] = c.lru.PushFront(e)
	if c.lru.Len() > c.maxSize {
		c.evictOldest()
	}
	return e
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}

func cloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}

// Get retrieves a blob
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil || e.blob == nil {
		return nil, ErrNotFound
	}
	return cloneBytes(e.blob), nil
}

// Set stores a blob with TTL
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remove(key)
	e := c.upsert(key)
	e.blob = cloneBytes(value)
	e.expiration = expiryFor(ttl)
	return nil
}

// Delete removes keys
func (c *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		c.remove(key)
	}
	return nil
}

func (c *MemoryCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil {
		return 0, ErrNotFound
	}
	if e.expiration.IsZero() {
		return NoExpiry, nil
	}
	return time.Until(e.expiration), nil
}

func (c *MemoryCache) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string][]byte)
	if e := c.lookup(key); e != nil {
		for field, v := range e.hash {
			out[field] = cloneBytes(v)
		}
	}
	return out, nil
}

func (c *MemoryCache) HashSet(ctx context.Context, key, field string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.upsert(key)
	if e.hash == nil {
		e.hash = make(map[string][]byte)
	}
	e.hash[field] = cloneBytes(value)
	return nil
}

func (c *MemoryCache) HashDelete(ctx context.Context, key, field string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(key); e != nil {
		delete(e.hash, field)
		if len(e.hash) == 0 {
			c.remove(key)
		}
	}
	return nil
}

func (c *MemoryCache) ListRange(ctx context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(key); e != nil {
		return append([]string(nil), e.list...), nil
	}
	return []string{}, nil
}

func (c *MemoryCache) ListAppend(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.upsert(key)
	e.list = append(e.list, values...)
	return nil
}

func (c *MemoryCache) ListRemove(ctx context.Context, key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil {
		return nil
	}
	kept := e.list[:0]
	for _, v := range e.list {
		if v != value {
			kept = append(kept, v)
		}
	}
	e.list = kept
	if len(e.list) == 0 {
		c.remove(key)
	}
	return nil
}

// ReplaceHashIndex swaps both keys under the cache lock.
func (c *MemoryCache) ReplaceHashIndex(ctx context.Context, hashKey, indexKey string, fields map[string][]byte, order []string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.remove(hashKey)
	c.remove(indexKey)
	if len(order) == 0 || len(fields) == 0 {
		return nil
	}

	expiration := expiryFor(ttl)

	h := c.upsert(hashKey)
	h.hash = make(map[string][]byte, len(fields))
	for field, v := range fields {
		h.hash[field] = cloneBytes(v)
	}
	h.expiration = expiration

	idx := c.upsert(indexKey)
	idx.list = append([]string(nil), order...)
	idx.expiration = expiration
	return nil
}

func (c *MemoryCache) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.upsert(key)
	if e.zset == nil {
		e.zset = make(map[string]float64)
	}
	e.zset[member] += delta
	return e.zset[member], nil
}

func (c *MemoryCache) ZRevRange(ctx context.Context, key string, offset, count int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil || count <= 0 {
		return []string{}, nil
	}
	return RankMembers(e.zset, offset, count), nil
}

func (c *MemoryCache) ZCard(ctx context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(key); e != nil {
		return int64(len(e.zset)), nil
	}
	return 0, nil
}

func (c *MemoryCache) ZScore(ctx context.Context, key, member string) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(key); e != nil {
		if score, ok := e.zset[member]; ok {
			return score, nil
		}
	}
	return 0, ErrNotFound
}

func (c *MemoryCache) ZDecay(ctx context.Context, key string, factor float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(key); e != nil {
		for member, score := range e.zset {
			e.zset[member] = score * factor
		}
	}
	return nil
}

func (c *MemoryCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.lookup(key); e != nil {
		return false, nil
	}
	e := c.upsert(key)
	e.blob = cloneBytes(value)
	e.expiration = expiryFor(ttl)
	return true, nil
}

func (c *MemoryCache) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.lookup(key)
	if e == nil || string(e.blob) != string(value) {
		return false, nil
	}
	c.remove(key)
	return true, nil
}

// Ping always succeeds
func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Close stops the cleanup goroutine
func (c *MemoryCache) Close() error {
	c.once.Do(func() { close(c.stopCh) })
	return nil
}

// RankMembers orders a score table highest first, ties broken by member,
// and returns the requested window.
func RankMembers(scores map[string]float64, offset, count int64) []string {
	members := make([]string, 0, len(scores))
	for m := range scores {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		si, sj := scores[members[i]], scores[members[j]]
		if si != sj {
			return si > sj
		}
		return members[i] > members[j]
	})

	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(members)) {
		return []string{}
	}
	end := offset + count
	if end > int64(len(members)) {
		end = int64(len(members))
	}
	return members[offset:end]
}

// remove removes an item (caller must hold lock)
func (c *MemoryCache) remove(key string) {
	if element, exists := c.items[key]; exists {
		c.lru.Remove(element)
		delete(c.items, key)
	}
}

// evictOldest removes the least recently used item (caller must hold lock)
func (c *MemoryCache) evictOldest() {
	element := c.lru.Back()
	if element != nil {
		c.remove(element.Value.(*entry).key)
	}
}

// cleanup periodically removes expired items
func (c *MemoryCache) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanupExpired()
		case <-c.stopCh:
			return
		}
	}
}

func (c *MemoryCache) cleanupExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, element := range c.items {
		if element.Value.(*entry).expired(now) {
			c.remove(key)
		}
	}
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() (size int, maxSize int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items), c.maxSize
}
