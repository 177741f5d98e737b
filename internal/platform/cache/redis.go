package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes a lock key only if it still carries the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache implements Backend on top of Redis
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a blob
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get error: %w", err)
	}
	return val, nil
}

// Set stores a blob with TTL
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}
	return nil
}

// Delete removes keys
func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete error: %w", err)
	}
	return nil
}

// TTL returns the remaining lifetime of key
func (r *RedisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ttl error: %w", err)
	}
	// go-redis reports the protocol sentinels -1 and -2 unscaled.
	switch {
	case d == -2:
		return 0, ErrNotFound
	case d < 0:
		return NoExpiry, nil
	}
	return d, nil
}

func (r *RedisCache) HashGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	vals, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall error: %w", err)
	}
	out := make(map[string][]byte, len(vals))
	for field, v := range vals {
		out[field] = []byte(v)
	}
	return out, nil
}

func (r *RedisCache) HashSet(ctx context.Context, key, field string, value []byte) error {
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return fmt.Errorf("redis hset error: %w", err)
	}
	return nil
}

func (r *RedisCache) HashDelete(ctx context.Context, key, field string) error {
	if err := r.client.HDel(ctx, key, field).Err(); err != nil {
		return fmt.Errorf("redis hdel error: %w", err)
	}
	return nil
}

func (r *RedisCache) ListRange(ctx context.Context, key string) ([]string, error) {
	vals, err := r.client.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange error: %w", err)
	}
	return vals, nil
}

func (r *RedisCache) ListAppend(ctx context.Context, key string, values ...string) error {
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := r.client.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis rpush error: %w", err)
	}
	return nil
}

func (r *RedisCache) ListRemove(ctx context.Context, key, value string) error {
	if err := r.client.LRem(ctx, key, 0, value).Err(); err != nil {
		return fmt.Errorf("redis lrem error: %w", err)
	}
	return nil
}

// ReplaceHashIndex writes the new hash and index under staging keys and
// renames them over the live keys inside one MULTI/EXEC.
func (r *RedisCache) ReplaceHashIndex(ctx context.Context, hashKey, indexKey string, fields map[string][]byte, order []string, ttl time.Duration) error {
	if len(order) == 0 || len(fields) == 0 {
		return r.Delete(ctx, hashKey, indexKey)
	}

	stagingHash := hashKey + ":staging"
	stagingIndex := indexKey + ":staging"

	hashArgs := make([]interface{}, 0, len(fields)*2)
	for field, v := range fields {
		hashArgs = append(hashArgs, field, v)
	}
	indexArgs := make([]interface{}, len(order))
	for i, id := range order {
		indexArgs[i] = id
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, stagingHash, stagingIndex)
		pipe.HSet(ctx, stagingHash, hashArgs...)
		pipe.RPush(ctx, stagingIndex, indexArgs...)
		if ttl > 0 {
			pipe.Expire(ctx, stagingHash, ttl)
			pipe.Expire(ctx, stagingIndex, ttl)
		}
		pipe.Rename(ctx, stagingHash, hashKey)
		pipe.Rename(ctx, stagingIndex, indexKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis replace hash index error: %w", err)
	}
	return nil
}

func (r *RedisCache) ZIncrBy(ctx context.Context, key, member string, delta float64) (float64, error) {
	score, err := r.client.ZIncrBy(ctx, key, delta, member).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zincrby error: %w", err)
	}
	return score, nil
}

func (r *RedisCache) ZRevRange(ctx context.Context, key string, offset, count int64) ([]string, error) {
	if count <= 0 {
		return []string{}, nil
	}
	members, err := r.client.ZRevRange(ctx, key, offset, offset+count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange error: %w", err)
	}
	return members, nil
}

func (r *RedisCache) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard error: %w", err)
	}
	return n, nil
}

func (r *RedisCache) ZScore(ctx context.Context, key, member string) (float64, error) {
	score, err := r.client.ZScore(ctx, key, member).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("redis zscore error: %w", err)
	}
	return score, nil
}

// ZDecay scales every score in place with a single weighted ZUNIONSTORE.
func (r *RedisCache) ZDecay(ctx context.Context, key string, factor float64) error {
	err := r.client.ZUnionStore(ctx, key, &redis.ZStore{
		Keys:    []string{key},
		Weights: []float64{factor},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis zunionstore error: %w", err)
	}
	return nil
}

func (r *RedisCache) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx error: %w", err)
	}
	return ok, nil
}

func (r *RedisCache) CompareAndDelete(ctx context.Context, key string, value []byte) (bool, error) {
	n, err := releaseScript.Run(ctx, r.client, []string{key}, value).Int64()
	if err != nil {
		return false, fmt.Errorf("redis release error: %w", err)
	}
	return n == 1, nil
}

// Close closes the Redis connection
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Ping checks if Redis is reachable
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
