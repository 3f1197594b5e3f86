package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// opTimeout bounds every cache round-trip so a slow Redis cannot stall the
// request path.
const opTimeout = 2 * time.Second

// ErrMiss is returned by Get when the key does not exist.
var ErrMiss = errors.New("cache: miss")

// Cache is a TTL-keyed KV adapter over Redis. It stores JSON-encoded values
// and is used for cached user principals, token blacklist entries, and rate
// limiter counter buckets.
type Cache struct {
	client *redis.Client
	prefix string
}

// New creates a cache adapter. All keys are namespaced under the given prefix.
func New(client *redis.Client, prefix string) *Cache {
	return &Cache{client: client, prefix: prefix}
}

func (c *Cache) key(k string) string {
	return c.prefix + ":" + k
}

func (c *Cache) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}

// Get retrieves the value for key and unmarshals it into target.
// Returns ErrMiss if the key does not exist.
func (c *Cache) Get(ctx context.Context, key string, target any) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrMiss
		}
		return fmt.Errorf("cache get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}

	return nil
}

// Set stores value under key with the given TTL. A zero TTL stores the key
// without expiry.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}

	if err := c.client.Set(ctx, c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}

	return nil
}

// Del removes one or more keys. Missing keys are not an error.
func (c *Cache) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = c.key(k)
	}

	if err := c.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("cache del: %w", err)
	}

	return nil
}

// Exists reports whether the key is present.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	n, err := c.client.Exists(ctx, c.key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("cache exists %s: %w", key, err)
	}

	return n > 0, nil
}

// Expire resets the TTL on an existing key. Returns false if the key does
// not exist.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	ok, err := c.client.Expire(ctx, c.key(key), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("cache expire %s: %w", key, err)
	}

	return ok, nil
}

// Keys returns all keys matching the given pattern (without the namespace
// prefix). Uses SCAN, not KEYS, to avoid blocking Redis.
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var (
		cursor uint64
		out    []string
	)
	prefixLen := len(c.prefix) + 1

	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.key(pattern), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("cache keys %s: %w", pattern, err)
		}
		for _, k := range keys {
			out = append(out, k[prefixLen:])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return out, nil
}

// DeletePattern removes all keys matching the given pattern. Returns the
// number of keys deleted.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int, error) {
	keys, err := c.Keys(ctx, pattern)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := c.Del(ctx, keys...); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Incr atomically increments a counter key, setting the TTL when the counter
// is created. Used for fixed-window rate limiting: the first hit in a window
// creates the bucket with the window as its TTL.
func (c *Cache) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	full := c.key(key)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, full)
	pipe.ExpireNX(ctx, full, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("cache incr %s: %w", key, err)
	}

	return incr.Val(), nil
}

// Ping checks Redis connectivity, for readiness probes.
func (c *Cache) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.client.Ping(ctx).Err()
}
