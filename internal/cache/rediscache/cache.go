// Package rediscache implements cache.Cache on Redis.
package rediscache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/goph-identity/internal/cache"
)

// ErrUnavailable wraps Redis transport failures.
var ErrUnavailable = errors.New("redis unavailable")

const scanCount = 500

// Cache stores JSON values under prefix + JSON-encoded key.
type Cache struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ cache.Cache = (*Cache)(nil)

// New returns a Cache. prefix must not contain glob metacharacters; ttl of zero
// means entries never expire.
func New(rdb redis.UniversalClient, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "gkid:cache:"
	}
	return &Cache{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (c *Cache) redisKey(k cache.Key) string {
	b, _ := json.Marshal([]string(k))
	return c.prefix + string(b)
}

func (c *Cache) decodeKey(rk string) (cache.Key, bool) {
	var k []string
	if err := json.Unmarshal([]byte(strings.TrimPrefix(rk, c.prefix)), &k); err != nil {
		return nil, false
	}
	return k, true
}

// SetData stores value as JSON.
func (c *Cache) SetData(ctx context.Context, key cache.Key, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.redisKey(key), b, c.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Get decodes the value under key into dst. It reports false when the key is absent.
func (c *Cache) Get(ctx context.Context, key cache.Key, dst any) (bool, error) {
	b, err := c.rdb.Get(ctx, c.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Prefetch runs fetch and stores the result.
func (c *Cache) Prefetch(ctx context.Context, key cache.Key, fetch cache.Fetcher) error {
	v, err := fetch(ctx)
	if err != nil {
		return err
	}
	return c.SetData(ctx, key, v)
}

// Invalidate scans the prefix and deletes every key pred selects. Keys that do not
// decode are left alone.
func (c *Cache) Invalidate(ctx context.Context, pred cache.Predicate) (int, error) {
	removed := 0
	err := c.scan(ctx, func(keys []string) error {
		var victims []string
		for _, rk := range keys {
			if k, ok := c.decodeKey(rk); ok && pred(k) {
				victims = append(victims, rk)
			}
		}
		if len(victims) == 0 {
			return nil
		}
		n, err := c.rdb.Del(ctx, victims...).Result()
		if err != nil {
			return err
		}
		removed += int(n)
		return nil
	})
	return removed, err
}

// ClearAll deletes every key under the prefix.
func (c *Cache) ClearAll(ctx context.Context) error {
	return c.scan(ctx, func(keys []string) error {
		if len(keys) == 0 {
			return nil
		}
		return c.rdb.Del(ctx, keys...).Err()
	})
}

func (c *Cache) scan(ctx context.Context, fn func([]string) error) error {
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, c.prefix+"*", scanCount).Result()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if err := fn(keys); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
