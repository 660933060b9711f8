package limiter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Limiter shared by every backend instance that points at the same Redis.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	opts   Options
}

var _ Limiter = (*Redis)(nil)

// NewRedis constructs a Redis limiter. An empty prefix defaults to "gkid:pin:".
func NewRedis(rdb redis.UniversalClient, prefix string, opts Options) *Redis {
	opts.setDefaults()
	if prefix == "" {
		prefix = "gkid:pin:"
	}
	return &Redis{rdb: rdb, prefix: prefix, opts: opts}
}

func (l *Redis) failsKey(key string) string { return l.prefix + key + ":fails" }
func (l *Redis) lockKey(key string) string  { return l.prefix + key + ":lock" }

func (l *Redis) Allow(ctx context.Context, key string) (Status, error) {
	if st, locked, err := l.locked(ctx, key); err != nil || locked {
		return st, err
	}
	n, err := l.rdb.Get(ctx, l.failsKey(key)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Status{}, fmt.Errorf("limiter allow: %w", err)
	}
	return Status{Remaining: max(l.opts.MaxFailures-n, 0)}, nil
}

// locked reads the lockout key. The lock value is the unlock time in unix milliseconds.
func (l *Redis) locked(ctx context.Context, key string) (Status, bool, error) {
	v, err := l.rdb.Get(ctx, l.lockKey(key)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return Status{}, false, nil
	case err != nil:
		return Status{}, false, fmt.Errorf("limiter lock: %w", err)
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return Status{}, false, fmt.Errorf("limiter lock: %w", err)
	}
	until := time.UnixMilli(ms)
	if !until.After(l.opts.Now()) {
		return Status{}, false, nil
	}
	return Status{Locked: true, LockedUntil: until}, true, nil
}

func (l *Redis) Success(ctx context.Context, key string) error {
	if err := l.rdb.Del(ctx, l.failsKey(key), l.lockKey(key)).Err(); err != nil {
		return fmt.Errorf("limiter success: %w", err)
	}
	return nil
}

func (l *Redis) Failure(ctx context.Context, key string) (Status, error) {
	if st, locked, err := l.locked(ctx, key); err != nil || locked {
		return st, err
	}
	fk := l.failsKey(key)
	n64, err := l.rdb.Incr(ctx, fk).Result()
	if err != nil {
		return Status{}, fmt.Errorf("limiter failure: %w", err)
	}
	if n64 == 1 {
		if err := l.rdb.Expire(ctx, fk, l.opts.Window).Err(); err != nil {
			return Status{}, fmt.Errorf("limiter failure: %w", err)
		}
	}
	n := int(n64)
	if n < l.opts.MaxFailures {
		return Status{Remaining: l.opts.MaxFailures - n}, nil
	}

	until := time.UnixMilli(l.opts.Now().Add(l.opts.LockFor).UnixMilli())
	pipe := l.rdb.TxPipeline()
	pipe.Set(ctx, l.lockKey(key), strconv.FormatInt(until.UnixMilli(), 10), l.opts.LockFor)
	pipe.Del(ctx, fk)
	if _, err := pipe.Exec(ctx); err != nil {
		return Status{}, fmt.Errorf("limiter lock: %w", err)
	}
	return Status{Locked: true, LockedUntil: until}, nil
}
