package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/eddielth/agri-pipeline/logger"
	"github.com/redis/go-redis/v9"
)

var log = logger.For("ratelimit")

// Window is a fixed-window counter per key kept in redis
type Window struct {
	rdb    redis.Cmdable
	prefix string
	limit  int64
	window time.Duration
}

// NewWindow allows limit hits per window for each key; rdb may be nil to disable limiting
func NewWindow(rdb redis.Cmdable, prefix string, limit int, window time.Duration) *Window {
	return &Window{rdb: rdb, prefix: prefix, limit: int64(limit), window: window}
}

// Key returns the redis key counting hits for key
func (w *Window) Key(key string) string {
	return w.prefix + ":" + key
}

// Allow counts one hit for key. When redis cannot be reached it allows the hit and returns the error.
func (w *Window) Allow(ctx context.Context, key string) (bool, error) {
	if w == nil || w.rdb == nil || w.limit <= 0 {
		return true, nil
	}

	k := w.Key(key)
	n, err := w.rdb.Incr(ctx, k).Result()
	if err != nil {
		log.Warn("rate limit store unavailable, allowing %s: %v", k, err)
		return true, fmt.Errorf("incr %s: %w", k, err)
	}
	if n == 1 {
		if err := w.rdb.Expire(ctx, k, w.window).Err(); err != nil {
			log.Warn("set expiry on %s: %v", k, err)
		}
	}
	return n <= w.limit, nil
}

// RetryAfter returns how long until key's window resets, or the full window if unknown
func (w *Window) RetryAfter(ctx context.Context, key string) time.Duration {
	if w == nil || w.rdb == nil {
		return 0
	}
	ttl, err := w.rdb.TTL(ctx, w.Key(key)).Result()
	if err != nil || ttl <= 0 {
		return w.window
	}
	return ttl
}
