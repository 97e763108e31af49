package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Limiter backed by a shared Redis INCR+EXPIRE counter, giving every gateway process sitting behind the
// same backend a coordinated view of each key's event rate. A Redis error fails open — an outage in the shared
// limiter should not take socket traffic down with it — so Allow returns true on any client error.
type Redis struct {
	client *redis.Client
	max    int
	window time.Duration
	prefix string
}

// NewRedis creates a Redis-backed Limiter allowing at most max events per key within window.
func NewRedis(client *redis.Client, max int, window time.Duration) *Redis {
	return &Redis{client: client, max: max, window: window, prefix: "relaygate:ratelimit:"}
}

// Allow increments key's counter in Redis, arming its expiry on first use, and reports whether the new count is
// still within max.
func (r *Redis) Allow(key string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	full := r.prefix + key
	n, err := r.client.Incr(ctx, full).Result()
	if err != nil {
		return true
	}
	if n == 1 {
		r.client.Expire(ctx, full, r.window)
	}
	return n <= int64(r.max)
}
