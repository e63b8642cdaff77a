package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/connwatch/internal/core/ports"
)

// slidingWindowScript trims events older than the window, then admits the new
// one only if the remaining count is below the limit.
//
// KEYS[1] window key; ARGV: now_ms, cutoff_ms, window_ms, limit, member
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[4]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[5])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
return 1
`)

// RateLimiter implements ports.RateLimiter as a sorted-set sliding window.
type RateLimiter struct {
	c   *Client
	now func() time.Time
}

func NewRateLimiter(c *Client) *RateLimiter {
	return &RateLimiter{c: c, now: time.Now}
}

var _ ports.RateLimiter = (*RateLimiter)(nil)

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	now := r.now().UnixMilli()
	res, err := slidingWindowScript.Run(
		ctx,
		r.c.rdb,
		[]string{r.c.key("rl:" + key)},
		now,
		now-window.Milliseconds(),
		window.Milliseconds(),
		limit,
		uuid.NewString(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}
	return res == 1, nil
}
