package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vietddude/connwatch/internal/core/ports"
)

// releaseScript deletes the key only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock implements ports.DistributedLock with SET NX PX.
type Lock struct {
	c *Client
}

func NewLock(c *Client) *Lock {
	return &Lock{c: c}
}

var _ ports.DistributedLock = (*Lock)(nil)

// TryAcquire attempts to take the lock without blocking.
func (l *Lock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.c.rdb.SetNX(ctx, l.c.key(key), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("setnx failed: %w", err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Release deletes the lock if token still owns it. Releasing an expired or
// foreign lock is a no-op.
func (l *Lock) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.c.rdb, []string{l.c.key(key)}, token).Err(); err != nil {
		return fmt.Errorf("release lock failed: %w", err)
	}
	return nil
}

// SetIfAbsent stores a marker for ttl and reports whether it was newly set.
func (l *Lock) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.c.rdb.SetNX(ctx, l.c.key(key), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx failed: %w", err)
	}
	return ok, nil
}
