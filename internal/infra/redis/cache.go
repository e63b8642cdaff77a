package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/connwatch/internal/core/ports"
)

// Cache implements ports.Cache with JSON values and PX expiry.
type Cache struct {
	c *Client
}

func NewCache(c *Client) *Cache {
	return &Cache{c: c}
}

var _ ports.Cache = (*Cache)(nil)

func (s *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.c.rdb.Get(ctx, s.c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get failed: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return true, nil
}

// Put stores value for ttl. A non-positive ttl is a no-op.
func (s *Cache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	if err := s.c.rdb.Set(ctx, s.c.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

func (s *Cache) Forget(ctx context.Context, key string) error {
	return s.c.rdb.Del(ctx, s.c.key(key)).Err()
}
