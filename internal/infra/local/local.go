// Package local provides single-process implementations of the shared
// infrastructure ports, used when no Redis is configured and in tests.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/vietddude/connwatch/internal/core/ports"
)

const cleanupInterval = time.Minute

// Lock implements ports.DistributedLock within one process.
type Lock struct {
	mu    sync.Mutex
	store *gocache.Cache
}

func NewLock() *Lock {
	return &Lock{store: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

var _ ports.DistributedLock = (*Lock)(nil)

func (l *Lock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	token := uuid.NewString()
	if err := l.store.Add(key, token, ttl); err != nil {
		return "", false, nil
	}
	return token, true, nil
}

func (l *Lock) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.store.Get(key); ok && v == token {
		l.store.Delete(key)
	}
	return nil
}

func (l *Lock) SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.store.Add(key, true, ttl) == nil, nil
}

// Cache implements ports.Cache. Values are stored JSON-encoded so readers
// never share memory with writers.
type Cache struct {
	store *gocache.Cache
}

func NewCache() *Cache {
	return &Cache{store: gocache.New(gocache.NoExpiration, cleanupInterval)}
}

var _ ports.Cache = (*Cache)(nil)

func (c *Cache) Get(ctx context.Context, key string, dest any) (bool, error) {
	v, ok := c.store.Get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(v.([]byte), dest); err != nil {
		return false, fmt.Errorf("failed to decode cached value: %w", err)
	}
	return true, nil
}

func (c *Cache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode value: %w", err)
	}
	c.store.Set(key, data, ttl)
	return nil
}

func (c *Cache) Forget(ctx context.Context, key string) error {
	c.store.Delete(key)
	return nil
}

// RateLimiter is an in-memory sliding window log.
type RateLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	now    func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

var _ ports.RateLimiter = (*RateLimiter)(nil)

func (r *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	cutoff := now.Add(-window)

	// Drop timestamps that fell out of the window
	kept := r.events[key][:0]
	for _, ts := range r.events[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		r.events[key] = kept
		return false, nil
	}
	r.events[key] = append(kept, now)
	return true, nil
}
