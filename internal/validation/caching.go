package validation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/core/ports"
	"github.com/vietddude/connwatch/internal/metrics"
)

// CachingConfig holds rate limit and batching parameters.
type CachingConfig struct {
	RateLimit    int // live checks allowed per pair per window
	RateWindow   time.Duration
	LastKnownTTL time.Duration // lifetime of the fallback copy served when limited
	ChunkSize    int           // batch concurrency
}

func DefaultCachingConfig() CachingConfig {
	return CachingConfig{
		RateLimit:    30,
		RateWindow:   60 * time.Second,
		LastKnownTTL: 24 * time.Hour,
		ChunkSize:    20,
	}
}

// Caching fronts a live validator with a result cache and a per-pair
// sliding-window rate limit. Order: cache, rate limit, live check.
type Caching struct {
	inner   Validator
	cache   ports.Cache
	limiter ports.RateLimiter
	cfg     CachingConfig
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group
}

// NewCaching wires the caching validator.
func NewCaching(
	inner Validator,
	cache ports.Cache,
	limiter ports.RateLimiter,
	cfg CachingConfig,
	logger *slog.Logger,
) (*Caching, error) {
	if inner == nil || cache == nil || limiter == nil {
		return nil, errors.New("validation: inner validator, cache and limiter are required")
	}
	if cfg.RateLimit <= 0 || cfg.RateWindow <= 0 {
		return nil, errors.New("validation: rate limit and window must be positive")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultCachingConfig().ChunkSize
	}
	if cfg.LastKnownTTL <= 0 {
		cfg.LastKnownTTL = DefaultCachingConfig().LastKnownTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Caching{
		inner:   inner,
		cache:   cache,
		limiter: limiter,
		cfg:     cfg,
		logger:  logger.With("component", "health_cache"),
		now:     time.Now,
	}, nil
}

func healthKey(pair domain.Pair) string {
	return "health:" + pair.Key()
}

func lastKnownKey(pair domain.Pair) string {
	return "last:health:" + pair.Key()
}

func limiterKey(pair domain.Pair) string {
	return "health:" + pair.Key()
}

// Validate returns the cached status when present, otherwise a live result
// subject to the rate limit. forceRefresh skips the cache read only.
func (c *Caching) Validate(ctx context.Context, userID, provider string, forceRefresh bool) domain.HealthStatus {
	pair := domain.NewPair(userID, provider)
	if !forceRefresh {
		if st, ok := c.lookup(ctx, healthKey(pair)); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			return st
		}
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()
	return c.live(ctx, pair)
}

// BatchValidate validates many pairs, reusing cached results and running the
// rest in concurrent chunks.
func (c *Caching) BatchValidate(ctx context.Context, pairs []domain.Pair) map[domain.Pair]domain.HealthStatus {
	result := make(map[domain.Pair]domain.HealthStatus, len(pairs))
	var uncached []domain.Pair
	for _, pair := range dedupe(pairs) {
		if st, ok := c.lookup(ctx, healthKey(pair)); ok {
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			result[pair] = st
			continue
		}
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		uncached = append(uncached, pair)
	}

	for pair, st := range c.validateChunks(ctx, uncached) {
		result[pair] = st
	}
	return result
}

// WarmCache validates pairs that have no cached result and returns how many
// were validated live.
func (c *Caching) WarmCache(ctx context.Context, pairs []domain.Pair) int {
	var cold []domain.Pair
	for _, pair := range dedupe(pairs) {
		if _, ok := c.lookup(ctx, healthKey(pair)); !ok {
			cold = append(cold, pair)
		}
	}
	warmed := 0
	for _, st := range c.validateChunks(ctx, cold) {
		if !st.RateLimited {
			warmed++
		}
	}
	return warmed
}

// Invalidate drops the cached status for a pair. The last-known copy is kept.
func (c *Caching) Invalidate(ctx context.Context, pair domain.Pair) error {
	return c.cache.Forget(ctx, healthKey(pair))
}

func (c *Caching) validateChunks(ctx context.Context, pairs []domain.Pair) map[domain.Pair]domain.HealthStatus {
	result := make(map[domain.Pair]domain.HealthStatus, len(pairs))
	var mu sync.Mutex

	for start := 0; start < len(pairs); start += c.cfg.ChunkSize {
		end := min(start+c.cfg.ChunkSize, len(pairs))
		g, gctx := errgroup.WithContext(ctx)
		for _, pair := range pairs[start:end] {
			g.Go(func() error {
				st := c.live(gctx, pair)
				mu.Lock()
				result[pair] = st
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}
	return result
}

// live runs one rate-limited live validation. Concurrent callers for the same
// pair share a single run and a single unit of quota.
func (c *Caching) live(ctx context.Context, pair domain.Pair) domain.HealthStatus {
	shared := context.WithoutCancel(ctx)
	v, _, _ := c.group.Do(pair.Key(), func() (any, error) {
		allowed, err := c.limiter.Allow(shared, limiterKey(pair), c.cfg.RateLimit, c.cfg.RateWindow)
		if err != nil {
			c.logger.Warn("Rate limiter unavailable, allowing live check", "pair", pair, "error", err)
			allowed = true
		}
		if !allowed {
			return c.limited(shared, pair), nil
		}

		st := c.inner.Validate(shared, pair.UserID, pair.Provider)
		c.store(shared, pair, st)
		return st, nil
	})
	return v.(domain.HealthStatus)
}

func (c *Caching) limited(ctx context.Context, pair domain.Pair) domain.HealthStatus {
	if st, ok := c.lookup(ctx, lastKnownKey(pair)); ok {
		metrics.RateLimited.WithLabelValues(pair.Provider, "last_known").Inc()
		return st
	}
	metrics.RateLimited.WithLabelValues(pair.Provider, "synthetic").Inc()
	return domain.NewRateLimited(c.now(), c.cfg.RateWindow)
}

func (c *Caching) store(ctx context.Context, pair domain.Pair, st domain.HealthStatus) {
	if err := c.cache.Put(ctx, healthKey(pair), st, st.CacheTTL()); err != nil {
		c.logger.Warn("Failed to cache health status", "pair", pair, "error", err)
	}
	if err := c.cache.Put(ctx, lastKnownKey(pair), st, c.cfg.LastKnownTTL); err != nil {
		c.logger.Warn("Failed to store last known health status", "pair", pair, "error", err)
	}
}

func (c *Caching) lookup(ctx context.Context, key string) (domain.HealthStatus, bool) {
	var st domain.HealthStatus
	ok, err := c.cache.Get(ctx, key, &st)
	if err != nil {
		c.logger.Warn("Health cache read failed", "key", key, "error", err)
		return domain.HealthStatus{}, false
	}
	return st, ok
}

func dedupe(pairs []domain.Pair) []domain.Pair {
	seen := make(map[domain.Pair]struct{}, len(pairs))
	out := make([]domain.Pair, 0, len(pairs))
	for _, p := range pairs {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
