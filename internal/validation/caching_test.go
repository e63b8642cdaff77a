package validation

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/infra/local"
)

// countingValidator returns healthy for every pair except those listed in failing.
type countingValidator struct {
	calls   atomic.Int32
	failing map[string]bool
	gate    chan struct{}
	entered chan struct{}
}

func (v *countingValidator) Validate(ctx context.Context, userID, provider string) domain.HealthStatus {
	v.calls.Add(1)
	if v.entered != nil {
		select {
		case v.entered <- struct{}{}:
		default:
		}
	}
	if v.gate != nil {
		<-v.gate
	}
	details := []domain.TierResult{{Tier: domain.TierToken, Passed: true, DurationMs: 1}}
	if v.failing[provider] {
		return domain.NewUnhealthy(domain.StatusUnhealthy, domain.ErrorKindTokenExpired, "expired", details, time.Now(), 10*time.Second)
	}
	return domain.NewHealthy(details, time.Now(), 30*time.Second)
}

type ttlRecordingCache struct {
	*local.Cache
	mu   sync.Mutex
	ttls map[string]time.Duration
}

func newTTLRecordingCache() *ttlRecordingCache {
	return &ttlRecordingCache{Cache: local.NewCache(), ttls: make(map[string]time.Duration)}
}

func (c *ttlRecordingCache) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	c.mu.Lock()
	c.ttls[key] = ttl
	c.mu.Unlock()
	return c.Cache.Put(ctx, key, value, ttl)
}

type stubLimiter struct {
	allowed bool
	err     error
}

func (s stubLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return s.allowed, s.err
}

func newCaching(t *testing.T, inner Validator, limit int) (*Caching, *ttlRecordingCache) {
	t.Helper()
	cache := newTTLRecordingCache()
	cfg := DefaultCachingConfig()
	cfg.RateLimit = limit
	c, err := NewCaching(inner, cache, local.NewRateLimiter(), cfg, nil)
	require.NoError(t, err)
	return c, cache
}

func TestCaching_IdempotentWithinTTL(t *testing.T) {
	inner := &countingValidator{}
	c, _ := newCaching(t, inner, 30)
	ctx := context.Background()

	first := c.Validate(ctx, "u1", "gdrive", false)
	second := c.Validate(ctx, "u1", "gdrive", false)

	assert.Equal(t, int32(1), inner.calls.Load())
	assert.Equal(t, first, second)
}

func TestCaching_TTLDependsOnOutcome(t *testing.T) {
	inner := &countingValidator{failing: map[string]bool{"onedrive": true}}
	c, cache := newCaching(t, inner, 30)
	ctx := context.Background()

	c.Validate(ctx, "u1", "gdrive", false)
	c.Validate(ctx, "u1", "onedrive", false)

	assert.Equal(t, 30*time.Second, cache.ttls[healthKey(domain.NewPair("u1", "gdrive"))])
	assert.Equal(t, 10*time.Second, cache.ttls[healthKey(domain.NewPair("u1", "onedrive"))])
	assert.Equal(t, 24*time.Hour, cache.ttls[lastKnownKey(domain.NewPair("u1", "gdrive"))])
}

func TestCaching_RateLimitServesLastKnown(t *testing.T) {
	inner := &countingValidator{}
	c, _ := newCaching(t, inner, 2)
	ctx := context.Background()

	c.Validate(ctx, "u1", "gdrive", true)
	second := c.Validate(ctx, "u1", "gdrive", true)
	third := c.Validate(ctx, "u1", "gdrive", true)

	assert.Equal(t, int32(2), inner.calls.Load())
	assert.False(t, third.RateLimited)
	assert.Equal(t, second, third)
}

func TestCaching_RateLimitWithoutHistoryIsSynthetic(t *testing.T) {
	inner := &countingValidator{}
	c, err := NewCaching(inner, local.NewCache(), stubLimiter{allowed: false}, DefaultCachingConfig(), nil)
	require.NoError(t, err)

	st := c.Validate(context.Background(), "u1", "gdrive", false)
	assert.Zero(t, inner.calls.Load())
	assert.True(t, st.RateLimited)
	assert.False(t, st.IsHealthy)
	assert.Equal(t, domain.StatusDegraded, st.Status)
	assert.Equal(t, domain.ErrorKindQuotaExceeded, st.ErrorKind)
	assert.Equal(t, uint(60), st.CacheTTLSeconds)

	// Synthetic results are not cached.
	var cached domain.HealthStatus
	ok, err := c.cache.Get(context.Background(), healthKey(domain.NewPair("u1", "gdrive")), &cached)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCaching_LimiterErrorFailsOpen(t *testing.T) {
	inner := &countingValidator{}
	c, err := NewCaching(inner, local.NewCache(), stubLimiter{err: errBoom}, DefaultCachingConfig(), nil)
	require.NoError(t, err)

	st := c.Validate(context.Background(), "u1", "gdrive", false)
	assert.True(t, st.IsHealthy)
	assert.Equal(t, int32(1), inner.calls.Load())
}

func TestCaching_ConcurrentCallersShareOneLiveCheck(t *testing.T) {
	inner := &countingValidator{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c, _ := newCaching(t, inner, 1)

	const callers = 8
	results := make([]domain.HealthStatus, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Validate(context.Background(), "u1", "gdrive", true)
		}(i)
	}

	<-inner.entered
	time.Sleep(50 * time.Millisecond)
	close(inner.gate)
	wg.Wait()

	assert.Equal(t, int32(1), inner.calls.Load())
	for _, r := range results {
		assert.True(t, r.IsHealthy, "collapsed callers must not consume extra quota")
	}
}

func TestCaching_BatchValidate(t *testing.T) {
	inner := &countingValidator{failing: map[string]bool{"dropbox": true}}
	c, cache := newCaching(t, inner, 30)
	c.cfg.ChunkSize = 2
	ctx := context.Background()

	c.Validate(ctx, "u1", "gdrive", false)
	require.Equal(t, int32(1), inner.calls.Load())

	pairs := []domain.Pair{
		domain.NewPair("u1", "gdrive"),
		domain.NewPair("u1", "onedrive"),
		domain.NewPair("u1", "dropbox"),
		domain.NewPair("u2", "gdrive"),
		domain.NewPair("u1", "onedrive"),
		domain.NewPair("u3", "gdrive"),
	}
	result := c.BatchValidate(ctx, pairs)

	assert.Len(t, result, 5)
	assert.Equal(t, int32(5), inner.calls.Load(), "cached and duplicate pairs are not re-validated")
	assert.True(t, result[domain.NewPair("u1", "gdrive")].IsHealthy)
	assert.Equal(t, domain.StatusUnhealthy, result[domain.NewPair("u1", "dropbox")].Status)

	var st domain.HealthStatus
	ok, err := cache.Get(ctx, healthKey(domain.NewPair("u3", "gdrive")), &st)
	require.NoError(t, err)
	assert.True(t, ok, "batch results are cached")
}

func TestCaching_WarmCache(t *testing.T) {
	inner := &countingValidator{}
	c, _ := newCaching(t, inner, 30)
	ctx := context.Background()

	c.Validate(ctx, "u1", "gdrive", false)
	warmed := c.WarmCache(ctx, []domain.Pair{
		domain.NewPair("u1", "gdrive"),
		domain.NewPair("u1", "onedrive"),
		domain.NewPair("u2", "gdrive"),
	})
	assert.Equal(t, 2, warmed)
	assert.Equal(t, int32(3), inner.calls.Load())

	assert.Zero(t, c.WarmCache(ctx, []domain.Pair{domain.NewPair("u1", "onedrive")}))
}

func TestCaching_Invalidate(t *testing.T) {
	inner := &countingValidator{}
	c, _ := newCaching(t, inner, 30)
	ctx := context.Background()
	pair := domain.NewPair("u1", "gdrive")

	c.Validate(ctx, "u1", "gdrive", false)
	require.NoError(t, c.Invalidate(ctx, pair))
	c.Validate(ctx, "u1", "gdrive", false)
	assert.Equal(t, int32(2), inner.calls.Load())

	var st domain.HealthStatus
	ok, err := c.cache.Get(ctx, lastKnownKey(pair), &st)
	require.NoError(t, err)
	assert.True(t, ok, "last known copy survives invalidation")
}

func TestNewCaching_Validation(t *testing.T) {
	_, err := NewCaching(nil, local.NewCache(), local.NewRateLimiter(), DefaultCachingConfig(), nil)
	require.Error(t, err)

	cfg := DefaultCachingConfig()
	cfg.RateLimit = 0
	_, err = NewCaching(&countingValidator{}, local.NewCache(), local.NewRateLimiter(), cfg, nil)
	require.Error(t, err)
}
