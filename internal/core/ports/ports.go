// Package ports declares the shared-infrastructure contracts the health core
// depends on. Redis-backed and in-process implementations live under infra/.
package ports

import (
	"context"
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
)

// DistributedLock is a mutual-exclusion primitive with automatic expiry.
type DistributedLock interface {
	// TryAcquire never blocks. On success it returns an owner token that must be
	// passed to Release.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)

	// Release deletes the lock only if it is still held by token.
	Release(ctx context.Context, key, token string) error

	// SetIfAbsent stores a marker for ttl and reports whether it was newly set.
	// Used as a throttle gate.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Cache stores JSON-serialisable values with a per-entry TTL.
type Cache interface {
	// Get decodes the entry into dest and reports whether it was present.
	Get(ctx context.Context, key string, dest any) (bool, error)
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

// RateLimiter counts events in a sliding window. Allow records the event only
// when it is admitted.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// JobScheduler accepts background refresh jobs.
type JobScheduler interface {
	DispatchNow(ctx context.Context, job domain.RefreshJob) error
	DispatchAt(ctx context.Context, job domain.RefreshJob, at time.Time) error
}

// JobQueue is a JobScheduler the renewal worker can drain.
type JobQueue interface {
	JobScheduler

	// PopDue removes and returns up to max jobs whose due time is <= now,
	// high-priority jobs first.
	PopDue(ctx context.Context, now time.Time, max int) ([]domain.RefreshJob, error)
}

// NotificationSink delivers user-facing notices. Implementations must not block
// the caller on delivery.
type NotificationSink interface {
	Notify(ctx context.Context, userID string, kind domain.ErrorKind, details map[string]string)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
