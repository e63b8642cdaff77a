// Package retry holds the static per-ErrorKind retry table.
package retry

import (
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
)

// Context carries inputs that can override the computed delay.
type Context struct {
	RetryAfter time.Duration
}

// Policy is a pure function of (ErrorKind, attempt). The zero value is ready to use.
type Policy struct{}

func New() Policy {
	return Policy{}
}

const (
	defaultQuotaDelay = 600 * time.Second
	quotaMaxAttempts  = 3600
)

// MaxAttempts returns how many retries a kind is allowed.
func (Policy) MaxAttempts(kind domain.ErrorKind) uint {
	switch kind {
	case domain.ErrorKindNetwork, domain.ErrorKindServiceUnavailable, domain.ErrorKindTimeout:
		return 3
	case domain.ErrorKindQuotaExceeded:
		return quotaMaxAttempts
	case domain.ErrorKindUnknown:
		return 1
	default:
		return 0
	}
}

// ShouldRetry is false once attempt reaches MaxAttempts(kind).
func (p Policy) ShouldRetry(kind domain.ErrorKind, attempt uint) bool {
	return attempt < p.MaxAttempts(kind)
}

// Delay returns the wait before retry number attempt (1-based; 0 is treated as 1).
func (Policy) Delay(kind domain.ErrorKind, attempt uint, rc Context) time.Duration {
	n := attempt
	if n < 1 {
		n = 1
	}
	switch kind {
	case domain.ErrorKindNetwork:
		return exponential(30*time.Second, n, 1800*time.Second)
	case domain.ErrorKindServiceUnavailable:
		return exponential(60*time.Second, n, 1800*time.Second)
	case domain.ErrorKindTimeout:
		return linear(60*time.Second, n, 300*time.Second)
	case domain.ErrorKindQuotaExceeded:
		if rc.RetryAfter > 0 {
			return rc.RetryAfter
		}
		return defaultQuotaDelay
	case domain.ErrorKindUnknown:
		return linear(30*time.Second, n, 300*time.Second)
	default:
		return 0
	}
}

// RequiresIntervention reports kinds that only a user reconnection can fix.
func RequiresIntervention(kind domain.ErrorKind) bool {
	switch kind {
	case domain.ErrorKindInvalidCredentials,
		domain.ErrorKindInsufficientPermissions,
		domain.ErrorKindInvalidRefreshToken:
		return true
	}
	return false
}

// IsTransient reports kinds that are expected to clear on their own.
func IsTransient(kind domain.ErrorKind) bool {
	switch kind {
	case domain.ErrorKindNetwork, domain.ErrorKindTimeout,
		domain.ErrorKindServiceUnavailable, domain.ErrorKindQuotaExceeded:
		return true
	}
	return false
}

func exponential(base time.Duration, n uint, limit time.Duration) time.Duration {
	// 2^(n-1) overflows long before n reaches uint size; cap the shift.
	shift := n - 1
	if shift > 20 {
		return limit
	}
	d := base * time.Duration(1<<shift)
	if d > limit {
		return limit
	}
	return d
}

func linear(step time.Duration, n uint, limit time.Duration) time.Duration {
	if n > uint(limit/step) {
		return limit
	}
	return step * time.Duration(n)
}
