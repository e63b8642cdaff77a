// Package classify maps raw failures from providers, the network and the
// runtime onto the closed domain.ErrorKind taxonomy.
package classify

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/provider"
)

// genericCodes covers OAuth 2.0 (RFC 6749 / 6750) and common REST API error codes.
var genericCodes = map[string]domain.ErrorKind{
	"invalid_grant":           domain.ErrorKindInvalidRefreshToken,
	"invalid_token":           domain.ErrorKindTokenExpired,
	"expired_token":           domain.ErrorKindTokenExpired,
	"invalid_client":          domain.ErrorKindInvalidCredentials,
	"unauthorized_client":     domain.ErrorKindInvalidCredentials,
	"invalid_request":         domain.ErrorKindInvalidCredentials,
	"insufficient_scope":      domain.ErrorKindInsufficientPermissions,
	"access_denied":           domain.ErrorKindInsufficientPermissions,
	"too_many_requests":       domain.ErrorKindQuotaExceeded,
	"rate_limited":            domain.ErrorKindQuotaExceeded,
	"rateLimitExceeded":       domain.ErrorKindQuotaExceeded,
	"userRateLimitExceeded":   domain.ErrorKindQuotaExceeded,
	"quotaExceeded":           domain.ErrorKindQuotaExceeded,
	"not_found":               domain.ErrorKindFileNotFound,
	"itemNotFound":            domain.ErrorKindFileNotFound,
	"temporarily_unavailable": domain.ErrorKindServiceUnavailable,
	"server_error":            domain.ErrorKindServiceUnavailable,
	"serviceNotAvailable":     domain.ErrorKindServiceUnavailable,
	"unsupported_grant_type":  domain.ErrorKindFeatureNotSupported,
	"notSupported":            domain.ErrorKindFeatureNotSupported,
}

// providerCodes holds codes whose meaning differs per provider.
var providerCodes = map[string]map[string]domain.ErrorKind{
	"gdrive": {
		"authError":                   domain.ErrorKindTokenExpired,
		"dailyLimitExceeded":          domain.ErrorKindQuotaExceeded,
		"storageQuotaExceeded":        domain.ErrorKindFileTooLarge,
		"insufficientFilePermissions": domain.ErrorKindInsufficientPermissions,
		"fileNotDownloadable":         domain.ErrorKindInvalidFileType,
		"backendError":                domain.ErrorKindServiceUnavailable,
	},
	"onedrive": {
		"InvalidAuthenticationToken": domain.ErrorKindTokenExpired,
		"unauthenticated":            domain.ErrorKindTokenExpired,
		"activityLimitReached":       domain.ErrorKindQuotaExceeded,
		"quotaLimitReached":          domain.ErrorKindFileTooLarge,
		"accessDenied":               domain.ErrorKindInsufficientPermissions,
		"invalidRange":               domain.ErrorKindInvalidFileType,
		"serviceNotAvailable":        domain.ErrorKindServiceUnavailable,
	},
	"dropbox": {
		"expired_access_token":      domain.ErrorKindTokenExpired,
		"invalid_access_token":      domain.ErrorKindTokenExpired,
		"missing_scope":             domain.ErrorKindInsufficientPermissions,
		"insufficient_space":        domain.ErrorKindFileTooLarge,
		"too_many_write_operations": domain.ErrorKindQuotaExceeded,
		"path/not_found":            domain.ErrorKindFileNotFound,
		"disallowed_name":           domain.ErrorKindInvalidFileType,
	},
}

var (
	timeoutHints = []string{"timeout", "timed out", "deadline exceeded"}
	networkHints = []string{
		"connection", "dns", "unreachable", "no such host",
		"reset by peer", "refused", "eof", "broken pipe",
	}
)

// Classifier is stateless and safe for concurrent use.
type Classifier struct {
	logger *slog.Logger
}

// New creates a classifier. A nil logger disables debug output.
func New(logger *slog.Logger) *Classifier {
	return &Classifier{logger: logger}
}

// Classify never fails: anything it cannot place is unknown.
func (c *Classifier) Classify(err error) domain.ErrorKind {
	kind, rule := classify(err)
	if c != nil && c.logger != nil && err != nil {
		c.logger.Debug("classified error", "kind", kind, "rule", rule, "error", err)
	}
	return kind
}

// Classify is the package-level form for callers without a logger.
func Classify(err error) domain.ErrorKind {
	kind, _ := classify(err)
	return kind
}

// RetryAfter extracts the provider's retry hint, if any.
func RetryAfter(err error) time.Duration {
	var perr *provider.Error
	if errors.As(err, &perr) {
		return perr.RetryAfter
	}
	return 0
}

func classify(err error) (domain.ErrorKind, string) {
	if err == nil {
		return domain.ErrorKindUnknown, "nil"
	}

	var perr *provider.Error
	hasProviderErr := errors.As(err, &perr)

	if hasProviderErr && perr.Code != "" {
		if table, ok := providerCodes[perr.Provider]; ok {
			if kind, ok := table[perr.Code]; ok {
				return kind, "provider_code"
			}
		}
		if kind, ok := genericCodes[perr.Code]; ok {
			return kind, "generic_code"
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorKindTimeout, "deadline"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorKindTimeout, "net_timeout"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return domain.ErrorKindNetwork, "dns"
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return domain.ErrorKindNetwork, "net_op"
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "invalid_grant") {
		return domain.ErrorKindInvalidRefreshToken, "message"
	}
	if containsAny(msg, timeoutHints) {
		return domain.ErrorKindTimeout, "message"
	}
	if containsAny(msg, networkHints) {
		return domain.ErrorKindNetwork, "message"
	}

	if hasProviderErr && perr.StatusCode != 0 {
		if kind, ok := statusKind(perr.StatusCode); ok {
			return kind, "status"
		}
	}

	return domain.ErrorKindUnknown, "fallback"
}

func statusKind(code int) (domain.ErrorKind, bool) {
	switch code {
	case http.StatusUnauthorized:
		return domain.ErrorKindInvalidCredentials, true
	case http.StatusForbidden:
		return domain.ErrorKindInsufficientPermissions, true
	case http.StatusNotFound:
		return domain.ErrorKindFileNotFound, true
	case http.StatusRequestEntityTooLarge:
		return domain.ErrorKindFileTooLarge, true
	case http.StatusUnsupportedMediaType:
		return domain.ErrorKindInvalidFileType, true
	case http.StatusTooManyRequests:
		return domain.ErrorKindQuotaExceeded, true
	case http.StatusNotImplemented:
		return domain.ErrorKindFeatureNotSupported, true
	}
	if code >= 500 && code <= 599 {
		return domain.ErrorKindServiceUnavailable, true
	}
	return "", false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
