package domain

import "time"

// Status is the user-facing health classification.
type Status string

const (
	StatusHealthy      Status = "healthy"
	StatusDegraded     Status = "degraded"
	StatusUnhealthy    Status = "unhealthy"
	StatusDisconnected Status = "disconnected"
)

// Tier names a stage of the live validation pipeline.
type Tier string

const (
	TierToken       Tier = "token"
	TierAPIProbe    Tier = "api_probe"
	TierOperational Tier = "operational"
)

// TierResult is one entry of HealthStatus.ValidationDetails.
type TierResult struct {
	Tier       Tier      `json:"tier"`
	Passed     bool      `json:"passed"`
	DurationMs int64     `json:"duration_ms"`
	Inferred   bool      `json:"inferred,omitempty"`
	ErrorKind  ErrorKind `json:"error_kind,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// HealthStatus is the immutable result of one validation run.
// Construct it with NewHealthy / NewUnhealthy and treat it as a value.
type HealthStatus struct {
	IsHealthy         bool         `json:"is_healthy"`
	Status            Status       `json:"status"`
	ErrorMessage      string       `json:"error_message,omitempty"`
	ErrorKind         ErrorKind    `json:"error_kind,omitempty"`
	ValidationDetails []TierResult `json:"validation_details,omitempty"`
	ValidatedAt       time.Time    `json:"validated_at"`
	CacheTTLSeconds   uint         `json:"cache_ttl_seconds"`
	RateLimited       bool         `json:"rate_limited,omitempty"`
}

// CacheTTL returns the suggested cache lifetime.
func (h HealthStatus) CacheTTL() time.Duration {
	return time.Duration(h.CacheTTLSeconds) * time.Second
}

// NewHealthy builds a passing status. ValidatedAt is normalised to UTC without a
// monotonic reading so that a cached copy compares equal to the original.
func NewHealthy(details []TierResult, at time.Time, ttl time.Duration) HealthStatus {
	return HealthStatus{
		IsHealthy:         true,
		Status:            StatusHealthy,
		ValidationDetails: details,
		ValidatedAt:       normalizeTime(at),
		CacheTTLSeconds:   uint(ttl / time.Second),
	}
}

// NewUnhealthy builds a failing status with the given classification.
func NewUnhealthy(
	status Status,
	kind ErrorKind,
	msg string,
	details []TierResult,
	at time.Time,
	ttl time.Duration,
) HealthStatus {
	return HealthStatus{
		IsHealthy:         false,
		Status:            status,
		ErrorMessage:      msg,
		ErrorKind:         kind,
		ValidationDetails: details,
		ValidatedAt:       normalizeTime(at),
		CacheTTLSeconds:   uint(ttl / time.Second),
	}
}

// NewRateLimited is the synthetic status returned when no live check is allowed
// and nothing is cached.
func NewRateLimited(at time.Time, retryIn time.Duration) HealthStatus {
	return HealthStatus{
		IsHealthy:       false,
		Status:          StatusDegraded,
		ErrorMessage:    "rate_limited: too many health checks, retry later",
		ErrorKind:       ErrorKindQuotaExceeded,
		ValidatedAt:     normalizeTime(at),
		CacheTTLSeconds: uint(retryIn / time.Second),
		RateLimited:     true,
	}
}

// HealthRecord is the persisted, consolidated health of a pair.
type HealthRecord struct {
	UserID                    string     `json:"user_id"                db:"user_id"`
	Provider                  string     `json:"provider"               db:"provider"`
	ConsolidatedStatus        Status     `json:"consolidated_status"    db:"consolidated_status"`
	ConsecutiveFailures       uint       `json:"consecutive_failures"   db:"consecutive_failures"`
	LastSuccessfulOperationAt *time.Time `json:"last_successful_operation_at,omitempty" db:"last_successful_operation_at"`
	LastErrorKind             ErrorKind  `json:"last_error_kind,omitempty" db:"last_error_kind"`
	LastErrorMessage          string     `json:"last_error_message,omitempty" db:"last_error_message"`
	RequiresReconnection      bool       `json:"requires_reconnection"  db:"requires_reconnection"`
	LastLiveValidationAt      *time.Time `json:"last_live_validation_at,omitempty" db:"last_live_validation_at"`
	UpdatedAt                 time.Time  `json:"updated_at"             db:"updated_at"`
}

func (r *HealthRecord) Pair() Pair {
	return Pair{UserID: r.UserID, Provider: r.Provider}
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Round(0)
}
