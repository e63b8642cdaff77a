package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
)

var (
	// ErrCredentialNotFound is returned by mutations on a pair with no stored credential.
	ErrCredentialNotFound = errors.New("credential not found")
)

// TokenStore handles credential storage operations.
// Get returns (nil, nil) when no credential exists.
type TokenStore interface {
	// Get retrieves the credential for a pair
	Get(ctx context.Context, userID, provider string) (*domain.Credential, error)

	// Upsert creates or replaces a credential
	Upsert(ctx context.Context, cred *domain.Credential) error

	// SaveRefreshed persists a new token, resets the failure counter and clears
	// the intervention flag and the schedule mark
	SaveRefreshed(ctx context.Context, userID, provider string, token domain.Token, at time.Time) error

	// RecordRefreshFailure atomically increments the failure counter and
	// returns the new value
	RecordRefreshFailure(
		ctx context.Context,
		userID, provider string,
		kind domain.ErrorKind,
		requiresIntervention bool,
		at time.Time,
	) (uint, error)

	// ListExpiring returns refreshable credentials expiring before q.Before
	ListExpiring(ctx context.Context, q ExpiringQuery) ([]*domain.Credential, error)

	// MarkScheduled sets the schedule mark if it is unset or older than
	// staleBefore. Returns false if another scheduler holds the mark.
	MarkScheduled(ctx context.Context, userID, provider string, at, staleBefore time.Time) (bool, error)

	// ClearScheduled removes the schedule mark
	ClearScheduled(ctx context.Context, userID, provider string) error

	// ClearIntervention resets the intervention flag and failure counter
	ClearIntervention(ctx context.Context, userID, provider string, at time.Time) error
}

// ExpiringQuery selects credentials for proactive renewal.
type ExpiringQuery struct {
	Before      time.Time
	StaleBefore time.Time // schedule marks older than this are ignored
	Limit       int
}

// HealthRecordStore handles consolidated health storage operations.
// Get returns (nil, nil) when no record exists.
type HealthRecordStore interface {
	Get(ctx context.Context, userID, provider string) (*domain.HealthRecord, error)
	Upsert(ctx context.Context, rec *domain.HealthRecord) error
	List(ctx context.Context, f HealthFilter) ([]*domain.HealthRecord, error)
}

// HealthFilter narrows List. Zero values match everything.
type HealthFilter struct {
	UserID string
	Status domain.Status
	Limit  int
}
