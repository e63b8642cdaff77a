package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/infra/storage"
)

// MemoryStorage keeps credentials and health records in process memory.
// Values are copied in and out so callers never share state with the store.
type MemoryStorage struct {
	creds   map[domain.Pair]domain.Credential
	records map[domain.Pair]domain.HealthRecord
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		creds:   make(map[domain.Pair]domain.Credential),
		records: make(map[domain.Pair]domain.HealthRecord),
	}
}

// -----------------------------------------------------------------------------
// Token Store
// -----------------------------------------------------------------------------

type TokenRepo struct {
	store *MemoryStorage
}

func NewTokenRepo(store *MemoryStorage) *TokenRepo {
	return &TokenRepo{store: store}
}

var _ storage.TokenStore = (*TokenRepo)(nil)

func (r *TokenRepo) Get(ctx context.Context, userID, provider string) (*domain.Credential, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.creds[domain.NewPair(userID, provider)]
	if !ok {
		return nil, nil
	}
	return copyCredential(c), nil
}

func (r *TokenRepo) Upsert(ctx context.Context, cred *domain.Credential) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := *copyCredential(*cred)
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	r.store.creds[c.Pair()] = c
	return nil
}

func (r *TokenRepo) SaveRefreshed(
	ctx context.Context,
	userID, provider string,
	token domain.Token,
	at time.Time,
) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := domain.NewPair(userID, provider)
	c, ok := r.store.creds[key]
	if !ok {
		return storage.ErrCredentialNotFound
	}
	c.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.RefreshToken = token.RefreshToken
	}
	c.ExpiresAt = token.ExpiresAt
	c.ConsecutiveFailureCount = 0
	c.RequiresUserIntervention = false
	c.ProactiveRefreshScheduledAt = nil
	c.LastRefreshAttemptAt = &at
	c.LastErrorKind = domain.ErrorKindNone
	c.UpdatedAt = at
	r.store.creds[key] = c
	return nil
}

func (r *TokenRepo) RecordRefreshFailure(
	ctx context.Context,
	userID, provider string,
	kind domain.ErrorKind,
	requiresIntervention bool,
	at time.Time,
) (uint, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := domain.NewPair(userID, provider)
	c, ok := r.store.creds[key]
	if !ok {
		return 0, storage.ErrCredentialNotFound
	}
	c.ConsecutiveFailureCount++
	if requiresIntervention {
		c.RequiresUserIntervention = true
	}
	c.LastErrorKind = kind
	c.LastRefreshAttemptAt = &at
	c.UpdatedAt = at
	r.store.creds[key] = c
	return c.ConsecutiveFailureCount, nil
}

func (r *TokenRepo) ListExpiring(ctx context.Context, q storage.ExpiringQuery) ([]*domain.Credential, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var result []*domain.Credential
	for _, c := range r.store.creds {
		if !c.CanAutoRefresh() || !c.ExpiresAt.Before(q.Before) {
			continue
		}
		if c.ProactiveRefreshScheduledAt != nil && !c.ProactiveRefreshScheduledAt.Before(q.StaleBefore) {
			continue
		}
		result = append(result, copyCredential(c))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ExpiresAt.Before(result[j].ExpiresAt)
	})
	if q.Limit > 0 && len(result) > q.Limit {
		result = result[:q.Limit]
	}
	return result, nil
}

func (r *TokenRepo) MarkScheduled(
	ctx context.Context,
	userID, provider string,
	at, staleBefore time.Time,
) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := domain.NewPair(userID, provider)
	c, ok := r.store.creds[key]
	if !ok {
		return false, nil
	}
	if c.ProactiveRefreshScheduledAt != nil && !c.ProactiveRefreshScheduledAt.Before(staleBefore) {
		return false, nil
	}
	c.ProactiveRefreshScheduledAt = &at
	r.store.creds[key] = c
	return true, nil
}

func (r *TokenRepo) ClearScheduled(ctx context.Context, userID, provider string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := domain.NewPair(userID, provider)
	if c, ok := r.store.creds[key]; ok {
		c.ProactiveRefreshScheduledAt = nil
		r.store.creds[key] = c
	}
	return nil
}

func (r *TokenRepo) ClearIntervention(ctx context.Context, userID, provider string, at time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := domain.NewPair(userID, provider)
	c, ok := r.store.creds[key]
	if !ok {
		return storage.ErrCredentialNotFound
	}
	c.RequiresUserIntervention = false
	c.ConsecutiveFailureCount = 0
	c.LastErrorKind = domain.ErrorKindNone
	c.UpdatedAt = at
	r.store.creds[key] = c
	return nil
}

// -----------------------------------------------------------------------------
// Health Record Store
// -----------------------------------------------------------------------------

type HealthRepo struct {
	store *MemoryStorage
}

func NewHealthRepo(store *MemoryStorage) *HealthRepo {
	return &HealthRepo{store: store}
}

var _ storage.HealthRecordStore = (*HealthRepo)(nil)

func (r *HealthRepo) Get(ctx context.Context, userID, provider string) (*domain.HealthRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.records[domain.NewPair(userID, provider)]
	if !ok {
		return nil, nil
	}
	return copyRecord(rec), nil
}

func (r *HealthRepo) Upsert(ctx context.Context, rec *domain.HealthRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.records[rec.Pair()] = *copyRecord(*rec)
	return nil
}

func (r *HealthRepo) List(ctx context.Context, f storage.HealthFilter) ([]*domain.HealthRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var result []*domain.HealthRecord
	for _, rec := range r.store.records {
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.Status != "" && rec.ConsolidatedStatus != f.Status {
			continue
		}
		result = append(result, copyRecord(rec))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].UserID != result[j].UserID {
			return result[i].UserID < result[j].UserID
		}
		return result[i].Provider < result[j].Provider
	})
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func copyCredential(c domain.Credential) *domain.Credential {
	c.ProactiveRefreshScheduledAt = copyTime(c.ProactiveRefreshScheduledAt)
	c.LastRefreshAttemptAt = copyTime(c.LastRefreshAttemptAt)
	return &c
}

func copyRecord(r domain.HealthRecord) *domain.HealthRecord {
	r.LastSuccessfulOperationAt = copyTime(r.LastSuccessfulOperationAt)
	r.LastLiveValidationAt = copyTime(r.LastLiveValidationAt)
	return &r
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
