package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/infra/storage"
)

func seed(t *testing.T, repo *TokenRepo, user string, expires time.Time) {
	t.Helper()
	require.NoError(t, repo.Upsert(context.Background(), &domain.Credential{
		UserID:       user,
		Provider:     "gdrive",
		AccessToken:  "at",
		RefreshToken: "rt",
		ExpiresAt:    expires,
	}))
}

func TestTokenRepo_GetMissing(t *testing.T) {
	repo := NewTokenRepo(NewMemoryStorage())
	c, err := repo.Get(context.Background(), "nobody", "gdrive")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestTokenRepo_RecordFailureIsAtomic(t *testing.T) {
	ctx := context.Background()
	repo := NewTokenRepo(NewMemoryStorage())
	seed(t, repo, "u1", time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = repo.RecordRefreshFailure(ctx, "u1", "gdrive", domain.ErrorKindNetwork, false, time.Now())
		}()
	}
	wg.Wait()

	c, err := repo.Get(ctx, "u1", "gdrive")
	require.NoError(t, err)
	assert.Equal(t, uint(50), c.ConsecutiveFailureCount)
	assert.False(t, c.RequiresUserIntervention)
	assert.Equal(t, domain.ErrorKindNetwork, c.LastErrorKind)
}

func TestTokenRepo_SaveRefreshedResetsState(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := NewTokenRepo(NewMemoryStorage())
	seed(t, repo, "u1", now)

	_, err := repo.RecordRefreshFailure(ctx, "u1", "gdrive", domain.ErrorKindInvalidRefreshToken, true, now)
	require.NoError(t, err)
	ok, err := repo.MarkScheduled(ctx, "u1", "gdrive", now, now.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, repo.SaveRefreshed(ctx, "u1", "gdrive", domain.Token{
		AccessToken: "new",
		ExpiresAt:   now.Add(time.Hour),
	}, now))

	c, err := repo.Get(ctx, "u1", "gdrive")
	require.NoError(t, err)
	assert.Equal(t, "new", c.AccessToken)
	assert.Equal(t, "rt", c.RefreshToken, "refresh token kept when provider omits it")
	assert.Zero(t, c.ConsecutiveFailureCount)
	assert.False(t, c.RequiresUserIntervention)
	assert.Nil(t, c.ProactiveRefreshScheduledAt)
}

func TestTokenRepo_SaveRefreshedMissing(t *testing.T) {
	repo := NewTokenRepo(NewMemoryStorage())
	err := repo.SaveRefreshed(context.Background(), "u1", "gdrive", domain.Token{}, time.Now())
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
}

func TestTokenRepo_MarkScheduledCAS(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := NewTokenRepo(NewMemoryStorage())
	seed(t, repo, "u1", now.Add(10*time.Minute))

	ok, err := repo.MarkScheduled(ctx, "u1", "gdrive", now, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkScheduled(ctx, "u1", "gdrive", now, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "fresh mark blocks a second scheduler")

	ok, err = repo.MarkScheduled(ctx, "u1", "gdrive", now.Add(2*time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "stale mark can be taken over")
}

func TestTokenRepo_ListExpiring(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := NewTokenRepo(NewMemoryStorage())
	seed(t, repo, "soon", now.Add(10*time.Minute))
	seed(t, repo, "sooner", now.Add(time.Minute))
	seed(t, repo, "later", now.Add(2*time.Hour))
	seed(t, repo, "flagged", now.Add(time.Minute))
	seed(t, repo, "scheduled", now.Add(time.Minute))
	require.NoError(t, repo.Upsert(ctx, &domain.Credential{
		UserID: "norefresh", Provider: "gdrive", ExpiresAt: now.Add(time.Minute),
	}))

	_, err := repo.RecordRefreshFailure(ctx, "flagged", "gdrive", domain.ErrorKindInvalidCredentials, true, now)
	require.NoError(t, err)
	_, err = repo.MarkScheduled(ctx, "scheduled", "gdrive", now, now.Add(-time.Hour))
	require.NoError(t, err)

	got, err := repo.ListExpiring(ctx, storage.ExpiringQuery{
		Before:      now.Add(30 * time.Minute),
		StaleBefore: now.Add(-time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sooner", got[0].UserID)
	assert.Equal(t, "soon", got[1].UserID)

	got, err = repo.ListExpiring(ctx, storage.ExpiringQuery{
		Before:      now.Add(30 * time.Minute),
		StaleBefore: now.Add(-time.Hour),
		Limit:       1,
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestTokenRepo_ClearIntervention(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	repo := NewTokenRepo(NewMemoryStorage())
	seed(t, repo, "u1", now)
	_, err := repo.RecordRefreshFailure(ctx, "u1", "gdrive", domain.ErrorKindInsufficientPermissions, true, now)
	require.NoError(t, err)

	require.NoError(t, repo.ClearIntervention(ctx, "u1", "gdrive", now))
	c, err := repo.Get(ctx, "u1", "gdrive")
	require.NoError(t, err)
	assert.False(t, c.RequiresUserIntervention)
	assert.Zero(t, c.ConsecutiveFailureCount)
}

func TestHealthRepo_List(t *testing.T) {
	ctx := context.Background()
	repo := NewHealthRepo(NewMemoryStorage())
	require.NoError(t, repo.Upsert(ctx, &domain.HealthRecord{UserID: "b", Provider: "gdrive", ConsolidatedStatus: domain.StatusHealthy}))
	require.NoError(t, repo.Upsert(ctx, &domain.HealthRecord{UserID: "a", Provider: "onedrive", ConsolidatedStatus: domain.StatusUnhealthy}))
	require.NoError(t, repo.Upsert(ctx, &domain.HealthRecord{UserID: "a", Provider: "dropbox", ConsolidatedStatus: domain.StatusHealthy}))

	all, err := repo.List(ctx, storage.HealthFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "dropbox", all[0].Provider)

	unhealthy, err := repo.List(ctx, storage.HealthFilter{Status: domain.StatusUnhealthy})
	require.NoError(t, err)
	require.Len(t, unhealthy, 1)
	assert.Equal(t, "a", unhealthy[0].UserID)

	rec, err := repo.Get(ctx, "missing", "gdrive")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
