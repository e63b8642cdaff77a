package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/infra/storage"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return &DB{DB: sqlx.NewDb(raw, "postgres")}, mock
}

var credentialCols = []string{
	"user_id", "provider", "access_token", "refresh_token", "expires_at",
	"consecutive_failure_count", "requires_user_intervention",
	"proactive_refresh_scheduled_at", "last_refresh_attempt_at",
	"last_error_kind", "updated_at",
}

func TestTokenRepo_Get(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenRepo(db)
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM credentials")).
		WithArgs("u1", "gdrive").
		WillReturnRows(sqlmock.NewRows(credentialCols).
			AddRow("u1", "gdrive", "at", "rt", expires, 2, true, nil, nil, "network_error", expires))

	c, err := repo.Get(context.Background(), "u1", "gdrive")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "rt", c.RefreshToken)
	assert.Equal(t, uint(2), c.ConsecutiveFailureCount)
	assert.True(t, c.RequiresUserIntervention)
	assert.Equal(t, domain.ErrorKindNetwork, c.LastErrorKind)
	assert.Nil(t, c.ProactiveRefreshScheduledAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_GetMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("FROM credentials")).
		WithArgs("u1", "gdrive").
		WillReturnRows(sqlmock.NewRows(credentialCols))

	c, err := repo.Get(context.Background(), "u1", "gdrive")
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestTokenRepo_RecordRefreshFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenRepo(db)
	at := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("consecutive_failure_count = consecutive_failure_count + 1")).
		WithArgs("u1", "gdrive", true, "invalid_refresh_token", at).
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_failure_count"}).AddRow(3))

	n, err := repo.RecordRefreshFailure(context.Background(), "u1", "gdrive", domain.ErrorKindInvalidRefreshToken, true, at)
	require.NoError(t, err)
	assert.Equal(t, uint(3), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_RecordRefreshFailureMissing(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenRepo(db)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE credentials")).
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_failure_count"}))

	_, err := repo.RecordRefreshFailure(context.Background(), "u1", "gdrive", domain.ErrorKindNetwork, false, time.Now())
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
}

func TestTokenRepo_SaveRefreshed(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenRepo(db)
	at := time.Now()
	token := domain.Token{AccessToken: "new", ExpiresAt: at.Add(time.Hour)}

	mock.ExpectExec(regexp.QuoteMeta("proactive_refresh_scheduled_at = NULL")).
		WithArgs("u1", "gdrive", "new", "", token.ExpiresAt, at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.SaveRefreshed(context.Background(), "u1", "gdrive", token, at))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE credentials")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.SaveRefreshed(context.Background(), "u2", "gdrive", token, at)
	assert.ErrorIs(t, err, storage.ErrCredentialNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_MarkScheduled(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenRepo(db)
	at := time.Now()
	stale := at.Add(-time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("proactive_refresh_scheduled_at IS NULL OR proactive_refresh_scheduled_at < $4")).
		WithArgs("u1", "gdrive", at, stale).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("SET proactive_refresh_scheduled_at = $3")).
		WithArgs("u1", "gdrive", at, stale).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkScheduled(context.Background(), "u1", "gdrive", at, stale)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkScheduled(context.Background(), "u1", "gdrive", at, stale)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_ListExpiring(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewTokenRepo(db)
	now := time.Now()
	q := storage.ExpiringQuery{Before: now.Add(30 * time.Minute), StaleBefore: now.Add(-time.Hour)}

	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY expires_at ASC")).
		WithArgs(q.Before, q.StaleBefore, defaultExpiringLimit).
		WillReturnRows(sqlmock.NewRows(credentialCols).
			AddRow("u1", "gdrive", "at", "rt", now.Add(time.Minute), 0, false, nil, nil, "", now).
			AddRow("u2", "gdrive", "at", "rt", now.Add(5*time.Minute), 0, false, nil, nil, "", now))

	got, err := repo.ListExpiring(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "u1", got[0].UserID)
	assert.Equal(t, domain.ErrorKindNone, got[0].LastErrorKind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHealthRepo_UpsertAndList(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewHealthRepo(db)
	now := time.Now()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO health_records")).
		WithArgs("u1", "gdrive", "degraded", uint(2), nil, "timeout", "slow", false, &now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Upsert(context.Background(), &domain.HealthRecord{
		UserID:               "u1",
		Provider:             "gdrive",
		ConsolidatedStatus:   domain.StatusDegraded,
		ConsecutiveFailures:  2,
		LastErrorKind:        domain.ErrorKindTimeout,
		LastErrorMessage:     "slow",
		LastLiveValidationAt: &now,
	}))

	mock.ExpectQuery(regexp.QuoteMeta("WHERE consolidated_status = $1 ORDER BY user_id, provider LIMIT $2")).
		WithArgs("degraded", 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"user_id", "provider", "consolidated_status", "consecutive_failures",
			"last_successful_operation_at", "last_error_kind", "last_error_message",
			"requires_reconnection", "last_live_validation_at", "updated_at",
		}).AddRow("u1", "gdrive", "degraded", 2, nil, "timeout", "slow", false, now, now))

	recs, err := repo.List(context.Background(), storage.HealthFilter{Status: domain.StatusDegraded, Limit: 10})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, domain.StatusDegraded, recs[0].ConsolidatedStatus)
	assert.Equal(t, uint(2), recs[0].ConsecutiveFailures)
	require.NotNil(t, recs[0].LastLiveValidationAt)
	require.NoError(t, mock.ExpectationsWereMet())
}
