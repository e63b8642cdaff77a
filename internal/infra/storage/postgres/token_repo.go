package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/infra/storage"
)

const credentialColumns = `
	user_id, provider, access_token, refresh_token, expires_at,
	consecutive_failure_count, requires_user_intervention,
	proactive_refresh_scheduled_at, last_refresh_attempt_at,
	COALESCE(last_error_kind, '') AS last_error_kind, updated_at`

const defaultExpiringLimit = 500

// TokenRepo implements storage.TokenStore using PostgreSQL.
type TokenRepo struct {
	db *DB
}

// NewTokenRepo creates a new PostgreSQL token repository.
func NewTokenRepo(db *DB) *TokenRepo {
	return &TokenRepo{db: db}
}

var _ storage.TokenStore = (*TokenRepo)(nil)

// Get retrieves the credential for a pair.
func (r *TokenRepo) Get(ctx context.Context, userID, provider string) (*domain.Credential, error) {
	query := `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE user_id = $1 AND provider = $2
	`
	var c domain.Credential
	err := r.db.GetContext(ctx, &c, query, userID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return &c, nil
}

// Upsert creates or replaces a credential.
func (r *TokenRepo) Upsert(ctx context.Context, c *domain.Credential) error {
	query := `
		INSERT INTO credentials (
			user_id, provider, access_token, refresh_token, expires_at,
			consecutive_failure_count, requires_user_intervention,
			proactive_refresh_scheduled_at, last_refresh_attempt_at, last_error_kind, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NOW())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			consecutive_failure_count = EXCLUDED.consecutive_failure_count,
			requires_user_intervention = EXCLUDED.requires_user_intervention,
			proactive_refresh_scheduled_at = EXCLUDED.proactive_refresh_scheduled_at,
			last_refresh_attempt_at = EXCLUDED.last_refresh_attempt_at,
			last_error_kind = EXCLUDED.last_error_kind,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		c.UserID,
		c.Provider,
		c.AccessToken,
		c.RefreshToken,
		c.ExpiresAt,
		c.ConsecutiveFailureCount,
		c.RequiresUserIntervention,
		c.ProactiveRefreshScheduledAt,
		c.LastRefreshAttemptAt,
		string(c.LastErrorKind),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert credential: %w", err)
	}
	return nil
}

// SaveRefreshed stores a refreshed token and resets failure state.
// An empty refresh token keeps the stored one.
func (r *TokenRepo) SaveRefreshed(
	ctx context.Context,
	userID, provider string,
	token domain.Token,
	at time.Time,
) error {
	query := `
		UPDATE credentials
		SET access_token = $3,
			refresh_token = COALESCE(NULLIF($4, ''), refresh_token),
			expires_at = $5,
			consecutive_failure_count = 0,
			requires_user_intervention = FALSE,
			proactive_refresh_scheduled_at = NULL,
			last_refresh_attempt_at = $6,
			last_error_kind = NULL,
			updated_at = $6
		WHERE user_id = $1 AND provider = $2
	`
	res, err := r.db.ExecContext(
		ctx,
		query,
		userID,
		provider,
		token.AccessToken,
		token.RefreshToken,
		token.ExpiresAt,
		at,
	)
	if err != nil {
		return fmt.Errorf("failed to save refreshed token: %w", err)
	}
	return requireRow(res)
}

// RecordRefreshFailure increments the failure counter in a single statement.
func (r *TokenRepo) RecordRefreshFailure(
	ctx context.Context,
	userID, provider string,
	kind domain.ErrorKind,
	requiresIntervention bool,
	at time.Time,
) (uint, error) {
	query := `
		UPDATE credentials
		SET consecutive_failure_count = consecutive_failure_count + 1,
			requires_user_intervention = requires_user_intervention OR $3,
			last_error_kind = $4,
			last_refresh_attempt_at = $5,
			updated_at = $5
		WHERE user_id = $1 AND provider = $2
		RETURNING consecutive_failure_count
	`
	var count uint
	err := r.db.GetContext(ctx, &count, query, userID, provider, requiresIntervention, string(kind), at)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrCredentialNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to record refresh failure: %w", err)
	}
	return count, nil
}

// ListExpiring returns refreshable credentials expiring before q.Before, soonest first.
func (r *TokenRepo) ListExpiring(ctx context.Context, q storage.ExpiringQuery) ([]*domain.Credential, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultExpiringLimit
	}
	query := `SELECT ` + credentialColumns + `
		FROM credentials
		WHERE expires_at < $1
			AND requires_user_intervention = FALSE
			AND refresh_token <> ''
			AND (proactive_refresh_scheduled_at IS NULL OR proactive_refresh_scheduled_at < $2)
		ORDER BY expires_at ASC
		LIMIT $3
	`
	var rows []*domain.Credential
	if err := r.db.SelectContext(ctx, &rows, query, q.Before, q.StaleBefore, limit); err != nil {
		return nil, fmt.Errorf("failed to list expiring credentials: %w", err)
	}
	return rows, nil
}

// MarkScheduled sets the schedule mark unless a fresh one exists.
func (r *TokenRepo) MarkScheduled(
	ctx context.Context,
	userID, provider string,
	at, staleBefore time.Time,
) (bool, error) {
	query := `
		UPDATE credentials
		SET proactive_refresh_scheduled_at = $3
		WHERE user_id = $1 AND provider = $2
			AND (proactive_refresh_scheduled_at IS NULL OR proactive_refresh_scheduled_at < $4)
	`
	res, err := r.db.ExecContext(ctx, query, userID, provider, at, staleBefore)
	if err != nil {
		return false, fmt.Errorf("failed to mark scheduled: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// ClearScheduled removes the schedule mark.
func (r *TokenRepo) ClearScheduled(ctx context.Context, userID, provider string) error {
	query := `
		UPDATE credentials
		SET proactive_refresh_scheduled_at = NULL
		WHERE user_id = $1 AND provider = $2
	`
	_, err := r.db.ExecContext(ctx, query, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to clear schedule mark: %w", err)
	}
	return nil
}

// ClearIntervention resets the intervention flag after a manual reconnection.
func (r *TokenRepo) ClearIntervention(ctx context.Context, userID, provider string, at time.Time) error {
	query := `
		UPDATE credentials
		SET requires_user_intervention = FALSE,
			consecutive_failure_count = 0,
			last_error_kind = NULL,
			updated_at = $3
		WHERE user_id = $1 AND provider = $2
	`
	res, err := r.db.ExecContext(ctx, query, userID, provider, at)
	if err != nil {
		return fmt.Errorf("failed to clear intervention: %w", err)
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrCredentialNotFound
	}
	return nil
}
