package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/infra/storage"
)

const healthColumns = `
	user_id, provider, consolidated_status, consecutive_failures,
	last_successful_operation_at,
	COALESCE(last_error_kind, '') AS last_error_kind,
	COALESCE(last_error_message, '') AS last_error_message,
	requires_reconnection, last_live_validation_at, updated_at`

// HealthRepo implements storage.HealthRecordStore using PostgreSQL.
type HealthRepo struct {
	db *DB
}

// NewHealthRepo creates a new PostgreSQL health record repository.
func NewHealthRepo(db *DB) *HealthRepo {
	return &HealthRepo{db: db}
}

var _ storage.HealthRecordStore = (*HealthRepo)(nil)

// Get retrieves the health record for a pair.
func (r *HealthRepo) Get(ctx context.Context, userID, provider string) (*domain.HealthRecord, error) {
	query := `SELECT ` + healthColumns + `
		FROM health_records
		WHERE user_id = $1 AND provider = $2
	`
	var rec domain.HealthRecord
	err := r.db.GetContext(ctx, &rec, query, userID, provider)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health record: %w", err)
	}
	return &rec, nil
}

// Upsert creates or replaces a health record.
func (r *HealthRepo) Upsert(ctx context.Context, rec *domain.HealthRecord) error {
	query := `
		INSERT INTO health_records (
			user_id, provider, consolidated_status, consecutive_failures,
			last_successful_operation_at, last_error_kind, last_error_message,
			requires_reconnection, last_live_validation_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, $9, NOW())
		ON CONFLICT (user_id, provider) DO UPDATE SET
			consolidated_status = EXCLUDED.consolidated_status,
			consecutive_failures = EXCLUDED.consecutive_failures,
			last_successful_operation_at = EXCLUDED.last_successful_operation_at,
			last_error_kind = EXCLUDED.last_error_kind,
			last_error_message = EXCLUDED.last_error_message,
			requires_reconnection = EXCLUDED.requires_reconnection,
			last_live_validation_at = EXCLUDED.last_live_validation_at,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(
		ctx,
		query,
		rec.UserID,
		rec.Provider,
		string(rec.ConsolidatedStatus),
		rec.ConsecutiveFailures,
		rec.LastSuccessfulOperationAt,
		string(rec.LastErrorKind),
		rec.LastErrorMessage,
		rec.RequiresReconnection,
		rec.LastLiveValidationAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert health record: %w", err)
	}
	return nil
}

// List returns health records matching the filter, ordered by pair.
func (r *HealthRepo) List(ctx context.Context, f storage.HealthFilter) ([]*domain.HealthRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		args = append(args, f.UserID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("consolidated_status = $%d", len(args)))
	}

	query := `SELECT ` + healthColumns + ` FROM health_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY user_id, provider"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []*domain.HealthRecord
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list health records: %w", err)
	}
	return rows, nil
}
