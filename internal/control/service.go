// Package control wires the health core to storage, shared infrastructure and
// transport surfaces, and exposes the public Service facade.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/connwatch/internal/core/aggregate"
	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/infra/storage"
	"github.com/vietddude/connwatch/internal/refresh"
	"github.com/vietddude/connwatch/internal/renewal"
	"github.com/vietddude/connwatch/internal/validation"
)

// Service is the entry point for health checks, refreshes and renewal scans.
type Service struct {
	tokens      storage.TokenStore
	records     storage.HealthRecordStore
	coordinator *refresh.Coordinator
	validator   *validation.Caching
	recorder    *aggregate.Recorder
	scheduler   *renewal.Scheduler
	logger      *slog.Logger
	now         func() time.Time
}

// NewService assembles the facade from already wired components.
func NewService(
	tokens storage.TokenStore,
	records storage.HealthRecordStore,
	coordinator *refresh.Coordinator,
	validator *validation.Caching,
	recorder *aggregate.Recorder,
	scheduler *renewal.Scheduler,
	logger *slog.Logger,
) (*Service, error) {
	if tokens == nil || records == nil || coordinator == nil || validator == nil || recorder == nil || scheduler == nil {
		return nil, errors.New("control: all service components are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tokens:      tokens,
		records:     records,
		coordinator: coordinator,
		validator:   validator,
		recorder:    recorder,
		scheduler:   scheduler,
		logger:      logger.With("component", "service"),
		now:         time.Now,
	}, nil
}

// GetHealth returns the connection's health, from cache unless forceRefresh.
func (s *Service) GetHealth(ctx context.Context, userID, provider string, forceRefresh bool) domain.HealthStatus {
	return s.validator.Validate(ctx, userID, provider, forceRefresh)
}

// BatchGetHealth returns one status per distinct pair.
func (s *Service) BatchGetHealth(ctx context.Context, pairs []domain.Pair) map[domain.Pair]domain.HealthStatus {
	return s.validator.BatchValidate(ctx, pairs)
}

// RefreshNow runs a coordinated refresh and drops the cached health when a new
// token became available.
func (s *Service) RefreshNow(ctx context.Context, userID, provider string) domain.RefreshResult {
	pair := domain.NewPair(userID, provider)
	res := s.coordinator.Coordinate(ctx, userID, provider)
	if res.Outcome != domain.RefreshAlreadyValid {
		s.recorder.RecordRefresh(ctx, pair, res)
	}
	if res.Outcome == domain.RefreshSuccess || res.Outcome == domain.RefreshRefreshedByOther {
		if err := s.validator.Invalidate(ctx, pair); err != nil {
			s.logger.Warn("Failed to invalidate cached health", "user", userID, "provider", provider, "error", err)
		}
	}
	return res
}

// ScanAndScheduleProactiveRefresh dispatches refresh jobs for expiring tokens.
func (s *Service) ScanAndScheduleProactiveRefresh(ctx context.Context) (renewal.Summary, error) {
	return s.scheduler.ScanAndSchedule(ctx)
}

// MarkReconnected stores a token obtained through a fresh user authorisation
// and clears every failure marker for the pair.
func (s *Service) MarkReconnected(ctx context.Context, userID, provider string, token domain.Token) error {
	pair := domain.NewPair(userID, provider)
	now := s.now()

	cred, err := s.tokens.Get(ctx, userID, provider)
	if err != nil {
		return fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		err = s.tokens.Upsert(ctx, &domain.Credential{
			UserID:       userID,
			Provider:     provider,
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    token.ExpiresAt,
			UpdatedAt:    now,
		})
	} else {
		err = s.tokens.SaveRefreshed(ctx, userID, provider, token, now)
	}
	if err != nil {
		return fmt.Errorf("failed to store credential: %w", err)
	}
	if err := s.tokens.ClearIntervention(ctx, userID, provider, now); err != nil {
		return fmt.Errorf("failed to clear intervention flag: %w", err)
	}

	if err := s.recorder.Reset(ctx, pair); err != nil {
		return err
	}
	if err := s.validator.Invalidate(ctx, pair); err != nil {
		s.logger.Warn("Failed to invalidate cached health", "user", userID, "provider", provider, "error", err)
	}
	s.logger.Info("Connection reconnected", "user", userID, "provider", provider, "expires_at", token.ExpiresAt)
	return nil
}

// WarmCache validates pairs without a cached status and returns how many ran live.
func (s *Service) WarmCache(ctx context.Context, pairs []domain.Pair) int {
	return s.validator.WarmCache(ctx, pairs)
}

// HealthRecord returns the consolidated record, or nil if none exists yet.
func (s *Service) HealthRecord(ctx context.Context, userID, provider string) (*domain.HealthRecord, error) {
	return s.records.Get(ctx, userID, provider)
}

// ListHealthRecords returns consolidated records matching f.
func (s *Service) ListHealthRecords(ctx context.Context, f storage.HealthFilter) ([]*domain.HealthRecord, error) {
	return s.records.List(ctx, f)
}
