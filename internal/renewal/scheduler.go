// Package renewal refreshes tokens before they expire.
//
// This package contains:
//   - Scheduler: scans expiring credentials, dispatches refresh jobs and
//     decides what happens after each job
//   - Worker: drains the job queue through the refresh coordinator
package renewal

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/core/ports"
	"github.com/vietddude/connwatch/internal/core/retry"
	"github.com/vietddude/connwatch/internal/infra/storage"
	"github.com/vietddude/connwatch/internal/metrics"
)

// Config controls scan windows and notification throttling.
type Config struct {
	PreemptiveWindow     time.Duration // scan credentials expiring within this window
	ProactiveHorizon     time.Duration // refresh this long before expiry
	NotificationThrottle time.Duration
	StaleScheduleAfter   time.Duration // schedule marks older than this are retaken
	ScanLimit            int
}

func DefaultConfig() Config {
	return Config{
		PreemptiveWindow:     30 * time.Minute,
		ProactiveHorizon:     15 * time.Minute,
		NotificationThrottle: 6 * time.Hour,
		StaleScheduleAfter:   time.Hour,
		ScanLimit:            500,
	}
}

// Summary reports what one scan did.
type Summary struct {
	Scheduled int `json:"scheduled"`
	Immediate int `json:"immediate"`
	Deferred  int `json:"deferred"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Handling is what HandleResult decided for a finished job.
type Handling string

const (
	HandlingDone     Handling = "done"
	HandlingNotified Handling = "notified"
	HandlingRetry    Handling = "retry"
	HandlingGaveUp   Handling = "gave_up"
)

// Scheduler dispatches proactive refresh jobs.
type Scheduler struct {
	tokens storage.TokenStore
	jobs   ports.JobScheduler
	gate   ports.DistributedLock
	sink   ports.NotificationSink
	policy retry.Policy
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewScheduler wires the scheduler. gate provides the notification throttle.
func NewScheduler(
	tokens storage.TokenStore,
	jobs ports.JobScheduler,
	gate ports.DistributedLock,
	sink ports.NotificationSink,
	cfg Config,
	logger *slog.Logger,
) (*Scheduler, error) {
	if tokens == nil || jobs == nil || gate == nil || sink == nil {
		return nil, errors.New("renewal: token store, job scheduler, lock and notification sink are required")
	}
	if cfg.ProactiveHorizon <= 0 || cfg.PreemptiveWindow < cfg.ProactiveHorizon {
		return nil, errors.New("renewal: preemptive window must cover the proactive horizon")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		tokens: tokens,
		jobs:   jobs,
		gate:   gate,
		sink:   sink,
		policy: retry.New(),
		cfg:    cfg,
		logger: logger.With("component", "renewal"),
		now:    time.Now,
	}, nil
}

// ScanAndSchedule dispatches a refresh job for every credential expiring within
// the preemptive window that is not already scheduled.
func (s *Scheduler) ScanAndSchedule(ctx context.Context) (Summary, error) {
	var sum Summary
	now := s.now()
	staleBefore := now.Add(-s.cfg.StaleScheduleAfter)

	creds, err := s.tokens.ListExpiring(ctx, storage.ExpiringQuery{
		Before:      now.Add(s.cfg.PreemptiveWindow),
		StaleBefore: staleBefore,
		Limit:       s.cfg.ScanLimit,
	})
	if err != nil {
		return sum, err
	}

	for _, cred := range creds {
		if !cred.CanAutoRefresh() {
			sum.Skipped++
			continue
		}

		marked, err := s.tokens.MarkScheduled(ctx, cred.UserID, cred.Provider, now, staleBefore)
		if err != nil {
			s.logger.Error("Failed to mark credential scheduled", "user", cred.UserID, "provider", cred.Provider, "error", err)
			sum.Errors++
			continue
		}
		if !marked {
			sum.Skipped++
			continue
		}

		refreshAt := cred.ExpiresAt.Add(-s.cfg.ProactiveHorizon)
		job := domain.RefreshJob{
			ID:       uuid.NewString(),
			UserID:   cred.UserID,
			Provider: cred.Provider,
			Reason:   "proactive",
		}

		immediate := !refreshAt.After(now)
		if immediate {
			job.Priority = domain.PriorityHigh
			job.DueAt = now
			err = s.jobs.DispatchNow(ctx, job)
		} else {
			job.Priority = domain.PriorityNormal
			job.DueAt = refreshAt
			err = s.jobs.DispatchAt(ctx, job, refreshAt)
		}
		if err != nil {
			s.logger.Error("Failed to dispatch refresh job", "user", cred.UserID, "provider", cred.Provider, "error", err)
			s.unmark(ctx, cred.Pair())
			sum.Errors++
			continue
		}

		sum.Scheduled++
		if immediate {
			sum.Immediate++
			metrics.RenewalScheduled.WithLabelValues("immediate").Inc()
		} else {
			sum.Deferred++
			metrics.RenewalScheduled.WithLabelValues("deferred").Inc()
		}
	}

	s.logger.Info("Proactive renewal scan finished",
		"candidates", len(creds),
		"scheduled", sum.Scheduled,
		"immediate", sum.Immediate,
		"deferred", sum.Deferred,
		"skipped", sum.Skipped,
		"errors", sum.Errors,
	)
	return sum, nil
}

// HandleResult decides the follow-up for a finished refresh job.
func (s *Scheduler) HandleResult(ctx context.Context, job domain.RefreshJob, res domain.RefreshResult) Handling {
	pair := job.Pair()
	h := s.handle(ctx, job, res)
	metrics.RenewalJobs.WithLabelValues(job.Provider, string(h)).Inc()
	if h != HandlingRetry {
		s.unmark(ctx, pair)
	}
	return h
}

func (s *Scheduler) handle(ctx context.Context, job domain.RefreshJob, res domain.RefreshResult) Handling {
	if res.OK() {
		return HandlingDone
	}

	if retry.RequiresIntervention(res.ErrorKind) {
		s.notify(ctx, job, res)
		return HandlingNotified
	}

	if s.policy.ShouldRetry(res.ErrorKind, job.Attempt) && s.refreshable(ctx, job.Pair()) {
		next := job
		next.ID = uuid.NewString()
		next.Attempt = job.Attempt + 1
		next.Priority = domain.PriorityNormal
		next.Reason = "retry"
		next.DueAt = s.now().Add(s.policy.Delay(res.ErrorKind, next.Attempt, retry.Context{RetryAfter: res.RetryAfter}))
		if err := s.jobs.DispatchAt(ctx, next, next.DueAt); err != nil {
			s.logger.Error("Failed to dispatch retry", "user", job.UserID, "provider", job.Provider, "error", err)
			return HandlingGaveUp
		}
		s.logger.Info("Refresh retry scheduled",
			"user", job.UserID,
			"provider", job.Provider,
			"error_kind", res.ErrorKind,
			"attempt", next.Attempt,
			"due_at", next.DueAt,
		)
		return HandlingRetry
	}

	s.logger.Warn("Giving up on proactive refresh",
		"user", job.UserID,
		"provider", job.Provider,
		"error_kind", res.ErrorKind,
		"attempt", job.Attempt,
	)
	return HandlingGaveUp
}

// notify sends at most one notice per user and kind per throttle window.
func (s *Scheduler) notify(ctx context.Context, job domain.RefreshJob, res domain.RefreshResult) {
	key := "notify:" + job.UserID + ":" + string(res.ErrorKind)
	first, err := s.gate.SetIfAbsent(ctx, key, s.cfg.NotificationThrottle)
	if err != nil {
		s.logger.Warn("Notification throttle unavailable", "user", job.UserID, "error", err)
		return
	}
	if !first {
		s.logger.Debug("Notification throttled", "user", job.UserID, "kind", res.ErrorKind)
		return
	}
	s.sink.Notify(ctx, job.UserID, res.ErrorKind, map[string]string{
		"provider": job.Provider,
		"message":  res.Message,
		"attempt":  strconv.FormatUint(uint64(job.Attempt), 10),
	})
	metrics.NotificationsSent.WithLabelValues(string(res.ErrorKind)).Inc()
}

func (s *Scheduler) refreshable(ctx context.Context, pair domain.Pair) bool {
	cred, err := s.tokens.Get(ctx, pair.UserID, pair.Provider)
	if err != nil {
		s.logger.Warn("Failed to reload credential", "user", pair.UserID, "provider", pair.Provider, "error", err)
		return false
	}
	return cred != nil && cred.CanAutoRefresh()
}

func (s *Scheduler) unmark(ctx context.Context, pair domain.Pair) {
	if err := s.tokens.ClearScheduled(context.WithoutCancel(ctx), pair.UserID, pair.Provider); err != nil {
		s.logger.Warn("Failed to clear schedule mark", "user", pair.UserID, "provider", pair.Provider, "error", err)
	}
}
