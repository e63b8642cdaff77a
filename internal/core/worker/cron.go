// Package worker runs periodic background jobs.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vietddude/connwatch/internal/metrics"
)

// Runnable is a job triggered by the cron scheduler.
type Runnable interface {
	Name() string
	Run(ctx context.Context) error
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc struct {
	JobName string
	Fn      func(ctx context.Context) error
}

func (r RunnableFunc) Name() string                  { return r.JobName }
func (r RunnableFunc) Run(ctx context.Context) error { return r.Fn(ctx) }

const defaultJobTimeout = 2 * time.Minute

// CronScheduler wraps robfig/cron with per-run timeouts, logging and metrics.
// Overlapping runs of the same job are skipped.
type CronScheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	timeout time.Duration

	mu      sync.Mutex
	started bool
}

// NewCronScheduler accepts standard, seconds-prefixed and descriptor specs
// ("@every 1m").
func NewCronScheduler(logger *slog.Logger, timeout time.Duration) *CronScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultJobTimeout
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &CronScheduler{cron: c, logger: logger.With("component", "cron"), timeout: timeout}
}

// Register binds a cron spec to a job.
func (s *CronScheduler) Register(spec string, job Runnable) (cron.EntryID, error) {
	if job == nil {
		return 0, errors.New("cron: job is required")
	}
	if spec == "" {
		return 0, errors.New("cron: spec is required")
	}
	id, err := s.cron.AddFunc(spec, s.wrap(job))
	if err != nil {
		return 0, err
	}
	s.logger.Info("Job registered", "job", job.Name(), "spec", spec)
	return id, nil
}

func (s *CronScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.cron.Start()
	s.started = true
}

// Stop halts scheduling. The returned context is done once running jobs finish.
func (s *CronScheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	s.started = false
	return s.cron.Stop()
}

func (s *CronScheduler) wrap(job Runnable) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			metrics.ScheduledJobRuns.WithLabelValues(job.Name(), "error").Inc()
			s.logger.Error("Job failed", "job", job.Name(), "error", err, "elapsed", time.Since(start))
			return
		}
		metrics.ScheduledJobRuns.WithLabelValues(job.Name(), "ok").Inc()
		s.logger.Debug("Job completed", "job", job.Name(), "elapsed", time.Since(start))
	}
}
