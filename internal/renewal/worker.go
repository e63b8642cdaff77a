package renewal

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/core/ports"
)

// Refresher runs one coordinated refresh.
type Refresher interface {
	Coordinate(ctx context.Context, userID, provider string) domain.RefreshResult
}

// OutcomeRecorder folds refresh results into the consolidated health record.
type OutcomeRecorder interface {
	RecordRefresh(ctx context.Context, pair domain.Pair, result domain.RefreshResult)
}

// WorkerConfig controls queue polling.
type WorkerConfig struct {
	PollInterval time.Duration
	Concurrency  int
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: time.Second,
		Concurrency:  4,
	}
}

// Worker drains due refresh jobs.
type Worker struct {
	queue     ports.JobQueue
	refresher Refresher
	recorder  OutcomeRecorder
	scheduler *Scheduler
	cfg       WorkerConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewWorker creates a worker. recorder may be nil.
func NewWorker(
	queue ports.JobQueue,
	refresher Refresher,
	recorder OutcomeRecorder,
	scheduler *Scheduler,
	cfg WorkerConfig,
	logger *slog.Logger,
) (*Worker, error) {
	if queue == nil || refresher == nil || scheduler == nil {
		return nil, errors.New("renewal: job queue, refresher and scheduler are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultWorkerConfig().Concurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		queue:     queue,
		refresher: refresher,
		recorder:  recorder,
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger.With("component", "renewal_worker"),
		now:       time.Now,
	}, nil
}

// Start runs the poll loop until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("Renewal worker started", "poll_interval", w.cfg.PollInterval, "concurrency", w.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Renewal worker stopped")
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("Failed to poll refresh jobs", "error", err)
			}
		}
	}
}

// RunOnce processes one batch of due jobs and returns how many ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.queue.PopDue(ctx, w.now(), w.cfg.Concurrency)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, job := range jobs {
		g.Go(func() error {
			w.process(gctx, job)
			return nil
		})
	}
	return len(jobs), g.Wait()
}

func (w *Worker) process(ctx context.Context, job domain.RefreshJob) {
	res := w.refresher.Coordinate(ctx, job.UserID, job.Provider)
	if w.recorder != nil && res.Outcome != domain.RefreshAlreadyValid {
		w.recorder.RecordRefresh(ctx, job.Pair(), res)
	}
	h := w.scheduler.HandleResult(ctx, job, res)
	w.logger.Debug("Refresh job handled",
		"job", job.ID,
		"user", job.UserID,
		"provider", job.Provider,
		"attempt", job.Attempt,
		"outcome", res.Outcome,
		"handling", h,
	)
}
