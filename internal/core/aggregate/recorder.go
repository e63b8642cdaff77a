package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/core/ports"
	"github.com/vietddude/connwatch/internal/infra/storage"
	"github.com/vietddude/connwatch/internal/metrics"
)

// TransitionReporter is told about every consolidated status change.
type TransitionReporter interface {
	Transition(ctx context.Context, rec domain.HealthRecord, from domain.Status)
}

// Recorder applies observations to the HealthRecordStore. Updates for the same
// pair are serialised within the process.
type Recorder struct {
	store    storage.HealthRecordStore
	reporter TransitionReporter
	logger   *slog.Logger
	now      func() time.Time

	locks sync.Map // domain.Pair -> *sync.Mutex
}

// NewRecorder creates a recorder. reporter may be nil.
func NewRecorder(store storage.HealthRecordStore, reporter TransitionReporter, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:    store,
		reporter: reporter,
		logger:   logger,
		now:      time.Now,
	}
}

// RecordValidation folds a live validation result into the record.
// Synthetic rate-limited results carry no information and are skipped.
func (r *Recorder) RecordValidation(ctx context.Context, pair domain.Pair, status domain.HealthStatus) {
	if status.RateLimited {
		return
	}
	obs := Observation{
		Success:      status.IsHealthy,
		Disconnected: status.Status == domain.StatusDisconnected,
		Live:         true,
		ErrorKind:    status.ErrorKind,
		Message:      status.ErrorMessage,
	}
	r.apply(ctx, pair, obs)
}

// RecordRefresh folds a refresh outcome into the record.
func (r *Recorder) RecordRefresh(ctx context.Context, pair domain.Pair, result domain.RefreshResult) {
	obs := Observation{
		Success:   result.OK(),
		ErrorKind: result.ErrorKind,
		Message:   result.Message,
	}
	if result.ErrorKind == domain.ErrorKindProviderNotConfigured {
		obs.Disconnected = true
	}
	r.apply(ctx, pair, obs)
}

// Reset marks the pair healthy after a manual reconnection.
func (r *Recorder) Reset(ctx context.Context, pair domain.Pair) error {
	mu := r.lockFor(pair)
	mu.Lock()
	defer mu.Unlock()

	prev, err := r.store.Get(ctx, pair.UserID, pair.Provider)
	if err != nil {
		return fmt.Errorf("failed to load health record: %w", err)
	}
	rec, changed := Next(prev, pair, Observation{Success: true}, r.now())
	if err := r.store.Upsert(ctx, &rec); err != nil {
		return fmt.Errorf("failed to save health record: %w", err)
	}
	if changed && prev != nil {
		r.report(ctx, rec, prev.ConsolidatedStatus)
	}
	return nil
}

func (r *Recorder) apply(ctx context.Context, pair domain.Pair, obs Observation) {
	mu := r.lockFor(pair)
	mu.Lock()
	defer mu.Unlock()

	prev, err := r.store.Get(ctx, pair.UserID, pair.Provider)
	if err != nil {
		r.logger.Warn("Failed to load health record", "pair", pair, "error", err)
		return
	}
	from := domain.StatusHealthy
	if prev != nil {
		from = prev.ConsolidatedStatus
	}

	rec, changed := Next(prev, pair, obs, r.now())
	if err := r.store.Upsert(ctx, &rec); err != nil {
		r.logger.Warn("Failed to save health record", "pair", pair, "error", err)
		return
	}
	if changed {
		r.report(ctx, rec, from)
	}
}

func (r *Recorder) report(ctx context.Context, rec domain.HealthRecord, from domain.Status) {
	metrics.HealthTransitions.WithLabelValues(string(from), string(rec.ConsolidatedStatus)).Inc()
	if r.reporter != nil {
		r.reporter.Transition(ctx, rec, from)
	}
}

func (r *Recorder) lockFor(pair domain.Pair) *sync.Mutex {
	mu, _ := r.locks.LoadOrStore(pair, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// LogReporter logs transitions and notifies the user when a connection
// becomes unhealthy or needs reconnecting.
type LogReporter struct {
	sink   ports.NotificationSink
	logger *slog.Logger
}

// NewLogReporter creates a reporter. sink may be nil.
func NewLogReporter(sink ports.NotificationSink, logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{sink: sink, logger: logger}
}

func (l *LogReporter) Transition(ctx context.Context, rec domain.HealthRecord, from domain.Status) {
	l.logger.Info("Connection health changed",
		"user", rec.UserID,
		"provider", rec.Provider,
		"from", from,
		"to", rec.ConsolidatedStatus,
		"failures", rec.ConsecutiveFailures,
		"error_kind", rec.LastErrorKind,
	)
	if l.sink == nil {
		return
	}
	if rec.ConsolidatedStatus == domain.StatusUnhealthy || rec.ConsolidatedStatus == domain.StatusDisconnected {
		l.sink.Notify(ctx, rec.UserID, rec.LastErrorKind, map[string]string{
			"provider": rec.Provider,
			"status":   string(rec.ConsolidatedStatus),
			"message":  rec.LastErrorMessage,
		})
	}
}
