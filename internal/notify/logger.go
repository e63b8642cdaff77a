// Package notify delivers user-facing connection notices.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/core/ports"
)

// Notice is one delivered notification.
type Notice struct {
	UserID  string
	Kind    domain.ErrorKind
	Details map[string]string
}

// LoggerSink writes notices to the structured log and keeps the most recent
// ones in memory for inspection.
type LoggerSink struct {
	logger *slog.Logger
	keep   int

	mu     sync.Mutex
	recent []Notice
}

var _ ports.NotificationSink = (*LoggerSink)(nil)

// NewLoggerSink creates a sink that retains up to keep notices.
func NewLoggerSink(logger *slog.Logger, keep int) *LoggerSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggerSink{
		logger: logger.With("component", "notify"),
		keep:   keep,
	}
}

func (s *LoggerSink) Notify(ctx context.Context, userID string, kind domain.ErrorKind, details map[string]string) {
	attrs := []any{"user", userID, "kind", kind}
	for k, v := range details {
		attrs = append(attrs, k, v)
	}
	s.logger.Warn("User action required", attrs...)

	if s.keep <= 0 {
		return
	}
	copied := make(map[string]string, len(details))
	for k, v := range details {
		copied[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, Notice{UserID: userID, Kind: kind, Details: copied})
	if len(s.recent) > s.keep {
		s.recent = s.recent[len(s.recent)-s.keep:]
	}
}

// Recent returns the retained notices, oldest first.
func (s *LoggerSink) Recent() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Notice, len(s.recent))
	copy(out, s.recent)
	return out
}
