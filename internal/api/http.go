// Package api exposes connection health over HTTP and the gRPC health protocol.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/renewal"
)

// Service is the health facade the transport surfaces call.
type Service interface {
	GetHealth(ctx context.Context, userID, provider string, forceRefresh bool) domain.HealthStatus
	BatchGetHealth(ctx context.Context, pairs []domain.Pair) map[domain.Pair]domain.HealthStatus
	RefreshNow(ctx context.Context, userID, provider string) domain.RefreshResult
	ScanAndScheduleProactiveRefresh(ctx context.Context) (renewal.Summary, error)
	MarkReconnected(ctx context.Context, userID, provider string, token domain.Token) error
	HealthRecord(ctx context.Context, userID, provider string) (*domain.HealthRecord, error)
}

// Check reports the liveness of one backend (database, redis).
type Check func(ctx context.Context) error

const (
	maxBatch        = 1000
	maxBody         = 1 << 20
	readyTimeout    = 2 * time.Second
	shutdownTimeout = 10 * time.Second
)

// Server serves the HTTP API.
type Server struct {
	svc    Service
	checks map[string]Check
	server *http.Server
	logger *slog.Logger
}

// NewServer creates a new HTTP server bound to port.
func NewServer(svc Service, checks map[string]Check, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		svc:    svc,
		checks: checks,
		logger: logger.With("component", "http"),
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/connections/{user}/{provider}/health", s.handleConnectionHealth)
	mux.HandleFunc("GET /v1/connections/{user}/{provider}/record", s.handleRecord)
	mux.HandleFunc("POST /v1/connections/{user}/{provider}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/connections/{user}/{provider}/reconnect", s.handleReconnect)
	mux.HandleFunc("POST /v1/connections/health:batch", s.handleBatch)
	mux.HandleFunc("POST /v1/renewal/scan", s.handleScan)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve serves on an existing listener.
func (s *Server) Serve(l net.Listener) error {
	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	components := make(map[string]string, len(s.checks))
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			components[name] = err.Error()
			status = "unavailable"
			code = http.StatusServiceUnavailable
			continue
		}
		components[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "components": components})
}

func (s *Server) handleConnectionHealth(w http.ResponseWriter, r *http.Request) {
	user, prov := r.PathValue("user"), r.PathValue("provider")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	st := s.svc.GetHealth(r.Context(), user, prov, force)
	if st.RateLimited {
		w.Header().Set("Retry-After", strconv.FormatUint(uint64(st.CacheTTLSeconds), 10))
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.HealthRecord(r.Context(), r.PathValue("user"), r.PathValue("provider"))
	if err != nil {
		s.logger.Error("Failed to load health record", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load health record")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "no health record")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res := s.svc.RefreshNow(r.Context(), r.PathValue("user"), r.PathValue("provider"))
	writeJSON(w, http.StatusOK, res)
}

type reconnectRequest struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	var req reconnectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccessToken == "" || req.ExpiresAt.IsZero() {
		writeError(w, http.StatusBadRequest, "access_token and expires_at are required")
		return
	}

	tok := domain.Token{AccessToken: req.AccessToken, RefreshToken: req.RefreshToken, ExpiresAt: req.ExpiresAt}
	if err := s.svc.MarkReconnected(r.Context(), r.PathValue("user"), r.PathValue("provider"), tok); err != nil {
		s.logger.Error("Failed to mark connection reconnected", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store credential")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type batchRequest struct {
	Connections []domain.Pair `json:"connections"`
}

type batchEntry struct {
	UserID   string              `json:"user_id"`
	Provider string              `json:"provider"`
	Health   domain.HealthStatus `json:"health"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Connections) > maxBatch {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d connections per batch", maxBatch))
		return
	}
	for _, p := range req.Connections {
		if p.UserID == "" || p.Provider == "" {
			writeError(w, http.StatusBadRequest, "user_id and provider are required")
			return
		}
	}

	results := s.svc.BatchGetHealth(r.Context(), req.Connections)
	entries := make([]batchEntry, 0, len(results))
	seen := make(map[domain.Pair]bool, len(results))
	for _, p := range req.Connections {
		if seen[p] {
			continue
		}
		seen[p] = true
		entries = append(entries, batchEntry{UserID: p.UserID, Provider: p.Provider, Health: results[p]})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": entries})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.ScanAndScheduleProactiveRefresh(r.Context())
	if err != nil {
		s.logger.Error("Proactive renewal scan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "scan failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
