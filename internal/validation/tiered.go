// Package validation decides whether a user's storage connection is usable.
//
// This package contains:
//   - Tiered: the live three-stage check (token, api probe, operational)
//   - Caching: cache-first, rate-limited front for Tiered with batch support
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/connwatch/internal/core/classify"
	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/core/retry"
	"github.com/vietddude/connwatch/internal/infra/storage"
	"github.com/vietddude/connwatch/internal/metrics"
	"github.com/vietddude/connwatch/internal/provider"
)

// OperationalMode selects how the third tier is evaluated.
type OperationalMode string

const (
	// ModeCapability calls Client.CheckCapability.
	ModeCapability OperationalMode = "capability"
	// ModeInferred passes the tier when the probe passed and marks it Inferred.
	ModeInferred OperationalMode = "inferred"
)

// Config holds tier timeouts and result lifetimes.
type Config struct {
	ProbeTimeout    time.Duration
	HealthyTTL      time.Duration
	UnhealthyTTL    time.Duration
	OperationalMode OperationalMode
}

func DefaultConfig() Config {
	return Config{
		ProbeTimeout:    10 * time.Second,
		HealthyTTL:      30 * time.Second,
		UnhealthyTTL:    10 * time.Second,
		OperationalMode: ModeCapability,
	}
}

// Refresher is the subset of refresh.Coordinator the token tier needs.
type Refresher interface {
	Coordinate(ctx context.Context, userID, provider string) domain.RefreshResult
	Horizon() time.Duration
}

// Recorder receives every live validation result.
type Recorder interface {
	RecordValidation(ctx context.Context, pair domain.Pair, status domain.HealthStatus)
}

// Validator is implemented by Tiered and anything that wraps it.
type Validator interface {
	Validate(ctx context.Context, userID, provider string) domain.HealthStatus
}

// Tiered runs token → api_probe → operational, stopping at the first failure.
type Tiered struct {
	tokens     storage.TokenStore
	providers  provider.Registry
	refresher  Refresher
	recorder   Recorder
	classifier *classify.Classifier
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewTiered wires a tiered validator. recorder may be nil.
func NewTiered(
	tokens storage.TokenStore,
	providers provider.Registry,
	refresher Refresher,
	recorder Recorder,
	cfg Config,
	logger *slog.Logger,
) (*Tiered, error) {
	if tokens == nil || providers == nil || refresher == nil {
		return nil, errors.New("validation: token store, provider registry and refresher are required")
	}
	switch cfg.OperationalMode {
	case "":
		cfg.OperationalMode = ModeCapability
	case ModeCapability, ModeInferred:
	default:
		return nil, fmt.Errorf("validation: unknown operational mode %q", cfg.OperationalMode)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{
		tokens:     tokens,
		providers:  providers,
		refresher:  refresher,
		recorder:   recorder,
		classifier: classify.New(logger),
		cfg:        cfg,
		logger:     logger.With("component", "validation"),
		now:        time.Now,
	}, nil
}

var _ Validator = (*Tiered)(nil)

// Validate performs a live check. It never returns an error.
func (t *Tiered) Validate(ctx context.Context, userID, providerName string) domain.HealthStatus {
	pair := domain.NewPair(userID, providerName)
	status := t.run(ctx, pair)

	metrics.Validations.WithLabelValues(providerName, string(status.Status)).Inc()
	if t.recorder != nil {
		t.recorder.RecordValidation(ctx, pair, status)
	}
	t.logger.Debug("Validated connection",
		"user", userID,
		"provider", providerName,
		"status", status.Status,
		"error_kind", status.ErrorKind,
	)
	return status
}

func (t *Tiered) run(ctx context.Context, pair domain.Pair) domain.HealthStatus {
	var details []domain.TierResult

	// Tier 1: token
	start := time.Now()
	cred, client, note, fail := t.tokenTier(ctx, pair)
	tr := t.tierResult(pair, domain.TierToken, start, fail)
	if fail == nil && note != "" {
		tr.Message = note
	}
	details = append(details, tr)
	if fail != nil {
		return t.failed(fail, details)
	}

	// Tier 2: api probe
	start = time.Now()
	probeCtx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
	err := client.Probe(probeCtx, *cred)
	cancel()
	fail = t.tierFailure(err, domain.StatusUnhealthy)
	details = append(details, t.tierResult(pair, domain.TierAPIProbe, start, fail))
	if fail != nil {
		return t.failed(fail, details)
	}

	// Tier 3: operational
	start = time.Now()
	if t.cfg.OperationalMode == ModeInferred {
		tr = t.tierResult(pair, domain.TierOperational, start, nil)
		tr.Inferred = true
		tr.Message = "inferred from api probe"
		details = append(details, tr)
	} else {
		opCtx, cancel := context.WithTimeout(ctx, t.cfg.ProbeTimeout)
		err := client.CheckCapability(opCtx, *cred)
		cancel()
		fail = t.tierFailure(err, domain.StatusDegraded)
		details = append(details, t.tierResult(pair, domain.TierOperational, start, fail))
		if fail != nil {
			return t.failed(fail, details)
		}
	}

	return domain.NewHealthy(details, t.now(), t.cfg.HealthyTTL)
}

// tierFail is the classified failure of one tier.
type tierFail struct {
	status  domain.Status
	kind    domain.ErrorKind
	message string
}

// tokenTier returns a usable credential. A failed early refresh is reported
// as a note while the current access token has not expired yet.
func (t *Tiered) tokenTier(
	ctx context.Context,
	pair domain.Pair,
) (*domain.Credential, provider.Client, string, *tierFail) {
	client, ok := t.providers.Client(pair.Provider)
	if !ok {
		return nil, nil, "", &tierFail{
			status:  domain.StatusUnhealthy,
			kind:    domain.ErrorKindProviderNotConfigured,
			message: "provider not configured: " + pair.Provider,
		}
	}

	cred, err := t.tokens.Get(ctx, pair.UserID, pair.Provider)
	if err != nil {
		return nil, nil, "", t.tierFailure(fmt.Errorf("failed to load credential: %w", err), domain.StatusUnhealthy)
	}
	if cred == nil {
		return nil, nil, "", &tierFail{
			status:  domain.StatusDisconnected,
			kind:    domain.ErrorKindProviderNotConfigured,
			message: "no credential stored",
		}
	}
	if cred.RequiresUserIntervention {
		return nil, nil, "", &tierFail{
			status:  domain.StatusUnhealthy,
			kind:    domain.ErrorKindInvalidRefreshToken,
			message: "reconnection required",
		}
	}

	if cred.ExpiresWithin(t.now(), t.refresher.Horizon()) {
		res := t.refresher.Coordinate(ctx, pair.UserID, pair.Provider)
		if !res.OK() && !retry.RequiresIntervention(res.ErrorKind) && !cred.IsExpired(t.now()) {
			t.logger.Warn("Early refresh failed, token still valid",
				"user", pair.UserID,
				"provider", pair.Provider,
				"error_kind", res.ErrorKind,
				"expires_at", cred.ExpiresAt,
			)
			return cred, client, fmt.Sprintf("refresh failed (%s), current token valid until %s",
				res.ErrorKind, cred.ExpiresAt.UTC().Format(time.RFC3339)), nil
		}
		if !res.OK() {
			return nil, nil, "", &tierFail{
				status:  domain.StatusUnhealthy,
				kind:    res.ErrorKind,
				message: res.Message,
			}
		}
		// Reload to probe with the new access token.
		cred, err = t.tokens.Get(ctx, pair.UserID, pair.Provider)
		if err != nil || cred == nil {
			return nil, nil, "", &tierFail{
				status:  domain.StatusUnhealthy,
				kind:    domain.ErrorKindUnknown,
				message: "credential unavailable after refresh",
			}
		}
	}
	return cred, client, "", nil
}

func (t *Tiered) tierFailure(err error, status domain.Status) *tierFail {
	if err == nil {
		return nil
	}
	return &tierFail{
		status:  status,
		kind:    t.classifier.Classify(err),
		message: err.Error(),
	}
}

func (t *Tiered) tierResult(pair domain.Pair, tier domain.Tier, start time.Time, fail *tierFail) domain.TierResult {
	elapsed := time.Since(start)
	metrics.TierLatency.WithLabelValues(pair.Provider, string(tier)).Observe(elapsed.Seconds())
	tr := domain.TierResult{
		Tier:       tier,
		Passed:     fail == nil,
		DurationMs: elapsed.Milliseconds(),
	}
	if fail != nil {
		tr.ErrorKind = fail.kind
		tr.Message = fail.message
	}
	return tr
}

func (t *Tiered) failed(fail *tierFail, details []domain.TierResult) domain.HealthStatus {
	return domain.NewUnhealthy(fail.status, fail.kind, fail.message, details, t.now(), t.cfg.UnhealthyTTL)
}
