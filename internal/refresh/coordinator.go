// Package refresh ensures that at most one token refresh per connection is
// in flight across all processes sharing the lock backend.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vietddude/connwatch/internal/core/classify"
	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/core/ports"
	"github.com/vietddude/connwatch/internal/core/retry"
	"github.com/vietddude/connwatch/internal/infra/storage"
	"github.com/vietddude/connwatch/internal/metrics"
	"github.com/vietddude/connwatch/internal/provider"
)

// State is the coordinator's per-pair lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateLockAcquired State = "lock_acquired"
	StateRefreshing   State = "refreshing"
	StateSucceeded    State = "success"
	StateFailed       State = "failed"
)

// Config controls refresh timing.
type Config struct {
	Horizon        time.Duration // refresh when the token expires within this window
	LockTTL        time.Duration
	LockWait       time.Duration // how long a losing caller waits for the holder
	RefreshTimeout time.Duration // must be shorter than LockTTL
}

func DefaultConfig() Config {
	return Config{
		Horizon:        15 * time.Minute,
		LockTTL:        30 * time.Second,
		LockWait:       5 * time.Second,
		RefreshTimeout: 20 * time.Second,
	}
}

const releaseTimeout = 5 * time.Second

var (
	errStillRefreshing = errors.New("refresh still in progress")
	errFlagged         = errors.New("credential requires user intervention")
	errNoCredential    = errors.New("credential removed")
)

// holderFailedError reports that the lock holder's attempt ended in failure.
type holderFailedError struct {
	kind domain.ErrorKind
}

func (e *holderFailedError) Error() string {
	return "concurrent refresh failed: " + string(e.kind)
}

// Coordinator runs coordinated refreshes.
type Coordinator struct {
	tokens     storage.TokenStore
	providers  provider.Registry
	lock       ports.DistributedLock
	classifier *classify.Classifier
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time

	states sync.Map // domain.Pair -> State
}

// NewCoordinator validates the configuration and wires the collaborators.
func NewCoordinator(
	tokens storage.TokenStore,
	providers provider.Registry,
	lock ports.DistributedLock,
	cfg Config,
	logger *slog.Logger,
) (*Coordinator, error) {
	if tokens == nil || providers == nil || lock == nil {
		return nil, errors.New("refresh: token store, provider registry and lock are required")
	}
	if cfg.RefreshTimeout >= cfg.LockTTL {
		return nil, fmt.Errorf("refresh: timeout %s must be shorter than lock ttl %s", cfg.RefreshTimeout, cfg.LockTTL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		tokens:     tokens,
		providers:  providers,
		lock:       lock,
		classifier: classify.New(logger),
		cfg:        cfg,
		logger:     logger.With("component", "refresh"),
		now:        time.Now,
	}, nil
}

// Horizon returns the configured refresh window.
func (c *Coordinator) Horizon() time.Duration {
	return c.cfg.Horizon
}

// State returns the last known state for a pair in this process.
func (c *Coordinator) State(pair domain.Pair) State {
	if s, ok := c.states.Load(pair); ok {
		return s.(State)
	}
	return StateIdle
}

// Coordinate refreshes the pair's token if needed. It never returns an error;
// every failure is classified into the result.
func (c *Coordinator) Coordinate(ctx context.Context, userID, providerName string) domain.RefreshResult {
	pair := domain.NewPair(userID, providerName)
	res := c.coordinate(ctx, pair)
	metrics.RefreshOutcomes.WithLabelValues(providerName, string(res.Outcome), string(res.ErrorKind)).Inc()
	c.logger.Debug("Refresh finished",
		"user", userID,
		"provider", providerName,
		"outcome", res.Outcome,
		"error_kind", res.ErrorKind,
	)
	return res
}

func (c *Coordinator) coordinate(ctx context.Context, pair domain.Pair) domain.RefreshResult {
	client, ok := c.providers.Client(pair.Provider)
	if !ok {
		return domain.RefreshFailed(domain.ErrorKindProviderNotConfigured, "provider not configured: "+pair.Provider)
	}

	cred, err := c.tokens.Get(ctx, pair.UserID, pair.Provider)
	if err != nil {
		return domain.RefreshFailed(c.classifier.Classify(err), fmt.Sprintf("failed to load credential: %v", err))
	}
	if cred == nil {
		return domain.RefreshFailed(domain.ErrorKindProviderNotConfigured, "no credential stored")
	}
	if cred.RequiresUserIntervention {
		return domain.RefreshFailed(domain.ErrorKindInvalidRefreshToken, "reconnection required")
	}
	if !cred.ExpiresWithin(c.now(), c.cfg.Horizon) {
		return alreadyValid(cred)
	}
	if !cred.HasRefreshToken() {
		return domain.RefreshFailed(domain.ErrorKindInvalidRefreshToken, "no refresh token available")
	}

	key := lockKey(pair)
	token, acquired, err := c.lock.TryAcquire(ctx, key, c.cfg.LockTTL)
	if err != nil {
		return domain.RefreshFailed(c.classifier.Classify(err), fmt.Sprintf("failed to acquire refresh lock: %v", err))
	}
	if !acquired {
		metrics.LockContention.WithLabelValues(pair.Provider).Inc()
		return c.awaitHolder(ctx, pair)
	}

	defer c.release(ctx, pair, token)
	c.setState(pair, StateLockAcquired)

	// Another process may have finished between our read and the lock.
	cred, err = c.tokens.Get(ctx, pair.UserID, pair.Provider)
	if err != nil {
		c.setState(pair, StateFailed)
		return domain.RefreshFailed(c.classifier.Classify(err), fmt.Sprintf("failed to reload credential: %v", err))
	}
	if cred == nil {
		c.setState(pair, StateFailed)
		return domain.RefreshFailed(domain.ErrorKindProviderNotConfigured, "no credential stored")
	}
	if cred.RequiresUserIntervention {
		c.setState(pair, StateFailed)
		return domain.RefreshFailed(domain.ErrorKindInvalidRefreshToken, "reconnection required")
	}
	if !cred.ExpiresWithin(c.now(), c.cfg.Horizon) {
		c.setState(pair, StateSucceeded)
		return refreshedByOther(cred)
	}

	return c.refresh(ctx, pair, client, cred)
}

func (c *Coordinator) refresh(
	ctx context.Context,
	pair domain.Pair,
	client provider.Client,
	cred *domain.Credential,
) domain.RefreshResult {
	c.setState(pair, StateRefreshing)
	metrics.RefreshInFlight.WithLabelValues(pair.Provider).Inc()
	defer metrics.RefreshInFlight.WithLabelValues(pair.Provider).Dec()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.RefreshTimeout)
	start := time.Now()
	tok, err := client.RefreshToken(callCtx, *cred)
	cancel()
	metrics.RefreshLatency.WithLabelValues(pair.Provider).Observe(time.Since(start).Seconds())

	// Results are persisted even if the caller went away.
	persistCtx := context.WithoutCancel(ctx)
	now := c.now()

	if err != nil {
		c.setState(pair, StateFailed)
		kind := c.classifier.Classify(err)
		intervention := retry.RequiresIntervention(kind)
		count, serr := c.tokens.RecordRefreshFailure(persistCtx, pair.UserID, pair.Provider, kind, intervention, now)
		if serr != nil {
			c.logger.Error("Failed to record refresh failure", "user", pair.UserID, "provider", pair.Provider, "error", serr)
		}
		c.logger.Warn("Token refresh failed",
			"user", pair.UserID,
			"provider", pair.Provider,
			"error_kind", kind,
			"failures", count,
			"error", err,
		)
		res := domain.RefreshFailed(kind, err.Error())
		res.RetryAfter = classify.RetryAfter(err)
		return res
	}

	if err := c.tokens.SaveRefreshed(persistCtx, pair.UserID, pair.Provider, tok, now); err != nil {
		c.setState(pair, StateFailed)
		c.logger.Error("Failed to persist refreshed token", "user", pair.UserID, "provider", pair.Provider, "error", err)
		return domain.RefreshFailed(c.classifier.Classify(err), fmt.Sprintf("failed to persist token: %v", err))
	}

	c.setState(pair, StateSucceeded)
	c.logger.Info("Token refreshed", "user", pair.UserID, "provider", pair.Provider, "expires_at", tok.ExpiresAt)
	expires := tok.ExpiresAt
	return domain.RefreshResult{
		Outcome:   domain.RefreshSuccess,
		Message:   "token refreshed",
		ExpiresAt: &expires,
	}
}

// awaitHolder polls the store with bounded backoff until the holder's result
// is visible or LockWait elapses.
func (c *Coordinator) awaitHolder(ctx context.Context, pair domain.Pair) domain.RefreshResult {
	started := c.now()
	var fresh *domain.Credential

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = c.cfg.LockWait

	op := func() error {
		cred, err := c.tokens.Get(ctx, pair.UserID, pair.Provider)
		if err != nil {
			return err
		}
		if cred == nil {
			return backoff.Permanent(errNoCredential)
		}
		if cred.RequiresUserIntervention {
			return backoff.Permanent(errFlagged)
		}
		if !cred.ExpiresWithin(c.now(), c.cfg.Horizon) {
			fresh = cred
			return nil
		}
		if cred.LastRefreshAttemptAt != nil && cred.LastRefreshAttemptAt.After(started) && cred.LastErrorKind != "" {
			return backoff.Permanent(&holderFailedError{kind: cred.LastErrorKind})
		}
		return errStillRefreshing
	}

	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	var holderErr *holderFailedError
	switch {
	case err == nil:
		return refreshedByOther(fresh)
	case errors.Is(err, errFlagged):
		return domain.RefreshFailed(domain.ErrorKindInvalidRefreshToken, "reconnection required")
	case errors.Is(err, errNoCredential):
		return domain.RefreshFailed(domain.ErrorKindProviderNotConfigured, "no credential stored")
	case errors.As(err, &holderErr):
		return domain.RefreshFailed(holderErr.kind, holderErr.Error())
	default:
		return domain.RefreshFailed(domain.ErrorKindTimeout, "timed out waiting for concurrent refresh")
	}
}

func (c *Coordinator) release(ctx context.Context, pair domain.Pair, token string) {
	key := lockKey(pair)
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := c.lock.Release(rctx, key, token); err != nil {
		c.logger.Warn("Failed to release refresh lock", "key", key, "error", err)
	}
	c.states.Delete(pair)
}

func (c *Coordinator) setState(pair domain.Pair, s State) {
	c.states.Store(pair, s)
	c.logger.Debug("Refresh state", "user", pair.UserID, "provider", pair.Provider, "state", s)
}

func lockKey(pair domain.Pair) string {
	return "lock:refresh:" + pair.Key()
}

func alreadyValid(cred *domain.Credential) domain.RefreshResult {
	expires := cred.ExpiresAt
	return domain.RefreshResult{
		Outcome:   domain.RefreshAlreadyValid,
		Message:   "token still valid",
		ExpiresAt: &expires,
	}
}

func refreshedByOther(cred *domain.Credential) domain.RefreshResult {
	expires := cred.ExpiresAt
	return domain.RefreshResult{
		Outcome:   domain.RefreshRefreshedByOther,
		Message:   "token refreshed by concurrent caller",
		ExpiresAt: &expires,
	}
}
