package provider

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/metrics"
)

// CallStatus is the provider's condition as seen from our own calls.
type CallStatus int

const (
	CallStatusHealthy   CallStatus = iota // Provider is working normally
	CallStatusDegraded                    // Provider is slow but working
	CallStatusThrottled                   // Provider is rate limiting
	CallStatusBlocked                     // Provider keeps rejecting with 403
)

func (s CallStatus) String() string {
	switch s {
	case CallStatusDegraded:
		return "degraded"
	case CallStatusThrottled:
		return "throttled"
	case CallStatusBlocked:
		return "blocked"
	default:
		return "healthy"
	}
}

// MonitorStats is a snapshot of one provider's recent calls.
type MonitorStats struct {
	Status           CallStatus
	AverageLatency   time.Duration
	Calls            int
	Failures         int
	ThrottleCount429 int
	ThrottleCount403 int
	RetryAfter       time.Duration
}

// MonitorConfig tunes status derivation.
type MonitorConfig struct {
	LatencyWindow    int           // samples kept for the average
	SlowThreshold    time.Duration // average above this is degraded
	ThrottleBackoff  time.Duration // default cool-down after a 429 without Retry-After
	BlockedBackoff   time.Duration // cool-down after a 403 burst
	ThrottleTrigger  int           // 429s in a cool-down before reporting throttled
	ForbiddenTrigger int           // 403s in a cool-down before reporting blocked
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		LatencyWindow:    100,
		SlowThreshold:    3 * time.Second,
		ThrottleBackoff:  time.Minute,
		BlockedBackoff:   10 * time.Minute,
		ThrottleTrigger:  5,
		ForbiddenTrigger: 5,
	}
}

// Monitor tracks call latency and throttling for one provider.
type Monitor struct {
	mu sync.RWMutex

	name string
	cfg  MonitorConfig
	now  func() time.Time

	latencies    []time.Duration
	calls        int
	failures     int
	count429     int
	count403     int
	lastThrottle time.Time
	retryAfter   time.Duration
}

// NewMonitor creates a monitor for the named provider.
func NewMonitor(name string, cfg MonitorConfig) *Monitor {
	def := DefaultMonitorConfig()
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = def.LatencyWindow
	}
	if cfg.SlowThreshold <= 0 {
		cfg.SlowThreshold = def.SlowThreshold
	}
	if cfg.ThrottleBackoff <= 0 {
		cfg.ThrottleBackoff = def.ThrottleBackoff
	}
	if cfg.BlockedBackoff <= 0 {
		cfg.BlockedBackoff = def.BlockedBackoff
	}
	if cfg.ThrottleTrigger <= 0 {
		cfg.ThrottleTrigger = def.ThrottleTrigger
	}
	if cfg.ForbiddenTrigger <= 0 {
		cfg.ForbiddenTrigger = def.ForbiddenTrigger
	}
	return &Monitor{
		name:      name,
		cfg:       cfg,
		now:       time.Now,
		latencies: make([]time.Duration, 0, cfg.LatencyWindow),
	}
}

// Record folds one call into the monitor.
func (m *Monitor) Record(op string, latency time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.ProviderCalls.WithLabelValues(m.name, op, result).Inc()
	metrics.ProviderCallLatency.WithLabelValues(m.name, op).Observe(latency.Seconds())

	m.mu.Lock()
	m.calls++
	m.latencies = append(m.latencies, latency)
	if len(m.latencies) > m.cfg.LatencyWindow {
		m.latencies = m.latencies[1:]
	}

	if err != nil {
		m.failures++
		var perr *Error
		if errors.As(err, &perr) {
			m.recordThrottle(perr)
		}
	}
	m.mu.Unlock()

	metrics.ProviderStatus.WithLabelValues(m.name).Set(float64(m.Status()))
}

func (m *Monitor) recordThrottle(perr *Error) {
	now := m.now()
	switch perr.StatusCode {
	case http.StatusTooManyRequests:
		if now.Sub(m.lastThrottle) >= m.retryAfter {
			m.count429 = 0
			m.count403 = 0
		}
		m.count429++
		m.lastThrottle = now
		m.retryAfter = perr.RetryAfter
		if m.retryAfter <= 0 {
			m.retryAfter = m.cfg.ThrottleBackoff
		}
	case http.StatusForbidden:
		// 403 also covers missing scopes; only bursts count as a block.
		if now.Sub(m.lastThrottle) >= m.retryAfter {
			m.count429 = 0
			m.count403 = 0
		}
		m.count403++
		m.lastThrottle = now
		if m.count403 >= m.cfg.ForbiddenTrigger {
			m.retryAfter = m.cfg.BlockedBackoff
		} else if m.retryAfter < m.cfg.ThrottleBackoff {
			m.retryAfter = m.cfg.ThrottleBackoff
		}
	}
}

// Status derives the provider status from recent calls.
func (m *Monitor) Status() CallStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status()
}

func (m *Monitor) status() CallStatus {
	cooling := m.now().Sub(m.lastThrottle) < m.retryAfter
	if cooling && m.count403 >= m.cfg.ForbiddenTrigger {
		return CallStatusBlocked
	}
	if cooling && m.count429 >= m.cfg.ThrottleTrigger {
		return CallStatusThrottled
	}
	if len(m.latencies) > 10 && m.averageLatency() > m.cfg.SlowThreshold {
		return CallStatusDegraded
	}
	return CallStatusHealthy
}

func (m *Monitor) averageLatency() time.Duration {
	if len(m.latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, lat := range m.latencies {
		total += lat
	}
	return total / time.Duration(len(m.latencies))
}

// Stats returns a snapshot.
func (m *Monitor) Stats() MonitorStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var remaining time.Duration
	if m.retryAfter > 0 {
		remaining = max(0, m.retryAfter-m.now().Sub(m.lastThrottle))
	}
	return MonitorStats{
		Status:           m.status(),
		AverageLatency:   m.averageLatency(),
		Calls:            m.calls,
		Failures:         m.failures,
		ThrottleCount429: m.count429,
		ThrottleCount403: m.count403,
		RetryAfter:       remaining,
	}
}

// Monitored wraps a Client so that every call is recorded.
type Monitored struct {
	Client
	monitor *Monitor
}

// Instrument wraps c with a fresh monitor.
func Instrument(c Client, cfg MonitorConfig) *Monitored {
	return &Monitored{Client: c, monitor: NewMonitor(c.Name(), cfg)}
}

// Monitor returns the wrapped client's monitor.
func (m *Monitored) Monitor() *Monitor {
	return m.monitor
}

func (m *Monitored) RefreshToken(ctx context.Context, cred domain.Credential) (domain.Token, error) {
	start := time.Now()
	tok, err := m.Client.RefreshToken(ctx, cred)
	m.monitor.Record("refresh_token", time.Since(start), err)
	return tok, err
}

func (m *Monitored) Probe(ctx context.Context, cred domain.Credential) error {
	start := time.Now()
	err := m.Client.Probe(ctx, cred)
	m.monitor.Record("probe", time.Since(start), err)
	return err
}

func (m *Monitored) CheckCapability(ctx context.Context, cred domain.Credential) error {
	start := time.Now()
	err := m.Client.CheckCapability(ctx, cred)
	m.monitor.Record("capability", time.Since(start), err)
	return err
}
