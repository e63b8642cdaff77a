package mock

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/provider"
)

// Provider implements provider.Client for testing
type Provider struct {
	name string

	mu sync.Mutex

	// Behaviour
	TokenTTL      time.Duration
	RefreshDelay  time.Duration
	RefreshError  error
	ProbeError    error
	CapabilityErr error

	// Call tracking
	refreshCalls    int
	probeCalls      int
	capabilityCalls int
	issued          int
}

var _ provider.Client = (*Provider)(nil)

// NewProvider creates a new mock provider for testing
func NewProvider(name string) *Provider {
	return &Provider{
		name:     name,
		TokenTTL: time.Hour,
	}
}

// SetRefreshError sets the error returned by RefreshToken
func (p *Provider) SetRefreshError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RefreshError = err
}

// SetProbeError sets the error returned by Probe
func (p *Provider) SetProbeError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ProbeError = err
}

// SetCapabilityError sets the error returned by CheckCapability
func (p *Provider) SetCapabilityError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilityErr = err
}

// RefreshCalls returns how many times RefreshToken was invoked
func (p *Provider) RefreshCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCalls
}

// ProbeCalls returns how many times Probe was invoked
func (p *Provider) ProbeCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probeCalls
}

// CapabilityCalls returns how many times CheckCapability was invoked
func (p *Provider) CapabilityCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capabilityCalls
}

// ============ IDENTITY ============

func (p *Provider) Name() string {
	return p.name
}

// ============ TOKENS ============

func (p *Provider) RefreshToken(ctx context.Context, cred domain.Credential) (domain.Token, error) {
	p.mu.Lock()
	p.refreshCalls++
	delay := p.RefreshDelay
	err := p.RefreshError
	ttl := p.TokenTTL
	p.issued++
	n := p.issued
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.Token{}, ctx.Err()
		}
	}
	if err != nil {
		return domain.Token{}, err
	}
	return domain.Token{
		AccessToken: "access-" + p.name + "-" + strconv.Itoa(n),
		ExpiresAt:   time.Now().Add(ttl),
	}, nil
}

// ============ CHECKS ============

func (p *Provider) Probe(ctx context.Context, cred domain.Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeCalls++
	return p.ProbeError
}

func (p *Provider) CheckCapability(ctx context.Context, cred domain.Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capabilityCalls++
	return p.CapabilityErr
}
