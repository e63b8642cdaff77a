// Package oauth is a generic provider.Client for OAuth 2.0 storage APIs.
//
// Tokens are refreshed with the RFC 6749 refresh_token grant. The probe and
// capability checks are read-only GET requests against configured URLs.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/provider"
)

// Config describes one provider endpoint set.
type Config struct {
	Name              string
	TokenURL          string
	ProbeURL          string
	CapabilityURL     string // optional; empty falls back to ProbeURL
	ClientID          string
	ClientSecret      string
	RequestsPerSecond float64 // 0 disables client-side throttling
	Timeout           time.Duration
}

const (
	defaultTimeout   = 15 * time.Second
	defaultTokenLife = time.Hour
	maxErrorBody     = 64 << 10
)

// Client implements provider.Client over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

var _ provider.Client = (*Client)(nil)

// New creates a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client) (*Client, error) {
	if cfg.Name == "" {
		return nil, errors.New("oauth: provider name is required")
	}
	if cfg.TokenURL == "" || cfg.ProbeURL == "" {
		return nil, fmt.Errorf("oauth: %s: token_url and probe_url are required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond)))
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		limiter:    limiter,
		now:        time.Now,
	}, nil
}

func (c *Client) Name() string {
	return c.cfg.Name
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// RefreshToken performs the refresh_token grant. The old refresh token is kept
// when the provider does not rotate it.
func (c *Client) RefreshToken(ctx context.Context, cred domain.Credential) (domain.Token, error) {
	const op = "refresh_token"
	if cred.RefreshToken == "" {
		return domain.Token{}, &provider.Error{Provider: c.cfg.Name, Op: op, Code: "invalid_grant", Message: "no refresh token"}
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)
	if c.cfg.ClientID != "" {
		form.Set("client_id", c.cfg.ClientID)
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.Token{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req, op)
	if err != nil {
		return domain.Token{}, err
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return domain.Token{}, &provider.Error{Provider: c.cfg.Name, Op: op, Message: "malformed token response", Err: err}
	}
	if tr.AccessToken == "" {
		return domain.Token{}, &provider.Error{Provider: c.cfg.Name, Op: op, Code: "server_error", Message: "token response without access_token"}
	}

	life := defaultTokenLife
	if tr.ExpiresIn > 0 {
		life = time.Duration(tr.ExpiresIn) * time.Second
	}
	tok := domain.Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    c.now().Add(life),
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = cred.RefreshToken
	}
	return tok, nil
}

// Probe issues an authenticated GET against the probe URL.
func (c *Client) Probe(ctx context.Context, cred domain.Credential) error {
	return c.get(ctx, "probe", c.cfg.ProbeURL, cred)
}

// CheckCapability issues an authenticated GET against the capability URL.
func (c *Client) CheckCapability(ctx context.Context, cred domain.Credential) error {
	target := c.cfg.CapabilityURL
	if target == "" {
		target = c.cfg.ProbeURL
	}
	return c.get(ctx, "capability", target, cred)
}

func (c *Client) get(ctx context.Context, op, target string, cred domain.Credential) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	req.Header.Set("Accept", "application/json")
	_, err = c.do(req, op)
	return err
}

// do throttles, sends and maps non-2xx responses to *provider.Error.
func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	if err := c.limiter.Wait(req.Context()); err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, &provider.Error{Provider: c.cfg.Name, Op: op, Err: ctxErr}
		}
		return nil, &provider.Error{Provider: c.cfg.Name, Op: op, Code: "rate_limited", Message: "client-side rate limit", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &provider.Error{Provider: c.cfg.Name, Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return nil, &provider.Error{Provider: c.cfg.Name, Op: op, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	code, msg := parseErrorBody(body)
	return nil, &provider.Error{
		Provider:   c.cfg.Name,
		Op:         op,
		StatusCode: resp.StatusCode,
		Code:       code,
		Message:    msg,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}
}

// errorEnvelope covers the shapes returned by OAuth token endpoints
// ({"error": "invalid_grant"}), Google and Microsoft Graph
// ({"error": {"code": ..., "message": ..., "errors": [{"reason": ...}]}})
// and Dropbox ({"error_summary": "path/not_found/.."}).
type errorEnvelope struct {
	Error            json.RawMessage `json:"error"`
	ErrorDescription string          `json:"error_description"`
	ErrorSummary     string          `json:"error_summary"`
}

type apiError struct {
	Code    any    `json:"code"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Errors  []struct {
		Reason  string `json:"reason"`
		Message string `json:"message"`
	} `json:"errors"`
}

func parseErrorBody(body []byte) (code, message string) {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", truncate(strings.TrimSpace(string(body)))
	}

	if env.ErrorSummary != "" {
		return strings.TrimRight(env.ErrorSummary, "./"), env.ErrorSummary
	}
	if len(env.Error) == 0 {
		return "", truncate(strings.TrimSpace(string(body)))
	}

	var s string
	if err := json.Unmarshal(env.Error, &s); err == nil {
		return s, env.ErrorDescription
	}

	var ae apiError
	if err := json.Unmarshal(env.Error, &ae); err != nil {
		return "", truncate(string(env.Error))
	}
	if len(ae.Errors) > 0 && ae.Errors[0].Reason != "" {
		return ae.Errors[0].Reason, ae.Message
	}
	if s, ok := ae.Code.(string); ok && s != "" {
		return s, ae.Message
	}
	return ae.Status, ae.Message
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

func truncate(s string) string {
	const limit = 256
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
