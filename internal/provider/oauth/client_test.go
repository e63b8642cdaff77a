package oauth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/connwatch/internal/core/classify"
	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/provider"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(Config{
		Name:          "gdrive",
		TokenURL:      srv.URL + "/token",
		ProbeURL:      srv.URL + "/about",
		CapabilityURL: srv.URL + "/quota",
		ClientID:      "cid",
		ClientSecret:  "secret",
	}, srv.Client())
	require.NoError(t, err)
	return c
}

func TestRefreshToken_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"new-at","expires_in":3599,"token_type":"Bearer"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	before := time.Now()
	tok, err := c.RefreshToken(context.Background(), domain.Credential{RefreshToken: "rt"})
	require.NoError(t, err)
	assert.Equal(t, "new-at", tok.AccessToken)
	assert.Equal(t, "rt", tok.RefreshToken, "old refresh token kept when not rotated")
	assert.WithinDuration(t, before.Add(3599*time.Second), tok.ExpiresAt, 5*time.Second)
}

func TestRefreshToken_RotatedRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"at2","refresh_token":"rt2","expires_in":60}`))
	}))
	defer srv.Close()

	tok, err := newTestClient(t, srv).RefreshToken(context.Background(), domain.Credential{RefreshToken: "rt"})
	require.NoError(t, err)
	assert.Equal(t, "rt2", tok.RefreshToken)
}

func TestRefreshToken_InvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).RefreshToken(context.Background(), domain.Credential{RefreshToken: "rt"})
	require.Error(t, err)

	var perr *provider.Error
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, http.StatusBadRequest, perr.StatusCode)
	assert.Equal(t, "invalid_grant", perr.Code)
	assert.Equal(t, domain.ErrorKindInvalidRefreshToken, classify.Classify(err))
}

func TestRefreshToken_MissingRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).RefreshToken(context.Background(), domain.Credential{})
	assert.Equal(t, domain.ErrorKindInvalidRefreshToken, classify.Classify(err))
}

func TestProbe_SendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/about", r.URL.Path)
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"user":{}}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv).Probe(context.Background(), domain.Credential{AccessToken: "at"}))
}

func TestErrors_Classified(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		want       domain.ErrorKind
		wantAfter  time.Duration
	}{
		{
			name:   "google reason",
			status: http.StatusForbidden,
			body:   `{"error":{"code":403,"message":"denied","errors":[{"reason":"insufficientFilePermissions"}]}}`,
			want:   domain.ErrorKindInsufficientPermissions,
		},
		{
			name:   "graph code",
			status: http.StatusUnauthorized,
			body:   `{"error":{"code":"InvalidAuthenticationToken","message":"Access token has expired."}}`,
			want:   domain.ErrorKindInvalidCredentials,
		},
		{
			name:       "rate limited with retry after",
			status:     http.StatusTooManyRequests,
			body:       `{}`,
			retryAfter: "120",
			want:       domain.ErrorKindQuotaExceeded,
			wantAfter:  2 * time.Minute,
		},
		{
			name:   "server error plain text",
			status: http.StatusBadGateway,
			body:   `bad gateway`,
			want:   domain.ErrorKindServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			err := newTestClient(t, srv).CheckCapability(context.Background(), domain.Credential{AccessToken: "at"})
			require.Error(t, err)
			assert.Equal(t, tt.want, classify.Classify(err))
			assert.Equal(t, tt.wantAfter, classify.RetryAfter(err))
		})
	}
}

func TestParseErrorBody_Dropbox(t *testing.T) {
	code, _ := parseErrorBody([]byte(`{"error_summary":"path/not_found/..","error":{".tag":"path"}}`))
	assert.Equal(t, "path/not_found", code)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, time.Minute, parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Zero(t, parseRetryAfter("", now))
}

func TestProbe_ClientSideThrottle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, err := New(Config{Name: "gdrive", TokenURL: srv.URL, ProbeURL: srv.URL, RequestsPerSecond: 1}, srv.Client())
	require.NoError(t, err)

	require.NoError(t, c.Probe(context.Background(), domain.Credential{}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err = c.Probe(ctx, domain.Credential{})
	require.Error(t, err)
	assert.Equal(t, domain.ErrorKindQuotaExceeded, classify.Classify(err))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{Name: "x", TokenURL: "http://t"}, nil)
	require.Error(t, err)
}
