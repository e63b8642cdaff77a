package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/vietddude/connwatch/internal/core/domain"
	"github.com/vietddude/connwatch/internal/renewal"
)

type fakeService struct {
	mu         sync.Mutex
	statuses   map[domain.Pair]domain.HealthStatus
	forced     bool
	reconnects []domain.Token
	scanErr    error
}

func newFakeService() *fakeService {
	return &fakeService{statuses: make(map[domain.Pair]domain.HealthStatus)}
}

func (f *fakeService) GetHealth(ctx context.Context, userID, provider string, force bool) domain.HealthStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = force
	if st, ok := f.statuses[domain.NewPair(userID, provider)]; ok {
		return st
	}
	return domain.NewUnhealthy(domain.StatusDisconnected, domain.ErrorKindProviderNotConfigured, "no credential stored", nil, time.Now(), 10*time.Second)
}

func (f *fakeService) BatchGetHealth(ctx context.Context, pairs []domain.Pair) map[domain.Pair]domain.HealthStatus {
	out := make(map[domain.Pair]domain.HealthStatus, len(pairs))
	for _, p := range pairs {
		out[p] = f.GetHealth(ctx, p.UserID, p.Provider, false)
	}
	return out
}

func (f *fakeService) RefreshNow(ctx context.Context, userID, provider string) domain.RefreshResult {
	return domain.RefreshResult{Outcome: domain.RefreshSuccess, Message: "token refreshed"}
}

func (f *fakeService) ScanAndScheduleProactiveRefresh(ctx context.Context) (renewal.Summary, error) {
	return renewal.Summary{Scheduled: 2, Immediate: 1, Deferred: 1}, f.scanErr
}

func (f *fakeService) MarkReconnected(ctx context.Context, userID, provider string, token domain.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnects = append(f.reconnects, token)
	return nil
}

func (f *fakeService) HealthRecord(ctx context.Context, userID, provider string) (*domain.HealthRecord, error) {
	if userID == "u1" {
		return &domain.HealthRecord{UserID: userID, Provider: provider, ConsolidatedStatus: domain.StatusHealthy}, nil
	}
	return nil, nil
}

func healthy() domain.HealthStatus {
	return domain.NewHealthy([]domain.TierResult{{Tier: domain.TierToken, Passed: true}}, time.Now(), 30*time.Second)
}

func newTestHTTP(t *testing.T, svc Service, checks map[string]Check) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewServer(svc, checks, 0, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTP_Health(t *testing.T) {
	srv := newTestHTTP(t, newFakeService(), map[string]Check{
		"redis": func(context.Context) error { return nil },
	})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	down := newTestHTTP(t, newFakeService(), map[string]Check{
		"database": func(context.Context) error { return errors.New("connection refused") },
	})
	resp2, err := http.Get(down.URL + "/health")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp2.StatusCode)
}

func TestHTTP_ConnectionHealth(t *testing.T) {
	svc := newFakeService()
	svc.statuses[domain.NewPair("u1", "gdrive")] = healthy()
	srv := newTestHTTP(t, svc, nil)

	resp, err := http.Get(srv.URL + "/v1/connections/u1/gdrive/health?force=true")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st domain.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.IsHealthy)
	assert.True(t, svc.forced)
}

func TestHTTP_RateLimitedSetsRetryAfter(t *testing.T) {
	svc := newFakeService()
	svc.statuses[domain.NewPair("u1", "gdrive")] = domain.NewRateLimited(time.Now(), time.Minute)
	srv := newTestHTTP(t, svc, nil)

	resp, err := http.Get(srv.URL + "/v1/connections/u1/gdrive/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "60", resp.Header.Get("Retry-After"))
}

func TestHTTP_Batch(t *testing.T) {
	svc := newFakeService()
	svc.statuses[domain.NewPair("u1", "gdrive")] = healthy()
	srv := newTestHTTP(t, svc, nil)

	body := `{"connections":[{"user_id":"u1","provider":"gdrive"},{"user_id":"u2","provider":"dropbox"},{"user_id":"u1","provider":"gdrive"}]}`
	resp, err := http.Post(srv.URL+"/v1/connections/health:batch", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Results []batchEntry `json:"results"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Health.IsHealthy)
	assert.Equal(t, domain.StatusDisconnected, out.Results[1].Health.Status)
}

func TestHTTP_BatchRejectsBadInput(t *testing.T) {
	srv := newTestHTTP(t, newFakeService(), nil)

	for _, body := range []string{`not json`, `{"connections":[{"user_id":"u1"}]}`, `{"unknown":1}`} {
		resp, err := http.Post(srv.URL+"/v1/connections/health:batch", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestHTTP_RefreshAndScan(t *testing.T) {
	svc := newFakeService()
	srv := newTestHTTP(t, svc, nil)

	resp, err := http.Post(srv.URL+"/v1/connections/u1/gdrive/refresh", "application/json", nil)
	require.NoError(t, err)
	var res domain.RefreshResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	resp.Body.Close()
	assert.Equal(t, domain.RefreshSuccess, res.Outcome)

	resp, err = http.Post(srv.URL+"/v1/renewal/scan", "application/json", nil)
	require.NoError(t, err)
	var sum renewal.Summary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sum))
	resp.Body.Close()
	assert.Equal(t, 2, sum.Scheduled)

	svc.scanErr = errors.New("db down")
	resp, err = http.Post(srv.URL+"/v1/renewal/scan", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHTTP_Reconnect(t *testing.T) {
	svc := newFakeService()
	srv := newTestHTTP(t, svc, nil)

	body := `{"access_token":"at","refresh_token":"rt","expires_at":"2030-01-01T00:00:00Z"}`
	resp, err := http.Post(srv.URL+"/v1/connections/u1/gdrive/reconnect", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, svc.reconnects, 1)
	assert.Equal(t, "rt", svc.reconnects[0].RefreshToken)

	resp, err = http.Post(srv.URL+"/v1/connections/u1/gdrive/reconnect", "application/json", bytes.NewBufferString(`{"access_token":""}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTP_Record(t *testing.T) {
	srv := newTestHTTP(t, newFakeService(), nil)

	resp, err := http.Get(srv.URL + "/v1/connections/u1/gdrive/record")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/v1/connections/u9/gdrive/record")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func dialHealth(t *testing.T, svc Service) healthpb.HealthClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	g := NewGRPCServer(svc, 0, nil)
	go func() { _ = g.Serve(lis) }()
	t.Cleanup(func() { g.Stop(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestGRPC_Check(t *testing.T) {
	svc := newFakeService()
	svc.statuses[domain.NewPair("u1", "gdrive")] = healthy()
	client := dialHealth(t, svc)
	ctx := context.Background()

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "u1/gdrive"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: "u2/gdrive"})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestGRPC_InvalidServiceName(t *testing.T) {
	client := dialHealth(t, newFakeService())

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "no-slash"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())

	var found bool
	for _, d := range st.Details() {
		if br, ok := d.(*errdetails.BadRequest); ok {
			found = true
			assert.Equal(t, "service", br.GetFieldViolations()[0].GetField())
		}
	}
	assert.True(t, found, "BadRequest detail expected")
}

func TestGRPC_RateLimitedCarriesRetryInfo(t *testing.T) {
	svc := newFakeService()
	svc.statuses[domain.NewPair("u1", "gdrive")] = domain.NewRateLimited(time.Now(), time.Minute)
	client := dialHealth(t, svc)

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "u1/gdrive"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.ResourceExhausted, st.Code())

	var delay time.Duration
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok {
			delay = ri.GetRetryDelay().AsDuration()
		}
	}
	assert.Equal(t, time.Minute, delay)
}
