package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"keybot/internal/keystore"
	"keybot/internal/linkissuer"
	"keybot/internal/metrics"
	"keybot/internal/platform/config"
	"keybot/internal/platform/health"
	"keybot/internal/security/audit"
	"keybot/internal/storage/document"
	"keybot/internal/workflow"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testToken       = "api-token"
	ownerID   int64 = 1000
	memberID  int64 = 2000
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Count   int             `json:"count"`
	Error   string          `json:"error"`
	Code    int             `json:"code"`
}

type okPinger struct{}

func (okPinger) Ping(context.Context) error { return nil }

type testServer struct {
	router  *gin.Engine
	backend *document.MemoryStore
	clock   *clockwork.FakeClock
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		App:     config.AppConfig{Name: "keybot", Debug: true},
		Server:  config.ServerConfig{Port: "0", Timeout: 5},
		Storage: config.StorageConfig{Backend: "memory"},
		Keys:    config.KeysConfig{PrivilegedIDs: []int64{ownerID}},
		LinkIssuer: config.LinkIssuerConfig{
			LinkURL: "https://ads.example/go",
		},
		Security: config.SecurityConfig{APIToken: testToken},
		Metrics:  config.MetricsConfig{Enabled: true},
	}
	if mutate != nil {
		mutate(cfg)
	}
	cfg, err := config.Load(cfg)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC))
	backend := document.NewMemoryStore()
	rec := metrics.New()
	keys, err := keystore.Open(context.Background(), backend, keystore.Options{
		Prefix:   cfg.Keys.Prefix,
		TTL:      cfg.KeyTTL(),
		Clock:    clock,
		Observer: rec,
	})
	require.NoError(t, err)

	svc := workflow.New(workflow.Deps{
		Keys:       keys,
		Links:      linkissuer.New(cfg.LinkIssuer, linkissuer.WithClock(clock)),
		Privileges: workflow.NewPrivileges(cfg.Keys.PrivilegedIDs),
		Audit:      audit.NewAuditService(false),
		Metrics:    rec,
	})

	router, stop := Router(RouterDeps{
		Config:   cfg,
		Workflow: svc,
		Health:   health.NewHealthHandler(cfg.App, "memory", okPinger{}),
		Metrics:  rec,
	})
	t.Cleanup(stop)
	return &testServer{router: router, backend: backend, clock: clock}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testToken)

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") != "" && bytes.HasPrefix(w.Body.Bytes(), []byte("{")) {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestRouter_MemberFlow(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, http.MethodPost, "/api/v1/keys/request", gin.H{"user_id": memberID})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[workflow.Result](t, env.Data)
	assert.Equal(t, workflow.StatusLinkIssued, res.Status)
	assert.Contains(t, res.Link, "https://ads.example/go?")
	assert.Equal(t, int64(600), res.RemainingSeconds)

	_, env = s.do(t, http.MethodPost, "/api/v1/keys/request", gin.H{"user_id": memberID})
	assert.Equal(t, workflow.StatusAlreadyPending, decode[workflow.Result](t, env.Data).Status)

	w, env = s.do(t, http.MethodPost, "/api/v1/keys/verify", gin.H{"user_id": memberID})
	require.Equal(t, http.StatusOK, w.Code)
	verified := decode[workflow.Result](t, env.Data)
	require.Equal(t, workflow.StatusKeyIssued, verified.Status)
	require.NotNil(t, verified.Key)
	assert.False(t, verified.Key.Privileged)

	_, env = s.do(t, http.MethodGet, "/api/v1/keys/"+verified.Key.Key, nil)
	check := decode[keystore.ValidationResult](t, env.Data)
	assert.True(t, check.Valid)
	assert.Equal(t, memberID, check.OwnerID)
	assert.Equal(t, "24h 0m", check.Remaining)

	w, env = s.do(t, http.MethodGet, "/api/v1/users/2000/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, env.Count)

	_, env = s.do(t, http.MethodPost, "/api/v1/keys/"+verified.Key.Key+"/redeem", nil)
	assert.Equal(t, workflow.StatusRedeemed, decode[workflow.Result](t, env.Data).Status)
	_, env = s.do(t, http.MethodPost, "/api/v1/keys/"+verified.Key.Key+"/redeem", nil)
	assert.Equal(t, workflow.StatusAlreadyUsed, decode[workflow.Result](t, env.Data).Status)
}

func TestRouter_VerifyOutcomes(t *testing.T) {
	s := newTestServer(t, nil)

	_, env := s.do(t, http.MethodPost, "/api/v1/keys/verify", gin.H{"user_id": memberID})
	assert.Equal(t, workflow.StatusNotFound, decode[workflow.Result](t, env.Data).Status)

	_, _ = s.do(t, http.MethodPost, "/api/v1/keys/request", gin.H{"user_id": memberID})
	s.clock.Advance(linkissuer.PendingTTL + time.Second)
	_, env = s.do(t, http.MethodPost, "/api/v1/keys/verify", gin.H{"user_id": memberID})
	assert.Equal(t, workflow.StatusExpired, decode[workflow.Result](t, env.Data).Status)
}

func TestRouter_AdminEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w, env := s.do(t, http.MethodPost, "/api/v1/admin/keys/bulk", gin.H{"user_id": ownerID, "count": 25})
	require.Equal(t, http.StatusOK, w.Code)
	bulk := decode[workflow.Result](t, env.Data)
	assert.Len(t, bulk.Keys, 10)
	assert.Equal(t, 25, bulk.Requested)
	assert.Equal(t, 1, s.backend.Saves())

	w, env = s.do(t, http.MethodPost, "/api/v1/admin/keys/bulk", gin.H{"user_id": memberID, "count": 2})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.False(t, env.Success)

	w, env = s.do(t, http.MethodGet, "/api/v1/admin/stats?user_id=1000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[workflow.Result](t, env.Data)
	require.NotNil(t, stats.Stats)
	assert.Equal(t, 10, stats.Stats.TotalKeys)

	w, _ = s.do(t, http.MethodGet, "/api/v1/admin/stats?user_id=2000", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = s.do(t, http.MethodPost, "/api/v1/admin/admins", gin.H{"user_id": memberID, "target_id": 3000})
	assert.Equal(t, http.StatusForbidden, w.Code)

	_, env = s.do(t, http.MethodPost, "/api/v1/admin/admins", gin.H{"user_id": ownerID, "target_id": 3000})
	assert.Equal(t, workflow.StatusAdminAdded, decode[workflow.Result](t, env.Data).Status)

	_, env = s.do(t, http.MethodGet, "/api/v1/users/3000", nil)
	assert.Equal(t, workflow.Identity{UserID: 3000, Privileged: true}, decode[workflow.Identity](t, env.Data))
}

func TestRouter_Validation(t *testing.T) {
	s := newTestServer(t, nil)

	w, _ := s.do(t, http.MethodPost, "/api/v1/keys/request", gin.H{"user_id": -1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, env := s.do(t, http.MethodGet, "/api/v1/users/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Error, "user_id")

	w, _ = s.do(t, http.MethodGet, "/api/v1/keys/bad$key", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRouter_RequiresToken(t *testing.T) {
	s := newTestServer(t, nil)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/1", http.NoBody)
	s.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 健康檢查不需認證
	w = httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestRouter_StoreFailureMapsTo503(t *testing.T) {
	s := newTestServer(t, nil)
	s.backend.FailSaves(errors.New("github: 502 bad gateway"))

	w, env := s.do(t, http.MethodPost, "/api/v1/keys/request", gin.H{"user_id": ownerID})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, env.Error, "github")
	assert.NotZero(t, env.Code)
}

func TestRouter_Metrics(t *testing.T) {
	s := newTestServer(t, nil)
	_, _ = s.do(t, http.MethodPost, "/api/v1/keys/request", gin.H{"user_id": ownerID})

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `keybot_workflow_outcomes_total{operation="request_key",status="key_issued"} 1`)
	assert.Contains(t, w.Body.String(), `keybot_http_requests_total{code="200",method="POST",route="/api/v1/keys/request"} 1`)
}

func TestRouter_RateLimit(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) {
		cfg.Limits.RateLimiting = config.RateLimitingConfig{Enabled: true, RequestKeyPerMin: 1}
	})

	w, _ := s.do(t, http.MethodPost, "/api/v1/keys/request", gin.H{"user_id": memberID})
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = s.do(t, http.MethodPost, "/api/v1/keys/request", gin.H{"user_id": memberID})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
