package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"keybot/internal/platform/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthCheck(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app := config.AppConfig{Name: "keybot", Version: "test"}

	tests := []struct {
		name       string
		ping       error
		wantStatus string
		wantStore  string
	}{
		{name: "Should report healthy store", wantStatus: "healthy", wantStore: "healthy"},
		{name: "Should degrade when store is down", ping: errors.New("dial tcp: refused"), wantStatus: "degraded", wantStore: "unhealthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler(app, "memory", pingFunc(func(context.Context) error { return tt.ping }))
			r := gin.New()
			r.GET("/health", h.HealthCheck)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))
			require.Equal(t, http.StatusOK, w.Code)

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, body["status"])
			store := body["store"].(map[string]interface{})
			assert.Equal(t, tt.wantStore, store["status"])
			assert.Equal(t, "memory", store["backend"])
			assert.NotContains(t, w.Body.String(), "refused")
		})
	}
}

func TestCheck_NoStore(t *testing.T) {
	h := NewHealthHandler(config.AppConfig{}, "", nil)
	assert.Error(t, h.Check(context.Background()))
}
