package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

func TestTokenAuth_Gin(t *testing.T) {
	gin.SetMode(gin.TestMode)

	run := func(auth *TokenAuth, header string) *httptest.ResponseRecorder {
		r := gin.New()
		r.Use(auth.GinMiddleware())
		r.GET("/x", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		r.ServeHTTP(w, req)
		return w
	}

	t.Run("Should pass through when token is not configured", func(t *testing.T) {
		w := run(NewTokenAuth("", nil), "")
		assert.Equal(t, http.StatusOK, w.Code)
	})
	t.Run("Should accept matching bearer token", func(t *testing.T) {
		w := run(NewTokenAuth("s3cret", nil), "Bearer s3cret")
		assert.Equal(t, http.StatusOK, w.Code)
	})
	t.Run("Should reject and report failures", func(t *testing.T) {
		var reasons []string
		auth := NewTokenAuth("s3cret", func(_ context.Context, reason string) {
			reasons = append(reasons, reason)
		})
		for _, h := range []string{"", "Basic s3cret", "Bearer nope"} {
			w := run(auth, h)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
		}
		assert.Equal(t, []string{"missing_token", "invalid_format", "invalid_token"}, reasons)
	})
}

func TestTokenAuth_GRPCUnaryInterceptor(t *testing.T) {
	auth := NewTokenAuth("s3cret", nil)
	interceptor := auth.GRPCUnaryInterceptor()
	handler := func(ctx context.Context, req interface{}) (interface{}, error) { return "ok", nil }
	info := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}

	_, err := interceptor(context.Background(), nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	bad := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer nope"))
	_, err = interceptor(bad, nil, info, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	good := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer s3cret"))
	resp, err := interceptor(good, nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestRateLimiter_Window(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rl := newRateLimiter(2, time.Minute, clock)
	t.Cleanup(rl.Stop)

	assert.True(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("1.1.1.1"))
	assert.False(t, rl.Allow("1.1.1.1"))
	assert.True(t, rl.Allow("2.2.2.2"))

	clock.Advance(time.Minute + time.Second)
	assert.True(t, rl.Allow("1.1.1.1"))
}

func TestPerEndpointRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var limited []string
	p := NewPerEndpointRateLimiter(100, time.Minute, func(_ context.Context, _ string, endpoint string) {
		limited = append(limited, endpoint)
	})
	p.SetLimit("/api/v1/keys/:key/redeem", 1, time.Minute)
	t.Cleanup(p.Stop)

	r := gin.New()
	r.Use(p.Middleware())
	r.POST("/api/v1/keys/:key/redeem", func(c *gin.Context) { c.Status(http.StatusCreated) })
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func(method, path string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, http.NoBody))
		return w.Code
	}

	assert.Equal(t, http.StatusCreated, do(http.MethodPost, "/api/v1/keys/KEY-A/redeem"))
	// 同一路由模板共用限制
	assert.Equal(t, http.StatusTooManyRequests, do(http.MethodPost, "/api/v1/keys/KEY-B/redeem"))
	assert.Equal(t, http.StatusOK, do(http.MethodGet, "/healthz"))
	assert.Equal(t, []string{"/api/v1/keys/:key/redeem"}, limited)
}

func TestValidateUserID(t *testing.T) {
	id, err := ValidateUserID(" 123456789 ")
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), id)

	for _, raw := range []string{"", "abc", "-5", "0", "1.5", strings.Repeat("9", 25)} {
		_, err := ValidateUserID(raw)
		var verr *ValidationError
		assert.ErrorAs(t, err, &verr, raw)
		assert.Equal(t, "user_id", verr.Field)
	}
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("KEY-AB12-CD34-EF56-GH78"))
	assert.Error(t, ValidateKey(""))
	assert.Error(t, ValidateKey("KEY-AB12-CD34-EF56-GH78$"))
	assert.Error(t, ValidateKey(strings.Repeat("A", 64)))
}

func TestSanitizeInput(t *testing.T) {
	assert.Equal(t, "ab\ncd", SanitizeInput("a\x00b\n\x07cd"))
}

func TestRequestSizeLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeLimiter(8))
	r.POST("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("0123")))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestMetadata(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware(), RequestMetadataMiddleware())

	var got *RequestMetadata
	r.GET("/x", func(c *gin.Context) {
		got = GetRequestMetadata(c.Request.Context())
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", http.NoBody)
	req.Header.Set("User-Agent", "probe/1.0")
	req.Header.Set(RequestIDHeader, "abc-123")
	r.ServeHTTP(w, req)

	require.NotNil(t, got)
	assert.Equal(t, "probe/1.0", got.UserAgent)
	assert.Equal(t, "abc-123", got.RequestID)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))

	fallback := GetRequestMetadata(context.Background())
	assert.Equal(t, "unknown", fallback.IPAddress)
}
