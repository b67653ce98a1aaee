package server

import (
	"net/http"
	"strconv"
	"time"

	"keybot/internal/constants"
	"keybot/internal/metrics"
	"keybot/internal/platform/config"
	"keybot/internal/platform/health"
	"keybot/internal/platform/logger"
	"keybot/internal/platform/middleware"
	"keybot/internal/security/audit"
	"keybot/internal/workflow"

	"github.com/gin-gonic/gin"
)

// RouterDeps 路由依賴
type RouterDeps struct {
	Config   *config.Config
	Workflow *workflow.Service
	Health   *health.Handler
	Audit    *audit.AuditService
	Metrics  *metrics.Recorder
}

// securityHeadersMiddleware 添加安全標頭
func securityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 防止點擊劫持
		c.Header("X-Frame-Options", "DENY")

		// 防止 MIME 類型嗅探
		c.Header("X-Content-Type-Options", "nosniff")

		// 純 JSON API
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")

		c.Header("Referrer-Policy", "no-referrer")
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}

// corsMiddleware 只允許設定中的來源
func corsMiddleware(allowed []string) gin.HandlerFunc {
	allowedOrigins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		allowedOrigins[o] = true
	}

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins[origin] {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// accessLogMiddleware 以 GCP httpRequest 格式記錄請求
func accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		// 金鑰出現在路徑中，記錄路由模板
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		logger.Info(c.Request.Context(), "HTTP 請求",
			logger.WithHTTPRequest(&logger.HTTPRequest{
				RequestMethod: c.Request.Method,
				RequestURL:    route,
				Status:        c.Writer.Status(),
				UserAgent:     c.Request.UserAgent(),
				RemoteIP:      c.ClientIP(),
				Latency:       strconv.FormatFloat(time.Since(start).Seconds(), 'f', 3, 64) + "s",
			}),
			logger.WithDetails(map[string]interface{}{
				"request_id": middleware.GetRequestID(c),
			}))
	}
}

// Router 設定路由，回傳的 stop 用於釋放限流器
func Router(d RouterDeps) (*gin.Engine, func()) {
	cfg := d.Config
	if !cfg.IsDebug() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	// 請求 ID 最優先
	r.Use(middleware.RequestIDMiddleware())
	r.Use(securityHeadersMiddleware())
	r.Use(middleware.RequestMetadataMiddleware())
	r.Use(accessLogMiddleware())
	r.Use(d.Metrics.GinMiddleware())

	maxBody := cfg.Limits.Request.MaxBodySize
	if maxBody <= 0 {
		maxBody = constants.DefaultMaxRequestBodySize
	}
	r.Use(middleware.RequestSizeLimiter(maxBody))

	stop := func() {}
	rl := cfg.Limits.RateLimiting
	if rl.Enabled {
		rateLimiter := middleware.NewPerEndpointRateLimiter(rl.DefaultPerMinute, time.Minute, d.Audit.LogRateLimitExceeded)
		if rl.RequestKeyPerMin > 0 {
			rateLimiter.SetLimit("/api/v1/keys/request", rl.RequestKeyPerMin, time.Minute)
		}
		if rl.VerifyPerMin > 0 {
			rateLimiter.SetLimit("/api/v1/keys/verify", rl.VerifyPerMin, time.Minute)
		}
		r.Use(rateLimiter.Middleware())
		stop = rateLimiter.Stop
	}

	r.GET("/health", d.Health.HealthCheck)
	if cfg.Metrics.Enabled {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	auth := middleware.NewTokenAuth(cfg.Security.APIToken, d.Audit.LogAuthenticationFailure)
	h := &handlers{svc: d.Workflow}

	api := r.Group("/api/v1", auth.GinMiddleware())
	{
		api.POST("/keys/request", h.requestKey)
		api.POST("/keys/verify", h.verify)
		api.GET("/keys/:key", h.checkKey)
		api.POST("/keys/:key/redeem", h.redeem)

		api.GET("/users/:user_id", h.whoAmI)
		api.GET("/users/:user_id/keys", h.listKeys)

		admin := api.Group("/admin")
		admin.GET("/stats", h.adminStats)
		admin.POST("/keys/bulk", h.bulkIssue)
		admin.POST("/admins", h.addAdmin)
	}

	return r, stop
}
