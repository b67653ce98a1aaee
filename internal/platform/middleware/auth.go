package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// AuthFailureFunc 認證失敗時的回呼（審計用）
type AuthFailureFunc func(ctx context.Context, reason string)

// TokenAuth 以固定 Bearer token 保護 HTTP 與 gRPC 入口
// token 為空時不啟用
type TokenAuth struct {
	token     []byte
	onFailure AuthFailureFunc
}

// NewTokenAuth 創建 token 認證中間件
func NewTokenAuth(token string, onFailure AuthFailureFunc) *TokenAuth {
	return &TokenAuth{
		token:     []byte(token),
		onFailure: onFailure,
	}
}

// Enabled 是否啟用認證
func (m *TokenAuth) Enabled() bool {
	return m != nil && len(m.token) > 0
}

// check 驗證 Authorization 標頭，回傳失敗原因
func (m *TokenAuth) check(header string) string {
	if header == "" {
		return "missing_token"
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "invalid_format"
	}

	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(parts[1])), m.token) != 1 {
		return "invalid_token"
	}
	return ""
}

func (m *TokenAuth) fail(ctx context.Context, reason string) {
	if m.onFailure != nil {
		m.onFailure(ctx, reason)
	}
}

// GinMiddleware Gin HTTP 中間件
// 使用方式：router.Use(auth.GinMiddleware())
func (m *TokenAuth) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.Enabled() {
			c.Next()
			return
		}

		if reason := m.check(c.GetHeader("Authorization")); reason != "" {
			m.fail(c.Request.Context(), reason)
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "認證失敗",
				"code":    "UNAUTHORIZED",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// GRPCUnaryInterceptor gRPC 一元 RPC 攔截器
// 使用方式：grpc.NewServer(grpc.UnaryInterceptor(auth.GRPCUnaryInterceptor()))
func (m *TokenAuth) GRPCUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if !m.Enabled() {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			m.fail(ctx, "missing_metadata")
			return nil, status.Errorf(codes.Unauthenticated, "未提供認證信息")
		}

		var header string
		if values := md.Get("authorization"); len(values) > 0 {
			header = values[0]
		}
		if reason := m.check(header); reason != "" {
			m.fail(ctx, reason)
			return nil, status.Errorf(codes.Unauthenticated, "認證失敗")
		}

		return handler(ctx, req)
	}
}
