package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

// RequestMetadata 請求元數據
type RequestMetadata struct {
	IPAddress string
	UserAgent string
	RequestID string
}

type contextKey string

const (
	requestMetadataKey contextKey = "request_metadata"
)

// RequestMetadataMiddleware 提取請求元數據並存儲到 context
// 需放在 RequestIDMiddleware 之後
func RequestMetadataMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		metadata := &RequestMetadata{
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
			RequestID: GetRequestID(c),
		}

		c.Set(string(requestMetadataKey), metadata)
		c.Request = c.Request.WithContext(WithRequestMetadata(c.Request.Context(), metadata))

		c.Next()
	}
}

// WithRequestMetadata 將元數據放入 context（bot 等非 HTTP 入口使用）
func WithRequestMetadata(ctx context.Context, metadata *RequestMetadata) context.Context {
	return context.WithValue(ctx, requestMetadataKey, metadata)
}

// GetRequestMetadata 從 context 獲取請求元數據
func GetRequestMetadata(ctx context.Context) *RequestMetadata {
	if ctx != nil {
		if metadata, ok := ctx.Value(requestMetadataKey).(*RequestMetadata); ok {
			return metadata
		}
	}
	return &RequestMetadata{
		IPAddress: "unknown",
		UserAgent: "unknown",
	}
}
