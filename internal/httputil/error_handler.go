package httputil

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"keybot/internal/platform/logger"
	"keybot/internal/platform/middleware"
	"keybot/internal/storage/document"
	"keybot/internal/workflow"

	"github.com/gin-gonic/gin"
)

// SafeError 安全的錯誤響應（不洩露內部信息）
func SafeError(c *gin.Context, statusCode, code int, err error, userMessage string) {
	requestID := middleware.GetRequestID(c)

	// 真實錯誤只寫入日誌
	logger.Error(c.Request.Context(), fmt.Sprintf("API Error: %v", err),
		logger.WithDetails(map[string]interface{}{
			"request_id": requestID,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
			"status":     statusCode,
		}))

	message := userMessage
	if shouldShowError(err) {
		message = err.Error()
	}

	c.JSON(statusCode, gin.H{
		"success":    false,
		"error":      message,
		"code":       code,
		"request_id": requestID,
	})
}

// shouldShowError 判斷是否可以向用戶顯示錯誤詳情
func shouldShowError(err error) bool {
	if err == nil {
		return false
	}

	// 儲存層錯誤一律隱藏
	if errors.Is(err, document.ErrTransport) || errors.Is(err, document.ErrConflict) {
		return false
	}

	dangerousKeywords := []string{
		"mongo",
		"redis",
		"github",
		"database",
		"connection",
		"password",
		"token",
		"secret",
		"credential",
		"grpc",
		"internal",
		"stack",
		"panic",
	}

	lowerMsg := strings.ToLower(err.Error())
	for _, keyword := range dangerousKeywords {
		if strings.Contains(lowerMsg, keyword) {
			return false
		}
	}

	return true
}

// FromError 依錯誤類型決定回應狀態碼
func FromError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workflow.ErrPermissionDenied):
		Forbidden(c, "")
	case errors.Is(err, document.ErrConflict):
		SafeError(c, http.StatusServiceUnavailable, ErrorCodeStoreConflict, err, "資料正在更新，請稍後再試")
	case errors.Is(err, document.ErrTransport):
		SafeError(c, http.StatusServiceUnavailable, ErrorCodeStoreUnavailable, err, "儲存服務暫時無法使用，請稍後再試")
	default:
		InternalServerError(c, err)
	}
}

// InternalServerError 內部服務器錯誤
func InternalServerError(c *gin.Context, err error) {
	SafeError(c, http.StatusInternalServerError, ErrorCodeProcessingFailed, err, "服務器內部錯誤，請稍後再試")
}

func clientError(c *gin.Context, statusCode, code int, message string) {
	c.JSON(statusCode, gin.H{
		"success":    false,
		"error":      message,
		"code":       code,
		"request_id": middleware.GetRequestID(c),
	})
}

// BadRequest 錯誤的請求
func BadRequest(c *gin.Context, message string) {
	clientError(c, http.StatusBadRequest, ErrorCodeInvalidParameter, message)
}

// Forbidden 禁止訪問
func Forbidden(c *gin.Context, message string) {
	if message == "" {
		message = "權限不足"
	}
	clientError(c, http.StatusForbidden, ErrorCodePermissionDenied, message)
}

// NotFoundError 資源不存在
func NotFoundError(c *gin.Context, message string) {
	if message == "" {
		message = "資源不存在"
	}
	clientError(c, http.StatusNotFound, ErrorCodeRecordNotFound, message)
}

// ValidationError 驗證錯誤
func ValidationError(c *gin.Context, err error) {
	var verr *middleware.ValidationError
	if errors.As(err, &verr) {
		code := ErrorCodeInvalidParameter
		switch verr.Field {
		case "user_id", "target_id":
			code = ErrorCodeInvalidUserID
		case "key":
			code = ErrorCodeInvalidKey
		}
		clientError(c, http.StatusBadRequest, code, fmt.Sprintf("%s: %s", verr.Field, verr.Message))
		return
	}
	BadRequest(c, InvalidParameter)
}
