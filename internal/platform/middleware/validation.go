package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"keybot/internal/constants"

	"github.com/gin-gonic/gin"
)

// ValidationError 驗證錯誤
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// ValidateUserID 驗證並解析用戶 ID（Telegram 數字 ID）
func ValidateUserID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &ValidationError{Field: "user_id", Message: "用戶 ID 不能為空"}
	}

	if len(raw) > constants.MaxUserIDLength {
		return 0, &ValidationError{Field: "user_id", Message: "用戶 ID 格式錯誤"}
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, &ValidationError{Field: "user_id", Message: "用戶 ID 格式錯誤"}
	}
	return id, nil
}

// ValidateKey 驗證金鑰字串基本格式
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{Field: "key", Message: "金鑰不能為空"}
	}

	if len(key) > constants.MaxKeyLength {
		return &ValidationError{Field: "key", Message: "金鑰超過最大長度限制"}
	}

	// 只允許英數與連字號
	for _, r := range key {
		if !((r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_') {
			return &ValidationError{Field: "key", Message: "金鑰包含非法字符"}
		}
	}

	return nil
}

// SanitizeInput 消毒輸入（移除危險字符）
func SanitizeInput(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")

	// 移除控制字符（除了換行和 Tab）
	var result strings.Builder
	for _, r := range input {
		if r >= 32 || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}

	return result.String()
}

// RequestSizeLimiter 限制請求體大小的中間件
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{
				"success": false,
				"error":   fmt.Sprintf("請求體過大，最大允許 %d 字節", maxSize),
				"code":    "PAYLOAD_TOO_LARGE",
			})
			c.Abort()
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}
