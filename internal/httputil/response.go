package httputil

import (
	"net/http"

	"keybot/internal/platform/middleware"

	"github.com/gin-gonic/gin"
)

// 錯誤訊息常數.
const (
	InvalidParameter = "Invalid parameter"
	InvalidBody      = "Invalid request body"
)

// SuccessResponse 成功回應結構.
type SuccessResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Count     int         `json:"count,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// OK 回傳 200 與資料.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, &SuccessResponse{
		Success:   true,
		Data:      data,
		RequestID: middleware.GetRequestID(c),
	})
}

// OKWithCount 回傳帶計數的 200 回應.
func OKWithCount(c *gin.Context, data interface{}, count int) {
	c.JSON(http.StatusOK, &SuccessResponse{
		Success:   true,
		Data:      data,
		Count:     count,
		RequestID: middleware.GetRequestID(c),
	})
}
