package health

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"keybot/internal/platform/config"
	"keybot/internal/platform/logger"

	"github.com/gin-gonic/gin"
)

const (
	// 健康狀態常數.
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusWarning   = "warning"
	statusDegraded  = "degraded"

	// 記憶體相關常數.
	memoryMB        = 1024 * 1024
	memoryThreshold = 1024 // 1GB

	// 超時常數.
	storeTimeout = 5 * time.Second
)

// Pinger 儲存後端連線檢查.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler 健康檢查處理器.
type Handler struct {
	app       config.AppConfig
	backend   string
	store     Pinger
	startTime time.Time
}

// NewHealthHandler 創建新的健康檢查處理器.
func NewHealthHandler(app config.AppConfig, backend string, store Pinger) *Handler {
	return &Handler{
		app:       app,
		backend:   backend,
		store:     store,
		startTime: time.Now(),
	}
}

// Check 檢查儲存後端，供 gRPC 健康服務共用.
func (h *Handler) Check(ctx context.Context) error {
	if h.store == nil {
		return fmt.Errorf("store not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return h.store.Ping(ctx)
}

// HealthCheck 健康檢查端點.
func (h *Handler) HealthCheck(c *gin.Context) {
	storeStatus := statusHealthy
	storeError := ""
	if err := h.Check(c.Request.Context()); err != nil {
		storeStatus = statusUnhealthy
		// 錯誤細節只寫入日誌
		storeError = "store unreachable"
		logger.Error(c.Request.Context(), "健康檢查 - 儲存後端連線失敗", logger.WithError(err))
	}

	systemStatus := h.checkSystemResources()

	// 從環境變數讀取版本，沒有則用設定值
	appVersion := os.Getenv("APP_VERSION")
	if appVersion == "" {
		appVersion = h.app.Version
	}

	response := gin.H{
		"status":    statusHealthy,
		"timestamp": time.Now().Unix(),
		"app": gin.H{
			"name":    h.app.Name,
			"version": appVersion,
			"debug":   h.app.Debug,
		},
		"store": gin.H{
			"backend": h.backend,
			"status":  storeStatus,
			"error":   storeError,
		},
		"system": gin.H{
			"status":  systemStatus.Status,
			"details": systemStatus.Details,
			"uptime":  time.Since(h.startTime).String(),
		},
	}

	// 儲存後端不健康時整體為 degraded，仍回 200 讓監控區分服務本身與後端
	if storeStatus == statusUnhealthy {
		response["status"] = statusDegraded
	}

	c.JSON(http.StatusOK, response)
}

// SystemStatus 系統狀態.
type SystemStatus struct {
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details"`
}

// checkSystemResources 檢查系統資源.
func (h *Handler) checkSystemResources() SystemStatus {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	details := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"memory": gin.H{
			"alloc":       fmt.Sprintf("%.2f MB", float64(m.Alloc)/memoryMB),
			"total_alloc": fmt.Sprintf("%.2f MB", float64(m.TotalAlloc)/memoryMB),
			"sys":         fmt.Sprintf("%.2f MB", float64(m.Sys)/memoryMB),
			"num_gc":      m.NumGC,
		},
		"cpu": gin.H{
			"num_cpu": runtime.NumCPU(),
		},
	}

	// 超過 1GB 視為警告
	memoryUsage := m.Sys / memoryMB
	status := statusHealthy
	if memoryUsage > memoryThreshold {
		status = statusWarning
		details["memory_warning"] = "Memory usage is high"
	}

	return SystemStatus{
		Status:  status,
		Details: details,
	}
}
