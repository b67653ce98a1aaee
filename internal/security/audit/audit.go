package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"keybot/internal/platform/logger"
	"keybot/internal/platform/middleware"
)

// AuditService 審計服務
type AuditService struct {
	enabled bool
	now     func() time.Time
}

// NewAuditService 創建審計服務
func NewAuditService(enabled bool) *AuditService {
	return &AuditService{
		enabled: enabled,
		now:     time.Now,
	}
}

// AuditEvent 審計事件
type AuditEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	UserID    string                 `json:"user_id,omitempty"`
	Key       string                 `json:"key,omitempty"` // 遮罩後
	Action    string                 `json:"action"`
	Result    string                 `json:"result"` // success, failure, denied, blocked
	Details   map[string]interface{} `json:"details,omitempty"`
	IPAddress string                 `json:"ip_address,omitempty"`
	UserAgent string                 `json:"user_agent,omitempty"`
}

// LogKeyIssued 記錄金鑰發放
func (a *AuditService) LogKeyIssued(ctx context.Context, userID int64, key string, privileged bool, via string) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "key_issued",
		UserID:    fmt.Sprint(userID),
		Key:       logger.MaskKey(key),
		Action:    via,
		Result:    "success",
		Details: map[string]interface{}{
			"privileged": privileged,
		},
	})
}

// LogLinkIssued 記錄驗證連結發放
func (a *AuditService) LogLinkIssued(ctx context.Context, userID int64) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "link_issued",
		UserID:    fmt.Sprint(userID),
		Action:    "request_key",
		Result:    "success",
	})
}

// LogVerification 記錄驗證結果（success 以外皆為 failure）
func (a *AuditService) LogVerification(ctx context.Context, userID int64, outcome string) {
	if !a.IsEnabled() {
		return
	}

	result := "failure"
	if outcome == "key_issued" {
		result = "success"
	}
	a.log(ctx, AuditEvent{
		EventType: "verification",
		UserID:    fmt.Sprint(userID),
		Action:    "verify",
		Result:    result,
		Details: map[string]interface{}{
			"outcome": outcome,
		},
	})
}

// LogKeyRedeemed 記錄金鑰兌換
func (a *AuditService) LogKeyRedeemed(ctx context.Context, key string, ownerID int64) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "key_redeemed",
		UserID:    fmt.Sprint(ownerID),
		Key:       logger.MaskKey(key),
		Action:    "redeem",
		Result:    "success",
	})
}

// LogAdminAdded 記錄新增管理員
func (a *AuditService) LogAdminAdded(ctx context.Context, operatorID, targetID int64) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "admin_added",
		UserID:    fmt.Sprint(operatorID),
		Action:    "add_admin",
		Result:    "success",
		Details: map[string]interface{}{
			"target_id": targetID,
		},
	})
}

// LogAccessDenied 記錄非特權用戶呼叫特權操作
func (a *AuditService) LogAccessDenied(ctx context.Context, userID int64, action string) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "access_denied",
		UserID:    fmt.Sprint(userID),
		Action:    action,
		Result:    "denied",
	})
}

// LogAuthenticationFailure 記錄 API token 認證失敗
func (a *AuditService) LogAuthenticationFailure(ctx context.Context, reason string) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "authentication",
		Action:    "authenticate",
		Result:    "failure",
		Details: map[string]interface{}{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded 記錄速率限制超過
func (a *AuditService) LogRateLimitExceeded(ctx context.Context, ipAddress, endpoint string) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "rate_limit",
		Action:    "api_request",
		Result:    "blocked",
		IPAddress: ipAddress,
		Details: map[string]interface{}{
			"endpoint": endpoint,
			"reason":   "rate_limit_exceeded",
		},
	})
}

// LogPrune 記錄清理過期資料
func (a *AuditService) LogPrune(ctx context.Context, keys, pending int) {
	if !a.IsEnabled() {
		return
	}

	a.log(ctx, AuditEvent{
		EventType: "data_modification",
		Action:    "prune",
		Result:    "success",
		Details: map[string]interface{}{
			"keys":    keys,
			"pending": pending,
		},
	})
}

// log 記錄審計事件
func (a *AuditService) log(ctx context.Context, event AuditEvent) {
	event.Timestamp = a.now().UTC()
	a.enrichWithMetadata(ctx, &event)

	jsonData, err := json.Marshal(event)
	if err != nil {
		logger.Error(ctx, "[AUDIT-ERROR] Failed to marshal event", logger.WithError(err))
		return
	}

	var details map[string]interface{}
	_ = json.Unmarshal(jsonData, &details)
	logger.Notice(ctx, "[AUDIT] "+event.EventType,
		logger.WithAction(event.Action),
		logger.WithLabels(map[string]string{"log_type": "audit"}),
		logger.WithDetails(details))
}

// IsEnabled 檢查審計是否啟用
func (a *AuditService) IsEnabled() bool {
	return a != nil && a.enabled
}

// enrichWithMetadata 從 context 提取請求元數據
func (a *AuditService) enrichWithMetadata(ctx context.Context, event *AuditEvent) {
	meta := middleware.GetRequestMetadata(ctx)
	if event.IPAddress == "" && meta.IPAddress != "unknown" {
		event.IPAddress = meta.IPAddress
	}
	if meta.UserAgent != "unknown" {
		event.UserAgent = meta.UserAgent
	}
}
