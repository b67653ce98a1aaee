// Package workflow 實作用戶取得金鑰的狀態機：NONE → PENDING → 發放金鑰.
// 預期中的用戶結果以 Status 回傳，儲存失敗等運作錯誤以 error 回傳.
package workflow

import (
	"context"
	"errors"
	"time"

	"keybot/internal/constants"
	"keybot/internal/keystore"
	"keybot/internal/linkissuer"
	"keybot/internal/metrics"
	"keybot/internal/platform/logger"
	"keybot/internal/security/audit"
	"keybot/internal/storage/document"
)

// ErrPermissionDenied 非特權用戶呼叫特權操作.
var ErrPermissionDenied = errors.New("permission denied")

// Status 操作結果.
type Status string

const (
	StatusKeyIssued        Status = "key_issued"
	StatusLinkIssued       Status = "link_issued"
	StatusAlreadyPending   Status = "already_pending"
	StatusNotFound         Status = "not_found"
	StatusExpired          Status = "expired"
	StatusNotCompleted     Status = "not_completed"
	StatusNotRequired      Status = "not_required"
	StatusPermissionDenied Status = "permission_denied"
	StatusAdminAdded       Status = "admin_added"
	StatusAlreadyAdmin     Status = "already_admin"
	StatusRedeemed         Status = "redeemed"
	StatusAlreadyUsed      Status = "already_used"
	StatusOK               Status = "ok"
)

// Result 流程結果.
type Result struct {
	Status           Status               `json:"status"`
	Key              *keystore.IssuedKey  `json:"key,omitempty"`
	Keys             []keystore.IssuedKey `json:"keys,omitempty"`
	Link             string               `json:"link,omitempty"`
	Token            string               `json:"token,omitempty"`
	ExpiresAt        *time.Time           `json:"expires_at,omitempty"`
	RemainingSeconds int64                `json:"remaining_seconds,omitempty"`
	Stats            *AdminStats          `json:"stats,omitempty"`
	Requested        int                  `json:"requested,omitempty"`
}

// Err 權限不足時回傳 ErrPermissionDenied.
func (r Result) Err() error {
	if r.Status == StatusPermissionDenied {
		return ErrPermissionDenied
	}
	return nil
}

// AdminStats 管理員統計.
type AdminStats struct {
	keystore.Stats
	LinkViews       int64   `json:"link_views"`
	LinkCompletions int64   `json:"link_completions"`
	Admins          []int64 `json:"admins,omitempty"`
}

// Identity 用戶身分.
type Identity struct {
	UserID     int64 `json:"user_id"`
	Privileged bool  `json:"privileged"`
	Owner      bool  `json:"owner"`
}

// LinkIssuer 產生驗證連結與統計.
type LinkIssuer interface {
	GenerateLink(userID int64) (linkissuer.Link, error)
	FetchStats(ctx context.Context) linkissuer.Stats
}

// Deps Service 依賴.
type Deps struct {
	Keys       *keystore.Store
	Links      LinkIssuer
	Checker    CompletionChecker
	Privileges *Privileges
	Audit      *audit.AuditService
	Metrics    *metrics.Recorder
}

// Service 驗證流程服務，所有入口共用同一個實例.
type Service struct {
	keys       *keystore.Store
	links      LinkIssuer
	checker    CompletionChecker
	privileges *Privileges
	audit      *audit.AuditService
	metrics    *metrics.Recorder
}

// New 建立 Service.
func New(deps Deps) *Service {
	if deps.Checker == nil {
		deps.Checker = StubChecker{}
	}
	if deps.Privileges == nil {
		deps.Privileges = NewPrivileges(nil)
	}
	return &Service{
		keys:       deps.Keys,
		links:      deps.Links,
		checker:    deps.Checker,
		privileges: deps.Privileges,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
	}
}

// KeyStore 底層金鑰儲存.
func (s *Service) KeyStore() *keystore.Store {
	return s.keys
}

// finish 記錄結果與錯誤
func (s *Service) finish(ctx context.Context, op string, userID int64, res Result, err error) (Result, error) {
	if err != nil {
		s.metrics.ObserveOutcome(op, "error")
		logger.Error(ctx, "操作失敗",
			logger.WithUserID(userID),
			logger.WithAction(op),
			logger.WithError(err))
		return Result{}, err
	}
	s.metrics.ObserveOutcome(op, string(res.Status))
	if res.Status == StatusPermissionDenied {
		s.audit.LogAccessDenied(ctx, userID, op)
	}
	return res, nil
}

// RequestKey 特權用戶直接取得金鑰；一般用戶取得驗證連結.
func (s *Service) RequestKey(ctx context.Context, userID int64) (Result, error) {
	const op = "request_key"

	if s.privileges.IsPrivileged(userID) {
		k, err := s.keys.Issue(ctx, userID, true)
		if err != nil {
			return s.finish(ctx, op, userID, Result{}, err)
		}
		s.audit.LogKeyIssued(ctx, userID, k.Key, true, op)
		logger.Info(ctx, "特權用戶取得金鑰", logger.WithUserID(userID), logger.WithKey(k.Key), logger.WithAction(op))
		return s.finish(ctx, op, userID, Result{Status: StatusKeyIssued, Key: &k}, nil)
	}

	now := s.keys.Now()
	if p, ok := s.keys.Pending(userID); ok && !p.ExpiredAt(now) {
		return s.finish(ctx, op, userID, pendingResult(p, now), nil)
	}

	link, err := s.links.GenerateLink(userID)
	if err != nil {
		return s.finish(ctx, op, userID, Result{}, err)
	}
	current, created, err := s.keys.CreatePending(ctx, userID, link.Record())
	if err != nil {
		return s.finish(ctx, op, userID, Result{}, err)
	}
	if !created {
		// 並行請求已先寫入連結
		return s.finish(ctx, op, userID, pendingResult(current, s.keys.Now()), nil)
	}

	s.audit.LogLinkIssued(ctx, userID)
	exp := link.ExpiresAt
	return s.finish(ctx, op, userID, Result{
		Status:           StatusLinkIssued,
		Link:             link.Link,
		Token:            link.Token,
		ExpiresAt:        &exp,
		RemainingSeconds: int64(linkissuer.PendingTTL / time.Second),
	}, nil)
}

func pendingResult(p document.PendingRecord, now time.Time) Result {
	exp := document.Time(p.ExpiresAt)
	return Result{
		Status:           StatusAlreadyPending,
		Link:             p.Link,
		ExpiresAt:        &exp,
		RemainingSeconds: int64(p.Remaining(now) / time.Second),
	}
}

// Verify 確認驗證完成後發放一般金鑰並移除待驗證紀錄.
func (s *Service) Verify(ctx context.Context, userID int64) (Result, error) {
	const op = "verify"

	res, err := s.verify(ctx, userID)
	if err == nil && res.Status != StatusNotRequired {
		s.audit.LogVerification(ctx, userID, string(res.Status))
	}
	return s.finish(ctx, op, userID, res, err)
}

func (s *Service) verify(ctx context.Context, userID int64) (Result, error) {
	if s.privileges.IsPrivileged(userID) {
		return Result{Status: StatusNotRequired}, nil
	}

	p, ok := s.keys.Pending(userID)
	if !ok {
		return Result{Status: StatusNotFound}, nil
	}
	if p.ExpiredAt(s.keys.Now()) {
		if _, err := s.keys.RemoveExpiredPending(ctx, userID); err != nil {
			return Result{}, err
		}
		return Result{Status: StatusExpired}, nil
	}

	if !s.checker.CheckCompletion(ctx, userID, p.Token) {
		now := s.keys.Now()
		return Result{Status: StatusNotCompleted, RemainingSeconds: int64(p.Remaining(now) / time.Second)}, nil
	}

	// 檢查期間紀錄可能已被其他請求完成或取代，由寫入時再確認一次
	k, err := s.keys.CompleteVerification(ctx, userID, p.Token)
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		return Result{Status: StatusNotFound}, nil
	case errors.Is(err, keystore.ErrExpired):
		return Result{Status: StatusExpired}, nil
	case errors.Is(err, keystore.ErrPendingChanged):
		res := Result{Status: StatusNotCompleted}
		if cur, ok := s.keys.Pending(userID); ok {
			res.RemainingSeconds = int64(cur.Remaining(s.keys.Now()) / time.Second)
		}
		return res, nil
	case err != nil:
		return Result{}, err
	}
	s.audit.LogKeyIssued(ctx, userID, k.Key, false, "verify")
	logger.Info(ctx, "驗證完成並發放金鑰", logger.WithUserID(userID), logger.WithKey(k.Key), logger.WithAction("verify"))
	return Result{Status: StatusKeyIssued, Key: &k}, nil
}

// CheckKey 查詢金鑰有效性.
func (s *Service) CheckKey(key string) keystore.ValidationResult {
	if !keystore.WellFormed(s.keys.Prefix(), key) {
		s.metrics.ObserveOutcome("check_key", "malformed")
		return keystore.ValidationResult{Reason: keystore.ReasonNotFound}
	}
	res := s.keys.Validate(key)
	s.metrics.ObserveOutcome("check_key", checkStatus(res))
	return res
}

func checkStatus(res keystore.ValidationResult) string {
	if res.Valid {
		return "valid"
	}
	return string(res.Reason)
}

// ListAdminStats 金鑰統計與廣告連結統計（特權限定）.
func (s *Service) ListAdminStats(ctx context.Context, userID int64) (Result, error) {
	const op = "admin_stats"
	if !s.privileges.IsPrivileged(userID) {
		return s.finish(ctx, op, userID, Result{Status: StatusPermissionDenied}, nil)
	}

	ls := s.links.FetchStats(ctx)
	st := &AdminStats{
		Stats:           s.keys.Stats(),
		LinkViews:       ls.Views,
		LinkCompletions: ls.Completions,
		Admins:          s.privileges.List(),
	}
	return s.finish(ctx, op, userID, Result{Status: StatusOK, Stats: st}, nil)
}

// ClampBulkCount 將數量限制在 [1, MaxBulkIssue].
func ClampBulkCount(n int) int {
	switch {
	case n < 1:
		return 1
	case n > constants.MaxBulkIssue:
		return constants.MaxBulkIssue
	default:
		return n
	}
}

// BulkIssue 一次發放多把特權金鑰（特權限定）.
func (s *Service) BulkIssue(ctx context.Context, userID int64, count int) (Result, error) {
	const op = "bulk_issue"
	if !s.privileges.IsPrivileged(userID) {
		return s.finish(ctx, op, userID, Result{Status: StatusPermissionDenied}, nil)
	}

	n := ClampBulkCount(count)
	keys, err := s.keys.IssueBatch(ctx, userID, true, n)
	if err != nil {
		return s.finish(ctx, op, userID, Result{}, err)
	}
	for _, k := range keys {
		s.audit.LogKeyIssued(ctx, userID, k.Key, true, op)
	}
	return s.finish(ctx, op, userID, Result{Status: StatusKeyIssued, Keys: keys, Requested: count}, nil)
}

// WhoAmI 用戶身分.
func (s *Service) WhoAmI(userID int64) Identity {
	return Identity{
		UserID:     userID,
		Privileged: s.privileges.IsPrivileged(userID),
		Owner:      s.privileges.IsOwner(userID),
	}
}

// ListKeys 用戶自己的金鑰.
func (s *Service) ListKeys(userID int64) []keystore.IssuedKey {
	return s.keys.ListByOwner(userID)
}

// AddAdmin 只有 owner 可新增管理員，僅存在於本次執行.
func (s *Service) AddAdmin(ctx context.Context, callerID, targetID int64) (Result, error) {
	const op = "add_admin"
	if !s.privileges.IsOwner(callerID) {
		return s.finish(ctx, op, callerID, Result{Status: StatusPermissionDenied}, nil)
	}
	if !s.privileges.Add(targetID) {
		return s.finish(ctx, op, callerID, Result{Status: StatusAlreadyAdmin}, nil)
	}
	s.audit.LogAdminAdded(ctx, callerID, targetID)
	return s.finish(ctx, op, callerID, Result{Status: StatusAdminAdded}, nil)
}

// Redeem 兌換金鑰.
func (s *Service) Redeem(ctx context.Context, key string) (Result, error) {
	const op = "redeem"
	if !keystore.WellFormed(s.keys.Prefix(), key) {
		return s.finish(ctx, op, 0, Result{Status: StatusNotFound}, nil)
	}
	k, err := s.keys.Redeem(ctx, key)
	switch {
	case errors.Is(err, keystore.ErrNotFound):
		return s.finish(ctx, op, 0, Result{Status: StatusNotFound}, nil)
	case errors.Is(err, keystore.ErrExpired):
		return s.finish(ctx, op, 0, Result{Status: StatusExpired}, nil)
	case errors.Is(err, keystore.ErrAlreadyUsed):
		return s.finish(ctx, op, 0, Result{Status: StatusAlreadyUsed}, nil)
	case err != nil:
		return s.finish(ctx, op, 0, Result{}, err)
	}
	s.audit.LogKeyRedeemed(ctx, k.Key, k.OwnerID)
	return s.finish(ctx, op, k.OwnerID, Result{Status: StatusRedeemed, Key: &k}, nil)
}
