package workflow

import (
	"context"
	"fmt"
)

// 驗證模式
const (
	ModeStub   = "stub"
	ModeRemote = "remote"
)

// CompletionChecker 判斷用戶是否完成外部驗證.
type CompletionChecker interface {
	CheckCompletion(ctx context.Context, userID int64, token string) bool
}

// StubChecker 一律視為已完成.
type StubChecker struct{}

// CheckCompletion 永遠回傳 true.
func (StubChecker) CheckCompletion(context.Context, int64, string) bool {
	return true
}

// NewCompletionChecker 依模式選擇策略；remote 使用傳入的查詢實作.
func NewCompletionChecker(mode string, remote CompletionChecker) (CompletionChecker, error) {
	switch mode {
	case "", ModeStub:
		return StubChecker{}, nil
	case ModeRemote:
		if remote == nil {
			return nil, fmt.Errorf("remote 驗證模式需要 completion checker")
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("不支援的驗證模式: %q", mode)
	}
}
