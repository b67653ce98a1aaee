// Package maintenance 排程清理過期金鑰與待驗證紀錄.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"keybot/internal/keystore"
	"keybot/internal/platform/logger"
	"keybot/internal/security/audit"

	"github.com/robfig/cron/v3"
)

// Pruner 可清理的金鑰儲存
type Pruner interface {
	Prune(ctx context.Context, retention time.Duration) (keystore.PruneResult, error)
}

// Job 清理任務
type Job struct {
	store     Pruner
	retention time.Duration
	audit     *audit.AuditService
	timeout   time.Duration
}

// NewJob 建立清理任務，retention 為金鑰過期後保留的時間
func NewJob(store Pruner, retention time.Duration, auditService *audit.AuditService) *Job {
	return &Job{
		store:     store,
		retention: retention,
		audit:     auditService,
		timeout:   time.Minute,
	}
}

// RunOnce 執行一次清理
func (j *Job) RunOnce(ctx context.Context) (keystore.PruneResult, error) {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	res, err := j.store.Prune(ctx, j.retention)
	if err != nil {
		logger.Error(ctx, "清理過期資料失敗", logger.WithAction("prune"), logger.WithError(err))
		return res, err
	}

	if res.Keys+res.Pending > 0 {
		j.audit.LogPrune(ctx, res.Keys, res.Pending)
	}
	logger.Info(ctx, "清理過期資料完成", logger.WithAction("prune"), logger.WithDetails(map[string]interface{}{
		"keys":      res.Keys,
		"pending":   res.Pending,
		"retention": j.retention.String(),
	}))
	return res, nil
}

// cronLogger 將 cron 內部日誌導向 logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug(context.Background(), "[cron] "+msg, logger.WithDetails(kv(keysAndValues)))
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error(context.Background(), "[cron] "+msg, logger.WithError(err), logger.WithDetails(kv(keysAndValues)))
}

func kv(keysAndValues []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}

// Scheduler 依 cron 表達式定期執行清理
type Scheduler struct {
	cron *cron.Cron
	job  *Job
}

// ValidateSchedule 檢查 cron 表達式（標準五欄位或 @daily 等描述）
func ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	return nil
}

// NewScheduler 建立排程器
func NewScheduler(spec string, job *Job) (*Scheduler, error) {
	c := cron.New(
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	if _, err := c.AddFunc(spec, func() {
		_, _ = job.RunOnce(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, job: job}, nil
}

// Start 啟動排程
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info(context.Background(), "清理排程已啟動", logger.WithDetails(map[string]interface{}{
		"entries": len(s.cron.Entries()),
	}))
}

// Stop 停止排程並等待執行中的任務
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logger.Warning(ctx, "等待清理任務結束逾時")
	}
}
