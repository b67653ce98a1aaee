package main

import (
	"context"
	"fmt"

	"keybot/internal/keystore"
	"keybot/internal/linkissuer"
	"keybot/internal/metrics"
	"keybot/internal/platform/config"
	"keybot/internal/platform/logger"
	"keybot/internal/security/audit"
	"keybot/internal/storage/database"
	"keybot/internal/workflow"
)

// app 各子命令共用的元件
type app struct {
	cfg     *config.Config
	backend *database.Backend
	keys    *keystore.Store
	links   *linkissuer.Issuer
	svc     *workflow.Service
	audit   *audit.AuditService
	metrics *metrics.Recorder
}

// newApp 載入配置、初始化日誌並開啟儲存後端
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.InitLogger(cfg.Log); err != nil {
		return nil, err
	}

	backend, err := database.Open(ctx, cfg)
	if err != nil {
		logger.CloseLogger()
		return nil, err
	}

	rec := metrics.New()
	keys, err := keystore.Open(ctx, backend.Store, keystore.Options{
		Prefix:          cfg.Keys.Prefix,
		TTL:             cfg.KeyTTL(),
		ConflictRetries: cfg.Storage.ConflictRetries,
		Observer:        rec,
	})
	if err != nil {
		_ = backend.Close()
		logger.CloseLogger()
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	rec.RegisterStats(keys.Stats)

	links := linkissuer.New(cfg.LinkIssuer, linkissuer.WithStrict(cfg.Verification.Strict))
	checker, err := workflow.NewCompletionChecker(cfg.Verification.Mode, links)
	if err != nil {
		_ = backend.Close()
		logger.CloseLogger()
		return nil, err
	}

	auditService := audit.NewAuditService(cfg.Security.Audit.Enabled)
	svc := workflow.New(workflow.Deps{
		Keys:       keys,
		Links:      links,
		Checker:    checker,
		Privileges: workflow.NewPrivileges(cfg.Keys.PrivilegedIDs),
		Audit:      auditService,
		Metrics:    rec,
	})

	logger.Info(ctx, "[System] 元件初始化完成", logger.WithDetails(map[string]interface{}{
		"env":          config.GetEnv(),
		"backend":      backend.Name,
		"verification": cfg.Verification.Mode,
		"privileged":   len(cfg.Keys.PrivilegedIDs),
	}))

	return &app{
		cfg:     cfg,
		backend: backend,
		keys:    keys,
		links:   links,
		svc:     svc,
		audit:   auditService,
		metrics: rec,
	}, nil
}

// Close 釋放連線與日誌
func (a *app) Close() {
	if err := a.backend.Close(); err != nil {
		logger.Errorf(context.Background(), "關閉儲存後端失敗: %v", err)
	}
	logger.CloseLogger()
}
