package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"keybot/internal/bot"
	keybotgrpc "keybot/internal/grpc"
	"keybot/internal/maintenance"
	"keybot/internal/platform/health"
	"keybot/internal/platform/logger"
	"keybot/internal/platform/middleware"
	"keybot/internal/platform/server"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "啟動 HTTP、gRPC 健康檢查、Telegram bot 與清理排程",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx)
		},
	}
}

// serve 分離主要邏輯，確保 defer 在結束前執行
func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	healthHandler := health.NewHealthHandler(cfg.App, a.backend.Name, a.backend)

	var grpcServer *keybotgrpc.Server
	if cfg.GRPC.Enabled {
		auth := middleware.NewTokenAuth(cfg.Security.APIToken, a.audit.LogAuthenticationFailure)
		grpcServer, err = keybotgrpc.NewServer(cfg.Security.TLS, auth, healthHandler.Check)
		if err != nil {
			logger.Error(ctx, "gRPC 服務器創建失敗", logger.WithError(err))
			return err
		}
	}

	// 先建立所有元件，任何一個失敗時尚未有 goroutine 啟動
	var runBot func(context.Context) error
	if cfg.Telegram.Enabled {
		api, err := bot.NewAPI(cfg.Telegram)
		if err != nil {
			logger.Error(ctx, "Telegram bot 創建失敗", logger.WithError(err))
			return err
		}
		b := bot.New(a.svc, api)
		runBot = func(ctx context.Context) error {
			return bot.Serve(ctx, api, b)
		}
	}

	srv, err := server.New(server.RouterDeps{
		Config:   cfg,
		Workflow: a.svc,
		Health:   healthHandler,
		Audit:    a.audit,
		Metrics:  a.metrics,
	}, grpcServer)
	if err != nil {
		return err
	}

	if cfg.Maintenance.PruneEnabled {
		job := maintenance.NewJob(a.keys, time.Duration(cfg.Maintenance.RetentionHours)*time.Hour, a.audit)
		sched, err := maintenance.NewScheduler(cfg.Maintenance.Schedule, job)
		if err != nil {
			return err
		}
		sched.Start()
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			sched.Stop(stopCtx)
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if runBot != nil {
		g.Go(func() error {
			return runBot(gctx)
		})
	}

	logger.Info(ctx, "[System] 服務器啟動完成", logger.WithDetails(map[string]interface{}{
		"http":     cfg.ServerAddr(),
		"grpc":     cfg.GRPC.Enabled,
		"telegram": cfg.Telegram.Enabled,
		"prune":    cfg.Maintenance.PruneEnabled,
	}))

	err = g.Wait()
	logger.Info(context.Background(), "正在關閉服務器...", logger.WithAction("shutdown"))
	return err
}
