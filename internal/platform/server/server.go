// Package server 組裝 HTTP 與 gRPC 入口並負責優雅關閉.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	keybotgrpc "keybot/internal/grpc"
	"keybot/internal/platform/config"
	"keybot/internal/platform/logger"
)

const (
	shutdownTimeout    = 30 * time.Second
	healthWatchPeriod  = 30 * time.Second
	defaultIdleTimeout = 120 * time.Second
)

// Server HTTP 與選用的 gRPC 健康服務
type Server struct {
	cfg         *config.Config
	http        *http.Server
	grpc        *keybotgrpc.Server
	stopLimiter func()
}

// New 建立伺服器，grpcServer 可為 nil
func New(d RouterDeps, grpcServer *keybotgrpc.Server) (*Server, error) {
	cfg := d.Config
	router, stop := Router(d)

	tlsConfig, err := loadTLSConfig(cfg.Security.TLS)
	if err != nil {
		stop()
		return nil, err
	}

	timeout := time.Duration(cfg.Server.Timeout) * time.Second
	return &Server{
		cfg: cfg,
		http: &http.Server{
			Addr:              cfg.ServerAddr(),
			Handler:           router,
			TLSConfig:         tlsConfig,
			ReadTimeout:       timeout,
			ReadHeaderTimeout: timeout,
			WriteTimeout:      timeout,
			IdleTimeout:       defaultIdleTimeout,
		},
		grpc:        grpcServer,
		stopLimiter: stop,
	}, nil
}

// Handler HTTP handler（測試用）
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run 啟動服務直到 ctx 結束或任一服務失敗
func (s *Server) Run(ctx context.Context) error {
	defer s.stopLimiter()

	errCh := make(chan error, 2)

	lis, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	go func() {
		logger.Infof(ctx, "伺服器正在監聽: %s", lis.Addr())
		var err error
		if s.http.TLSConfig != nil {
			err = s.http.ServeTLS(lis, "", "")
		} else {
			err = s.http.Serve(lis)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if s.grpc != nil {
		grpcLis, err := net.Listen("tcp", s.cfg.GRPCAddr())
		if err != nil {
			_ = s.http.Close()
			return fmt.Errorf("listen %s: %w", s.cfg.GRPCAddr(), err)
		}
		go func() {
			if err := s.grpc.Serve(grpcLis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
		go s.grpc.Watch(watchCtx, healthWatchPeriod)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "收到關閉信號，正在優雅關閉伺服器...")
	case runErr = <-errCh:
		logger.Error(context.Background(), "服務異常，開始關閉", logger.WithError(runErr))
	}

	cancelWatch()
	if s.grpc != nil {
		s.grpc.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "伺服器關閉失敗", logger.WithError(err))
		return errors.Join(runErr, err)
	}

	logger.Info(shutdownCtx, "伺服器已優雅關閉")
	return runErr
}
