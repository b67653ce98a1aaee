// Package grpc 提供 gRPC 健康檢查服務，反映儲存後端狀態.
package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"keybot/internal/platform/config"
	"keybot/internal/platform/logger"
	"keybot/internal/platform/middleware"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StoreService 儲存後端健康狀態的服務名稱
const StoreService = "keybot.Store"

// Checker 健康檢查函式
type Checker func(ctx context.Context) error

// Server gRPC 服務器
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	check      Checker
}

// NewServer 創建新的 gRPC 服務器
func NewServer(tlsConfig config.TLSConfig, auth *middleware.TokenAuth, check Checker) (*Server, error) {
	ctx := context.Background()
	opts := []grpc.ServerOption{
		grpc.UnaryInterceptor(auth.GRPCUnaryInterceptor()),
	}

	if tlsConfig.Enabled {
		tlsCreds, err := loadTLSCredentials(tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(tlsCreds))
		logger.Info(ctx, "gRPC TLS 已啟用")
	} else {
		logger.Info(ctx, "gRPC 以非加密模式運行（開發環境）")
	}

	grpcServer := grpc.NewServer(opts...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)

	s := &Server{
		grpcServer: grpcServer,
		health:     hs,
		check:      check,
	}
	// 第一次檢查前先視為未知
	hs.SetServingStatus(StoreService, healthpb.HealthCheckResponse_UNKNOWN)

	logger.Infof(ctx, "gRPC 服務器初始化 - 認證: %v, TLS: %v", auth.Enabled(), tlsConfig.Enabled)
	return s, nil
}

// loadTLSCredentials 載入 TLS 憑證
func loadTLSCredentials(tlsConfig config.TLSConfig) (credentials.TransportCredentials, error) {
	serverCert, err := tls.LoadX509KeyPair(tlsConfig.CertFile, tlsConfig.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	config := &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}

	// 有 CA 文件時要求客戶端證書
	if tlsConfig.CAFile != "" {
		certPool := x509.NewCertPool()
		ca, err := os.ReadFile(tlsConfig.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}

		if ok := certPool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("failed to append CA certs")
		}

		config.ClientCAs = certPool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return credentials.NewTLS(config), nil
}

// Refresh 執行一次檢查並更新服務狀態
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.check != nil {
		if err := s.check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			logger.Warning(ctx, "gRPC 健康檢查 - 儲存後端異常", logger.WithError(err))
		}
	}
	s.health.SetServingStatus(StoreService, status)
	return status
}

// Watch 定期更新狀態直到 ctx 結束
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Serve 在 listener 上提供服務
func (s *Server) Serve(lis net.Listener) error {
	logger.Infof(context.Background(), "gRPC 服務器啟動在 %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

// Start 啟動 gRPC 服務器
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Stop 停止 gRPC 服務器
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpcServer.GracefulStop()
}
