// Package grpcclient 連線 keybot 的 gRPC 健康服務.
package grpcclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"keybot/internal/platform/config"
	"keybot/internal/platform/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Options 連線選項
type Options struct {
	Address  string
	TLS      config.TLSConfig
	APIToken string
}

// OptionsFromConfig 由設定組出連線選項
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Address:  cfg.GRPCAddr(),
		TLS:      cfg.Security.TLS,
		APIToken: cfg.Security.APIToken,
	}
}

// bearerToken 每次呼叫附帶 authorization metadata
type bearerToken struct {
	token  string
	secure bool
}

func (b bearerToken) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearerToken) RequireTransportSecurity() bool {
	return b.secure
}

// Dial 創建 gRPC 客戶端連接
func Dial(opts Options) (*grpc.ClientConn, error) {
	var dialOpts []grpc.DialOption

	if opts.TLS.Enabled {
		creds, err := tlsCredentials(opts.TLS)
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	} else {
		logger.Warning(context.Background(), "gRPC 使用不安全連接（開發環境）")
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	if opts.APIToken != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearerToken{
			token:  opts.APIToken,
			secure: opts.TLS.Enabled,
		}))
	}

	conn, err := grpc.NewClient(opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to gRPC server at %s: %w", opts.Address, err)
	}
	return conn, nil
}

// tlsCredentials 有客戶端證書時使用雙向 TLS
func tlsCredentials(cfg config.TLSConfig) (credentials.TransportCredentials, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CAFile != "" {
		certPool := x509.NewCertPool()
		ca, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert: %w", err)
		}
		if ok := certPool.AppendCertsFromPEM(ca); !ok {
			return nil, fmt.Errorf("failed to append CA cert")
		}
		tlsConfig.RootCAs = certPool
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return credentials.NewTLS(tlsConfig), nil
}

// Check 查詢指定服務的健康狀態，service 為空時查整體
func Check(ctx context.Context, conn *grpc.ClientConn, service string) (*healthpb.HealthCheckResponse, error) {
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("health check %q: %w", service, err)
	}
	return resp, nil
}
