package grpcclient

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	keybotgrpc "keybot/internal/grpc"
	"keybot/internal/platform/config"
	"keybot/internal/platform/middleware"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func startServer(t *testing.T, token string, check keybotgrpc.Checker) (*keybotgrpc.Server, string) {
	t.Helper()
	srv, err := keybotgrpc.NewServer(config.TLSConfig{}, middleware.NewTokenAuth(token, nil), check)
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return srv, lis.Addr().String()
}

func TestCheck_ReflectsStoreState(t *testing.T) {
	var storeErr error
	srv, addr := startServer(t, "s3cret", func(context.Context) error { return storeErr })

	conn, err := Dial(Options{Address: addr, APIToken: "s3cret"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := Check(ctx, conn, keybotgrpc.StoreService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_UNKNOWN, resp.GetStatus())

	srv.Refresh(ctx)
	resp, err = Check(ctx, conn, keybotgrpc.StoreService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())

	storeErr = errors.New("redis down")
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, srv.Refresh(ctx))
	resp, err = Check(ctx, conn, keybotgrpc.StoreService)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.GetStatus())
}

func TestCheck_RequiresToken(t *testing.T) {
	_, addr := startServer(t, "s3cret", nil)

	conn, err := Dial(Options{Address: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = Check(ctx, conn, "")
	require.Error(t, err)
	assert.Equal(t, codes.Unauthenticated, status.Code(errors.Unwrap(err)))
}
