package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"keybot/internal/grpcclient"
	"keybot/internal/platform/config"

	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr    string
		service string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:           "grpc_client",
		Short:         "查詢 keybot gRPC 健康狀態",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			opts := grpcclient.OptionsFromConfig(cfg)
			if addr != "" {
				opts.Address = addr
			}

			conn, err := grpcclient.Dial(opts)
			if err != nil {
				return err
			}
			defer conn.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			resp, err := grpcclient.Check(ctx, conn, service)
			if err != nil {
				return err
			}

			out, err := protojson.MarshalOptions{Multiline: true, EmitUnpopulated: true}.Marshal(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))

			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("service %q is %s", service, resp.GetStatus())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "gRPC 位址（預設讀取設定）")
	cmd.Flags().StringVar(&service, "service", "keybot.Store", "健康檢查服務名稱，空字串為整體")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "查詢逾時")
	return cmd
}
