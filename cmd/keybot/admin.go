package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"keybot/internal/maintenance"
	"keybot/internal/workflow"

	"github.com/spf13/cobra"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newGenKeyCmd() *cobra.Command {
	var (
		owner int64
		count int
	)

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "以特權用戶身分產生金鑰",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if owner == 0 {
				ids := a.cfg.Keys.PrivilegedIDs
				if len(ids) == 0 {
					return fmt.Errorf("未設定特權用戶，請使用 --owner")
				}
				owner = ids[0]
			}

			res, err := a.svc.BulkIssue(ctx, owner, count)
			if err != nil {
				return err
			}
			if err := res.Err(); err != nil {
				return fmt.Errorf("user %d: %w", owner, err)
			}
			for _, k := range res.Keys {
				fmt.Fprintln(cmd.OutOrStdout(), k.Key)
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&owner, "owner", 0, "金鑰擁有者 ID（需為特權用戶，預設為 owner）")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "產生數量（1-10）")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "顯示金鑰與待驗證統計",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			ls := a.links.FetchStats(ctx)
			return writeJSON(cmd.OutOrStdout(), workflow.AdminStats{
				Stats:           a.keys.Stats(),
				LinkViews:       ls.Views,
				LinkCompletions: ls.Completions,
			})
		},
	}
}

func newPruneCmd() *cobra.Command {
	var retention time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "立即清理過期金鑰與待驗證紀錄",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if retention <= 0 {
				retention = time.Duration(a.cfg.Maintenance.RetentionHours) * time.Hour
			}
			res, err := maintenance.NewJob(a.keys, retention, a.audit).RunOnce(ctx)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().DurationVar(&retention, "retention", 0, "過期後保留時間（預設讀取設定）")
	return cmd
}
