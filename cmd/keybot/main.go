package main

import (
	"fmt"
	"os"

	"keybot/internal/platform/config"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var env string

	root := &cobra.Command{
		Use:           "keybot",
		Short:         "授權金鑰發放服務",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			if env != "" {
				config.SetEnv(env)
			}
		},
	}
	root.PersistentFlags().StringVar(&env, "env", "", "設定檔環境名稱（讀取 ./configs/<env>.yaml）")

	root.AddCommand(
		newServeCmd(),
		newGenKeyCmd(),
		newStatsCmd(),
		newPruneCmd(),
	)
	return root
}
