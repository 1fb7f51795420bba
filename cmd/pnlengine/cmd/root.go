// 文件: cmd/pnlengine/cmd/root.go
package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "pnlengine",
	Short: "Real-time P&L aggregation for follower accounts",
	Long: `pnlengine marks follower accounts to market during trading hours,
finalizes daily and monthly P&L summaries and computes the platform commission
owed on profitable months.

Subcommands:
  serve     run the engine (stream consumers, MTM loops, rollup scheduler)
  migrate   create or update the MySQL tables
  rollup    re-run a daily or monthly rollup by hand
  show      print current P&L, monthly summaries, commissions or audit entries`,
	SilenceUsage: true,
}

// Execute 执行根命令，SIGINT/SIGTERM 取消 context
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	def := os.Getenv("PNL_CONFIG")
	if def == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			def = "config.yaml"
		}
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", def, "config file (env PNL_CONFIG)")
}
