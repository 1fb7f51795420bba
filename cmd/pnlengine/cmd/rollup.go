// 文件: cmd/pnlengine/cmd/rollup.go
// 手动补跑日结/月结，与定时任务结果一致
package cmd

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"pnl.com/pkg/calendar"
	"pnl.com/pkg/rollup"
)

var (
	rollupDate     string
	rollupMonth    string
	rollupAccounts []string
)

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Re-run a daily or monthly rollup",
}

var rollupDailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Finalize the daily summary for a trading date (default: today)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfgFile)
		if err != nil {
			return err
		}
		defer a.close()

		date := rollupDate
		if date == "" {
			date = a.cal.TradingDate(time.Now())
		}
		if _, err := a.cal.ParseDate(date); err != nil {
			return fmt.Errorf("bad --date %q: %w", date, err)
		}

		pub, err := a.publisher(nil)
		if err != nil {
			return err
		}
		report := a.dailyJob(a.rollupAccounts(), pub).Run(cmd.Context(), date, rollup.TriggerManual)
		return printReport(cmd, report)
	},
}

var rollupMonthlyCmd = &cobra.Command{
	Use:   "monthly",
	Short: "Finalize the monthly summary and commission (default: previous month)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfgFile)
		if err != nil {
			return err
		}
		defer a.close()

		var (
			year  int
			month time.Month
		)
		if rollupMonth == "" {
			now := time.Now().In(a.cal.Location())
			year, month = calendar.PreviousMonth(now.Year(), now.Month())
		} else if year, month, err = rollup.ParsePeriod(rollupMonth); err != nil {
			return err
		}

		pub, err := a.publisher(nil)
		if err != nil {
			return err
		}
		report := a.monthlyJob(a.rollupAccounts(), pub).Run(cmd.Context(), year, month, rollup.TriggerManual)
		return printReport(cmd, report)
	},
}

func init() {
	rollupCmd.PersistentFlags().StringSliceVar(&rollupAccounts, "account", nil, "accounts to roll up (default: all configured)")
	rollupDailyCmd.Flags().StringVar(&rollupDate, "date", "", "trading date YYYY-MM-DD")
	rollupMonthlyCmd.Flags().StringVar(&rollupMonth, "month", "", "month YYYY-MM")

	rollupCmd.AddCommand(rollupDailyCmd, rollupMonthlyCmd)
	rootCmd.AddCommand(rollupCmd)
}

func (a *app) rollupAccounts() rollup.StaticAccounts {
	if len(rollupAccounts) > 0 {
		return rollup.StaticAccounts(rollupAccounts)
	}
	return rollup.StaticAccounts(a.cfg.AccountIDs())
}

func printReport(cmd *cobra.Command, r *rollup.Report) error {
	cmd.Printf("%s rollup %s  run=%s  accounts=%d  ok=%d  failed=%d\n",
		r.Job, r.Period, r.RunID, r.Accounts, r.Succeeded, r.Failed)
	if r.OK() {
		return nil
	}
	failed := r.FailedAccounts()
	sort.Strings(failed)
	for _, id := range failed {
		cmd.Printf("  %s: %v\n", id, r.Errors[id])
	}
	return fmt.Errorf("%d of %d accounts failed", r.Failed, r.Accounts)
}
