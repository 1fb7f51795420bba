// 文件: cmd/pnlengine/cmd/show.go
// 查询命令 - 当前盈亏、月结、佣金、入站审计
package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pnl.com/pkg/calendar"
	"pnl.com/pkg/pnl"
	"pnl.com/pkg/rollup"
)

var (
	showAccount string
	showMonth   string
	showStream  string
	showKey     string
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Print P&L, monthly summaries, commissions or audit entries",
}

var showPnLCmd = &cobra.Command{
	Use:   "pnl",
	Short: "Current P&L of an account (latest intraday snapshot)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfgFile)
		if err != nil {
			return err
		}
		defer a.close()

		s, err := a.query().CurrentPnL(cmd.Context(), showAccount)
		if err != nil {
			return err
		}
		if s == nil {
			cmd.Printf("%s: no snapshot yet\n", showAccount)
			return nil
		}
		cur := a.cfg.Currency
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "account\t%s\n", s.AccountID)
		fmt.Fprintf(w, "as of\t%s\n", s.SnapshotTime.In(a.cal.Location()).Format(time.RFC3339))
		fmt.Fprintf(w, "realized\t%s\n", pnl.FormatAmount(s.RealizedPnL, cur))
		fmt.Fprintf(w, "unrealized\t%s\n", pnl.FormatAmount(s.UnrealizedPnL, cur))
		fmt.Fprintf(w, "total\t%s\n", pnl.FormatAmount(s.TotalPnL, cur))
		fmt.Fprintf(w, "open positions\t%d\n", s.OpenPositionCount)
		fmt.Fprintf(w, "market value\t%s\n", pnl.FormatAmount(s.TotalMarketValue, cur))
		return w.Flush()
	},
}

var showMonthCmd = &cobra.Command{
	Use:   "month",
	Short: "Monthly summary with its finalized days",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfgFile)
		if err != nil {
			return err
		}
		defer a.close()

		year, month, err := a.showPeriod()
		if err != nil {
			return err
		}
		q := a.query()
		m, err := q.MonthlyPnL(cmd.Context(), showAccount, year, month)
		if err != nil {
			return err
		}
		days, err := q.DailyPnL(cmd.Context(), showAccount, year, month)
		if err != nil {
			return err
		}

		cur := a.cfg.Currency
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, "date\trealized\ttotal\ttrades\tclosing\t")
		for _, d := range days {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t\n", d.TradingDate,
				pnl.FormatAmount(d.RealizedPnL, cur), pnl.FormatAmount(d.TotalPnL, cur),
				d.TradeCount, pnl.FormatAmount(d.ClosingBalance, cur))
		}
		if err := w.Flush(); err != nil {
			return err
		}
		if m == nil {
			cmd.Printf("%s %s: not rolled up yet\n", showAccount, rollup.Period(year, month))
			return nil
		}
		cmd.Printf("%s %s: total %s, realized %s, %d days (%d up / %d down), best %s, worst %s\n",
			m.AccountID, m.Period(),
			pnl.FormatAmount(m.TotalPnL, cur), pnl.FormatAmount(m.RealizedPnL, cur),
			m.TradingDays, m.WinningDays, m.LosingDays,
			pnl.FormatAmount(m.BestDayPnL, cur), pnl.FormatAmount(m.WorstDayPnL, cur))
		return nil
	},
}

var showCommissionCmd = &cobra.Command{
	Use:   "commission",
	Short: "Commission record of an account for a month",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfgFile)
		if err != nil {
			return err
		}
		defer a.close()

		year, month, err := a.showPeriod()
		if err != nil {
			return err
		}
		c, err := a.query().Commission(cmd.Context(), showAccount, year, month)
		if err != nil {
			return err
		}
		if c == nil {
			cmd.Printf("%s %s: no commission record\n", showAccount, rollup.Period(year, month))
			return nil
		}

		cur := a.cfg.Currency
		amount := "not computed (config incomplete)"
		if c.CommissionAmount.Valid {
			amount = pnl.FormatAmount(c.CommissionAmount.Decimal, cur)
		}
		pct := "-"
		if c.CommissionPct.Valid {
			pct = c.CommissionPct.Decimal.String()
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "monthly pnl\t%s\n", pnl.FormatAmount(c.MonthlyPnL, cur))
		fmt.Fprintf(w, "pct\t%s\n", pct)
		fmt.Fprintf(w, "amount\t%s\n", amount)
		fmt.Fprintf(w, "payable\t%v\n", c.IsPayable)
		fmt.Fprintf(w, "paid\t%v\n", c.IsPaid)
		if c.PaymentDate != nil {
			fmt.Fprintf(w, "paid on\t%s (%s)\n", c.PaymentDate.Format(calendar.DateLayout), c.PaymentReference)
		}
		return w.Flush()
	},
}

var showAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inbound messages recorded in the audit journal",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(cfgFile)
		if err != nil {
			return err
		}
		defer a.close()

		if a.cfg.Audit.Path == "" {
			return errors.New("audit.path is not configured")
		}
		if _, err := a.recorder(); err != nil {
			return err
		}
		entries, err := a.journal.List(cmd.Context(), showStream, showKey, showLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", e.ID,
				e.ReceivedAt.Format(time.RFC3339), e.Key, e.Outcome, e.Payload)
		}
		return w.Flush()
	},
}

func init() {
	for _, c := range []*cobra.Command{showPnLCmd, showMonthCmd, showCommissionCmd} {
		c.Flags().StringVar(&showAccount, "account", "", "account id")
		_ = c.MarkFlagRequired("account")
	}
	for _, c := range []*cobra.Command{showMonthCmd, showCommissionCmd} {
		c.Flags().StringVar(&showMonth, "month", "", "month YYYY-MM (default: current month)")
	}
	showAuditCmd.Flags().StringVar(&showStream, "stream", "trade_fills", "trade_fills or quotes")
	showAuditCmd.Flags().StringVar(&showKey, "key", "", "execution id or contract")
	showAuditCmd.Flags().IntVar(&showLimit, "limit", 50, "max entries")

	showCmd.AddCommand(showPnLCmd, showMonthCmd, showCommissionCmd, showAuditCmd)
	rootCmd.AddCommand(showCmd)
}

func (a *app) showPeriod() (int, time.Month, error) {
	if showMonth == "" {
		now := time.Now().In(a.cal.Location())
		return now.Year(), now.Month(), nil
	}
	return rollup.ParsePeriod(showMonth)
}
