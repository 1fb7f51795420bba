// 文件: pkg/commission/commission.go
// 平台佣金计算
//
// 【规则】
// - 只对正的月度盈亏收佣: is_payable = monthly_pnl > 0
// - 可付: amount = round(pct × monthly_pnl, 4)；不可付: amount = 0
//   pct 最多 6 位小数，乘积超过 4 位的部分按四舍五入，不保证与精确乘积相等
// - 佣金比例或收款信息缺失: 照常判断可付，可付时金额留空 (NULL) 并告警
// - 支付状态 (is_paid / payment_date / payment_reference) 只归对账方，重算不覆盖

package commission

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pnl.com/pkg/logger"
	"pnl.com/pkg/pnl"
)

// PctScale 佣金比例最多小数位，与 commission_pct decimal(8,6) 一致
const PctScale = 6

var (
	ErrMissingPct    = errors.New("commission pct not configured")
	ErrPctOutOfRange = errors.New("commission pct out of range [0,1]")
	ErrMissingPayout = errors.New("payout metadata not configured")
)

// Settings 账户佣金配置，由外部提供
type Settings struct {
	CommissionPct decimal.NullDecimal
	PayeeIBAN     string
	PayeeEmail    string
}

// HasPayout IBAN 或邮箱至少一个
func (s Settings) HasPayout() bool {
	return s.PayeeIBAN != "" || s.PayeeEmail != ""
}

// SettingsProvider 按账户取配置，未配置返回 ok=false
type SettingsProvider interface {
	CommissionSettings(accountID string) (Settings, bool)
}

// StaticSettings 静态配置表
type StaticSettings map[string]Settings

func (s StaticSettings) CommissionSettings(accountID string) (Settings, bool) {
	v, ok := s[accountID]
	return v, ok
}

// Compute 纯函数: 月结 + 配置 -> 佣金记录
// 第二个返回值是配置类告警 (不阻断)，可能同时包含多个原因
func Compute(m *pnl.MonthlySummary, s Settings) (*pnl.CommissionRecord, error) {
	rec := &pnl.CommissionRecord{
		AccountID:     m.AccountID,
		Year:          m.Year,
		Month:         m.Month,
		MonthlyPnL:    m.TotalPnL,
		CommissionPct: s.CommissionPct,
		PayeeIBAN:     s.PayeeIBAN,
		PayeeEmail:    s.PayeeEmail,
		IsPayable:     m.TotalPnL.IsPositive(),
	}

	var warn error
	pctOK := s.CommissionPct.Valid
	if !pctOK {
		warn = errors.Join(warn, ErrMissingPct)
	} else if pct := s.CommissionPct.Decimal; pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(1)) {
		warn = errors.Join(warn, fmt.Errorf("%w: %s", ErrPctOutOfRange, pct))
		rec.CommissionPct = decimal.NullDecimal{}
		pctOK = false
	}
	if !s.HasPayout() {
		warn = errors.Join(warn, ErrMissingPayout)
	}

	switch {
	case !rec.IsPayable:
		rec.CommissionAmount = decimal.NewNullDecimal(decimal.Zero)
	case pctOK && s.HasPayout():
		amount := rec.CommissionPct.Decimal.Mul(m.TotalPnL).Round(pnl.MoneyScale)
		rec.CommissionAmount = decimal.NewNullDecimal(amount)
	default:
		// 可付但配置不全，金额留空等补配置后重算
		rec.CommissionAmount = decimal.NullDecimal{}
	}
	return rec, warn
}

// =============================================================================
// Service
// =============================================================================

// Service 计算并落库
type Service struct {
	repo     pnl.CommissionRepository
	settings SettingsProvider
	currency string
	log      *zap.Logger
}

// NewService currency 只用于日志展示
func NewService(repo pnl.CommissionRepository, settings SettingsProvider, currency string, log *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		settings: settings,
		currency: currency,
		log:      logger.OrNop(log).Named("commission"),
	}
}

// Apply 为一条已定稿月结计算佣金并覆盖写
// 配置缺失只告警；写库失败返回错误
func (s *Service) Apply(ctx context.Context, m *pnl.MonthlySummary) (*pnl.CommissionRecord, error) {
	cfg, _ := s.settings.CommissionSettings(m.AccountID)

	rec, warn := Compute(m, cfg)
	if warn != nil {
		s.log.Warn("commission config incomplete",
			zap.String("account", m.AccountID),
			zap.String("period", m.Period()),
			zap.Bool("payable", rec.IsPayable),
			zap.Error(warn))
	}

	if err := s.repo.UpsertCommission(ctx, rec); err != nil {
		return nil, fmt.Errorf("upsert commission %s %s: %w", m.AccountID, m.Period(), err)
	}

	amount := "n/a"
	if rec.CommissionAmount.Valid {
		amount = pnl.FormatAmount(rec.CommissionAmount.Decimal, s.currency)
	}
	s.log.Info("commission computed",
		zap.String("account", m.AccountID),
		zap.String("period", m.Period()),
		zap.String("monthly_pnl", pnl.FormatAmount(rec.MonthlyPnL, s.currency)),
		zap.String("amount", amount),
		zap.Bool("payable", rec.IsPayable))
	return rec, nil
}
