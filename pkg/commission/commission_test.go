package commission

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pnl.com/pkg/pnl"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func month(total string) *pnl.MonthlySummary {
	return &pnl.MonthlySummary{AccountID: "A1", Year: 2024, Month: 1, TotalPnL: d(total), RealizedPnL: d(total)}
}

var fullSettings = Settings{
	CommissionPct: decimal.NewNullDecimal(d("0.20")),
	PayeeIBAN:     "DE89370400440532013000",
	PayeeEmail:    "payee@example.com",
}

func TestCompute_ProfitableMonth(t *testing.T) {
	rec, warn := Compute(month("1500.00"), fullSettings)
	require.NoError(t, warn)

	assert.True(t, rec.IsPayable)
	require.True(t, rec.CommissionAmount.Valid)
	assert.Equal(t, "300", rec.CommissionAmount.Decimal.String())
	assert.Equal(t, "300.00", rec.CommissionAmount.Decimal.StringFixed(2))
	require.NoError(t, rec.Validate())
}

func TestCompute_LosingMonth(t *testing.T) {
	rec, warn := Compute(month("-450.00"), fullSettings)
	require.NoError(t, warn)

	assert.False(t, rec.IsPayable)
	assert.True(t, rec.CommissionAmount.Decimal.IsZero())
	assert.Equal(t, "0.00", rec.CommissionAmount.Decimal.StringFixed(2))
	require.NoError(t, rec.Validate())
}

func TestCompute_BreakEvenNotPayable(t *testing.T) {
	rec, _ := Compute(month("0"), fullSettings)
	assert.False(t, rec.IsPayable)
	assert.True(t, rec.CommissionAmount.Decimal.IsZero())
	require.NoError(t, rec.Validate())
}

func TestCompute_RoundsToMoneyScale(t *testing.T) {
	s := fullSettings
	s.CommissionPct = decimal.NewNullDecimal(d("0.333333"))
	rec, warn := Compute(month("100.01"), s)
	require.NoError(t, warn)
	// 0.333333 × 100.01 = 33.33663333 -> 33.3366
	assert.True(t, rec.CommissionAmount.Decimal.Equal(d("33.3366")))
	require.NoError(t, rec.Validate())
}

func TestCompute_MissingConfig(t *testing.T) {
	rec, warn := Compute(month("1500"), Settings{})
	assert.ErrorIs(t, warn, ErrMissingPct)
	assert.ErrorIs(t, warn, ErrMissingPayout)
	assert.True(t, rec.IsPayable)
	assert.False(t, rec.CommissionAmount.Valid)
	require.NoError(t, rec.Validate())

	noPayout := Settings{CommissionPct: decimal.NewNullDecimal(d("0.2"))}
	rec, warn = Compute(month("1500"), noPayout)
	assert.ErrorIs(t, warn, ErrMissingPayout)
	assert.False(t, rec.CommissionAmount.Valid)

	// 亏损月配置缺失仍然是 0
	rec, warn = Compute(month("-1"), Settings{})
	assert.Error(t, warn)
	assert.True(t, rec.CommissionAmount.Valid)
	assert.True(t, rec.CommissionAmount.Decimal.IsZero())
	require.NoError(t, rec.Validate())
}

func TestCompute_PctOutOfRange(t *testing.T) {
	s := fullSettings
	s.CommissionPct = decimal.NewNullDecimal(d("1.5"))
	rec, warn := Compute(month("100"), s)
	assert.ErrorIs(t, warn, ErrPctOutOfRange)
	assert.False(t, rec.CommissionPct.Valid)
	assert.False(t, rec.CommissionAmount.Valid)
	require.NoError(t, rec.Validate())
}

func TestService_ApplyPreservesPaymentState(t *testing.T) {
	ctx := context.Background()
	store := pnl.NewMemoryStore()
	svc := NewService(store, StaticSettings{"A1": fullSettings}, "USD", nil)

	_, err := svc.Apply(ctx, month("1500"))
	require.NoError(t, err)

	paidAt := time.Date(2024, 2, 3, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.RecordPayment("A1", 2024, time.January, paidAt, "REF-1"))

	// 月结重算后佣金变化，支付信息保留
	rec, err := svc.Apply(ctx, month("2000"))
	require.NoError(t, err)
	assert.True(t, rec.CommissionAmount.Decimal.Equal(d("400")))

	got, err := store.GetCommission(ctx, "A1", 2024, time.January)
	require.NoError(t, err)
	assert.True(t, got.IsPaid)
	assert.Equal(t, "REF-1", got.PaymentReference)
	assert.True(t, got.CommissionAmount.Decimal.Equal(d("400")))
}

func TestService_ApplyWarnsOnMissingConfig(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := pnl.NewMemoryStore()
	svc := NewService(store, StaticSettings{}, "USD", zap.New(core))

	rec, err := svc.Apply(context.Background(), month("10"))
	require.NoError(t, err)
	assert.False(t, rec.CommissionAmount.Valid)
	assert.Equal(t, 1, logs.FilterMessage("commission config incomplete").Len())

	got, err := store.GetCommission(context.Background(), "A1", 2024, time.January)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.IsPayable)
}
