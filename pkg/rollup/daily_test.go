package rollup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pnl.com/pkg/ledger"
	"pnl.com/pkg/pnl"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// recordingPublisher 记录发出的事件
type recordingPublisher struct {
	mu     sync.Mutex
	events []*Event
	err    error
}

func (p *recordingPublisher) PublishRollup(_ context.Context, e *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *e
	p.events = append(p.events, &cp)
	return p.err
}

func (p *recordingPublisher) Events() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Event(nil), p.events...)
}

// failingFills 指定账户读成交报错
type failingFills struct {
	ledger.FillRepository
	failFor string
}

func (f failingFills) ListFills(ctx context.Context, accountID, tradingDate string) ([]*ledger.TradeFill, error) {
	if accountID == f.failFor {
		return nil, errors.New("fills table unavailable")
	}
	return f.FillRepository.ListFills(ctx, accountID, tradingDate)
}

type dailyFixture struct {
	job   *DailyJob
	store *pnl.MemoryStore
	fills *ledger.MemoryFillRepository
	pub   *recordingPublisher
	logs  *observer.ObservedLogs
}

func newDailyFixture(t *testing.T, accounts ...string) *dailyFixture {
	t.Helper()
	core, logs := observer.New(zapcore.InfoLevel)
	f := &dailyFixture{
		store: pnl.NewMemoryStore(),
		fills: ledger.NewMemoryFillRepository(),
		pub:   &recordingPublisher{},
		logs:  logs,
	}
	f.job = NewDailyJob(DailyDeps{
		Accounts:  StaticAccounts(accounts),
		Store:     f.store,
		Fills:     f.fills,
		Balances:  StaticBalances{"A1": d("100000")},
		Publisher: f.pub,
		Workers:   4,
		Log:       zap.New(core),
	})
	return f
}

func soldPut(execID, account, date string) *ledger.TradeFill {
	return &ledger.TradeFill{
		ExecutionID:        execID,
		AccountID:          account,
		TradingDate:        date,
		Symbol:             "QQQ",
		ContractDescriptor: "QQQ 20240119 450P",
		ContractType:       ledger.ContractOption,
		Side:               ledger.SideSell,
		Quantity:           d("5"),
		Price:              d("2.45"),
		Multiplier:         d("100"),
		Commission:         d("1.25"),
		ExecutedAt:         time.Date(2024, 1, 16, 15, 15, 0, 0, time.UTC),
	}
}

func (f *dailyFixture) snapshot(t *testing.T, account, date string, at time.Time, realized, unrealized string) {
	t.Helper()
	r, u := d(realized), d(unrealized)
	require.NoError(t, f.store.InsertSnapshot(context.Background(), &pnl.IntradaySnapshot{
		AccountID:     account,
		SnapshotTime:  at,
		TradingDate:   date,
		RealizedPnL:   r,
		UnrealizedPnL: u,
		TotalPnL:      r.Add(u),
	}))
}

func TestDaily_SingleFillDay(t *testing.T) {
	ctx := context.Background()
	f := newDailyFixture(t, "A1")

	_, err := f.fills.InsertFill(ctx, soldPut("E1", "A1", "2024-01-16"))
	require.NoError(t, err)
	f.snapshot(t, "A1", "2024-01-16", time.Date(2024, 1, 16, 20, 59, 30, 0, time.UTC), "1223.75", "0")

	report := f.job.Run(ctx, "2024-01-16", TriggerManual)
	require.True(t, report.OK(), report.Errors)
	assert.Equal(t, 1, report.Succeeded)

	got, err := f.store.GetDaily(ctx, "A1", "2024-01-16")
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.True(t, got.OpeningBalance.Equal(d("100000")))
	assert.True(t, got.RealizedPnL.Equal(d("1223.75")), got.RealizedPnL.String())
	assert.True(t, got.TotalPnL.Equal(d("1223.75")))
	assert.True(t, got.ClosingBalance.Equal(d("101223.75")), got.ClosingBalance.String())
	assert.Equal(t, 1, got.TradeCount)
	assert.True(t, got.TotalVolume.Equal(d("5")))
	assert.True(t, got.TotalCommissionPaid.Equal(d("1.25")))
	assert.True(t, got.IsFinalized)
	require.NoError(t, got.Validate())

	events := f.pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, JobDaily, events[0].Job)
	assert.Equal(t, report.RunID, events[0].RunID)
	require.NotNil(t, events[0].ClosingBalance)
	assert.True(t, events[0].ClosingBalance.Equal(d("101223.75")))
}

func TestDaily_RerunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newDailyFixture(t, "A1")

	_, err := f.fills.InsertFill(ctx, soldPut("E1", "A1", "2024-01-16"))
	require.NoError(t, err)
	f.snapshot(t, "A1", "2024-01-16", time.Date(2024, 1, 16, 15, 0, 0, 0, time.UTC), "1223.75", "-80.5")

	require.True(t, f.job.Run(ctx, "2024-01-16", TriggerSchedule).OK())
	first, err := f.store.GetDaily(ctx, "A1", "2024-01-16")
	require.NoError(t, err)

	require.True(t, f.job.Run(ctx, "2024-01-16", TriggerManual).OK())
	second, err := f.store.GetDaily(ctx, "A1", "2024-01-16")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, f.store.Runs(JobDaily), 2)
}

func TestDaily_MaxProfitAndDrawdown(t *testing.T) {
	ctx := context.Background()
	f := newDailyFixture(t, "A1")

	_, err := f.fills.InsertFill(ctx, soldPut("E1", "A1", "2024-01-16"))
	require.NoError(t, err)

	base := time.Date(2024, 1, 16, 15, 0, 0, 0, time.UTC)
	f.snapshot(t, "A1", "2024-01-16", base, "0", "500")
	f.snapshot(t, "A1", "2024-01-16", base.Add(time.Minute), "1223.75", "76.25")
	f.snapshot(t, "A1", "2024-01-16", base.Add(2*time.Minute), "1223.75", "-1323.75")
	f.snapshot(t, "A1", "2024-01-16", base.Add(3*time.Minute), "1223.75", "-23.75")

	s, err := f.job.Compute(ctx, "A1", "2024-01-16")
	require.NoError(t, err)

	// total = 1223.75 + 最后一条快照的 -23.75
	assert.True(t, s.TotalPnL.Equal(d("1200")), s.TotalPnL.String())
	assert.True(t, s.MaxProfit.Equal(d("1300")), s.MaxProfit.String())
	assert.True(t, s.MaxDrawdown.Equal(d("-100")), s.MaxDrawdown.String())
	assert.True(t, s.ClosingBalance.Equal(d("101200")))
}

func TestDaily_ZeroActivity(t *testing.T) {
	ctx := context.Background()
	f := newDailyFixture(t, "A1")

	require.True(t, f.job.Run(ctx, "2024-01-16", TriggerManual).OK())

	got, err := f.store.GetDaily(ctx, "A1", "2024-01-16")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.TotalPnL.IsZero())
	assert.True(t, got.ClosingBalance.Equal(got.OpeningBalance))
	assert.Equal(t, 0, got.TradeCount)
	assert.True(t, got.MaxProfit.IsZero())
	assert.True(t, got.MaxDrawdown.IsZero())
	assert.True(t, got.IsFinalized)
}

func TestDaily_OpeningCarriesPreviousClosing(t *testing.T) {
	ctx := context.Background()
	f := newDailyFixture(t, "A1")

	_, err := f.fills.InsertFill(ctx, soldPut("E1", "A1", "2024-01-16"))
	require.NoError(t, err)
	require.True(t, f.job.Run(ctx, "2024-01-16", TriggerManual).OK())
	require.True(t, f.job.Run(ctx, "2024-01-17", TriggerManual).OK())

	next, err := f.store.GetDaily(ctx, "A1", "2024-01-17")
	require.NoError(t, err)
	assert.True(t, next.OpeningBalance.Equal(d("101223.75")), next.OpeningBalance.String())
	assert.True(t, next.ClosingBalance.Equal(d("101223.75")))
}

func TestDaily_MissingOpeningBalanceWarns(t *testing.T) {
	ctx := context.Background()
	f := newDailyFixture(t, "B9")

	require.True(t, f.job.Run(ctx, "2024-01-16", TriggerManual).OK())

	got, err := f.store.GetDaily(ctx, "B9", "2024-01-16")
	require.NoError(t, err)
	assert.True(t, got.OpeningBalance.IsZero())
	assert.Equal(t, 1, f.logs.FilterMessage("no opening balance, using zero").Len())
}

func TestDaily_FailureIsolatedPerAccount(t *testing.T) {
	ctx := context.Background()
	f := newDailyFixture(t)
	f.job = NewDailyJob(DailyDeps{
		Accounts: StaticAccounts{"A1", "A2", "A3"},
		Store:    f.store,
		Fills:    failingFills{FillRepository: f.fills, failFor: "A2"},
		Workers:  2,
	})

	report := f.job.Run(ctx, "2024-01-16", TriggerManual)
	assert.False(t, report.OK())
	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, []string{"A2"}, report.FailedAccounts())

	for _, id := range []string{"A1", "A3"} {
		got, err := f.store.GetDaily(ctx, id, "2024-01-16")
		require.NoError(t, err)
		assert.NotNil(t, got, id)
	}
	missing, err := f.store.GetDaily(ctx, "A2", "2024-01-16")
	require.NoError(t, err)
	assert.Nil(t, missing)

	runs := f.store.Runs(JobDaily)
	require.Len(t, runs, 1)
	assert.Equal(t, report.RunID, runs[0].RunID)
	assert.Equal(t, "2024-01-16", runs[0].Period)
	assert.Equal(t, TriggerManual, runs[0].Trigger)
	assert.Equal(t, 3, runs[0].Accounts)
	assert.Equal(t, 2, runs[0].Succeeded)
	assert.Equal(t, 1, runs[0].Failed)
	assert.NotNil(t, runs[0].FinishedAt)
}

func TestDaily_PublishFailureDoesNotFailRollup(t *testing.T) {
	ctx := context.Background()
	f := newDailyFixture(t, "A1")
	f.pub.err = errors.New("broker down")

	report := f.job.Run(ctx, "2024-01-16", TriggerManual)
	assert.True(t, report.OK())
	assert.Equal(t, 1, f.logs.FilterMessage("publish daily event failed").Len())
}
