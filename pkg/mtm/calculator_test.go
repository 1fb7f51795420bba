package mtm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"pnl.com/pkg/calendar"
	"pnl.com/pkg/ledger"
	"pnl.com/pkg/pnl"
	"pnl.com/pkg/quote"
	"pnl.com/pkg/registry"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// 2024-01-16 10:00 ET，开盘中
var marketOpen = time.Date(2024, 1, 16, 15, 0, 0, 0, time.UTC)

type fixture struct {
	calc   *Calculator
	quotes *quote.Cache
	ledger *ledger.Ledger
	store  *pnl.MemoryStore
	logs   *observer.ObservedLogs

	mu        sync.Mutex
	positions map[string][]pnl.Position
	posErr    error
	prices    map[string]decimal.Decimal
	priceErr  map[string]error
	subs      map[string]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cal, err := calendar.New(calendar.DefaultConfig())
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	f := &fixture{
		quotes:    quote.NewCache(),
		ledger:    ledger.New(ledger.NewMemoryFillRepository(), nil),
		store:     pnl.NewMemoryStore(),
		logs:      logs,
		positions: make(map[string][]pnl.Position),
		prices:    make(map[string]decimal.Decimal),
		priceErr:  make(map[string]error),
		subs:      make(map[string]int),
	}
	collab := registry.Funcs{
		PositionsFunc: func(_ context.Context, id string) ([]pnl.Position, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.posErr != nil {
				return nil, f.posErr
			}
			return append([]pnl.Position(nil), f.positions[id]...), nil
		},
		PriceFunc: func(_ context.Context, pos pnl.Position) (decimal.Decimal, bool, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			if err := f.priceErr[pos.Key()]; err != nil {
				return decimal.Zero, false, err
			}
			p, ok := f.prices[pos.Key()]
			return p, ok, nil
		},
		SubscribeFunc: func(_ context.Context, desc string) error {
			f.mu.Lock()
			f.subs[desc]++
			f.mu.Unlock()
			return nil
		},
	}
	f.calc = NewCalculator(Config{Interval: 10 * time.Millisecond}, cal, f.quotes, f.ledger, f.store, collab, zap.New(core))
	f.calc.SetClock(func() time.Time { return marketOpen })
	return f
}

func (f *fixture) setPositions(id string, pos ...pnl.Position) {
	f.mu.Lock()
	f.positions[id] = pos
	f.mu.Unlock()
}

func TestTick_RealizedOnlyScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.Record(ctx, &ledger.TradeFill{
		ExecutionID:        "E1",
		AccountID:          "A1",
		TradingDate:        "2024-01-16",
		Symbol:             "QQQ",
		ContractDescriptor: "QQQ 20240119 450P",
		ContractType:       ledger.ContractOption,
		Side:               ledger.SideSell,
		Quantity:           d("5"),
		Price:              d("2.45"),
		Multiplier:         d("100"),
		Commission:         d("1.25"),
		ExecutedAt:         marketOpen.Add(-time.Minute),
	})
	require.NoError(t, err)

	snap, err := f.calc.Tick(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, snap)

	assert.True(t, snap.RealizedPnL.Equal(d("1223.75")))
	assert.True(t, snap.UnrealizedPnL.IsZero())
	assert.True(t, snap.TotalPnL.Equal(d("1223.75")))
	assert.True(t, snap.TotalCommissionPaid.Equal(d("1.25")))
	assert.Equal(t, 0, snap.OpenPositionCount)
	assert.Equal(t, "2024-01-16", snap.TradingDate)
	assert.NotZero(t, snap.ID)

	latest, err := f.store.LatestSnapshot(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, snap.ID, latest.ID)
}

func TestTick_OutsideMarketHoursIsNoop(t *testing.T) {
	f := newFixture(t)

	for _, ts := range []time.Time{
		time.Date(2024, 1, 16, 14, 29, 0, 0, time.UTC), // 09:29 ET
		time.Date(2024, 1, 16, 21, 0, 0, 0, time.UTC),  // 16:00 ET
		time.Date(2024, 1, 20, 15, 0, 0, 0, time.UTC),  // 周六
	} {
		f.calc.SetClock(func() time.Time { return ts })
		snap, err := f.calc.Tick(context.Background(), "A1")
		require.NoError(t, err)
		assert.Nil(t, snap)
	}
	assert.Equal(t, 0, f.store.SnapshotCount("A1"))
}

func TestTick_LongAndShortUnrealized(t *testing.T) {
	f := newFixture(t)
	f.setPositions("A1",
		pnl.Position{Symbol: "SPY", ContractDescriptor: "SPY", Quantity: d("10"), AvgCost: d("480"), Multiplier: d("1")},
		pnl.Position{Symbol: "QQQ", ContractDescriptor: "QQQ 20240119 450P", Quantity: d("-5"), AvgCost: d("2.45"), Multiplier: d("100")},
	)
	require.NoError(t, f.quotes.Update(quote.Quote{ContractDescriptor: "SPY", Price: d("481.5")}))
	require.NoError(t, f.quotes.Update(quote.Quote{ContractDescriptor: "QQQ 20240119 450P", Price: d("2.05")}))

	snap, err := f.calc.Tick(context.Background(), "A1")
	require.NoError(t, err)

	// 多头 (481.5-480)×10 = 15；空头 (2.05-2.45)×-5×100 = 200
	assert.True(t, snap.UnrealizedPnL.Equal(d("215")), snap.UnrealizedPnL.String())
	assert.True(t, snap.TotalPnL.Equal(d("215")))
	assert.Equal(t, 2, snap.OpenPositionCount)
	// 4815 - 1025
	assert.True(t, snap.TotalMarketValue.Equal(d("3790")), snap.TotalMarketValue.String())
}

func TestTick_PriceMissHoldsLastContribution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.setPositions("A1",
		pnl.Position{Symbol: "SPY", Quantity: d("10"), AvgCost: d("480"), Multiplier: d("1")},
		pnl.Position{Symbol: "IWM", Quantity: d("20"), AvgCost: d("190"), Multiplier: d("1")},
	)
	require.NoError(t, f.quotes.Update(quote.Quote{ContractDescriptor: "SPY", Price: d("481")}))
	// IWM 没有报价，走回调
	f.mu.Lock()
	f.prices["IWM"] = d("191")
	f.mu.Unlock()

	first, err := f.calc.Tick(ctx, "A1")
	require.NoError(t, err)
	// 10 + 20
	assert.True(t, first.UnrealizedPnL.Equal(d("30")))

	// 第二个周期: SPY 变价，IWM 回调失败
	require.NoError(t, f.quotes.Update(quote.Quote{ContractDescriptor: "SPY", Price: d("483")}))
	f.mu.Lock()
	f.priceErr["IWM"] = errors.New("gateway timeout")
	f.mu.Unlock()

	second, err := f.calc.Tick(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, second)
	// SPY 30 (正确) + IWM 20 (沿用)
	assert.True(t, second.UnrealizedPnL.Equal(d("50")), second.UnrealizedPnL.String())
	assert.True(t, second.SnapshotTime.After(first.SnapshotTime))

	warns := f.logs.FilterMessage("price unavailable, holding last contribution").All()
	require.Len(t, warns, 1)
	assert.Equal(t, "IWM", warns[0].ContextMap()["contract"])
	assert.Equal(t, 2, f.store.SnapshotCount("A1"))
}

func TestTick_FirstMissContributesZero(t *testing.T) {
	f := newFixture(t)
	f.setPositions("A1", pnl.Position{Symbol: "XYZ", Quantity: d("1"), AvgCost: d("10")})

	snap, err := f.calc.Tick(context.Background(), "A1")
	require.NoError(t, err)
	assert.True(t, snap.UnrealizedPnL.IsZero())
	assert.Equal(t, 1, snap.OpenPositionCount)
	assert.Equal(t, 1, f.logs.FilterMessage("price unavailable, holding last contribution").Len())
}

func TestTick_PositionsFailureHoldsLastContributions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.setPositions("A1",
		pnl.Position{Symbol: "SPY", Quantity: d("10"), AvgCost: d("480"), Multiplier: d("1")},
		pnl.Position{Symbol: "IWM", Quantity: d("-20"), AvgCost: d("190"), Multiplier: d("1")},
	)
	require.NoError(t, f.quotes.Update(quote.Quote{ContractDescriptor: "SPY", Price: d("481")}))
	require.NoError(t, f.quotes.Update(quote.Quote{ContractDescriptor: "IWM", Price: d("189")}))

	first, err := f.calc.Tick(ctx, "A1")
	require.NoError(t, err)
	// 10 + 20
	assert.True(t, first.UnrealizedPnL.Equal(d("30")), first.UnrealizedPnL.String())

	f.mu.Lock()
	f.posErr = errors.New("gateway down")
	f.mu.Unlock()
	require.NoError(t, f.quotes.Update(quote.Quote{ContractDescriptor: "SPY", Price: d("490")}))

	second, err := f.calc.Tick(ctx, "A1")
	require.NoError(t, err)
	require.NotNil(t, second)
	// 持仓未知，整体沿用上一周期
	assert.True(t, second.UnrealizedPnL.Equal(d("30")), second.UnrealizedPnL.String())
	assert.Equal(t, 2, second.OpenPositionCount)
	assert.Equal(t, 2, f.store.SnapshotCount("A1"))
	assert.Len(t, f.logs.FilterMessage("open positions unavailable, holding last contributions").All(), 1)

	// 恢复后按新价格计算
	f.mu.Lock()
	f.posErr = nil
	f.mu.Unlock()
	third, err := f.calc.Tick(ctx, "A1")
	require.NoError(t, err)
	assert.True(t, third.UnrealizedPnL.Equal(d("120")), third.UnrealizedPnL.String())
}

func TestTick_FirstPositionsFailureWritesRealizedOnly(t *testing.T) {
	f := newFixture(t)
	f.mu.Lock()
	f.posErr = errors.New("gateway down")
	f.mu.Unlock()

	snap, err := f.calc.Tick(context.Background(), "A1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.True(t, snap.UnrealizedPnL.IsZero())
	assert.Equal(t, 0, snap.OpenPositionCount)
	assert.Equal(t, 1, f.store.SnapshotCount("A1"))
}

func TestTick_SubscribesOncePerContract(t *testing.T) {
	f := newFixture(t)
	f.setPositions("A1", pnl.Position{Symbol: "SPY", Quantity: d("1"), AvgCost: d("1")})
	f.setPositions("A2", pnl.Position{Symbol: "SPY", Quantity: d("2"), AvgCost: d("1")})

	for i := 0; i < 3; i++ {
		_, err := f.calc.Tick(context.Background(), "A1")
		require.NoError(t, err)
		_, err = f.calc.Tick(context.Background(), "A2")
		require.NoError(t, err)
	}
	assert.Equal(t, 1, f.subs["SPY"])
}

func TestTick_SnapshotTimeStrictlyIncreasing(t *testing.T) {
	f := newFixture(t)

	a, err := f.calc.Tick(context.Background(), "A1")
	require.NoError(t, err)
	b, err := f.calc.Tick(context.Background(), "A1")
	require.NoError(t, err)

	assert.True(t, b.SnapshotTime.After(a.SnapshotTime))
}

type failingSnapshots struct {
	pnl.SnapshotRepository
	calls atomic.Int32
}

func (f *failingSnapshots) InsertSnapshot(context.Context, *pnl.IntradaySnapshot) error {
	f.calls.Add(1)
	return errors.New("disk full")
}

func TestTick_WriteFailureReturnsError(t *testing.T) {
	f := newFixture(t)
	repo := &failingSnapshots{SnapshotRepository: f.store}
	f.calc.snapshots = repo

	_, err := f.calc.Tick(context.Background(), "A1")
	assert.Error(t, err)
	assert.Equal(t, int32(1), repo.calls.Load())
}

func TestRun_WithRegistry(t *testing.T) {
	f := newFixture(t)
	// 时钟每次前进 1ms
	var n atomic.Int64
	f.calc.SetClock(func() time.Time {
		return marketOpen.Add(time.Duration(n.Add(1)) * time.Millisecond)
	})

	reg := registry.New(registry.Funcs{}, nil)
	require.NoError(t, reg.Add("A1"))
	require.NoError(t, reg.Start(context.Background(), f.calc.Run))

	require.Eventually(t, func() bool { return f.store.SnapshotCount("A1") >= 2 }, 2*time.Second, 5*time.Millisecond)

	// 运行中加入 A2
	require.NoError(t, reg.Add("A2"))
	require.Eventually(t, func() bool { return f.store.SnapshotCount("A2") >= 1 }, 2*time.Second, 5*time.Millisecond)

	// 移除 A2 后不再产生快照，历史保留
	reg.Remove("A2")
	frozen := f.store.SnapshotCount("A2")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, frozen, f.store.SnapshotCount("A2"))
	assert.Positive(t, frozen)

	reg.Stop()
	total := f.store.SnapshotCount("A1")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, total, f.store.SnapshotCount("A1"))
}
