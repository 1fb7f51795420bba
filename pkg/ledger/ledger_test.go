package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pnl.com/pkg/calendar"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newCal(t *testing.T) *calendar.Calendar {
	t.Helper()
	c, err := calendar.New(calendar.DefaultConfig())
	require.NoError(t, err)
	return c
}

// 2024-01-16 10:15 ET
var tradeTime = time.Date(2024, 1, 16, 15, 15, 0, 0, time.UTC)

func sellPut(execID string) *TradeFill {
	return &TradeFill{
		ExecutionID:        execID,
		AccountID:          "A1",
		TradingDate:        "2024-01-16",
		Symbol:             "QQQ",
		ContractDescriptor: "QQQ 20240119 450P",
		ContractType:       ContractOption,
		Side:               SideSell,
		Quantity:           d("5"),
		Price:              d("2.45"),
		Multiplier:         d("100"),
		Commission:         d("1.25"),
		ExecutedAt:         tradeTime,
	}
}

func TestLedger_SellPutRealized(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryFillRepository(), nil)

	applied, err := l.Record(ctx, sellPut("E1"))
	require.NoError(t, err)
	require.True(t, applied)

	tot, err := l.DayTotals(ctx, "A1", "2024-01-16")
	require.NoError(t, err)
	// 5 × 2.45 × 100 - 1.25
	assert.True(t, tot.RealizedPnL.Equal(d("1223.75")), tot.RealizedPnL.String())
	assert.Equal(t, 1, tot.TradeCount)
	assert.True(t, tot.Volume.Equal(d("5")))
	assert.True(t, tot.CommissionPaid.Equal(d("1.25")))
}

func TestLedger_BuySign(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryFillRepository(), nil)

	buy := sellPut("E2")
	buy.Side = SideBuy
	buy.Price = d("2.00")
	_, err := l.Record(ctx, buy)
	require.NoError(t, err)

	tot, err := l.DayTotals(ctx, "A1", "2024-01-16")
	require.NoError(t, err)
	// -(5 × 2.00 × 100) - 1.25
	assert.True(t, tot.RealizedPnL.Equal(d("-1001.25")))
}

func TestLedger_DuplicateExecutionIgnored(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryFillRepository()
	l := New(repo, nil)

	first, err := l.Record(ctx, sellPut("E1"))
	require.NoError(t, err)
	second, err := l.Record(ctx, sellPut("E1"))
	require.NoError(t, err)

	assert.True(t, first)
	assert.False(t, second)
	assert.Equal(t, 1, repo.Len())

	tot, _ := l.DayTotals(ctx, "A1", "2024-01-16")
	assert.Equal(t, 1, tot.TradeCount)
	assert.True(t, tot.RealizedPnL.Equal(d("1223.75")))
}

func TestLedger_RestoresFromRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryFillRepository()

	_, err := New(repo, nil).Record(ctx, sellPut("E1"))
	require.NoError(t, err)

	// 模拟重启: 新台账，同一存储
	l := New(repo, nil)
	applied, err := l.Record(ctx, sellPut("E1"))
	require.NoError(t, err)
	assert.False(t, applied)

	tot, err := l.DayTotals(ctx, "A1", "2024-01-16")
	require.NoError(t, err)
	assert.Equal(t, 1, tot.TradeCount)
	assert.True(t, tot.RealizedPnL.Equal(d("1223.75")))
}

func TestLedger_DateRollover(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryFillRepository(), nil)

	_, err := l.Record(ctx, sellPut("E1"))
	require.NoError(t, err)

	next := sellPut("E2")
	next.TradingDate = "2024-01-17"
	next.ExecutedAt = tradeTime.Add(24 * time.Hour)
	_, err = l.Record(ctx, next)
	require.NoError(t, err)

	today, err := l.DayTotals(ctx, "A1", "2024-01-17")
	require.NoError(t, err)
	assert.Equal(t, 1, today.TradeCount)

	// 前一天从库里算
	prev, err := l.DayTotals(ctx, "A1", "2024-01-16")
	require.NoError(t, err)
	assert.Equal(t, 1, prev.TradeCount)

	// 迟到的前一天成交只落库
	late := sellPut("E3")
	applied, err := l.Record(ctx, late)
	require.NoError(t, err)
	assert.True(t, applied)

	today, _ = l.DayTotals(ctx, "A1", "2024-01-17")
	assert.Equal(t, 1, today.TradeCount)
	prev, _ = l.DayTotals(ctx, "A1", "2024-01-16")
	assert.Equal(t, 2, prev.TradeCount)
}

func TestLedger_ConcurrentFillsNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	l := New(NewMemoryFillRepository(), nil)

	const perAccount = 200
	accounts := []string{"A1", "A2", "A3"}

	var wg sync.WaitGroup
	for _, acct := range accounts {
		for i := 0; i < perAccount; i++ {
			wg.Add(1)
			go func(acct string, i int) {
				defer wg.Done()
				f := sellPut(fmt.Sprintf("%s-%d", acct, i))
				f.AccountID = acct
				f.Quantity = d("1")
				f.Price = d("1")
				f.Commission = decimal.Zero
				_, err := l.Record(ctx, f)
				assert.NoError(t, err)
			}(acct, i)
		}
	}
	wg.Wait()

	for _, acct := range accounts {
		tot, err := l.DayTotals(ctx, acct, "2024-01-16")
		require.NoError(t, err)
		assert.Equal(t, perAccount, tot.TradeCount)
		assert.True(t, tot.RealizedPnL.Equal(decimal.NewFromInt(perAccount*100)), tot.RealizedPnL.String())
	}
}

func TestLedger_PersistFailureDoesNotCount(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryFillRepository()
	l := New(repo, nil)

	repo.FailInsert = errors.New("db down")
	_, err := l.Record(ctx, sellPut("E1"))
	require.Error(t, err)

	repo.FailInsert = nil
	applied, err := l.Record(ctx, sellPut("E1"))
	require.NoError(t, err)
	assert.True(t, applied)

	tot, _ := l.DayTotals(ctx, "A1", "2024-01-16")
	assert.Equal(t, 1, tot.TradeCount)
}

// commitThenFail 写库成功后返回一次错误，模拟提交后超时
type commitThenFail struct {
	*MemoryFillRepository
	failed bool
}

func (r *commitThenFail) InsertFill(ctx context.Context, f *TradeFill) (bool, error) {
	inserted, err := r.MemoryFillRepository.InsertFill(ctx, f)
	if err != nil || r.failed {
		return inserted, err
	}
	r.failed = true
	return false, context.DeadlineExceeded
}

func TestLedger_RedeliveryAfterAmbiguousCommitCounts(t *testing.T) {
	ctx := context.Background()
	repo := &commitThenFail{MemoryFillRepository: NewMemoryFillRepository()}
	l := New(repo, nil)

	_, err := l.Record(ctx, sellPut("E1"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, repo.Len())

	// 重投: 库里已有，账本补计一次
	applied, err := l.Record(ctx, sellPut("E1"))
	require.NoError(t, err)
	assert.True(t, applied)

	// 再次重投才是真正的重复
	applied, err = l.Record(ctx, sellPut("E1"))
	require.NoError(t, err)
	assert.False(t, applied)

	tot, err := l.DayTotals(ctx, "A1", "2024-01-16")
	require.NoError(t, err)
	assert.Equal(t, 1, tot.TradeCount)
	assert.True(t, tot.RealizedPnL.Equal(d("1223.75")), tot.RealizedPnL.String())
	assert.Equal(t, 1, repo.Len())
}

func TestLedger_FillPersistedByOtherWriterIsCounted(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryFillRepository()
	l := New(repo, nil)

	_, err := l.Record(ctx, sellPut("E1"))
	require.NoError(t, err)

	// 账本加载后别的实例写入了 E2
	_, err = repo.InsertFill(ctx, sellPut("E2"))
	require.NoError(t, err)

	applied, err := l.Record(ctx, sellPut("E2"))
	require.NoError(t, err)
	assert.True(t, applied)

	tot, _ := l.DayTotals(ctx, "A1", "2024-01-16")
	assert.Equal(t, 2, tot.TradeCount)
}

func TestLedger_RejectsInvalidFill(t *testing.T) {
	l := New(NewMemoryFillRepository(), nil)
	f := sellPut("")
	_, err := l.Record(context.Background(), f)
	assert.ErrorIs(t, err, ErrInvalidFill)
}
