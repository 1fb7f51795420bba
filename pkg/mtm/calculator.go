// 文件: pkg/mtm/calculator.go
// 盯市计算 - 每个周期为一个账户写一条盘中快照
//
// 【计算公式】
// 浮动盈亏 = Σ (市价 - 成本) × 数量 × 乘数   (数量带符号，空头自然反号)
// 总盈亏   = 当日已实现 (台账) + 浮动盈亏
//
// 【价格来源】
// 1. 报价缓存
// 2. 注入的 MarketPrice 回调 (最近成交价)
// 3. 都拿不到: 该持仓沿用上一周期的贡献值并告警，其余持仓照常计算
//
// 【失败语义】
// - 持仓回调失败/超时: 全部持仓沿用上一周期的贡献值并告警，快照照写
// - 写库失败: 记错误，等下个周期，不立即重试

package mtm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"pnl.com/pkg/calendar"
	"pnl.com/pkg/idgen"
	"pnl.com/pkg/ledger"
	"pnl.com/pkg/logger"
	"pnl.com/pkg/pnl"
	"pnl.com/pkg/quote"
	"pnl.com/pkg/registry"
)

var (
	ErrLedgerUnavailable = errors.New("ledger totals unavailable")
)

// Config 计算配置
type Config struct {
	Interval        time.Duration // 计算周期
	CallbackTimeout time.Duration // 单次外部回调超时
	WriteTimeout    time.Duration // 快照写库超时
}

// DefaultConfig 默认 30s 周期
func DefaultConfig() Config {
	return Config{
		Interval:        30 * time.Second,
		CallbackTimeout: 5 * time.Second,
		WriteTimeout:    5 * time.Second,
	}
}

// holding 单个持仓上一次成功定价的结果
type holding struct {
	unrealized  decimal.Decimal
	marketValue decimal.Decimal
}

// accountState 单账户跨周期状态
type accountState struct {
	mu       sync.Mutex
	last     map[string]holding
	lastTime time.Time
}

// Calculator 盯市计算器
type Calculator struct {
	cfg       Config
	cal       *calendar.Calendar
	quotes    *quote.Cache
	ledger    *ledger.Ledger
	snapshots pnl.SnapshotRepository
	collab    registry.Collaborators
	log       *zap.Logger
	now       func() time.Time

	mu     sync.Mutex
	states map[string]*accountState

	subMu      sync.Mutex
	subscribed map[string]bool
}

// NewCalculator 创建计算器
func NewCalculator(
	cfg Config,
	cal *calendar.Calendar,
	quotes *quote.Cache,
	l *ledger.Ledger,
	snapshots pnl.SnapshotRepository,
	collab registry.Collaborators,
	log *zap.Logger,
) *Calculator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = def.CallbackTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	return &Calculator{
		cfg:        cfg,
		cal:        cal,
		quotes:     quotes,
		ledger:     l,
		snapshots:  snapshots,
		collab:     collab,
		log:        logger.OrNop(log).Named("mtm"),
		now:        time.Now,
		states:     make(map[string]*accountState),
		subscribed: make(map[string]bool),
	}
}

// SetClock 替换时钟 (测试用)
func (c *Calculator) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Calculator) state(accountID string) *accountState {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.states[accountID]
	if !ok {
		s = &accountState{last: make(map[string]holding)}
		c.states[accountID] = s
	}
	return s
}

// Forget 账户移除后释放状态
func (c *Calculator) Forget(accountID string) {
	c.mu.Lock()
	delete(c.states, accountID)
	c.mu.Unlock()
}

// Tick 计算并写入一条快照
// 休市返回 (nil, nil)
func (c *Calculator) Tick(ctx context.Context, accountID string) (*pnl.IntradaySnapshot, error) {
	now := c.now()
	if !c.cal.IsOpen(now) {
		return nil, nil
	}
	date := c.cal.TradingDate(now)

	totals, err := c.ledger.DayTotals(ctx, accountID, date)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, accountID, err)
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.CallbackTimeout)
	positions, posErr := c.collab.OpenPositions(pctx, accountID)
	cancel()

	st := c.state(accountID)
	st.mu.Lock()
	defer st.mu.Unlock()

	current := make(map[string]holding, len(positions))
	if posErr != nil {
		// 拿不到持仓: 整体沿用上一周期，首次失败浮动盈亏按 0
		c.log.Warn("open positions unavailable, holding last contributions",
			zap.String("account", accountID),
			zap.Int("held_positions", len(st.last)),
			zap.Error(posErr))
		current = st.last
	} else {
		for _, pos := range positions {
			if pos.Quantity.IsZero() {
				continue
			}
			key := pos.Key()
			c.ensureSubscribed(ctx, key)

			h, ok := c.price(ctx, accountID, pos, st)
			if !ok {
				// 沿用上一次的贡献值，首次缺价按 0
				h = st.last[key]
			}
			current[key] = h
		}
		// 已平仓的持仓不再保留
		st.last = current
	}

	unrealized := decimal.Zero
	marketValue := decimal.Zero
	for _, h := range current {
		unrealized = unrealized.Add(h.unrealized)
		marketValue = marketValue.Add(h.marketValue)
	}
	open := len(current)

	realized := totals.RealizedPnL.Round(pnl.MoneyScale)
	unrealized = unrealized.Round(pnl.MoneyScale)

	ts := now.Truncate(time.Microsecond)
	if !ts.After(st.lastTime) {
		ts = st.lastTime.Add(time.Microsecond)
	}

	snap := &pnl.IntradaySnapshot{
		ID:                  idgen.NextID(),
		AccountID:           accountID,
		SnapshotTime:        ts,
		TradingDate:         date,
		RealizedPnL:         realized,
		UnrealizedPnL:       unrealized,
		TotalPnL:            realized.Add(unrealized),
		OpenPositionCount:   open,
		TotalMarketValue:    marketValue.Round(pnl.MoneyScale),
		TotalCommissionPaid: totals.CommissionPaid.Round(pnl.MoneyScale),
	}

	// 停机时 ctx 已取消，在途写入仍要完成
	wctx, wcancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.WriteTimeout)
	defer wcancel()
	if err := c.snapshots.InsertSnapshot(wctx, snap); err != nil {
		return nil, fmt.Errorf("write snapshot %s: %w", accountID, err)
	}
	st.lastTime = ts
	return snap, nil
}

// price 为单个持仓定价，拿不到价返回 ok=false 并告警
func (c *Calculator) price(ctx context.Context, accountID string, pos pnl.Position, st *accountState) (holding, bool) {
	key := pos.Key()

	px, ok := c.quotes.Price(key)
	var cbErr error
	if !ok {
		cctx, cancel := context.WithTimeout(ctx, c.cfg.CallbackTimeout)
		px, ok, cbErr = c.collab.MarketPrice(cctx, pos)
		cancel()
	}
	if cbErr != nil || !ok || !px.IsPositive() {
		fields := []zap.Field{
			zap.String("account", accountID),
			zap.String("contract", key),
			zap.String("held_unrealized", st.last[key].unrealized.String()),
		}
		if cbErr != nil {
			fields = append(fields, zap.Error(cbErr))
		}
		c.log.Warn("price unavailable, holding last contribution", fields...)
		return holding{}, false
	}

	return holding{
		unrealized:  pos.UnrealizedPnL(px),
		marketValue: pos.MarketValue(px),
	}, true
}

// ensureSubscribed 每个合约只订阅一次，失败下个周期再试
func (c *Calculator) ensureSubscribed(ctx context.Context, descriptor string) {
	c.subMu.Lock()
	done := c.subscribed[descriptor]
	c.subMu.Unlock()
	if done {
		return
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.CallbackTimeout)
	err := c.collab.SubscribeQuotes(sctx, descriptor)
	cancel()
	if err != nil {
		c.log.Warn("subscribe quotes failed", zap.String("contract", descriptor), zap.Error(err))
		return
	}

	c.subMu.Lock()
	c.subscribed[descriptor] = true
	c.subMu.Unlock()
}
