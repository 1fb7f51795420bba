// 文件: pkg/ledger/ledger.go
// 成交台账 - 每账户当日已实现盈亏累加器
//
// 【并发模型】
// - 每个账户一把锁，同账户成交串行累加，不同账户互不影响
// - books map 只在查找/创建账户时短暂加锁
//
// 【幂等】
// 先落库 (execution_id 唯一)，写入成功才累加；
// 内存已见的重复成交直接忽略，库里已有但内存没见过的按库里记录补计
//
// 【恢复】
// 账户在某交易日第一次被访问时，从库里重放当日成交，重启后不丢已实现盈亏

package ledger

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"pnl.com/pkg/idgen"
	"pnl.com/pkg/logger"
)

// book 单账户当日账本
type book struct {
	mu     sync.Mutex
	date   string
	loaded bool
	totals Totals
	seen   map[string]struct{}
}

// Ledger 台账
type Ledger struct {
	repo FillRepository
	log  *zap.Logger

	mu    sync.Mutex
	books map[string]*book
}

// New 创建台账
func New(repo FillRepository, log *zap.Logger) *Ledger {
	return &Ledger{
		repo:  repo,
		log:   logger.OrNop(log).Named("ledger"),
		books: make(map[string]*book),
	}
}

func (l *Ledger) book(accountID string) *book {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.books[accountID]
	if !ok {
		b = &book{}
		l.books[accountID] = b
	}
	return b
}

// switchDate 切到指定交易日并确保已从库恢复，调用方持有 b.mu
func (l *Ledger) switchDate(ctx context.Context, accountID string, b *book, date string) error {
	if b.date != date {
		b.date = date
		b.loaded = false
		b.totals = Totals{}
		b.seen = make(map[string]struct{})
	}
	if b.loaded {
		return nil
	}

	fills, err := l.repo.ListFills(ctx, accountID, date)
	if err != nil {
		return fmt.Errorf("restore fills %s/%s: %w", accountID, date, err)
	}
	for _, f := range fills {
		b.totals.Add(f)
		b.seen[f.ExecutionID] = struct{}{}
	}
	b.loaded = true
	if len(fills) > 0 {
		l.log.Info("ledger restored",
			zap.String("account", accountID),
			zap.String("date", date),
			zap.Int("fills", len(fills)),
			zap.String("realized", b.totals.RealizedPnL.String()))
	}
	return nil
}

// Record 记一笔成交
// 返回 applied=false 表示重复成交被忽略
func (l *Ledger) Record(ctx context.Context, f *TradeFill) (bool, error) {
	if err := f.Validate(); err != nil {
		return false, err
	}
	if f.ID == 0 {
		f.ID = idgen.NextID()
	}

	b := l.book(f.AccountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	// 隔日补来的成交只落库，当日累加器不动，日结会从库里重算那天
	if b.date != "" && f.TradingDate < b.date {
		inserted, err := l.repo.InsertFill(ctx, f)
		if err != nil {
			return false, fmt.Errorf("persist fill %s: %w", f.ExecutionID, err)
		}
		if inserted {
			l.log.Warn("late fill for past trading date",
				zap.String("account", f.AccountID),
				zap.String("execution_id", f.ExecutionID),
				zap.String("fill_date", f.TradingDate),
				zap.String("current_date", b.date))
		}
		return inserted, nil
	}

	if err := l.switchDate(ctx, f.AccountID, b, f.TradingDate); err != nil {
		return false, err
	}
	if _, dup := b.seen[f.ExecutionID]; dup {
		return false, nil
	}

	inserted, err := l.repo.InsertFill(ctx, f)
	if err != nil {
		return false, fmt.Errorf("persist fill %s: %w", f.ExecutionID, err)
	}
	if !inserted {
		// 库里已有但本账本没计入: 上次写库已提交却返回了错误，按库里的记录补上
		return l.absorbPersisted(ctx, f.AccountID, b, f.ExecutionID)
	}

	b.seen[f.ExecutionID] = struct{}{}
	b.totals.Add(f)
	return true, nil
}

// absorbPersisted 把库里当日已有、账本还没计入的成交补进累加器，调用方持有 b.mu
// 返回 execID 是否在这次补入之列
func (l *Ledger) absorbPersisted(ctx context.Context, accountID string, b *book, execID string) (bool, error) {
	fills, err := l.repo.ListFills(ctx, accountID, b.date)
	if err != nil {
		return false, fmt.Errorf("reload fills %s/%s: %w", accountID, b.date, err)
	}
	found := false
	for _, f := range fills {
		if _, ok := b.seen[f.ExecutionID]; ok {
			continue
		}
		b.seen[f.ExecutionID] = struct{}{}
		b.totals.Add(f)
		if f.ExecutionID == execID {
			found = true
		}
		l.log.Warn("persisted fill counted on redelivery",
			zap.String("account", accountID),
			zap.String("execution_id", f.ExecutionID))
	}
	if !found {
		// 属于别的交易日或已被计入，按重复处理
		b.seen[execID] = struct{}{}
	}
	return found, nil
}

// DayTotals 某账户某交易日的累计
// 早于当前账本日期的查询直接从库里算
func (l *Ledger) DayTotals(ctx context.Context, accountID, tradingDate string) (Totals, error) {
	b := l.book(accountID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.date != "" && tradingDate < b.date {
		fills, err := l.repo.ListFills(ctx, accountID, tradingDate)
		if err != nil {
			return Totals{}, err
		}
		return Summarize(fills), nil
	}
	if err := l.switchDate(ctx, accountID, b, tradingDate); err != nil {
		return Totals{}, err
	}
	return b.totals, nil
}

// Forget 账户移出监控时释放内存账本，库里的成交不动
func (l *Ledger) Forget(accountID string) {
	l.mu.Lock()
	delete(l.books, accountID)
	l.mu.Unlock()
}
