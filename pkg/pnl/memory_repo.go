// 文件: pkg/pnl/memory_repo.go
// 内存版存储 - 单测和 store.driver=memory 的本地开发使用
// 语义与 MySQLStore 一致: 快照只追加，日结/月结覆盖写，佣金保留支付字段

package pnl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"pnl.com/pkg/calendar"
)

var _ Store = (*MemoryStore)(nil)

type monthKey struct {
	account string
	year    int
	month   int
}

// MemoryStore 内存存储
type MemoryStore struct {
	mu          sync.RWMutex
	snapshots   map[string][]*IntradaySnapshot // account -> 按时间追加
	daily       map[string]map[string]*DailySummary
	monthly     map[monthKey]*MonthlySummary
	commissions map[monthKey]*CommissionRecord
	runs        map[string]*RollupRun
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots:   make(map[string][]*IntradaySnapshot),
		daily:       make(map[string]map[string]*DailySummary),
		monthly:     make(map[monthKey]*MonthlySummary),
		commissions: make(map[monthKey]*CommissionRecord),
		runs:        make(map[string]*RollupRun),
	}
}

// =============================================================================
// 快照
// =============================================================================

func (s *MemoryStore) InsertSnapshot(_ context.Context, snap *IntradaySnapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snapshots[snap.AccountID]
	if n := len(list); n > 0 && !snap.SnapshotTime.After(list[n-1].SnapshotTime) {
		return fmt.Errorf("%w: snapshot time %s not after %s for %s", ErrInvariantViolation,
			snap.SnapshotTime.Format(time.RFC3339Nano), list[n-1].SnapshotTime.Format(time.RFC3339Nano), snap.AccountID)
	}
	cp := *snap
	s.snapshots[snap.AccountID] = append(list, &cp)
	return nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, accountID, tradingDate string) ([]*IntradaySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*IntradaySnapshot
	for _, snap := range s.snapshots[accountID] {
		if snap.TradingDate == tradingDate {
			cp := *snap
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) LatestSnapshot(_ context.Context, accountID string) (*IntradaySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[accountID]
	if len(list) == 0 {
		return nil, nil
	}
	cp := *list[len(list)-1]
	return &cp, nil
}

// SnapshotCount 账户快照总数 (测试用)
func (s *MemoryStore) SnapshotCount(accountID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots[accountID])
}

// =============================================================================
// 日结
// =============================================================================

func (s *MemoryStore) UpsertDaily(_ context.Context, d *DailySummary) error {
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	days, ok := s.daily[d.AccountID]
	if !ok {
		days = make(map[string]*DailySummary)
		s.daily[d.AccountID] = days
	}
	cp := *d
	days[d.TradingDate] = &cp
	return nil
}

func (s *MemoryStore) GetDaily(_ context.Context, accountID, tradingDate string) (*DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.daily[accountID][tradingDate]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) LatestFinalizedDailyBefore(_ context.Context, accountID, tradingDate string) (*DailySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *DailySummary
	for date, d := range s.daily[accountID] {
		if !d.IsFinalized || date >= tradingDate {
			continue
		}
		if best == nil || date > best.TradingDate {
			best = d
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (s *MemoryStore) ListFinalizedDaily(_ context.Context, accountID string, year int, month time.Month) ([]*DailySummary, error) {
	first, last := calendar.MonthBounds(year, month)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*DailySummary
	for date, d := range s.daily[accountID] {
		if d.IsFinalized && date >= first && date <= last {
			cp := *d
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradingDate < out[j].TradingDate })
	return out, nil
}

// =============================================================================
// 月结
// =============================================================================

func (s *MemoryStore) UpsertMonthly(_ context.Context, m *MonthlySummary) error {
	if err := m.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.monthly[monthKey{m.AccountID, m.Year, m.Month}] = &cp
	return nil
}

func (s *MemoryStore) GetMonthly(_ context.Context, accountID string, year int, month time.Month) (*MonthlySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.monthly[monthKey{accountID, year, int(month)}]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

// =============================================================================
// 佣金
// =============================================================================

func (s *MemoryStore) GetCommission(_ context.Context, accountID string, year int, month time.Month) (*CommissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.commissions[monthKey{accountID, year, int(month)}]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpsertCommission(_ context.Context, c *CommissionRecord) error {
	if err := c.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	key := monthKey{c.AccountID, c.Year, c.Month}
	cp := *c
	if old, ok := s.commissions[key]; ok {
		cp.IsPaid = old.IsPaid
		cp.PaymentDate = old.PaymentDate
		cp.PaymentReference = old.PaymentReference
	} else {
		cp.IsPaid = false
		cp.PaymentDate = nil
		cp.PaymentReference = ""
	}
	s.commissions[key] = &cp
	return nil
}

// RecordPayment 模拟外部对账方标记已支付
func (s *MemoryStore) RecordPayment(accountID string, year int, month time.Month, paidAt time.Time, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commissions[monthKey{accountID, year, int(month)}]
	if !ok {
		return fmt.Errorf("commission %s %d-%02d not found", accountID, year, month)
	}
	c.IsPaid = true
	c.PaymentDate = &paidAt
	c.PaymentReference = reference
	return nil
}

// =============================================================================
// 任务记录
// =============================================================================

func (s *MemoryStore) InsertRun(_ context.Context, r *RollupRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	s.runs[r.RunID] = &cp
	return nil
}

func (s *MemoryStore) FinishRun(_ context.Context, r *RollupRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[r.RunID]; !ok {
		return fmt.Errorf("rollup run %s not found", r.RunID)
	}
	cp := *r
	s.runs[r.RunID] = &cp
	return nil
}

// Runs 按任务名筛选运行记录 (测试用)
func (s *MemoryStore) Runs(job string) []*RollupRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RollupRun
	for _, r := range s.runs {
		if r.Job == job {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID < out[j].RunID })
	return out
}
