// 文件: pkg/ledger/memory_repo.go
// 成交存储内存实现 (测试、store.driver=memory)

package ledger

import (
	"context"
	"sort"
	"sync"
)

var _ FillRepository = (*MemoryFillRepository)(nil)

// MemoryFillRepository 内存实现
type MemoryFillRepository struct {
	mu     sync.RWMutex
	byExec map[string]*TradeFill
	fills  []*TradeFill

	// 测试注入写失败
	FailInsert error
}

// NewMemoryFillRepository 创建
func NewMemoryFillRepository() *MemoryFillRepository {
	return &MemoryFillRepository{byExec: make(map[string]*TradeFill)}
}

// InsertFill 幂等写入
func (r *MemoryFillRepository) InsertFill(_ context.Context, f *TradeFill) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.FailInsert != nil {
		return false, r.FailInsert
	}
	if _, ok := r.byExec[f.ExecutionID]; ok {
		return false, nil
	}
	cp := *f
	r.byExec[f.ExecutionID] = &cp
	r.fills = append(r.fills, &cp)
	return true, nil
}

// ListFills 按成交时间升序
func (r *MemoryFillRepository) ListFills(_ context.Context, accountID, tradingDate string) ([]*TradeFill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*TradeFill
	for _, f := range r.fills {
		if f.AccountID == accountID && f.TradingDate == tradingDate {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ExecutedAt.Before(out[j].ExecutedAt)
	})
	return out, nil
}

// Len 总成交数
func (r *MemoryFillRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.fills)
}
