// 文件: pkg/ledger/repository.go
// 成交存储接口

package ledger

import "context"

// FillRepository 成交存储
type FillRepository interface {
	// InsertFill 按 execution_id 幂等写入，已存在返回 false
	InsertFill(ctx context.Context, f *TradeFill) (bool, error)
	// ListFills 某账户某交易日全部成交，按成交时间升序
	ListFills(ctx context.Context, accountID, tradingDate string) ([]*TradeFill, error)
}
