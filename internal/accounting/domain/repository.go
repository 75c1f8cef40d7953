package domain

import "context"

// LedgerRepository 核算基数与动作流水仓储
type LedgerRepository interface {
	// GetEntry 获取（用户、仓位）基数，不存在返回 ErrEntryNotFound
	GetEntry(ctx context.Context, userID, positionID string) (*LedgerEntry, error)
	// SaveEntry 新增基数条目
	SaveEntry(ctx context.Context, entry *LedgerEntry) error
	// UpdateEntry 更新基数条目
	UpdateEntry(ctx context.Context, entry *LedgerEntry) error
	// ListEntriesByUser 用户名下全部条目，按首次触达顺序
	ListEntriesByUser(ctx context.Context, userID string) ([]*LedgerEntry, error)

	// AppendAction 追加动作流水，Seq 由仓储分配且全局单调递增
	AppendAction(ctx context.Context, action *ActionRecord) error
	// ListActions 按 Seq 升序返回（用户、仓位）的动作流水
	ListActions(ctx context.Context, userID, positionID string, limit, offset int) ([]*ActionRecord, int64, error)
	// CountActionsByUser 用户动作总数
	CountActionsByUser(ctx context.Context, userID string) (int64, error)
}
