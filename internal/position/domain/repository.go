package domain

import "context"

// PositionRepository 仓位仓储接口
type PositionRepository interface {
	// Save 新增仓位实例
	Save(ctx context.Context, position *Position) error
	// Update 全量更新仓位
	Update(ctx context.Context, position *Position) error
	// Get 按仓位 ID 获取
	Get(ctx context.Context, positionID string) (*Position, error)
	// Latest 获取归属键下实例号最大的仓位，不存在返回 ErrPositionNotFound
	Latest(ctx context.Context, tuple PositionTuple) (*Position, error)
	// ListByTuple 按实例号升序返回归属键下全部仓位
	ListByTuple(ctx context.Context, tuple PositionTuple) ([]*Position, error)
	// ListOpen 按创建先后返回全部未关闭仓位
	ListOpen(ctx context.Context) ([]*Position, error)
	// CountOpen 未关闭仓位数
	CountOpen(ctx context.Context) (int64, error)
}
