package mysql

import (
	"context"
	"errors"

	"github.com/wyfcoding/deficonverter/internal/position/domain"
	"gorm.io/gorm"
)

type PositionModel struct {
	gorm.Model
	PositionID      string `gorm:"column:position_id;type:varchar(191);uniqueIndex;not null"`
	VenueKey        string `gorm:"column:venue_key;type:varchar(64);index:idx_tuple;not null"`
	UserID          string `gorm:"column:user_id;type:varchar(64);index:idx_tuple;not null"`
	CollateralAsset string `gorm:"column:collateral_asset;type:varchar(32);index:idx_tuple;not null"`
	BorrowAsset     string `gorm:"column:borrow_asset;type:varchar(32);index:idx_tuple;not null"`
	InstanceID      uint64 `gorm:"column:instance_id;not null"`
	Opened          bool   `gorm:"column:opened;not null;default:false"`
	Closed          bool   `gorm:"column:closed;not null;default:false"`
	Abandoned       bool   `gorm:"column:abandoned;not null;default:false"`
}

func (PositionModel) TableName() string { return "converter_positions" }

type PositionRepo struct {
	db *gorm.DB
}

func NewPositionRepo(db *gorm.DB) domain.PositionRepository {
	return &PositionRepo{db: db}
}

func (r *PositionRepo) Save(ctx context.Context, position *domain.Position) error {
	return r.db.WithContext(ctx).Create(toModel(position)).Error
}

func (r *PositionRepo) Update(ctx context.Context, position *domain.Position) error {
	return r.db.WithContext(ctx).
		Model(&PositionModel{}).
		Where("position_id = ?", position.PositionID).
		Updates(map[string]any{
			"opened":    position.Opened,
			"closed":    position.Closed,
			"abandoned": position.Abandoned,
		}).Error
}

func (r *PositionRepo) Get(ctx context.Context, positionID string) (*domain.Position, error) {
	var model PositionModel
	if err := r.db.WithContext(ctx).Where("position_id = ?", positionID).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPositionNotFound
		}
		return nil, err
	}
	return toDomain(&model), nil
}

func (r *PositionRepo) Latest(ctx context.Context, tuple domain.PositionTuple) (*domain.Position, error) {
	var model PositionModel
	err := r.tupleScope(ctx, tuple).Order("instance_id DESC").First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrPositionNotFound
		}
		return nil, err
	}
	return toDomain(&model), nil
}

func (r *PositionRepo) ListByTuple(ctx context.Context, tuple domain.PositionTuple) ([]*domain.Position, error) {
	var models []PositionModel
	if err := r.tupleScope(ctx, tuple).Order("instance_id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	return toDomainList(models), nil
}

func (r *PositionRepo) ListOpen(ctx context.Context) ([]*domain.Position, error) {
	var models []PositionModel
	err := r.db.WithContext(ctx).
		Where("opened = ? AND closed = ?", true, false).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return toDomainList(models), nil
}

func (r *PositionRepo) CountOpen(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&PositionModel{}).
		Where("opened = ? AND closed = ?", true, false).
		Count(&count).Error
	return count, err
}

func (r *PositionRepo) tupleScope(ctx context.Context, tuple domain.PositionTuple) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&PositionModel{}).
		Where("venue_key = ? AND user_id = ? AND collateral_asset = ? AND borrow_asset = ?",
			tuple.VenueKey, tuple.UserID, tuple.CollateralAsset, tuple.BorrowAsset)
}

func toModel(p *domain.Position) *PositionModel {
	return &PositionModel{
		PositionID:      p.PositionID,
		VenueKey:        p.VenueKey,
		UserID:          p.UserID,
		CollateralAsset: p.CollateralAsset,
		BorrowAsset:     p.BorrowAsset,
		InstanceID:      p.InstanceID,
		Opened:          p.Opened,
		Closed:          p.Closed,
		Abandoned:       p.Abandoned,
	}
}

func toDomain(m *PositionModel) *domain.Position {
	return &domain.Position{
		PositionID:      m.PositionID,
		VenueKey:        m.VenueKey,
		UserID:          m.UserID,
		CollateralAsset: m.CollateralAsset,
		BorrowAsset:     m.BorrowAsset,
		InstanceID:      m.InstanceID,
		Opened:          m.Opened,
		Closed:          m.Closed,
		Abandoned:       m.Abandoned,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func toDomainList(models []PositionModel) []*domain.Position {
	out := make([]*domain.Position, 0, len(models))
	for i := range models {
		out = append(out, toDomain(&models[i]))
	}
	return out
}
