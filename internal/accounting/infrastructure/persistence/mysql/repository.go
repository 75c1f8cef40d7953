package mysql

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/deficonverter/internal/accounting/domain"
	"gorm.io/gorm"
)

type LedgerEntryModel struct {
	gorm.Model
	UserID         string          `gorm:"column:user_id;type:varchar(64);uniqueIndex:idx_user_position;not null"`
	PositionID     string          `gorm:"column:position_id;type:varchar(191);uniqueIndex:idx_user_position;not null"`
	CollateralBase decimal.Decimal `gorm:"column:collateral_base;type:decimal(40,18);not null"`
	DebtBase       decimal.Decimal `gorm:"column:debt_base;type:decimal(40,18);not null"`
}

func (LedgerEntryModel) TableName() string { return "converter_ledger_entries" }

type ActionRecordModel struct {
	gorm.Model
	UserID              string          `gorm:"column:user_id;type:varchar(64);index:idx_user_pos_action;not null"`
	PositionID          string          `gorm:"column:position_id;type:varchar(191);index:idx_user_pos_action;not null"`
	Kind                string          `gorm:"column:kind;type:varchar(16);not null"`
	CollateralMoved     decimal.Decimal `gorm:"column:collateral_moved;type:decimal(40,18);not null"`
	DebtMoved           decimal.Decimal `gorm:"column:debt_moved;type:decimal(40,18);not null"`
	CollateralBaseAfter decimal.Decimal `gorm:"column:collateral_base_after;type:decimal(40,18);not null"`
	DebtBaseAfter       decimal.Decimal `gorm:"column:debt_base_after;type:decimal(40,18);not null"`
	Gain                decimal.Decimal `gorm:"column:gain;type:decimal(40,18);not null"`
	Loss                decimal.Decimal `gorm:"column:loss;type:decimal(40,18);not null"`
	CollateralPrice     decimal.Decimal `gorm:"column:collateral_price;type:decimal(40,18);not null"`
	BorrowPrice         decimal.Decimal `gorm:"column:borrow_price;type:decimal(40,18);not null"`
}

func (ActionRecordModel) TableName() string { return "converter_ledger_actions" }

type LedgerRepo struct {
	db *gorm.DB
}

func NewLedgerRepo(db *gorm.DB) domain.LedgerRepository {
	return &LedgerRepo{db: db}
}

func (r *LedgerRepo) GetEntry(ctx context.Context, userID, positionID string) (*domain.LedgerEntry, error) {
	var model LedgerEntryModel
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND position_id = ?", userID, positionID).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, err
	}
	return entryToDomain(&model), nil
}

func (r *LedgerRepo) SaveEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	return r.db.WithContext(ctx).Create(&LedgerEntryModel{
		UserID:         entry.UserID,
		PositionID:     entry.PositionID,
		CollateralBase: entry.CollateralBase,
		DebtBase:       entry.DebtBase,
	}).Error
}

func (r *LedgerRepo) UpdateEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	return r.db.WithContext(ctx).
		Model(&LedgerEntryModel{}).
		Where("user_id = ? AND position_id = ?", entry.UserID, entry.PositionID).
		Updates(map[string]any{
			"collateral_base": entry.CollateralBase,
			"debt_base":       entry.DebtBase,
		}).Error
}

func (r *LedgerRepo) ListEntriesByUser(ctx context.Context, userID string) ([]*domain.LedgerEntry, error) {
	var models []LedgerEntryModel
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*domain.LedgerEntry, 0, len(models))
	for i := range models {
		out = append(out, entryToDomain(&models[i]))
	}
	return out, nil
}

func (r *LedgerRepo) AppendAction(ctx context.Context, action *domain.ActionRecord) error {
	model := ActionRecordModel{
		UserID:              action.UserID,
		PositionID:          action.PositionID,
		Kind:                string(action.Kind),
		CollateralMoved:     action.CollateralMoved,
		DebtMoved:           action.DebtMoved,
		CollateralBaseAfter: action.CollateralBaseAfter,
		DebtBaseAfter:       action.DebtBaseAfter,
		Gain:                action.Gain,
		Loss:                action.Loss,
		CollateralPrice:     action.CollateralPrice,
		BorrowPrice:         action.BorrowPrice,
	}
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return err
	}
	action.Seq = uint64(model.ID)
	return nil
}

func (r *LedgerRepo) ListActions(ctx context.Context, userID, positionID string, limit, offset int) ([]*domain.ActionRecord, int64, error) {
	scope := r.db.WithContext(ctx).
		Model(&ActionRecordModel{}).
		Where("user_id = ? AND position_id = ?", userID, positionID)

	var total int64
	if err := scope.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	query := scope.Order("id ASC")
	if offset > 0 {
		query = query.Offset(offset)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []ActionRecordModel
	if err := query.Find(&models).Error; err != nil {
		return nil, 0, err
	}

	out := make([]*domain.ActionRecord, 0, len(models))
	for i := range models {
		out = append(out, actionToDomain(&models[i]))
	}
	return out, total, nil
}

func (r *LedgerRepo) CountActionsByUser(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&ActionRecordModel{}).
		Where("user_id = ?", userID).
		Count(&count).Error
	return count, err
}

func entryToDomain(m *LedgerEntryModel) *domain.LedgerEntry {
	return &domain.LedgerEntry{
		UserID:         m.UserID,
		PositionID:     m.PositionID,
		CollateralBase: m.CollateralBase,
		DebtBase:       m.DebtBase,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func actionToDomain(m *ActionRecordModel) *domain.ActionRecord {
	return &domain.ActionRecord{
		Seq:                 uint64(m.ID),
		UserID:              m.UserID,
		PositionID:          m.PositionID,
		Kind:                domain.ActionKind(m.Kind),
		CollateralMoved:     m.CollateralMoved,
		DebtMoved:           m.DebtMoved,
		CollateralBaseAfter: m.CollateralBaseAfter,
		DebtBaseAfter:       m.DebtBaseAfter,
		Gain:                m.Gain,
		Loss:                m.Loss,
		CollateralPrice:     m.CollateralPrice,
		BorrowPrice:         m.BorrowPrice,
		CreatedAt:           m.CreatedAt,
	}
}
