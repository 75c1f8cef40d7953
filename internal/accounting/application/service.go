package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/deficonverter/internal/accounting/domain"
	venue "github.com/wyfcoding/deficonverter/internal/venue/domain"
	"github.com/wyfcoding/deficonverter/pkg/algos"
)

// PositionDirectory 仓位目录只读视图，校验入账仓位是否登记过
type PositionDirectory interface {
	Exists(ctx context.Context, positionID string) (bool, error)
}

// AccountingService 核算账本应用服务
type AccountingService struct {
	repo      domain.LedgerRepository
	positions PositionDirectory
	publisher domain.EventPublisher
	oracle    venue.PriceOracle
	logger    *slog.Logger
}

func NewAccountingService(
	repo domain.LedgerRepository,
	positions PositionDirectory,
	publisher domain.EventPublisher,
	oracle venue.PriceOracle,
	logger *slog.Logger,
) *AccountingService {
	return &AccountingService{
		repo:      repo,
		positions: positions,
		publisher: publisher,
		oracle:    oracle,
		logger:    logger.With("module", "accounting"),
	}
}

// OnBorrow 借款入账。
// 仓位必须已在仓位目录登记，未知仓位入账是调用方缺陷，直接失败。
// 用户首次触达该仓位时登记索引并恰好发布一次 NewPosition 事件。
func (s *AccountingService) OnBorrow(ctx context.Context, userID, positionID string, collateralSupplied, debtDrawn decimal.Decimal, pair venue.AssetPair) error {
	if collateralSupplied.IsNegative() || debtDrawn.IsNegative() {
		return domain.ErrNegativeAmount
	}

	known, err := s.positions.Exists(ctx, positionID)
	if err != nil {
		return err
	}
	if !known {
		return domain.ErrUnknownPosition
	}

	entry, err := s.repo.GetEntry(ctx, userID, positionID)
	firstSight := false
	if err != nil {
		if !errors.Is(err, domain.ErrEntryNotFound) {
			return err
		}
		entry = domain.NewLedgerEntry(userID, positionID)
		if serr := s.repo.SaveEntry(ctx, entry); serr != nil {
			return serr
		}
		firstSight = true
	}

	entry.ApplyBorrow(collateralSupplied, debtDrawn)
	if err := s.repo.UpdateEntry(ctx, entry); err != nil {
		return err
	}

	collateralPrice, borrowPrice := s.snapshotPrices(ctx, pair)
	action := &domain.ActionRecord{
		UserID:              userID,
		PositionID:          positionID,
		Kind:                domain.ActionBorrow,
		CollateralMoved:     collateralSupplied,
		DebtMoved:           debtDrawn,
		CollateralBaseAfter: entry.CollateralBase,
		DebtBaseAfter:       entry.DebtBase,
		Gain:                decimal.Zero,
		Loss:                decimal.Zero,
		CollateralPrice:     collateralPrice,
		BorrowPrice:         borrowPrice,
		CreatedAt:           time.Now(),
	}
	if err := s.repo.AppendAction(ctx, action); err != nil {
		return err
	}

	if firstSight {
		s.publish(ctx, func() error {
			return s.publisher.PublishNewPosition(domain.NewPositionEvent{
				UserID:     userID,
				PositionID: positionID,
				OccurredOn: time.Now(),
			})
		})
	}
	s.publish(ctx, func() error {
		return s.publisher.PublishBorrowRecorded(domain.BorrowRecordedEvent{
			UserID:             userID,
			PositionID:         positionID,
			CollateralSupplied: collateralSupplied,
			DebtDrawn:          debtDrawn,
			CollateralBase:     entry.CollateralBase,
			DebtBase:           entry.DebtBase,
			OccurredOn:         time.Now(),
		})
	})

	s.logger.InfoContext(ctx, "borrow recorded",
		"user_id", userID,
		"position_id", positionID,
		"collateral_base", entry.CollateralBase.String(),
		"debt_base", entry.DebtBase.String())
	return nil
}

// OnRepay 还款入账。
// 未知的（用户、仓位）组合静默忽略：既不报错也不产生任何流水。
func (s *AccountingService) OnRepay(ctx context.Context, userID, positionID string, collateralMoved, collateralRemaining, debtMoved, debtRemaining decimal.Decimal, pair venue.AssetPair) (domain.RepayOutcome, error) {
	if collateralMoved.IsNegative() || debtMoved.IsNegative() {
		return domain.RepayOutcome{}, domain.ErrNegativeAmount
	}

	entry, err := s.repo.GetEntry(ctx, userID, positionID)
	if err != nil {
		if errors.Is(err, domain.ErrEntryNotFound) {
			s.logger.WarnContext(ctx, "repay from unknown ledger entry ignored",
				"user_id", userID, "position_id", positionID)
			return domain.RepayOutcome{}, nil
		}
		return domain.RepayOutcome{}, err
	}

	outcome := entry.ApplyRepay(collateralMoved, collateralRemaining, debtMoved, debtRemaining)
	if err := s.repo.UpdateEntry(ctx, entry); err != nil {
		return domain.RepayOutcome{}, err
	}

	collateralPrice, borrowPrice := s.snapshotPrices(ctx, pair)
	action := &domain.ActionRecord{
		UserID:              userID,
		PositionID:          positionID,
		Kind:                domain.ActionRepay,
		CollateralMoved:     collateralMoved,
		DebtMoved:           debtMoved,
		CollateralBaseAfter: entry.CollateralBase,
		DebtBaseAfter:       entry.DebtBase,
		Gain:                outcome.CollateralGain,
		Loss:                outcome.DebtLoss,
		CollateralPrice:     collateralPrice,
		BorrowPrice:         borrowPrice,
		CreatedAt:           time.Now(),
	}
	if err := s.repo.AppendAction(ctx, action); err != nil {
		return domain.RepayOutcome{}, err
	}

	s.publish(ctx, func() error {
		return s.publisher.PublishRepayRecorded(domain.RepayRecordedEvent{
			UserID:          userID,
			PositionID:      positionID,
			CollateralMoved: collateralMoved,
			DebtMoved:       debtMoved,
			Gain:            outcome.CollateralGain,
			Loss:            outcome.DebtLoss,
			OccurredOn:      time.Now(),
		})
	})

	s.logger.InfoContext(ctx, "repay recorded",
		"user_id", userID,
		"position_id", positionID,
		"gain", outcome.CollateralGain.String(),
		"loss", outcome.DebtLoss.String())
	return outcome, nil
}

// Entry 查询（用户、仓位）基数
func (s *AccountingService) Entry(ctx context.Context, userID, positionID string) (*domain.LedgerEntry, error) {
	return s.repo.GetEntry(ctx, userID, positionID)
}

// UserEntries 用户名下全部基数条目
func (s *AccountingService) UserEntries(ctx context.Context, userID string) ([]*domain.LedgerEntry, error) {
	return s.repo.ListEntriesByUser(ctx, userID)
}

// History 动作流水分页查询
func (s *AccountingService) History(ctx context.Context, userID, positionID string, limit, offset int) ([]*domain.ActionRecord, int64, error) {
	return s.repo.ListActions(ctx, userID, positionID, limit, offset)
}

// CountActions 用户动作总数
func (s *AccountingService) CountActions(ctx context.Context, userID string) (int64, error) {
	return s.repo.CountActionsByUser(ctx, userID)
}

// RangePnL 统计（用户、仓位）第 from 到 to 条动作（含两端，从 0 计）
// 的净已实现盈亏。流水上构建区间和线段树后查询。
func (s *AccountingService) RangePnL(ctx context.Context, userID, positionID string, from, to int) (decimal.Decimal, error) {
	actions, _, err := s.repo.ListActions(ctx, userID, positionID, 0, 0)
	if err != nil {
		return decimal.Zero, err
	}
	if len(actions) == 0 || from > to || from < 0 {
		return decimal.Zero, nil
	}
	if to >= len(actions) {
		to = len(actions) - 1
	}

	net := make([]decimal.Decimal, len(actions))
	for i, action := range actions {
		net[i] = action.Gain.Sub(action.Loss)
	}
	tree := algos.NewSegmentTree(net)
	return tree.Query(from, to)
}

// snapshotPrices 审计用价格快照，失败记零不阻塞入账
func (s *AccountingService) snapshotPrices(ctx context.Context, pair venue.AssetPair) (decimal.Decimal, decimal.Decimal) {
	collateralPrice, err := s.oracle.Price(ctx, pair.Collateral)
	if err != nil {
		s.logger.WarnContext(ctx, "collateral price snapshot failed", "asset", pair.Collateral, "error", err)
		collateralPrice = decimal.Zero
	}
	borrowPrice, err := s.oracle.Price(ctx, pair.Borrow)
	if err != nil {
		s.logger.WarnContext(ctx, "borrow price snapshot failed", "asset", pair.Borrow, "error", err)
		borrowPrice = decimal.Zero
	}
	return collateralPrice, borrowPrice
}

func (s *AccountingService) publish(ctx context.Context, fn func() error) {
	if s.publisher == nil {
		return
	}
	if err := fn(); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish accounting event", "error", err)
	}
}
