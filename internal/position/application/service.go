package application

import (
	"context"
	"errors"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/deficonverter/internal/position/domain"
	venue "github.com/wyfcoding/deficonverter/internal/venue/domain"
	"github.com/wyfcoding/deficonverter/pkg/metrics"
)

// PositionService 仓位账本应用服务。
// 负责复用/铸造裁决、开仓关仓记录与按归属键的债务口径汇总。
type PositionService struct {
	repo            domain.PositionRepository
	venues          *venue.AdapterRegistry
	minHealthFactor decimal.Decimal
	debtGapFraction decimal.Decimal
	metrics         *metrics.Metrics
	logger          *slog.Logger
}

func NewPositionService(
	repo domain.PositionRepository,
	venues *venue.AdapterRegistry,
	minHealthFactor, debtGapFraction decimal.Decimal,
	m *metrics.Metrics,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		repo:            repo,
		venues:          venues,
		minHealthFactor: minHealthFactor,
		debtGapFraction: debtGapFraction,
		metrics:         m,
		logger:          logger.With("module", "position"),
	}
}

// RegisterOrReuse 返回归属键下可用的仓位实例。
// 最新实例满足「未弃用，且（未开仓，或健康且未被清算）」时复用；
// 否则将其永久弃用并铸造下一实例。返回值第二项表示是否复用。
func (s *PositionService) RegisterOrReuse(ctx context.Context, tuple domain.PositionTuple) (*domain.Position, bool, error) {
	latest, err := s.repo.Latest(ctx, tuple)
	if err != nil {
		if !errors.Is(err, domain.ErrPositionNotFound) {
			return nil, false, err
		}
		return s.mint(ctx, tuple, 1)
	}

	if !latest.Abandoned {
		if !latest.Opened {
			return latest, true, nil
		}
		healthy, herr := s.IsHealthy(ctx, latest)
		if herr != nil {
			return nil, false, herr
		}
		if healthy {
			return latest, true, nil
		}
		// 候选实例不健康或已被清算，永久弃用
		latest.Abandon()
		if uerr := s.repo.Update(ctx, latest); uerr != nil {
			return nil, false, uerr
		}
		s.logger.WarnContext(ctx, "position abandoned",
			"position_id", latest.PositionID, "instance", latest.InstanceID)
	}

	return s.mint(ctx, tuple, latest.InstanceID+1)
}

func (s *PositionService) mint(ctx context.Context, tuple domain.PositionTuple, instanceID uint64) (*domain.Position, bool, error) {
	position := domain.NewPosition(tuple, instanceID)
	if err := s.repo.Save(ctx, position); err != nil {
		return nil, false, err
	}
	s.logger.InfoContext(ctx, "position minted",
		"position_id", position.PositionID, "instance", instanceID)
	return position, false, nil
}

// RecordOpen 记录仓位已在场所开仓
func (s *PositionService) RecordOpen(ctx context.Context, positionID string) error {
	position, err := s.repo.Get(ctx, positionID)
	if err != nil {
		return err
	}
	wasOpen := position.Opened
	position.MarkOpened()
	if err := s.repo.Update(ctx, position); err != nil {
		return err
	}
	if !wasOpen && s.metrics != nil {
		s.metrics.PositionsOpen.Inc()
	}
	return nil
}

// MarkClosed 债务清零后关闭仓位
func (s *PositionService) MarkClosed(ctx context.Context, positionID string) error {
	position, err := s.repo.Get(ctx, positionID)
	if err != nil {
		return err
	}
	wasOpen := position.Opened
	position.MarkClosed()
	if err := s.repo.Update(ctx, position); err != nil {
		return err
	}
	if wasOpen && s.metrics != nil {
		s.metrics.PositionsOpen.Dec()
	}
	return nil
}

// Get 按仓位 ID 获取
func (s *PositionService) Get(ctx context.Context, positionID string) (*domain.Position, error) {
	return s.repo.Get(ctx, positionID)
}

// Exists 仓位是否登记过
func (s *PositionService) Exists(ctx context.Context, positionID string) (bool, error) {
	_, err := s.repo.Get(ctx, positionID)
	if err != nil {
		if errors.Is(err, domain.ErrPositionNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListOpen 按创建先后返回未关闭仓位
func (s *PositionService) ListOpen(ctx context.Context) ([]*domain.Position, error) {
	return s.repo.ListOpen(ctx)
}

// IsHealthy 按场所上报状态判定：健康因子达标且未发生抵押清算
func (s *PositionService) IsHealthy(ctx context.Context, position *domain.Position) (bool, error) {
	adapter, err := s.venues.Get(position.VenueKey)
	if err != nil {
		return false, err
	}
	status, err := adapter.Status(ctx, position.PositionID)
	if err != nil {
		return false, err
	}
	if status.LiquidatedCollateral.GreaterThan(decimal.Zero) {
		return false, nil
	}
	return status.HealthFactor.GreaterThanOrEqual(s.minHealthFactor), nil
}

// PositionExposure 单仓位敞口
type PositionExposure struct {
	PositionID       string          `json:"position_id"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	DebtAmount       decimal.Decimal `json:"debt_amount"`
	HealthFactor     decimal.Decimal `json:"health_factor"`
}

// TotalExposure 汇总单（用户、资产对）下全部未关闭仓位的抵押与债务。
// withDebtGap 为真且场所要求债务缺口缓冲时，债务按 (1 + debtGapFraction)
// 口径计入；抵押数值不做膨胀。
func (s *PositionService) TotalExposure(ctx context.Context, userID string, pair venue.AssetPair, withDebtGap bool) (collateral, debt decimal.Decimal, exposures []PositionExposure, err error) {
	open, err := s.repo.ListOpen(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, nil, err
	}

	collateral = decimal.Zero
	debt = decimal.Zero
	gapMultiplier := decimal.NewFromInt(1).Add(s.debtGapFraction)

	for _, position := range open {
		if position.UserID != userID ||
			position.CollateralAsset != pair.Collateral ||
			position.BorrowAsset != pair.Borrow {
			continue
		}
		adapter, aerr := s.venues.Get(position.VenueKey)
		if aerr != nil {
			return decimal.Zero, decimal.Zero, nil, aerr
		}
		status, serr := adapter.Status(ctx, position.PositionID)
		if serr != nil {
			return decimal.Zero, decimal.Zero, nil, serr
		}

		positionDebt := status.DebtAmount
		if withDebtGap && status.DebtGapRequired {
			positionDebt = positionDebt.Mul(gapMultiplier)
		}

		collateral = collateral.Add(status.CollateralAmount)
		debt = debt.Add(positionDebt)
		exposures = append(exposures, PositionExposure{
			PositionID:       position.PositionID,
			CollateralAmount: status.CollateralAmount,
			DebtAmount:       positionDebt,
			HealthFactor:     status.HealthFactor,
		})
	}
	return collateral, debt, exposures, nil
}
