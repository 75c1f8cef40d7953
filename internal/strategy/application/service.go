package application

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/deficonverter/internal/strategy/domain"
	"github.com/wyfcoding/deficonverter/pkg/metrics"
)

// SelectStrategyCommand 选路命令
type SelectStrategyCommand struct {
	CollateralAsset  string
	BorrowAsset      string
	CollateralAmount decimal.Decimal
	Horizon          time.Duration
	Policy           domain.SplitPolicy
	TargetOutput     decimal.Decimal
}

// StrategyService 策略应用服务。
// SelectStrategy 与 SimulateStrategy 共用同一引擎，同一输入结果逐位一致。
type StrategyService struct {
	engine  *domain.SelectorEngine
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewStrategyService(engine *domain.SelectorEngine, m *metrics.Metrics, logger *slog.Logger) *StrategyService {
	return &StrategyService{
		engine:  engine,
		metrics: m,
		logger:  logger.With("module", "strategy"),
	}
}

// SelectStrategy 生成融资计划
func (s *StrategyService) SelectStrategy(ctx context.Context, cmd SelectStrategyCommand) (domain.FinancingPlan, error) {
	plan, err := s.engine.Select(ctx, domain.SelectRequest{
		Pair:             domain.AssetPair{Collateral: cmd.CollateralAsset, Borrow: cmd.BorrowAsset},
		CollateralAmount: cmd.CollateralAmount,
		Horizon:          cmd.Horizon,
		Policy:           cmd.Policy,
		TargetOutput:     cmd.TargetOutput,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "strategy selection rejected",
			"collateral", cmd.CollateralAsset, "borrow", cmd.BorrowAsset, "error", err)
		return domain.FinancingPlan{}, err
	}

	if s.metrics != nil {
		s.metrics.SelectionsTotal.Inc()
		if plan.Empty() {
			s.metrics.EmptyPlansTotal.Inc()
		}
	}

	s.logger.InfoContext(ctx, "strategy selected",
		"collateral", cmd.CollateralAsset,
		"borrow", cmd.BorrowAsset,
		"amount", cmd.CollateralAmount.String(),
		"policy", string(policyOrDefault(cmd.Policy)),
		"legs", len(plan.Legs))
	return plan, nil
}

// SimulateStrategy 只读模拟选路，不产生任何副作用
func (s *StrategyService) SimulateStrategy(ctx context.Context, cmd SelectStrategyCommand) (domain.FinancingPlan, error) {
	return s.engine.Select(ctx, domain.SelectRequest{
		Pair:             domain.AssetPair{Collateral: cmd.CollateralAsset, Borrow: cmd.BorrowAsset},
		CollateralAmount: cmd.CollateralAmount,
		Horizon:          cmd.Horizon,
		Policy:           cmd.Policy,
		TargetOutput:     cmd.TargetOutput,
	})
}

func policyOrDefault(p domain.SplitPolicy) domain.SplitPolicy {
	if p == "" {
		return domain.SplitDefault
	}
	return p
}
