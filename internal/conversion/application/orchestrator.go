// Package application 转换编排器：借款、还款、强制再平衡、强制结算与保护性清算。
// 所有资金变更入口由单一互斥锁串行化（单写者）；模拟与估算走只读路径，不加锁。
package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	accountingapp "github.com/wyfcoding/deficonverter/internal/accounting/application"
	accountingdomain "github.com/wyfcoding/deficonverter/internal/accounting/domain"
	"github.com/wyfcoding/deficonverter/internal/conversion/domain"
	positionapp "github.com/wyfcoding/deficonverter/internal/position/application"
	positiondomain "github.com/wyfcoding/deficonverter/internal/position/domain"
	strategydomain "github.com/wyfcoding/deficonverter/internal/strategy/domain"
	venue "github.com/wyfcoding/deficonverter/internal/venue/domain"
	"github.com/wyfcoding/deficonverter/pkg/metrics"
)

// Config 编排器参数
type Config struct {
	// AmountTolerance 实际成交相对计划的允许偏差比例
	AmountTolerance decimal.Decimal
	// MinHealthFactor 操作后健康因子下限
	MinHealthFactor decimal.Decimal
	// DebtGapFraction 债务缺口缓冲比例
	DebtGapFraction decimal.Decimal
	// KeeperID 允许调用强制再平衡的调用方
	KeeperID string
	// GovernanceID 允许调用强制结算的调用方
	GovernanceID string
}

// ConversionOrchestrator 顶层协调器
type ConversionOrchestrator struct {
	mu sync.Mutex

	positions  *positionapp.PositionService
	accounting *accountingapp.AccountingService
	venues     *venue.AdapterRegistry
	swap       venue.SwapProvider
	oracle     venue.PriceOracle
	vault      domain.AssetVault
	borrowers  domain.BorrowerRegistry
	cfg        Config
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewConversionOrchestrator(
	positions *positionapp.PositionService,
	accounting *accountingapp.AccountingService,
	venues *venue.AdapterRegistry,
	swap venue.SwapProvider,
	oracle venue.PriceOracle,
	vault domain.AssetVault,
	borrowers domain.BorrowerRegistry,
	cfg Config,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ConversionOrchestrator {
	return &ConversionOrchestrator{
		positions:  positions,
		accounting: accounting,
		venues:     venues,
		swap:       swap,
		oracle:     oracle,
		vault:      vault,
		borrowers:  borrowers,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.With("module", "conversion"),
	}
}

// BorrowCommand 借款命令
type BorrowCommand struct {
	CallerID string
	UserID   string
	Receiver string
	Pair     venue.AssetPair
	Plan     strategydomain.FinancingPlan
	// Borrower 可选；注册后该笔借款涉及的仓位支持两轮召回
	Borrower domain.Borrower
}

type executedLeg struct {
	leg        strategydomain.PlanLeg
	positionID string
	adapter    venue.VenueAdapter
	realized   decimal.Decimal
}

// Borrow 执行融资计划。
// 任一腿的实际成交偏离计划超出容差，或执行后健康因子不达标，
// 整单回退：已执行的腿反向平掉，抵押退回调用方。
func (o *ConversionOrchestrator) Borrow(ctx context.Context, cmd BorrowCommand) (domain.BorrowResult, error) {
	if cmd.Plan.Empty() {
		return domain.BorrowResult{}, domain.ErrEmptyPlan
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	started := time.Now()

	total := cmd.Plan.TotalCollateralIn()
	if total.LessThanOrEqual(decimal.Zero) {
		return domain.BorrowResult{}, domain.ErrInvalidAmount
	}
	if err := o.vault.Pull(ctx, cmd.CallerID, cmd.Pair.Collateral, total); err != nil {
		return domain.BorrowResult{}, fmt.Errorf("pull collateral: %w", err)
	}

	var executed []executedLeg
	pulled := total

	for _, leg := range cmd.Plan.Legs {
		var (
			realized   decimal.Decimal
			positionID string
			adapter    venue.VenueAdapter
			err        error
		)

		switch leg.Kind {
		case strategydomain.RouteVenue:
			adapter, err = o.venues.Get(leg.VenueKey)
			if err == nil {
				var position *positiondomain.Position
				position, _, err = o.positions.RegisterOrReuse(ctx, positiondomain.PositionTuple{
					VenueKey:        leg.VenueKey,
					UserID:          cmd.UserID,
					CollateralAsset: cmd.Pair.Collateral,
					BorrowAsset:     cmd.Pair.Borrow,
				})
				if err == nil {
					positionID = position.PositionID
					if perr := o.vault.Push(ctx, leg.VenueKey, cmd.Pair.Collateral, leg.CollateralIn); perr != nil {
						err = perr
					} else {
						pulled = pulled.Sub(leg.CollateralIn)
						realized, err = adapter.Borrow(ctx, positionID, cmd.Pair, leg.CollateralIn, leg.AmountOut, domain.OrchestratorAccount)
					}
				}
			}
		case strategydomain.RouteSwap:
			if perr := o.vault.Push(ctx, domain.SwapAccount, cmd.Pair.Collateral, leg.CollateralIn); perr != nil {
				err = perr
			} else {
				pulled = pulled.Sub(leg.CollateralIn)
				realized, err = o.swap.Swap(ctx, cmd.Pair.Collateral, leg.CollateralIn, cmd.Pair.Borrow, domain.OrchestratorAccount)
			}
		default:
			err = fmt.Errorf("unknown plan leg kind %q", leg.Kind)
		}

		if err == nil && !o.withinTolerance(realized, leg.AmountOut) {
			err = fmt.Errorf("%w: planned %s realized %s", domain.ErrAmountMismatch, leg.AmountOut, realized)
		}
		if err == nil && leg.Kind == strategydomain.RouteVenue {
			status, serr := adapter.Status(ctx, positionID)
			if serr != nil {
				err = serr
			} else if status.HealthFactor.LessThan(o.cfg.MinHealthFactor) {
				err = fmt.Errorf("%w: health factor %s", domain.ErrHealthViolation, status.HealthFactor)
			}
		}

		if err != nil {
			executed = append(executed, executedLeg{leg: leg, positionID: positionID, adapter: adapter, realized: realized})
			o.unwindBorrow(ctx, cmd, executed, pulled)
			return domain.BorrowResult{}, err
		}
		executed = append(executed, executedLeg{leg: leg, positionID: positionID, adapter: adapter, realized: realized})
	}

	result := domain.BorrowResult{CollateralPulled: total}
	for _, e := range executed {
		if err := o.vault.Push(ctx, cmd.Receiver, cmd.Pair.Borrow, e.realized); err != nil {
			return domain.BorrowResult{}, fmt.Errorf("deliver borrowed funds: %w", err)
		}
		if e.leg.Kind == strategydomain.RouteVenue {
			if err := o.positions.RecordOpen(ctx, e.positionID); err != nil {
				return domain.BorrowResult{}, err
			}
			if err := o.accounting.OnBorrow(ctx, cmd.UserID, e.positionID, e.leg.CollateralIn, e.realized, cmd.Pair); err != nil {
				return domain.BorrowResult{}, err
			}
			if cmd.Borrower != nil {
				if err := o.borrowers.Register(e.positionID, cmd.Borrower); err != nil {
					return domain.BorrowResult{}, err
				}
			}
		}
		result.AmountDelivered = result.AmountDelivered.Add(e.realized)
		result.Legs = append(result.Legs, domain.BorrowLegResult{
			Kind:         string(e.leg.Kind),
			VenueKey:     e.leg.VenueKey,
			PositionID:   e.positionID,
			CollateralIn: e.leg.CollateralIn,
			Realized:     e.realized,
		})
	}

	if o.metrics != nil {
		o.metrics.BorrowsTotal.Inc()
		o.metrics.BorrowDuration.Observe(time.Since(started).Seconds())
	}
	o.logger.InfoContext(ctx, "borrow executed",
		"user_id", cmd.UserID,
		"collateral", total.String(),
		"delivered", result.AmountDelivered.String(),
		"legs", len(result.Legs))
	return result, nil
}

// unwindBorrow 反向回退已执行的腿并退还抵押；回退路径的失败只记日志
func (o *ConversionOrchestrator) unwindBorrow(ctx context.Context, cmd BorrowCommand, executed []executedLeg, pulledLeft decimal.Decimal) {
	for i := len(executed) - 1; i >= 0; i-- {
		e := executed[i]
		if e.realized.LessThanOrEqual(decimal.Zero) {
			continue
		}
		switch e.leg.Kind {
		case strategydomain.RouteVenue:
			if err := o.vault.Push(ctx, e.leg.VenueKey, cmd.Pair.Borrow, e.realized); err != nil {
				o.logger.ErrorContext(ctx, "unwind push failed", "venue", e.leg.VenueKey, "error", err)
				continue
			}
			if _, err := e.adapter.Repay(ctx, e.positionID, e.realized, cmd.CallerID, true); err != nil {
				o.logger.ErrorContext(ctx, "unwind venue repay failed", "position_id", e.positionID, "error", err)
			}
		case strategydomain.RouteSwap:
			if err := o.vault.Push(ctx, domain.SwapAccount, cmd.Pair.Borrow, e.realized); err != nil {
				o.logger.ErrorContext(ctx, "unwind push failed", "error", err)
				continue
			}
			if _, err := o.swap.Swap(ctx, cmd.Pair.Borrow, e.realized, cmd.Pair.Collateral, cmd.CallerID); err != nil {
				o.logger.ErrorContext(ctx, "unwind swap failed", "error", err)
			}
		}
	}
	if pulledLeft.GreaterThan(decimal.Zero) {
		if err := o.vault.Push(ctx, cmd.CallerID, cmd.Pair.Collateral, pulledLeft); err != nil {
			o.logger.ErrorContext(ctx, "unwind collateral refund failed", "error", err)
		}
	}
}

// RepayCommand 还款命令
type RepayCommand struct {
	CallerID string
	UserID   string
	Receiver string
	Pair     venue.AssetPair
	Amount   decimal.Decimal
}

// Repay 按登记先后走单还款：先还满一个仓位再进入下一个。
// 债务全部清偿后的余额：存在兑换路径时换成抵押资产转出，
// 否则原样退回；两部分分别上报。
func (o *ConversionOrchestrator) Repay(ctx context.Context, cmd RepayCommand) (domain.RepayResult, error) {
	if cmd.Amount.LessThanOrEqual(decimal.Zero) {
		return domain.RepayResult{}, domain.ErrInvalidAmount
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	started := time.Now()

	portions, leftover, err := o.planRepay(ctx, cmd.UserID, cmd.Pair, cmd.Amount)
	if err != nil {
		return domain.RepayResult{}, err
	}

	if err := o.vault.Pull(ctx, cmd.CallerID, cmd.Pair.Borrow, cmd.Amount); err != nil {
		return domain.RepayResult{}, fmt.Errorf("pull repayment: %w", err)
	}

	result := domain.RepayResult{DebtApplied: cmd.Amount.Sub(leftover)}
	for i := range portions {
		portion := &portions[i]
		adapter, aerr := o.venues.Get(portion.VenueKey)
		if aerr != nil {
			return domain.RepayResult{}, aerr
		}
		if err := o.vault.Push(ctx, portion.VenueKey, cmd.Pair.Borrow, portion.DebtRepaid); err != nil {
			return domain.RepayResult{}, err
		}
		freed, rerr := adapter.Repay(ctx, portion.PositionID, portion.DebtRepaid, cmd.Receiver, portion.Closes)
		if rerr != nil {
			return domain.RepayResult{}, rerr
		}
		portion.CollateralFreed = freed

		after, serr := adapter.Status(ctx, portion.PositionID)
		if serr != nil {
			return domain.RepayResult{}, serr
		}
		if _, err := o.accounting.OnRepay(ctx, cmd.UserID, portion.PositionID,
			freed, after.CollateralAmount, portion.DebtRepaid, after.DebtAmount, cmd.Pair); err != nil {
			return domain.RepayResult{}, err
		}
		if portion.Closes && after.DebtAmount.IsZero() {
			if err := o.positions.MarkClosed(ctx, portion.PositionID); err != nil {
				return domain.RepayResult{}, err
			}
		}
	}
	result.Portions = portions

	if leftover.GreaterThan(decimal.Zero) {
		swapped, returned, lerr := o.disposeLeftover(ctx, cmd.Pair, leftover, cmd.Receiver)
		if lerr != nil {
			return domain.RepayResult{}, lerr
		}
		result.LeftoverSwapped = swapped
		result.LeftoverReturned = returned
	}

	if o.metrics != nil {
		o.metrics.RepaysTotal.Inc()
		o.metrics.RepayDuration.Observe(time.Since(started).Seconds())
	}
	o.logger.InfoContext(ctx, "repay executed",
		"user_id", cmd.UserID,
		"amount", cmd.Amount.String(),
		"applied", result.DebtApplied.String(),
		"leftover_swapped", result.LeftoverSwapped.String(),
		"leftover_returned", result.LeftoverReturned.String())
	return result, nil
}

func (o *ConversionOrchestrator) disposeLeftover(ctx context.Context, pair venue.AssetPair, leftover decimal.Decimal, receiver string) (swapped, returned decimal.Decimal, err error) {
	quote, qerr := o.swap.Quote(ctx, pair.Borrow, pair.Collateral, leftover)
	if qerr == nil && quote.GreaterThan(decimal.Zero) {
		if err := o.vault.Push(ctx, domain.SwapAccount, pair.Borrow, leftover); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		out, serr := o.swap.Swap(ctx, pair.Borrow, leftover, pair.Collateral, receiver)
		if serr != nil {
			return decimal.Zero, decimal.Zero, serr
		}
		return out, decimal.Zero, nil
	}
	if err := o.vault.Push(ctx, receiver, pair.Borrow, leftover); err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	return decimal.Zero, leftover, nil
}

// planRepay 还款走单计划。执行与模拟共用，金额拆分逐位一致。
func (o *ConversionOrchestrator) planRepay(ctx context.Context, userID string, pair venue.AssetPair, amount decimal.Decimal) ([]domain.RepayPortion, decimal.Decimal, error) {
	open, err := o.listUserOpen(ctx, userID, pair)
	if err != nil {
		return nil, decimal.Zero, err
	}

	var portions []domain.RepayPortion
	remaining := amount
	for _, position := range open {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		adapter, aerr := o.venues.Get(position.VenueKey)
		if aerr != nil {
			return nil, decimal.Zero, aerr
		}
		status, serr := adapter.Status(ctx, position.PositionID)
		if serr != nil {
			return nil, decimal.Zero, serr
		}
		outstanding := status.DebtAmount
		if outstanding.LessThanOrEqual(decimal.Zero) {
			continue
		}

		portion := decimal.Min(remaining, outstanding)
		portions = append(portions, domain.RepayPortion{
			PositionID: position.PositionID,
			VenueKey:   position.VenueKey,
			DebtRepaid: portion,
			Closes:     portion.Equal(outstanding),
		})
		remaining = remaining.Sub(portion)
	}
	return portions, remaining, nil
}

func (o *ConversionOrchestrator) listUserOpen(ctx context.Context, userID string, pair venue.AssetPair) ([]*positiondomain.Position, error) {
	open, err := o.positions.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	var out []*positiondomain.Position
	for _, position := range open {
		if position.UserID == userID &&
			position.CollateralAsset == pair.Collateral &&
			position.BorrowAsset == pair.Borrow {
			out = append(out, position)
		}
	}
	return out, nil
}

// QuoteRepay 还款纯模拟，复刻 Repay 的拆分，不动任何资金
func (o *ConversionOrchestrator) QuoteRepay(ctx context.Context, userID string, pair venue.AssetPair, amount decimal.Decimal) (domain.RepayQuote, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return domain.RepayQuote{}, domain.ErrInvalidAmount
	}
	portions, leftover, err := o.planRepay(ctx, userID, pair, amount)
	if err != nil {
		return domain.RepayQuote{}, err
	}
	return domain.RepayQuote{
		DebtApplied: amount.Sub(leftover),
		Portions:    portions,
		Leftover:    leftover,
	}, nil
}

// EstimateRepay 估算释放 collateralWanted 抵押所需偿还的借入资产；
// 全部仓位加总仍不够时以 Shortfall 报告缺口
func (o *ConversionOrchestrator) EstimateRepay(ctx context.Context, userID string, pair venue.AssetPair, collateralWanted decimal.Decimal) (domain.EstimateResult, error) {
	if collateralWanted.LessThanOrEqual(decimal.Zero) {
		return domain.EstimateResult{}, domain.ErrInvalidAmount
	}

	open, err := o.listUserOpen(ctx, userID, pair)
	if err != nil {
		return domain.EstimateResult{}, err
	}

	wanted := collateralWanted
	required := decimal.Zero
	for _, position := range open {
		if wanted.LessThanOrEqual(decimal.Zero) {
			break
		}
		adapter, aerr := o.venues.Get(position.VenueKey)
		if aerr != nil {
			return domain.EstimateResult{}, aerr
		}
		status, serr := adapter.Status(ctx, position.PositionID)
		if serr != nil {
			return domain.EstimateResult{}, serr
		}
		if status.CollateralAmount.LessThanOrEqual(decimal.Zero) {
			continue
		}

		if wanted.GreaterThanOrEqual(status.CollateralAmount) {
			required = required.Add(status.DebtAmount)
			wanted = wanted.Sub(status.CollateralAmount)
			continue
		}
		// 部分释放按债务等比折算，向上取整保证足额
		partial := status.DebtAmount.Mul(wanted).
			DivRound(status.CollateralAmount, strategydomain.RatioPrecision+2).
			RoundUp(strategydomain.RatioPrecision)
		required = required.Add(partial)
		wanted = decimal.Zero
	}

	return domain.EstimateResult{RequiredDebt: required, Shortfall: wanted}, nil
}

// ForcedRepayCommand 强制再平衡命令
type ForcedRepayCommand struct {
	CallerID        string
	PositionID      string
	DebtDelta       decimal.Decimal
	CollateralDelta decimal.Decimal
}

// RequireRepay 仅限 keeper：两轮召回缩减仓位。
// 全额关仓与超额索取被拒绝；部分交付按比例缩放账务更新；
// 召回期间借款人自行清偿视为空操作完成；零交付显式失败。
func (o *ConversionOrchestrator) RequireRepay(ctx context.Context, cmd ForcedRepayCommand) (domain.ForcedRepayResult, error) {
	if cmd.CallerID != o.cfg.KeeperID {
		return domain.ForcedRepayResult{}, domain.ErrUnauthorized
	}
	if cmd.DebtDelta.LessThanOrEqual(decimal.Zero) || cmd.CollateralDelta.IsNegative() {
		return domain.ForcedRepayResult{}, domain.ErrInvalidAmount
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	position, err := o.positions.Get(ctx, cmd.PositionID)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}
	adapter, err := o.venues.Get(position.VenueKey)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}
	status, err := adapter.Status(ctx, cmd.PositionID)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}

	if cmd.DebtDelta.GreaterThanOrEqual(status.DebtAmount) {
		return domain.ForcedRepayResult{}, domain.ErrFullCloseNotAllowed
	}
	if cmd.CollateralDelta.GreaterThan(status.CollateralAmount) {
		return domain.ForcedRepayResult{}, domain.ErrOverAsk
	}

	required := o.requiredAmount(cmd.DebtDelta, status.DebtGapRequired)
	borrower, err := o.borrowers.Get(cmd.PositionID)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}

	delivered, selfClosed, err := o.runCallback(ctx, borrower, adapter, cmd.PositionID, position.BorrowAsset, required)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}
	if selfClosed {
		if err := o.positions.MarkClosed(ctx, cmd.PositionID); err != nil {
			return domain.ForcedRepayResult{}, err
		}
		if delivered.GreaterThan(decimal.Zero) {
			if err := o.vault.Push(ctx, position.UserID, position.BorrowAsset, delivered); err != nil {
				return domain.ForcedRepayResult{}, err
			}
		}
		return domain.ForcedRepayResult{
			PositionID: cmd.PositionID,
			Requested:  required,
			Delivered:  delivered,
			SelfClosed: true,
		}, nil
	}
	if delivered.LessThanOrEqual(decimal.Zero) {
		return domain.ForcedRepayResult{}, domain.ErrNoProgress
	}

	// 部分交付：账务更新等比缩放到实际交付量
	effective := decimal.Min(delivered, required)
	appliedDebt := cmd.DebtDelta.Mul(effective).DivRound(required, strategydomain.RatioPrecision)

	freed, after, err := o.settleWithVenue(ctx, adapter, position, appliedDebt, delivered, false)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}

	if nerr := borrower.OnFundsTransferred(ctx,
		[]string{position.CollateralAsset}, []decimal.Decimal{freed}); nerr != nil {
		o.logger.WarnContext(ctx, "borrower notification failed", "position_id", cmd.PositionID, "error", nerr)
	}

	if o.metrics != nil {
		o.metrics.ForcedRepaysTotal.Inc()
	}
	o.logger.InfoContext(ctx, "forced rebalance executed",
		"position_id", cmd.PositionID,
		"requested", required.String(),
		"delivered", delivered.String(),
		"debt_reduced", appliedDebt.String(),
		"health_after", after.HealthFactor.String())
	return domain.ForcedRepayResult{
		PositionID:         cmd.PositionID,
		Requested:          required,
		Delivered:          delivered,
		DebtReduced:        appliedDebt,
		CollateralReleased: freed,
	}, nil
}

// SettleCommand 强制结算命令
type SettleCommand struct {
	CallerID      string
	PositionID    string
	ClosePosition bool
}

// RepayTheBorrow 仅限治理：无视健康度强制全额结算一个仓位。
// 要求关仓但召回不足额时以 position not empty 失败，不留半结算的开仓。
func (o *ConversionOrchestrator) RepayTheBorrow(ctx context.Context, cmd SettleCommand) (domain.ForcedRepayResult, error) {
	if cmd.CallerID != o.cfg.GovernanceID {
		return domain.ForcedRepayResult{}, domain.ErrUnauthorized
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	position, err := o.positions.Get(ctx, cmd.PositionID)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}
	adapter, err := o.venues.Get(position.VenueKey)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}
	status, err := adapter.Status(ctx, cmd.PositionID)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}

	if status.DebtAmount.LessThanOrEqual(decimal.Zero) {
		// 债务已清，按需释放剩余抵押并关仓
		result := domain.ForcedRepayResult{PositionID: cmd.PositionID}
		if cmd.ClosePosition {
			freed, rerr := adapter.Repay(ctx, cmd.PositionID, decimal.Zero, position.UserID, true)
			if rerr != nil {
				return domain.ForcedRepayResult{}, rerr
			}
			if err := o.positions.MarkClosed(ctx, cmd.PositionID); err != nil {
				return domain.ForcedRepayResult{}, err
			}
			result.CollateralReleased = freed
			result.Closed = true
		}
		return result, nil
	}

	required := o.requiredAmount(status.DebtAmount, status.DebtGapRequired)
	borrower, err := o.borrowers.Get(cmd.PositionID)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}

	delivered, selfClosed, err := o.runCallback(ctx, borrower, adapter, cmd.PositionID, position.BorrowAsset, required)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}
	if selfClosed {
		if err := o.positions.MarkClosed(ctx, cmd.PositionID); err != nil {
			return domain.ForcedRepayResult{}, err
		}
		if delivered.GreaterThan(decimal.Zero) {
			if err := o.vault.Push(ctx, position.UserID, position.BorrowAsset, delivered); err != nil {
				return domain.ForcedRepayResult{}, err
			}
		}
		return domain.ForcedRepayResult{
			PositionID: cmd.PositionID,
			Requested:  required,
			Delivered:  delivered,
			SelfClosed: true,
			Closed:     true,
		}, nil
	}
	if delivered.LessThanOrEqual(decimal.Zero) {
		return domain.ForcedRepayResult{}, domain.ErrNoProgress
	}
	if cmd.ClosePosition && delivered.LessThan(required) {
		// 不足额不能关仓：退还已交付资金，整体失败
		if err := o.vault.Push(ctx, position.UserID, position.BorrowAsset, delivered); err != nil {
			return domain.ForcedRepayResult{}, err
		}
		return domain.ForcedRepayResult{}, fmt.Errorf("%w: delivered %s of %s", domain.ErrPositionNotEmpty, delivered, required)
	}

	effective := decimal.Min(delivered, required)
	appliedDebt := status.DebtAmount.Mul(effective).DivRound(required, strategydomain.RatioPrecision)

	freed, after, err := o.settleWithVenue(ctx, adapter, position, appliedDebt, delivered, cmd.ClosePosition)
	if err != nil {
		return domain.ForcedRepayResult{}, err
	}

	closed := cmd.ClosePosition
	if cmd.ClosePosition || (after.DebtAmount.IsZero() && after.CollateralAmount.IsZero()) {
		if err := o.positions.MarkClosed(ctx, cmd.PositionID); err != nil {
			return domain.ForcedRepayResult{}, err
		}
		closed = true
	}

	if nerr := borrower.OnFundsTransferred(ctx,
		[]string{position.CollateralAsset}, []decimal.Decimal{freed}); nerr != nil {
		o.logger.WarnContext(ctx, "borrower notification failed", "position_id", cmd.PositionID, "error", nerr)
	}

	if o.metrics != nil {
		o.metrics.ForcedRepaysTotal.Inc()
	}
	o.logger.InfoContext(ctx, "forced settlement executed",
		"position_id", cmd.PositionID,
		"delivered", delivered.String(),
		"closed", closed)
	return domain.ForcedRepayResult{
		PositionID:         cmd.PositionID,
		Requested:          required,
		Delivered:          delivered,
		DebtReduced:        appliedDebt,
		CollateralReleased: freed,
		Closed:             closed,
	}, nil
}

// runCallback 两轮召回。第一轮后重读仓位状态：借款人可能已自行清偿，
// 此时跳过第二轮并按空操作完成处理。
func (o *ConversionOrchestrator) runCallback(ctx context.Context, borrower domain.Borrower, adapter venue.VenueAdapter, positionID, asset string, required decimal.Decimal) (decimal.Decimal, bool, error) {
	delivered, err := borrower.PrepareAmountBack(ctx, asset, required)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("callback round 1: %w", err)
	}

	status, err := adapter.Status(ctx, positionID)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !status.Opened || status.DebtAmount.LessThanOrEqual(decimal.Zero) {
		return delivered, true, nil
	}

	if delivered.LessThan(required) {
		more, err := borrower.TransferPreparedAmount(ctx, asset, required.Sub(delivered))
		if err != nil {
			return decimal.Zero, false, fmt.Errorf("callback round 2: %w", err)
		}
		delivered = delivered.Add(more)
	}
	return delivered, false, nil
}

// settleWithVenue 用召回资金向场所还款；超出实际动用的交付余量退还借款人
func (o *ConversionOrchestrator) settleWithVenue(ctx context.Context, adapter venue.VenueAdapter, position *positiondomain.Position, appliedDebt, delivered decimal.Decimal, closePosition bool) (decimal.Decimal, venue.VenueStatus, error) {
	if err := o.vault.Push(ctx, position.VenueKey, position.BorrowAsset, appliedDebt); err != nil {
		return decimal.Zero, venue.VenueStatus{}, err
	}
	freed, err := adapter.Repay(ctx, position.PositionID, appliedDebt, position.UserID, closePosition)
	if err != nil {
		return decimal.Zero, venue.VenueStatus{}, err
	}

	if excess := delivered.Sub(appliedDebt); excess.GreaterThan(decimal.Zero) {
		if err := o.vault.Push(ctx, position.UserID, position.BorrowAsset, excess); err != nil {
			return decimal.Zero, venue.VenueStatus{}, err
		}
	}

	after, err := adapter.Status(ctx, position.PositionID)
	if err != nil {
		return decimal.Zero, venue.VenueStatus{}, err
	}
	pair := venue.AssetPair{Collateral: position.CollateralAsset, Borrow: position.BorrowAsset}
	if _, err := o.accounting.OnRepay(ctx, position.UserID, position.PositionID,
		freed, after.CollateralAmount, appliedDebt, after.DebtAmount, pair); err != nil {
		return decimal.Zero, venue.VenueStatus{}, err
	}
	return freed, after, nil
}

// LiquidateCommand 保护性清算命令
type LiquidateCommand struct {
	CallerID        string
	SourceAsset     string
	Amount          decimal.Decimal
	TargetAsset     string
	Receiver        string
	ToleranceSource decimal.Decimal
	ToleranceTarget decimal.Decimal
}

// SafeLiquidate 执行外部兑换，兑换结果对照预言机参照值做双边校验：
// 输入侧按价值损失比例，输出侧按参照产出比例，任一越界整体中止。
func (o *ConversionOrchestrator) SafeLiquidate(ctx context.Context, cmd LiquidateCommand) (domain.LiquidationResult, error) {
	if cmd.Amount.LessThanOrEqual(decimal.Zero) {
		return domain.LiquidationResult{}, domain.ErrInvalidAmount
	}
	one := decimal.NewFromInt(1)
	if cmd.ToleranceSource.IsNegative() || cmd.ToleranceSource.GreaterThanOrEqual(one) ||
		cmd.ToleranceTarget.IsNegative() || cmd.ToleranceTarget.GreaterThanOrEqual(one) {
		return domain.LiquidationResult{}, domain.ErrInvalidAmount
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	sourcePrice, err := venue.AssetPrice(ctx, o.oracle, cmd.SourceAsset)
	if err != nil {
		return domain.LiquidationResult{}, err
	}
	targetPrice, err := venue.AssetPrice(ctx, o.oracle, cmd.TargetAsset)
	if err != nil {
		return domain.LiquidationResult{}, err
	}

	quote, err := o.swap.Quote(ctx, cmd.SourceAsset, cmd.TargetAsset, cmd.Amount)
	if err != nil {
		return domain.LiquidationResult{}, err
	}

	inValue := cmd.Amount.Mul(sourcePrice)
	expectedOut := inValue.DivRound(targetPrice, strategydomain.RatioPrecision)
	if err := o.checkSlippage(quote, targetPrice, inValue, expectedOut, cmd.ToleranceSource, cmd.ToleranceTarget); err != nil {
		return domain.LiquidationResult{}, err
	}

	if err := o.vault.Pull(ctx, cmd.CallerID, cmd.SourceAsset, cmd.Amount); err != nil {
		return domain.LiquidationResult{}, fmt.Errorf("pull liquidation funds: %w", err)
	}
	if err := o.vault.Push(ctx, domain.SwapAccount, cmd.SourceAsset, cmd.Amount); err != nil {
		return domain.LiquidationResult{}, err
	}
	realized, err := o.swap.Swap(ctx, cmd.SourceAsset, cmd.Amount, cmd.TargetAsset, cmd.Receiver)
	if err != nil {
		return domain.LiquidationResult{}, err
	}
	if err := o.checkSlippage(realized, targetPrice, inValue, expectedOut, cmd.ToleranceSource, cmd.ToleranceTarget); err != nil {
		return domain.LiquidationResult{}, err
	}

	if o.metrics != nil {
		o.metrics.LiquidationsTotal.Inc()
	}
	o.logger.InfoContext(ctx, "safe liquidation executed",
		"source", cmd.SourceAsset,
		"target", cmd.TargetAsset,
		"amount_in", cmd.Amount.String(),
		"amount_out", realized.String())
	return domain.LiquidationResult{AmountIn: cmd.Amount, AmountOut: realized}, nil
}

func (o *ConversionOrchestrator) checkSlippage(out, targetPrice, inValue, expectedOut, tolSource, tolTarget decimal.Decimal) error {
	one := decimal.NewFromInt(1)
	outValue := out.Mul(targetPrice)
	if outValue.LessThan(inValue.Mul(one.Sub(tolSource))) {
		return fmt.Errorf("%w: input-side value loss", domain.ErrSlippageExceeded)
	}
	if out.LessThan(expectedOut.Mul(one.Sub(tolTarget))) {
		return fmt.Errorf("%w: output below reference", domain.ErrSlippageExceeded)
	}
	return nil
}

// GetOpenPositions 查询用户某资产对的未关闭仓位
func (o *ConversionOrchestrator) GetOpenPositions(ctx context.Context, userID string, pair venue.AssetPair) ([]*positiondomain.Position, error) {
	return o.listUserOpen(ctx, userID, pair)
}

// GetLedgerHistory 查询（用户、仓位）的动作流水
func (o *ConversionOrchestrator) GetLedgerHistory(ctx context.Context, userID, positionID string, limit, offset int) ([]*accountingdomain.ActionRecord, int64, error) {
	return o.accounting.History(ctx, userID, positionID, limit, offset)
}

// GetRangePnL 查询动作序号区间 [from, to] 的净收益
func (o *ConversionOrchestrator) GetRangePnL(ctx context.Context, userID, positionID string, from, to int) (decimal.Decimal, error) {
	return o.accounting.RangePnL(ctx, userID, positionID, from, to)
}

func (o *ConversionOrchestrator) requiredAmount(debt decimal.Decimal, gapRequired bool) decimal.Decimal {
	if !gapRequired {
		return debt
	}
	return debt.Mul(decimal.NewFromInt(1).Add(o.cfg.DebtGapFraction))
}

func (o *ConversionOrchestrator) withinTolerance(realized, planned decimal.Decimal) bool {
	if planned.LessThanOrEqual(decimal.Zero) {
		return realized.LessThanOrEqual(decimal.Zero)
	}
	diff := realized.Sub(planned).Abs()
	return diff.LessThanOrEqual(planned.Mul(o.cfg.AmountTolerance))
}
