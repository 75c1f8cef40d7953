// Package domain 提供融资路径选择（Strategy Selection）逻辑。
// 在 N 个借贷场所与一条直接兑换路径之间，用统一的成本口径挑选最优方案，
// 支持整单路由与等值拆分。
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	venue "github.com/wyfcoding/deficonverter/internal/venue/domain"
)

var (
	ErrZeroAmount  = errors.New("collateral amount must be positive")
	ErrZeroHorizon = errors.New("horizon must be positive")
)

// RatioPrecision 比例类数值的统一小数位数
const RatioPrecision = 18

// SplitPolicy 拆分策略
type SplitPolicy string

const (
	// SplitDefault 整单走最优路径
	SplitDefault SplitPolicy = "DEFAULT"
	// SplitExactOutput 按目标产出反推投入
	SplitExactOutput SplitPolicy = "EXACT_OUTPUT"
	// SplitEqualValue 场所与兑换两侧执行后价值相等
	SplitEqualValue SplitPolicy = "EQUAL_VALUE_SPLIT"
)

// RouteKind 路径类型
type RouteKind string

const (
	RouteVenue RouteKind = "VENUE"
	RouteSwap  RouteKind = "SWAP"
)

// PlanLeg 融资计划中的一条腿
type PlanLeg struct {
	Kind         RouteKind       `json:"kind"`
	VenueKey     string          `json:"venue_key,omitempty"`
	CollateralIn decimal.Decimal `json:"collateral_in"`
	AmountOut    decimal.Decimal `json:"amount_out"`
	CostRatio    decimal.Decimal `json:"cost_ratio"`
}

// FinancingPlan 选路结果。仅对产生它的那次调用有效，不落库。
type FinancingPlan struct {
	Pair AssetPair `json:"pair"`
	Legs []PlanLeg `json:"legs"`
}

// AssetPair 资产对别名，避免调用方直接依赖 venue 包
type AssetPair = venue.AssetPair

// Empty 是否为空计划（无可用路径）
func (p FinancingPlan) Empty() bool {
	return len(p.Legs) == 0
}

// TotalCollateralIn 计划总投入
func (p FinancingPlan) TotalCollateralIn() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range p.Legs {
		total = total.Add(leg.CollateralIn)
	}
	return total
}

// TotalAmountOut 计划总产出
func (p FinancingPlan) TotalAmountOut() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range p.Legs {
		total = total.Add(leg.AmountOut)
	}
	return total
}

// SelectRequest 选路请求
type SelectRequest struct {
	Pair             AssetPair
	CollateralAmount decimal.Decimal
	Horizon          time.Duration
	Policy           SplitPolicy
	// TargetOutput 仅 EXACT_OUTPUT 策略使用
	TargetOutput decimal.Decimal
}

// SelectorEngine 选路引擎。纯读，不持有可变状态，
// 同一输入的模拟与执行共用此实现，金额逐位一致。
type SelectorEngine struct {
	registry *venue.AdapterRegistry
	swap     venue.SwapProvider
	oracle   venue.PriceOracle
}

// NewSelectorEngine 创建选路引擎
func NewSelectorEngine(registry *venue.AdapterRegistry, swap venue.SwapProvider, oracle venue.PriceOracle) *SelectorEngine {
	return &SelectorEngine{
		registry: registry,
		swap:     swap,
		oracle:   oracle,
	}
}

// candidate 一条候选路径；order 为注册序，swap 候选排在所有场所之后
type candidate struct {
	kind      RouteKind
	venueKey  string
	costRatio decimal.Decimal
	amountOut decimal.Decimal
	liquidity decimal.Decimal
	order     int
}

// Select 生成融资计划。
// 无任何可用路径时返回空计划与 nil 错误，调用方必须把空计划当作"无可用策略"。
func (e *SelectorEngine) Select(ctx context.Context, req SelectRequest) (FinancingPlan, error) {
	if req.CollateralAmount.LessThanOrEqual(decimal.Zero) {
		return FinancingPlan{}, ErrZeroAmount
	}
	if req.Horizon <= 0 {
		return FinancingPlan{}, ErrZeroHorizon
	}

	plan := FinancingPlan{Pair: req.Pair}

	venueCands, err := e.venueCandidates(ctx, req)
	if err != nil {
		return FinancingPlan{}, err
	}
	swapCand, err := e.swapCandidate(ctx, req)
	if err != nil {
		return FinancingPlan{}, err
	}

	if len(venueCands) == 0 && swapCand == nil {
		return plan, nil
	}

	best := pickBest(venueCands, swapCand)

	switch req.Policy {
	case SplitEqualValue:
		if len(venueCands) > 0 && swapCand != nil {
			plan.Legs = equalValueLegs(req, venueCands[0], *swapCand)
			return plan, nil
		}
		// 只有一侧可用时退化为整单路由
		plan.Legs = []PlanLeg{singleLeg(req.CollateralAmount, best)}
		return plan, nil

	case SplitExactOutput:
		leg, ok := exactOutputLeg(req, best)
		if !ok {
			return FinancingPlan{Pair: req.Pair}, nil
		}
		plan.Legs = []PlanLeg{leg}
		return plan, nil

	default:
		plan.Legs = []PlanLeg{singleLeg(req.CollateralAmount, best)}
		return plan, nil
	}
}

// venueCandidates 按注册顺序收集场所报价；报价失败、无产出或
// 流动性覆盖不了报价产出的场所跳过
func (e *SelectorEngine) venueCandidates(ctx context.Context, req SelectRequest) ([]candidate, error) {
	adapters := e.registry.ListForPair(req.Pair)

	var cands []candidate
	for i, adapter := range adapters {
		quote, err := adapter.QuoteBorrow(ctx, req.Pair, req.CollateralAmount, req.Horizon)
		if err != nil {
			continue
		}
		if quote.AmountOut.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if quote.Liquidity.LessThan(quote.AmountOut) {
			continue
		}
		cands = append(cands, candidate{
			kind:      RouteVenue,
			venueKey:  adapter.Key(),
			costRatio: quote.CostRatio,
			amountOut: quote.AmountOut,
			liquidity: quote.Liquidity,
			order:     i,
		})
	}

	// 按成本升序排序；成本相同保持注册顺序（稳定裁决，不重新询价）
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0; j-- {
			if less(cands[j], cands[j-1]) {
				cands[j], cands[j-1] = cands[j-1], cands[j]
			} else {
				break
			}
		}
	}
	return cands, nil
}

func less(a, b candidate) bool {
	if !a.costRatio.Equal(b.costRatio) {
		return a.costRatio.LessThan(b.costRatio)
	}
	return a.order < b.order
}

// swapCandidate 构造兑换候选；无路径返回 nil
func (e *SelectorEngine) swapCandidate(ctx context.Context, req SelectRequest) (*candidate, error) {
	out, err := e.swap.Quote(ctx, req.Pair.Collateral, req.Pair.Borrow, req.CollateralAmount)
	if err != nil || out.LessThanOrEqual(decimal.Zero) {
		return nil, nil
	}

	// 成本 = 价格冲击损失占投入价值的比例
	collateralPrice, err := venue.AssetPrice(ctx, e.oracle, req.Pair.Collateral)
	if err != nil {
		return nil, err
	}
	borrowPrice, err := venue.AssetPrice(ctx, e.oracle, req.Pair.Borrow)
	if err != nil {
		return nil, err
	}

	inValue := req.CollateralAmount.Mul(collateralPrice)
	outValue := out.Mul(borrowPrice)
	cost := decimal.NewFromInt(1).Sub(outValue.DivRound(inValue, RatioPrecision))

	return &candidate{
		kind:      RouteSwap,
		costRatio: cost,
		amountOut: out,
		order:     1 << 30,
	}, nil
}

// pickBest 选择成本最低的候选。候选场所已通过流动性过滤，
// 零成本场所无条件优先于兑换；成本相同时场所优先、
// 场所之间按注册先后。
func pickBest(venueCands []candidate, swapCand *candidate) candidate {
	for _, vc := range venueCands {
		if vc.costRatio.IsZero() {
			return vc
		}
	}

	if len(venueCands) == 0 {
		return *swapCand
	}
	best := venueCands[0]
	if swapCand != nil && swapCand.costRatio.LessThan(best.costRatio) {
		return *swapCand
	}
	return best
}

func singleLeg(collateralIn decimal.Decimal, c candidate) PlanLeg {
	return PlanLeg{
		Kind:         c.kind,
		VenueKey:     c.venueKey,
		CollateralIn: collateralIn,
		AmountOut:    c.amountOut,
		CostRatio:    c.costRatio,
	}
}

// exactOutputLeg 按目标产出等比缩放投入，投入向上取整保证产出足额；
// 所需投入超过给定抵押时视为无可用路径
func exactOutputLeg(req SelectRequest, c candidate) (PlanLeg, bool) {
	if req.TargetOutput.LessThanOrEqual(decimal.Zero) {
		return PlanLeg{}, false
	}
	required := req.CollateralAmount.Mul(req.TargetOutput).
		DivRound(c.amountOut, RatioPrecision+2).
		RoundUp(RatioPrecision)
	if required.GreaterThan(req.CollateralAmount) {
		return PlanLeg{}, false
	}
	return PlanLeg{
		Kind:         c.kind,
		VenueKey:     c.venueKey,
		CollateralIn: required,
		AmountOut:    req.TargetOutput,
		CostRatio:    c.costRatio,
	}, true
}

// equalValueLegs 等值拆分。
// 设场所单位抵押产出 b、兑换单位抵押产出 r，解 b*Cv = r*(C-Cv)。
// 离散流动性导致无法精确满足时向场所侧取整（场所腿吸收舍入差）。
func equalValueLegs(req SelectRequest, vc candidate, sc candidate) []PlanLeg {
	c := req.CollateralAmount
	b := vc.amountOut.DivRound(c, RatioPrecision)
	r := sc.amountOut.DivRound(c, RatioPrecision)

	// 向场所侧取整
	venueIn := c.Mul(r).DivRound(b.Add(r), RatioPrecision+2).RoundUp(RatioPrecision)
	if venueIn.GreaterThan(c) {
		venueIn = c
	}
	swapIn := c.Sub(venueIn)

	legs := []PlanLeg{
		{
			Kind:         RouteVenue,
			VenueKey:     vc.venueKey,
			CollateralIn: venueIn,
			AmountOut:    b.Mul(venueIn).Round(RatioPrecision),
			CostRatio:    vc.costRatio,
		},
	}
	if swapIn.GreaterThan(decimal.Zero) {
		legs = append(legs, PlanLeg{
			Kind:         RouteSwap,
			CollateralIn: swapIn,
			AmountOut:    r.Mul(swapIn).Round(RatioPrecision),
			CostRatio:    sc.costRatio,
		})
	}
	return legs
}
