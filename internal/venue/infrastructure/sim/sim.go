// Package sim 模拟借贷场所、兑换路径与预言机，用于演示接线与本地联调。
// 生产部署在同样的位置注册真实场所适配器。
package sim

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wyfcoding/deficonverter/internal/conversion/infrastructure/vault"
	"github.com/wyfcoding/deficonverter/internal/venue/domain"
)

// Oracle 静态价格预言机，价格可在运行时更新
type Oracle struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

func NewOracle() *Oracle {
	return &Oracle{prices: make(map[string]decimal.Decimal)}
}

// SetPrice 设置资产价格
func (o *Oracle) SetPrice(asset string, price decimal.Decimal) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = price
}

// Price 实现 domain.PriceOracle；未知资产返回零价格
func (o *Oracle) Price(_ context.Context, asset string) (decimal.Decimal, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.prices[asset], nil
}

type venueState struct {
	collateral decimal.Decimal
	debt       decimal.Decimal
	opened     bool
}

// VenueParams 模拟场所参数
type VenueParams struct {
	// Key 场所标识
	Key string
	// DailyCost 每日成本占抵押价值比例
	DailyCost decimal.Decimal
	// LTV 抵押率：可借出价值 = 抵押价值 × LTV
	LTV decimal.Decimal
	// LiqThreshold 清算阈值：健康因子 = 抵押价值 × LiqThreshold / 债务价值
	LiqThreshold decimal.Decimal
	// Liquidity 可出借的目标资产总量
	Liquidity decimal.Decimal
	// DebtGapRequired 是否要求债务缺口缓冲
	DebtGapRequired bool
}

// Venue 模拟借贷场所，资金经由内存托管账本流转
type Venue struct {
	params VenueParams
	vault  *vault.MemoryVault
	oracle domain.PriceOracle

	mu     sync.Mutex
	states map[string]*venueState
}

func NewVenue(params VenueParams, v *vault.MemoryVault, oracle domain.PriceOracle) *Venue {
	return &Venue{
		params: params,
		vault:  v,
		oracle: oracle,
		states: make(map[string]*venueState),
	}
}

func (v *Venue) state(positionID string) *venueState {
	if s, ok := v.states[positionID]; ok {
		return s
	}
	s := &venueState{collateral: decimal.Zero, debt: decimal.Zero}
	v.states[positionID] = s
	return s
}

func (v *Venue) Key() string { return v.params.Key }

func (v *Venue) SupportsPair(_ domain.AssetPair) bool { return true }

// QuoteBorrow 成本随期限线性累积，借出量按抵押价值乘以 LTV 折算
func (v *Venue) QuoteBorrow(ctx context.Context, pair domain.AssetPair, collateralAmount decimal.Decimal, horizon time.Duration) (domain.VenueQuote, error) {
	collateralPrice, err := domain.AssetPrice(ctx, v.oracle, pair.Collateral)
	if err != nil {
		return domain.VenueQuote{}, err
	}
	borrowPrice, err := domain.AssetPrice(ctx, v.oracle, pair.Borrow)
	if err != nil {
		return domain.VenueQuote{}, err
	}

	days := decimal.NewFromFloat(horizon.Hours() / 24)
	amountOut := collateralAmount.Mul(collateralPrice).Mul(v.params.LTV).
		DivRound(borrowPrice, 18)
	return domain.VenueQuote{
		CostRatio: v.params.DailyCost.Mul(days).Round(18),
		AmountOut: amountOut,
		Liquidity: v.params.Liquidity,
	}, nil
}

func (v *Venue) Borrow(_ context.Context, positionID string, pair domain.AssetPair, collateralAmount, amountOut decimal.Decimal, receiver string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.state(positionID)
	s.collateral = s.collateral.Add(collateralAmount)
	s.debt = s.debt.Add(amountOut)
	s.opened = true
	v.vault.Deposit(receiver, pair.Borrow, amountOut)
	return amountOut, nil
}

func (v *Venue) Repay(_ context.Context, positionID string, amount decimal.Decimal, receiver string, closePosition bool) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.state(positionID)
	if amount.GreaterThan(s.debt) {
		amount = s.debt
	}

	var freed decimal.Decimal
	if closePosition || s.debt.Sub(amount).IsZero() {
		freed = s.collateral
	} else {
		freed = s.collateral.Mul(amount).DivRound(s.debt, 18)
	}
	s.debt = s.debt.Sub(amount)
	s.collateral = s.collateral.Sub(freed)
	if closePosition {
		s.opened = false
	}
	if freed.GreaterThan(decimal.Zero) {
		// 资产对在仓位标识中编码，抵押资产按仓位归属释放
		v.vault.Deposit(receiver, collateralAssetOf(positionID), freed)
	}
	return freed, nil
}

func (v *Venue) Status(ctx context.Context, positionID string) (domain.VenueStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	s := v.state(positionID)
	status := domain.VenueStatus{
		CollateralAmount: s.collateral,
		DebtAmount:       s.debt,
		Opened:           s.opened,
		DebtGapRequired:  v.params.DebtGapRequired,
		HealthFactor:     decimal.NewFromInt(1_000_000),
	}
	if s.debt.GreaterThan(decimal.Zero) {
		collateralPrice, err := domain.AssetPrice(ctx, v.oracle, collateralAssetOf(positionID))
		if err != nil {
			return domain.VenueStatus{}, err
		}
		borrowPrice, err := domain.AssetPrice(ctx, v.oracle, borrowAssetOf(positionID))
		if err != nil {
			return domain.VenueStatus{}, err
		}
		status.HealthFactor = s.collateral.Mul(collateralPrice).Mul(v.params.LiqThreshold).
			DivRound(s.debt.Mul(borrowPrice), 18)
	}
	return status, nil
}

// 仓位标识格式为 venue:user:collateral:borrow:instance
func collateralAssetOf(positionID string) string {
	parts := strings.Split(positionID, ":")
	if len(parts) != 5 {
		return ""
	}
	return parts[2]
}

func borrowAssetOf(positionID string) string {
	parts := strings.Split(positionID, ":")
	if len(parts) != 5 {
		return ""
	}
	return parts[3]
}

// Swap 模拟兑换路径：预言机交叉汇率扣除固定费率
type Swap struct {
	vault  *vault.MemoryVault
	oracle domain.PriceOracle
	fee    decimal.Decimal
}

func NewSwap(v *vault.MemoryVault, oracle domain.PriceOracle, fee decimal.Decimal) *Swap {
	return &Swap{vault: v, oracle: oracle, fee: fee}
}

func (s *Swap) Quote(ctx context.Context, assetIn, assetOut string, amountIn decimal.Decimal) (decimal.Decimal, error) {
	inPrice, err := domain.AssetPrice(ctx, s.oracle, assetIn)
	if err != nil {
		return decimal.Zero, nil
	}
	outPrice, err := domain.AssetPrice(ctx, s.oracle, assetOut)
	if err != nil {
		return decimal.Zero, nil
	}
	one := decimal.NewFromInt(1)
	return amountIn.Mul(inPrice).Mul(one.Sub(s.fee)).DivRound(outPrice, 18), nil
}

func (s *Swap) Swap(ctx context.Context, assetIn string, amountIn decimal.Decimal, assetOut, receiver string) (decimal.Decimal, error) {
	out, err := s.Quote(ctx, assetIn, assetOut, amountIn)
	if err != nil {
		return decimal.Zero, err
	}
	s.vault.Deposit(receiver, assetOut, out)
	return out, nil
}
