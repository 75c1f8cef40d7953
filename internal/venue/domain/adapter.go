// Package domain 定义借贷场所（Venue）能力接口与相关值对象。
// 场所适配器由外部协作方实现，核心只消费这里声明的能力契约。
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrVenueNotFound    = errors.New("venue adapter not found")
	ErrVenueRegistered  = errors.New("venue adapter already registered")
	ErrPairNotSupported = errors.New("asset pair not supported by venue")
	ErrZeroPrice        = errors.New("oracle returned zero price")
)

// AssetPair 抵押资产/借入资产对
type AssetPair struct {
	Collateral string `json:"collateral"`
	Borrow     string `json:"borrow"`
}

// VenueStatus 场所上报的仓位状态，数值以场所为准
type VenueStatus struct {
	CollateralAmount     decimal.Decimal `json:"collateral_amount"`
	DebtAmount           decimal.Decimal `json:"debt_amount"`
	HealthFactor         decimal.Decimal `json:"health_factor"`
	Opened               bool            `json:"opened"`
	LiquidatedCollateral decimal.Decimal `json:"liquidated_collateral"`
	DebtGapRequired      bool            `json:"debt_gap_required"`
}

// VenueQuote 借款成本报价
type VenueQuote struct {
	// 期限内的预期成本占抵押价值的比例（18 位小数）
	CostRatio decimal.Decimal `json:"cost_ratio"`
	// 投入全部抵押可借出的目标资产数量
	AmountOut decimal.Decimal `json:"amount_out"`
	// 场所当前可供出借的目标资产流动性
	Liquidity decimal.Decimal `json:"liquidity"`
}

// VenueAdapter 单个借贷场所的能力契约
type VenueAdapter interface {
	// Key 场所唯一标识
	Key() string
	// SupportsPair 是否支持该资产对
	SupportsPair(pair AssetPair) bool
	// QuoteBorrow 给定抵押数量与期限的成本报价
	QuoteBorrow(ctx context.Context, pair AssetPair, collateralAmount decimal.Decimal, horizon time.Duration) (VenueQuote, error)
	// Borrow 以 collateralAmount 抵押借出 amountOut，借出资产转给 receiver，返回实际借出数量
	Borrow(ctx context.Context, positionID string, pair AssetPair, collateralAmount, amountOut decimal.Decimal, receiver string) (decimal.Decimal, error)
	// Repay 偿还 amount 债务，释放的抵押转给 receiver，返回释放的抵押数量
	Repay(ctx context.Context, positionID string, amount decimal.Decimal, receiver string, closePosition bool) (decimal.Decimal, error)
	// Status 查询仓位当前状态
	Status(ctx context.Context, positionID string) (VenueStatus, error)
}

// PriceOracle 价格预言机；参与计算的资产返回零价格视为错误
type PriceOracle interface {
	Price(ctx context.Context, asset string) (decimal.Decimal, error)
}

// SwapProvider 兑换路径提供方
type SwapProvider interface {
	// Quote 报价；无路径时返回零数量
	Quote(ctx context.Context, assetIn, assetOut string, amountIn decimal.Decimal) (decimal.Decimal, error)
	// Swap 执行兑换，产出转给 receiver，返回实际产出数量
	Swap(ctx context.Context, assetIn string, amountIn decimal.Decimal, assetOut, receiver string) (decimal.Decimal, error)
}

// AssetPrice 查询价格并校验非零
func AssetPrice(ctx context.Context, oracle PriceOracle, asset string) (decimal.Decimal, error) {
	price, err := oracle.Price(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrZeroPrice
	}
	return price, nil
}
