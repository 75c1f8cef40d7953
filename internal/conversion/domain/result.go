package domain

import "github.com/shopspring/decimal"

// BorrowLegResult 借款计划单腿执行结果
type BorrowLegResult struct {
	Kind         string          `json:"kind"`
	VenueKey     string          `json:"venue_key,omitempty"`
	PositionID   string          `json:"position_id,omitempty"`
	CollateralIn decimal.Decimal `json:"collateral_in"`
	Realized     decimal.Decimal `json:"realized"`
}

// BorrowResult 借款执行结果
type BorrowResult struct {
	CollateralPulled decimal.Decimal   `json:"collateral_pulled"`
	AmountDelivered  decimal.Decimal   `json:"amount_delivered"`
	Legs             []BorrowLegResult `json:"legs"`
}

// RepayPortion 还款走单中分配给一个仓位的份额
type RepayPortion struct {
	PositionID string          `json:"position_id"`
	VenueKey   string          `json:"venue_key"`
	DebtRepaid decimal.Decimal `json:"debt_repaid"`
	// CollateralFreed 执行后由场所释放的抵押；纯模拟时为零
	CollateralFreed decimal.Decimal `json:"collateral_freed"`
	Closes          bool            `json:"closes"`
}

// RepayResult 还款执行结果。
// 余额两种去向分开上报：原样退回与兑换为抵押后转出。
type RepayResult struct {
	DebtApplied      decimal.Decimal `json:"debt_applied"`
	Portions         []RepayPortion  `json:"portions"`
	LeftoverReturned decimal.Decimal `json:"leftover_returned"`
	LeftoverSwapped  decimal.Decimal `json:"leftover_swapped"`
}

// RepayQuote 还款纯模拟结果，份额拆分与实际执行逐位一致
type RepayQuote struct {
	DebtApplied decimal.Decimal `json:"debt_applied"`
	Portions    []RepayPortion  `json:"portions"`
	Leftover    decimal.Decimal `json:"leftover"`
}

// EstimateResult 按目标释放抵押量反推所需借入资产
type EstimateResult struct {
	// RequiredDebt 需偿还的借入资产数量
	RequiredDebt decimal.Decimal `json:"required_debt"`
	// Shortfall 全部仓位加总仍无法释放的抵押缺口
	Shortfall decimal.Decimal `json:"shortfall"`
}

// ForcedRepayResult 强制再平衡/强制结算结果
type ForcedRepayResult struct {
	PositionID         string          `json:"position_id"`
	Requested          decimal.Decimal `json:"requested"`
	Delivered          decimal.Decimal `json:"delivered"`
	DebtReduced        decimal.Decimal `json:"debt_reduced"`
	CollateralReleased decimal.Decimal `json:"collateral_released"`
	SelfClosed         bool            `json:"self_closed"`
	Closed             bool            `json:"closed"`
}

// LiquidationResult 保护性清算结果
type LiquidationResult struct {
	AmountIn  decimal.Decimal `json:"amount_in"`
	AmountOut decimal.Decimal `json:"amount_out"`
}
