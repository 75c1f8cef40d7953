// Package domain 用户核算账本。
// 为每个（用户、仓位）维护抵押与债务两个基数，按加权平均法
// 在资金进出时等比例摊薄，并据此结算已实现盈亏。
package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrEntryNotFound   = errors.New("ledger entry not found")
	ErrUnknownPosition = errors.New("position not registered")
	ErrNegativeAmount  = errors.New("amount must not be negative")
)

// BasePrecision 基数摊薄的统一小数位数
const BasePrecision = 18

// LedgerEntry 单（用户、仓位）的核算基数
type LedgerEntry struct {
	UserID          string          `json:"user_id"`
	PositionID      string          `json:"position_id"`
	CollateralBase  decimal.Decimal `json:"collateral_base"`
	DebtBase        decimal.Decimal `json:"debt_base"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func NewLedgerEntry(userID, positionID string) *LedgerEntry {
	now := time.Now()
	return &LedgerEntry{
		UserID:         userID,
		PositionID:     positionID,
		CollateralBase: decimal.Zero,
		DebtBase:       decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// ApplyBorrow 借款入账：基数直接累加投入的抵押与新增的债务
func (e *LedgerEntry) ApplyBorrow(collateralSupplied, debtDrawn decimal.Decimal) {
	e.CollateralBase = e.CollateralBase.Add(collateralSupplied)
	e.DebtBase = e.DebtBase.Add(debtDrawn)
	e.UpdatedAt = time.Now()
}

// RepayOutcome 还款结算结果
type RepayOutcome struct {
	// CollateralGain 取回抵押超出摊薄基数的部分
	CollateralGain decimal.Decimal `json:"collateral_gain"`
	// DebtLoss 实际偿还超出摊薄基数的部分
	DebtLoss decimal.Decimal `json:"debt_loss"`
}

// ApplyRepay 还款入账。
// 两侧基数均按 base*remaining/(remaining+moved) 摊薄，先乘后除；
// 全额退出时 remaining 为零，基数精确归零。
func (e *LedgerEntry) ApplyRepay(collateralMoved, collateralRemaining, debtMoved, debtRemaining decimal.Decimal) RepayOutcome {
	newCollateralBase := shrinkBase(e.CollateralBase, collateralRemaining, collateralMoved)
	newDebtBase := shrinkBase(e.DebtBase, debtRemaining, debtMoved)

	outcome := RepayOutcome{
		CollateralGain: collateralMoved.Sub(e.CollateralBase.Sub(newCollateralBase)),
		DebtLoss:       debtMoved.Sub(e.DebtBase.Sub(newDebtBase)),
	}

	e.CollateralBase = newCollateralBase
	e.DebtBase = newDebtBase
	e.UpdatedAt = time.Now()
	return outcome
}

// shrinkBase 等比例摊薄基数
func shrinkBase(base, remaining, moved decimal.Decimal) decimal.Decimal {
	total := remaining.Add(moved)
	if total.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	if moved.IsZero() {
		return base
	}
	return base.Mul(remaining).DivRound(total, BasePrecision)
}
