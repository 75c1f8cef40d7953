package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func TestApplyBorrowAccumulatesBases(t *testing.T) {
	entry := NewLedgerEntry("user-1", "pos-1")

	entry.ApplyBorrow(dec("10"), dec("20"))
	assert.True(t, entry.CollateralBase.Equal(dec("10")))
	assert.True(t, entry.DebtBase.Equal(dec("20")))

	entry.ApplyBorrow(dec("5"), dec("10"))
	assert.True(t, entry.CollateralBase.Equal(dec("15")))
	assert.True(t, entry.DebtBase.Equal(dec("30")))
}

func TestApplyRepayShrinksBasesProportionally(t *testing.T) {
	entry := NewLedgerEntry("user-1", "pos-1")
	entry.ApplyBorrow(dec("15"), dec("30"))

	// 取回 12 抵押（场所剩 24），偿还 16 债务（场所剩 44）
	outcome := entry.ApplyRepay(dec("12"), dec("24"), dec("16"), dec("44"))

	// 15 × 24/36 = 10，精确无舍入
	assert.True(t, entry.CollateralBase.Equal(dec("10")), "got %s", entry.CollateralBase)
	// 30 × 44/60 = 22
	assert.True(t, entry.DebtBase.Equal(dec("22")), "got %s", entry.DebtBase)
	// 取回 12 对应摊薄 5，多出 7 为已实现收益
	assert.True(t, outcome.CollateralGain.Equal(dec("7")), "got %s", outcome.CollateralGain)
	// 偿还 16 对应摊薄 8，多出 8 为已实现损失
	assert.True(t, outcome.DebtLoss.Equal(dec("8")), "got %s", outcome.DebtLoss)
}

func TestApplyRepayFullExitZeroesBases(t *testing.T) {
	entry := NewLedgerEntry("user-1", "pos-1")
	entry.ApplyBorrow(dec("15"), dec("30"))

	// 场所两侧均清零
	outcome := entry.ApplyRepay(dec("25"), dec("0"), dec("40"), dec("0"))

	assert.True(t, entry.CollateralBase.IsZero())
	assert.True(t, entry.DebtBase.IsZero())
	assert.True(t, outcome.CollateralGain.Equal(dec("10")), "got %s", outcome.CollateralGain)
	assert.True(t, outcome.DebtLoss.Equal(dec("10")), "got %s", outcome.DebtLoss)
}

func TestApplyRepayZeroMovedKeepsBases(t *testing.T) {
	entry := NewLedgerEntry("user-1", "pos-1")
	entry.ApplyBorrow(dec("15"), dec("30"))

	outcome := entry.ApplyRepay(decimal.Zero, dec("36"), decimal.Zero, dec("60"))

	assert.True(t, entry.CollateralBase.Equal(dec("15")))
	assert.True(t, entry.DebtBase.Equal(dec("30")))
	assert.True(t, outcome.CollateralGain.IsZero())
	assert.True(t, outcome.DebtLoss.IsZero())
}
