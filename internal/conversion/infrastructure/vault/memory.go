// Package vault 内存资金托管，用于单测与演示接线
package vault

import (
	"context"
	"errors"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/deficonverter/internal/conversion/domain"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// selfParty 编排器自身在托管账户中的参与方名
const selfParty = domain.OrchestratorAccount

// MemoryVault 参与方 -> 资产 -> 余额
type MemoryVault struct {
	mu       sync.Mutex
	balances map[string]map[string]decimal.Decimal
}

func NewMemoryVault() *MemoryVault {
	return &MemoryVault{
		balances: make(map[string]map[string]decimal.Decimal),
	}
}

// Deposit 给参与方充值（测试与演示用）
func (v *MemoryVault) Deposit(party, asset string, amount decimal.Decimal) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.credit(party, asset, amount)
}

// DepositSelf 直接给编排器充值，模拟外部直接打款（召回交付、灰尘、场所放款）
func (v *MemoryVault) DepositSelf(asset string, amount decimal.Decimal) {
	v.Deposit(selfParty, asset, amount)
}

// PartyBalance 查询参与方余额（测试用）
func (v *MemoryVault) PartyBalance(party, asset string) decimal.Decimal {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balanceOf(party, asset)
}

// Pull 实现 domain.AssetVault
func (v *MemoryVault) Pull(_ context.Context, from, asset string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balanceOf(from, asset).LessThan(amount) {
		return ErrInsufficientBalance
	}
	v.debit(from, asset, amount)
	v.credit(selfParty, asset, amount)
	return nil
}

// Push 实现 domain.AssetVault
func (v *MemoryVault) Push(_ context.Context, to, asset string, amount decimal.Decimal) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.balanceOf(selfParty, asset).LessThan(amount) {
		return ErrInsufficientBalance
	}
	v.debit(selfParty, asset, amount)
	v.credit(to, asset, amount)
	return nil
}

// Balance 实现 domain.AssetVault
func (v *MemoryVault) Balance(_ context.Context, asset string) (decimal.Decimal, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balanceOf(selfParty, asset), nil
}

func (v *MemoryVault) balanceOf(party, asset string) decimal.Decimal {
	if assets, ok := v.balances[party]; ok {
		return assets[asset]
	}
	return decimal.Zero
}

func (v *MemoryVault) credit(party, asset string, amount decimal.Decimal) {
	if _, ok := v.balances[party]; !ok {
		v.balances[party] = make(map[string]decimal.Decimal)
	}
	v.balances[party][asset] = v.balances[party][asset].Add(amount)
}

func (v *MemoryVault) debit(party, asset string, amount decimal.Decimal) {
	v.balances[party][asset] = v.balances[party][asset].Sub(amount)
}
