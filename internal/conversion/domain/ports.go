// Package domain 转换编排的能力契约与结果类型。
// 借款人回调、资金托管与回调注册由外部协作方实现，核心只消费接口。
package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

const (
	// OrchestratorAccount 编排器自身的托管参与方标识
	OrchestratorAccount = "orchestrator"
	// SwapAccount 兑换路径的托管参与方标识
	SwapAccount = "swap"
)

// Borrower 借款人回调契约（两轮召回协议）。
// 两轮均为同步调用：第一轮请求备款，返回当场交付的数量；
// 不足时第二轮要求转出已备资金。召回期间借款人可能自行清偿债务。
type Borrower interface {
	// PrepareAmountBack 第一轮：请求备款，返回当场交付数量
	PrepareAmountBack(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error)
	// TransferPreparedAmount 第二轮：要求转出剩余已备资金，返回交付数量
	TransferPreparedAmount(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error)
	// OnFundsTransferred 外部触发的资金转移后的记账通知
	OnFundsTransferred(ctx context.Context, assets []string, amounts []decimal.Decimal) error
}

// BorrowerRegistry 仓位到借款人回调的注册表
type BorrowerRegistry interface {
	Register(positionID string, borrower Borrower) error
	Get(positionID string) (Borrower, error)
}

// AssetVault 编排器资金托管。
// Pull 从外部参与方划入编排器，Push 从编排器划出到参与方，
// Balance 为编排器自身余额。每次操作只结算自身增量，
// 既有余额（灰尘、未认领退款）永不被无关操作消耗。
type AssetVault interface {
	Pull(ctx context.Context, from, asset string, amount decimal.Decimal) error
	Push(ctx context.Context, to, asset string, amount decimal.Decimal) error
	Balance(ctx context.Context, asset string) (decimal.Decimal, error)
}
