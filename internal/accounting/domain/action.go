package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ActionKind 账本动作类型
type ActionKind string

const (
	ActionBorrow ActionKind = "BORROW"
	ActionRepay  ActionKind = "REPAY"
)

// ActionRecord 一次借/还动作的审计记录。
// 价格快照尽力而为，取价失败记零，不影响核算本身。
type ActionRecord struct {
	Seq                 uint64          `json:"seq"`
	UserID              string          `json:"user_id"`
	PositionID          string          `json:"position_id"`
	Kind                ActionKind      `json:"kind"`
	CollateralMoved     decimal.Decimal `json:"collateral_moved"`
	DebtMoved           decimal.Decimal `json:"debt_moved"`
	CollateralBaseAfter decimal.Decimal `json:"collateral_base_after"`
	DebtBaseAfter       decimal.Decimal `json:"debt_base_after"`
	Gain                decimal.Decimal `json:"gain"`
	Loss                decimal.Decimal `json:"loss"`
	CollateralPrice     decimal.Decimal `json:"collateral_price"`
	BorrowPrice         decimal.Decimal `json:"borrow_price"`
	CreatedAt           time.Time       `json:"created_at"`
}
