package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	NewPositionEventType    = "AccountingNewPosition"
	BorrowRecordedEventType = "AccountingBorrowRecorded"
	RepayRecordedEventType  = "AccountingRepayRecorded"
)

// NewPositionEvent 用户首次触达某仓位时发布，每个（用户、仓位）恰好一次
type NewPositionEvent struct {
	UserID     string    `json:"user_id"`
	PositionID string    `json:"position_id"`
	OccurredOn time.Time `json:"occurred_on"`
}

// BorrowRecordedEvent 借款入账事件
type BorrowRecordedEvent struct {
	UserID             string          `json:"user_id"`
	PositionID         string          `json:"position_id"`
	CollateralSupplied decimal.Decimal `json:"collateral_supplied"`
	DebtDrawn          decimal.Decimal `json:"debt_drawn"`
	CollateralBase     decimal.Decimal `json:"collateral_base"`
	DebtBase           decimal.Decimal `json:"debt_base"`
	OccurredOn         time.Time       `json:"occurred_on"`
}

// RepayRecordedEvent 还款入账事件
type RepayRecordedEvent struct {
	UserID         string          `json:"user_id"`
	PositionID     string          `json:"position_id"`
	CollateralMoved decimal.Decimal `json:"collateral_moved"`
	DebtMoved      decimal.Decimal `json:"debt_moved"`
	Gain           decimal.Decimal `json:"gain"`
	Loss           decimal.Decimal `json:"loss"`
	OccurredOn     time.Time       `json:"occurred_on"`
}

// EventPublisher 账本事件发布接口
type EventPublisher interface {
	PublishNewPosition(event NewPositionEvent) error
	PublishBorrowRecorded(event BorrowRecordedEvent) error
	PublishRepayRecorded(event RepayRecordedEvent) error
}
