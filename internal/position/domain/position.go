// Package domain 仓位账本。
// 每个（场所、用户、资产对）组合下的仓位按实例号单调递增，
// 历史实例永久保留用于审计；复用与弃用规则由应用层裁决。
package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrPositionNotFound  = errors.New("position not found")
	ErrPositionExists    = errors.New("position already exists")
	ErrPositionAbandoned = errors.New("position permanently abandoned")
)

// PositionTuple 仓位归属键
type PositionTuple struct {
	VenueKey        string `json:"venue_key"`
	UserID          string `json:"user_id"`
	CollateralAsset string `json:"collateral_asset"`
	BorrowAsset     string `json:"borrow_asset"`
}

// Position 一个仓位实例
type Position struct {
	PositionID      string    `json:"position_id"`
	VenueKey        string    `json:"venue_key"`
	UserID          string    `json:"user_id"`
	CollateralAsset string    `json:"collateral_asset"`
	BorrowAsset     string    `json:"borrow_asset"`
	InstanceID      uint64    `json:"instance_id"`
	Opened          bool      `json:"opened"`
	Closed          bool      `json:"closed"`
	Abandoned       bool      `json:"abandoned"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// PositionIDOf 仓位 ID 由归属键与实例号确定性推导
func PositionIDOf(tuple PositionTuple, instanceID uint64) string {
	return fmt.Sprintf("%s:%s:%s:%s:%d",
		tuple.VenueKey, tuple.UserID, tuple.CollateralAsset, tuple.BorrowAsset, instanceID)
}

func NewPosition(tuple PositionTuple, instanceID uint64) *Position {
	now := time.Now()
	return &Position{
		PositionID:      PositionIDOf(tuple, instanceID),
		VenueKey:        tuple.VenueKey,
		UserID:          tuple.UserID,
		CollateralAsset: tuple.CollateralAsset,
		BorrowAsset:     tuple.BorrowAsset,
		InstanceID:      instanceID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Tuple 返回归属键
func (p *Position) Tuple() PositionTuple {
	return PositionTuple{
		VenueKey:        p.VenueKey,
		UserID:          p.UserID,
		CollateralAsset: p.CollateralAsset,
		BorrowAsset:     p.BorrowAsset,
	}
}

// MarkOpened 标记已在场所开仓
func (p *Position) MarkOpened() {
	p.Opened = true
	p.Closed = false
	p.UpdatedAt = time.Now()
}

// MarkClosed 债务清零后关闭；实例保留，之后同实例可再次开仓
func (p *Position) MarkClosed() {
	p.Opened = false
	p.Closed = true
	p.UpdatedAt = time.Now()
}

// Abandon 永久弃用。弃用不可逆，同归属键此后只能铸造新实例
func (p *Position) Abandon() {
	p.Abandoned = true
	p.Opened = false
	p.UpdatedAt = time.Now()
}
