package domain

import "errors"

var (
	// ErrInvalidAmount 金额非正或超出允许范围
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrEmptyPlan 空融资计划不可执行
	ErrEmptyPlan = errors.New("financing plan is empty")
	// ErrUnauthorized 特权操作的调用方不被认可
	ErrUnauthorized = errors.New("caller not authorized")
	// ErrBorrowerNotFound 仓位未注册借款人回调
	ErrBorrowerNotFound = errors.New("borrower callback not registered")
	// ErrAmountMismatch 实际成交与计划偏差超出容差
	ErrAmountMismatch = errors.New("realized amount deviates from plan beyond tolerance")
	// ErrNoProgress 召回两轮均未交付任何资金
	ErrNoProgress = errors.New("callback delivered nothing")
	// ErrFullCloseNotAllowed 强制再平衡只允许缩减仓位
	ErrFullCloseNotAllowed = errors.New("forced rebalance must not fully close the position")
	// ErrOverAsk 请求超出仓位当前持有量
	ErrOverAsk = errors.New("requested more than the position holds")
	// ErrPositionNotEmpty 关仓时返还资金不足
	ErrPositionNotEmpty = errors.New("position not empty")
	// ErrSlippageExceeded 兑换结果超出预言机参照值容差
	ErrSlippageExceeded = errors.New("swap outcome exceeds oracle tolerance")
	// ErrHealthViolation 操作后健康因子跌破阈值
	ErrHealthViolation = errors.New("health factor below threshold after operation")
)
