// Package messaging 核算事件的 Outbox 发布与投递
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/wyfcoding/deficonverter/internal/accounting/domain"
)

// OutboxMessage 事件先落库，由中继异步投递到消息队列
type OutboxMessage struct {
	ID        string    `gorm:"type:varchar(36);primary_key"`
	EventID   string    `gorm:"type:varchar(36);index"`
	EventType string    `gorm:"type:varchar(100);index"`
	Payload   string    `gorm:"type:text"`
	Status    string    `gorm:"type:varchar(20);index;default:'pending'"`
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

func (OutboxMessage) TableName() string {
	return "converter_outbox_messages"
}

const (
	statusPending = "pending"
	statusSent    = "sent"
)

// OutboxEventPublisher 实现 domain.EventPublisher，使用 Outbox 模式
type OutboxEventPublisher struct {
	db *gorm.DB
}

func NewOutboxEventPublisher(db *gorm.DB) *OutboxEventPublisher {
	return &OutboxEventPublisher{db: db}
}

func (p *OutboxEventPublisher) PublishNewPosition(event domain.NewPositionEvent) error {
	return p.publishEvent(domain.NewPositionEventType, event)
}

func (p *OutboxEventPublisher) PublishBorrowRecorded(event domain.BorrowRecordedEvent) error {
	return p.publishEvent(domain.BorrowRecordedEventType, event)
}

func (p *OutboxEventPublisher) PublishRepayRecorded(event domain.RepayRecordedEvent) error {
	return p.publishEvent(domain.RepayRecordedEventType, event)
}

func (p *OutboxEventPublisher) publishEvent(eventType string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	message := OutboxMessage{
		ID:        uuid.NewString(),
		EventID:   uuid.NewString(),
		EventType: eventType,
		Payload:   string(payload),
		Status:    statusPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	return p.db.Create(&message).Error
}

// FetchPending 取一批待投递消息
func (p *OutboxEventPublisher) FetchPending(ctx context.Context, batchSize int) ([]OutboxMessage, error) {
	var messages []OutboxMessage
	err := p.db.WithContext(ctx).
		Where("status = ?", statusPending).
		Order("created_at ASC").
		Limit(batchSize).
		Find(&messages).Error
	return messages, err
}

// MarkSent 标记消息已投递
func (p *OutboxEventPublisher) MarkSent(ctx context.Context, id string) error {
	return p.db.WithContext(ctx).
		Model(&OutboxMessage{}).
		Where("id = ?", id).
		Update("status", statusSent).Error
}

// CleanupSent 清理投递完成的历史消息
func (p *OutboxEventPublisher) CleanupSent(ctx context.Context, before time.Time) error {
	return p.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", statusSent, before).
		Delete(&OutboxMessage{}).Error
}
