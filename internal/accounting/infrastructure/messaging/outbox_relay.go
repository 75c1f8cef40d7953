package messaging

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/wyfcoding/deficonverter/pkg/mq"
)

// OutboxRelay 周期性扫描 Outbox 并投递到 Kafka
type OutboxRelay struct {
	publisher *OutboxEventPublisher
	producer  *mq.KafkaProducer
	topic     string
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

func NewOutboxRelay(
	publisher *OutboxEventPublisher,
	producer *mq.KafkaProducer,
	topic string,
	interval time.Duration,
	batchSize int,
	logger *slog.Logger,
) *OutboxRelay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		publisher: publisher,
		producer:  producer,
		topic:     topic,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger.With("module", "outbox_relay"),
	}
}

// Run 阻塞运行直到 ctx 取消
func (r *OutboxRelay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.relayOnce(ctx); err != nil {
				r.logger.ErrorContext(ctx, "outbox relay pass failed", "error", err)
			}
		}
	}
}

func (r *OutboxRelay) relayOnce(ctx context.Context) error {
	messages, err := r.publisher.FetchPending(ctx, r.batchSize)
	if err != nil {
		return err
	}

	for _, message := range messages {
		var payload any
		if err := json.Unmarshal([]byte(message.Payload), &payload); err != nil {
			r.logger.WarnContext(ctx, "corrupt outbox payload skipped", "id", message.ID)
			continue
		}
		if err := r.producer.SendMessage(ctx, r.topic, message.EventType, payload); err != nil {
			// 投递失败保持 pending，下一轮重试
			r.logger.WarnContext(ctx, "failed to relay outbox message",
				"id", message.ID, "event_type", message.EventType, "error", err)
			continue
		}
		if err := r.publisher.MarkSent(ctx, message.ID); err != nil {
			return err
		}
	}
	return nil
}
