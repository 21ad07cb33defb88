package notify // 运行结束通知

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"auto-apply-go/internal/constants"
	"auto-apply-go/internal/storage/models"
	"auto-apply-go/internal/types"
)

// Notifier 运行进入终态后调用，失败不影响运行结果
type Notifier interface {
	Notify(ctx context.Context, event types.RunFinishedEvent) error
}

// Multi 依次调用所有通知器，汇总错误
type Multi []Notifier

// Notify 实现 Notifier
func (m Multi) Notify(ctx context.Context, event types.RunFinishedEvent) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OutboxStore 写入 outbox 消息
type OutboxStore interface {
	EnqueueOutboxMessage(ctx context.Context, msg *models.OutboxMessage) error
}

// OutboxNotifier 把运行结束事件写入 outbox，由 relay 发布到 RabbitMQ
type OutboxNotifier struct {
	store    OutboxStore
	exchange string
}

// NewOutboxNotifier 创建 outbox 通知器
func NewOutboxNotifier(store OutboxStore, exchange string) *OutboxNotifier {
	return &OutboxNotifier{store: store, exchange: exchange}
}

// EventTypeRunFinished outbox 消息的事件类型
const EventTypeRunFinished = "automation.run.finished"

// RoutingKey 按终态选择路由键
func RoutingKey(status types.RunState) string {
	switch status {
	case types.RunStateComplete:
		return constants.RoutingKeyRunCompleted
	case types.RunStateCancelled:
		return constants.RoutingKeyRunCancelled
	default:
		return constants.RoutingKeyRunFailed
	}
}

// Notify 实现 Notifier
func (n *OutboxNotifier) Notify(ctx context.Context, event types.RunFinishedEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("序列化运行事件失败: %w", err)
	}
	return n.store.EnqueueOutboxMessage(ctx, &models.OutboxMessage{
		AggregateID:      event.RunID,
		EventType:        EventTypeRunFinished,
		Payload:          string(payload),
		TargetExchange:   n.exchange,
		TargetRoutingKey: RoutingKey(event.Status),
	})
}
