// internal/service/order/infrastructure/adapter/notification_kafka_adapter.go
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"fulcrum/internal/pkg/mq"
	"fulcrum/internal/service/order/domain"
)

// NotificationKafkaAdapter 是 port.Notifier 接口的 Kafka 实现。
// 消息按 UserID 作 key 投递，push-gateway 按 key 路由到用户的长连接。
type NotificationKafkaAdapter struct {
	writer *kafka.Writer
}

// NewNotificationKafkaAdapter 创建一个新的通知生产者适配器。
func NewNotificationKafkaAdapter(writer *kafka.Writer) *NotificationKafkaAdapter {
	return &NotificationKafkaAdapter{writer: writer}
}

// SendPaymentRetryNotice 实现了扣款失败重试通知的发送逻辑。
func (a *NotificationKafkaAdapter) SendPaymentRetryNotice(ctx context.Context, orderID, customerID string, retryAt time.Time) error {
	message := fmt.Sprintf(
		"We couldn't process the payment for order %s. We'll retry automatically at %s. You can update your payment method before then.",
		orderID, retryAt.UTC().Format(time.RFC3339),
	)
	return a.publish(ctx, customerID, orderID, domain.NotifyPaymentRetry, message)
}

// SendSettlementSucceeded 实现了扣款成功通知的发送逻辑。
func (a *NotificationKafkaAdapter) SendSettlementSucceeded(ctx context.Context, orderID, customerID string, amountCents int64) error {
	message := fmt.Sprintf(
		"Payment of %d.%02d for order %s was completed successfully.",
		amountCents/100, amountCents%100, orderID,
	)
	return a.publish(ctx, customerID, orderID, domain.NotifySettlementDone, message)
}

// SendGraceCancellation 实现了宽限期取消通知的发送逻辑。
func (a *NotificationKafkaAdapter) SendGraceCancellation(ctx context.Context, orderID, customerID string, feeCents int64) error {
	message := fmt.Sprintf("Order %s was cancelled because payment could not be completed in time.", orderID)
	if feeCents > 0 {
		message = fmt.Sprintf(
			"Order %s was cancelled because payment could not be completed in time. A fee of %d.%02d was charged.",
			orderID, feeCents/100, feeCents%100,
		)
	}
	return a.publish(ctx, customerID, orderID, domain.NotifyGraceCancellation, message)
}

func (a *NotificationKafkaAdapter) publish(ctx context.Context, customerID, orderID, notifyType, message string) error {
	event := domain.NotificationEvent{
		TraceID: trace.SpanFromContext(ctx).SpanContext().TraceID().String(),
		UserID:  customerID,
		OrderID: orderID,
		Type:    notifyType,
		Message: message,
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal notification event: %w", err)
	}

	// 调用通用的 mq.ProduceMessage，它会自动处理追踪上下文注入
	return mq.ProduceMessage(ctx, a.writer, []byte(customerID), eventBytes)
}

// Close 关闭底层的 Kafka writer。
func (a *NotificationKafkaAdapter) Close() error {
	return a.writer.Close()
}
