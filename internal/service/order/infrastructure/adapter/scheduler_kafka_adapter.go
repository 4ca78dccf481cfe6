// internal/service/order/infrastructure/adapter/scheduler_kafka_adapter.go
package adapter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/trace"

	"fulcrum/internal/pkg/mq"
	"fulcrum/internal/service/order/domain"
)

// 延迟消息头：调度进程按 delay-timestamp 扣留消息，到点转投 real-topic。
const (
	HeaderRealTopic      = "real-topic"
	HeaderDelayTimestamp = "delay-timestamp"
)

// SchedulerKafkaAdapter 实现了 port.DelayScheduler 接口。
// 延迟消息只是快速路径；数据库扫描兜底，消息丢了宽限检查照样发生。
type SchedulerKafkaAdapter struct {
	delayWriter *kafka.Writer
	realTopic   string
}

// NewSchedulerKafkaAdapter 创建一个新的延迟任务调度器适配器。
func NewSchedulerKafkaAdapter(brokers []string, delayTopic, realTopic string) *SchedulerKafkaAdapter {
	return &SchedulerKafkaAdapter{
		delayWriter: mq.NewKafkaWriter(brokers, delayTopic),
		realTopic:   realTopic,
	}
}

// ScheduleGraceCheck 实现了发送延迟消息的逻辑：消息先进延迟 topic，
// 到 due 时刻由调度进程转投回宽限检查 topic。
func (a *SchedulerKafkaAdapter) ScheduleGraceCheck(ctx context.Context, orderID string, due time.Time) error {
	taskEvent := domain.GraceCheckEvent{
		TraceID:     trace.SpanFromContext(ctx).SpanContext().TraceID().String(),
		OrderID:     orderID,
		ScheduledAt: time.Now().UTC(),
		Deadline:    due.UTC(),
	}
	taskBytes, err := json.Marshal(taskEvent)
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(orderID),
		Value: taskBytes,
		Headers: []kafka.Header{
			{Key: HeaderRealTopic, Value: []byte(a.realTopic)},
			{Key: HeaderDelayTimestamp, Value: []byte(due.UTC().Format(time.RFC3339))},
		},
	}
	mq.InjectTraceContext(ctx, &msg.Headers)

	return a.delayWriter.WriteMessages(ctx, msg)
}

// Close 关闭底层的 Kafka writer。
func (a *SchedulerKafkaAdapter) Close() error {
	return a.delayWriter.Close()
}
