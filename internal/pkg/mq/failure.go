// internal/pkg/mq/failure.go
package mq

import (
	"context"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"

	"fulcrum/internal/pkg/logger"
)

// 死信消息头，记录原始位置与异常信息，便于 DLT 消费端定位问题。
const (
	HeaderOriginalTopic     = "x-original-topic"
	HeaderOriginalPartition = "x-original-partition"
	HeaderOriginalOffset    = "x-original-offset"
	HeaderExceptionFqcn     = "x-exception-fqcn"
	HeaderExceptionMessage  = "x-exception-message"
)

// FailureHandler 将处理失败的消息转发到死信主题（DLT）。
// 消费者在业务处理返回错误时调用 Handle，然后照常提交 offset，
// 由 DLT 侧的消费者负责记录与人工介入。
type FailureHandler struct {
	dltWriter *kafka.Writer
}

func NewFailureHandler(brokers []string, dltTopic string) *FailureHandler {
	return &FailureHandler{
		dltWriter: NewKafkaWriter(brokers, dltTopic),
	}
}

// Handle 把原始消息连同诊断头写入死信主题。
// 转发本身失败时只能记日志——此时消息会随 offset 提交而丢失，必须告警。
func (h *FailureHandler) Handle(ctx context.Context, msg kafka.Message, processingErr error) {
	headers := []kafka.Header{
		{Key: HeaderOriginalTopic, Value: []byte(msg.Topic)},
		{Key: HeaderOriginalPartition, Value: []byte(strconv.Itoa(msg.Partition))},
		{Key: HeaderOriginalOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		{Key: HeaderExceptionFqcn, Value: []byte(fmt.Sprintf("%T", processingErr))},
		{Key: HeaderExceptionMessage, Value: []byte(processingErr.Error())},
	}
	InjectTraceContext(ctx, &headers)

	dltMsg := kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}
	if err := h.dltWriter.WriteMessages(ctx, dltMsg); err != nil {
		logger.Ctx(ctx).Error().Err(err).
			Str("original_topic", msg.Topic).
			Str("key", string(msg.Key)).
			Msg("🚨 CRITICAL: failed to forward poison message to DLT")
	}
}

func (h *FailureHandler) Close() error {
	return h.dltWriter.Close()
}
