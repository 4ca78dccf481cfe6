// cmd/retry-scheduler/relay.go
package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulcrum/internal/pkg/mq"
	"fulcrum/internal/service/order/infrastructure/adapter"
)

// DelayRelay 轮询一个延迟级别的 topic，把到期消息转投到 real-topic 头
// 指定的业务主题。同级消息延迟相同，队头未到期则后面的都未到期，
// 一次轮询最多扫到第一条未到期消息为止。
type DelayRelay struct {
	level       string        // 延迟级别名称, e.g., "delay_topic_24h"
	delay       time.Duration // 对应的延迟时长
	brokers     []string
	kafkaReader *kafka.Reader
	// 为每个真实主题维护一个独立的 writer
	kafkaWriters map[string]*kafka.Writer
	writerLock   sync.Mutex
}

// NewDelayRelay 创建一个针对特定延迟级别的转投器。
func NewDelayRelay(brokers []string, level string, delay time.Duration) *DelayRelay {
	reader := mq.NewKafkaReader(brokers, level, serviceName+"-group-"+level)
	return &DelayRelay{
		level:        level,
		delay:        delay,
		brokers:      brokers,
		kafkaReader:  reader,
		kafkaWriters: make(map[string]*kafka.Writer),
	}
}

// StartPolling 启动定时轮询，ctx 结束后返回。
func (s *DelayRelay) StartPolling(ctx context.Context, interval time.Duration) {
	log.Printf("✅ Delay relay for level '%s' started, checking every %v", s.level, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer s.kafkaReader.Close()
	defer s.closeWriters()

	for {
		select {
		case <-ticker.C:
			s.checkAndPublish(ctx)
		case <-ctx.Done():
			log.Printf("🛑 Shutting down delay relay for level '%s'", s.level)
			return
		}
	}
}

// checkAndPublish 是轮询的核心逻辑。
func (s *DelayRelay) checkAndPublish(parentCtx context.Context) {
	for {
		// FetchMessage 不自动提交 offset，提交时机完全自己控制
		fetchCtx, cancel := context.WithTimeout(parentCtx, 2*time.Second)
		msg, err := s.kafkaReader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			// 没有新消息或 ctx 结束，等下一次 tick
			return
		}

		header := mq.KafkaHeaderCarrier(msg.Headers)
		spanCtx := otel.GetTextMapPropagator().Extract(parentCtx, &header)
		now := time.Now().UTC()
		ctx, span := tracer.Start(spanCtx, "relay.CheckAndPublish", trace.WithAttributes(
			attribute.String("delay.level", s.level),
			attribute.String("now", now.Format(time.DateTime)),
		))

		// 到期时间优先取 delay-timestamp 头（发送方写入的精确截止），
		// 缺失时退化为消息入队时间加本级延迟
		deliveryTime := msg.Time.Add(s.delay)
		if raw := s.getHeader(msg.Headers, adapter.HeaderDelayTimestamp); raw != "" {
			if parsed, perr := time.Parse(time.RFC3339, raw); perr == nil {
				deliveryTime = parsed
			}
		}

		if now.Before(deliveryTime) {
			// 队头未到期，后面的更不会到期
			span.AddEvent("HeadMessageNotDue")
			span.End()
			return
		}

		realTopic := s.getHeader(msg.Headers, adapter.HeaderRealTopic)
		if realTopic == "" {
			log.Printf("ERROR: 'real-topic' header missing in message from '%s'. Skipping.", s.level)
			// 坏消息也要提交，否则会被永远重复消费
			if err := s.kafkaReader.CommitMessages(ctx, msg); err != nil {
				log.Printf("ERROR: Failed to commit message after skipping: %v", err)
			}
			span.End()
			continue
		}

		if err := s.publish(ctx, realTopic, msg); err != nil {
			log.Printf("ERROR: Failed to publish message to real topic '%s': %v", realTopic, err)
			// 投递失败不提交 offset，等下次轮询重试
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to publish to real topic")
			span.End()
			return
		}

		if err := s.kafkaReader.CommitMessages(ctx, msg); err != nil {
			log.Printf("ERROR: Failed to commit message for '%s' after successful publish: %v", s.level, err)
			span.RecordError(err)
			span.End()
			return
		}
		span.AddEvent("MessagePublishedAndCommitted", trace.WithAttributes(attribute.String("real.topic", realTopic)))
		span.End()
	}
}

// publish 将消息转投到真实业务主题。
func (s *DelayRelay) publish(ctx context.Context, realTopic string, msg kafka.Message) error {
	s.writerLock.Lock()
	writer, exists := s.kafkaWriters[realTopic]
	if !exists {
		writer = mq.NewKafkaWriter(s.brokers, realTopic)
		s.kafkaWriters[realTopic] = writer
	}
	s.writerLock.Unlock()

	// 重新构造消息并延续追踪上下文
	publishMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
	}
	traceCtx := mq.ExtractTraceContext(ctx, msg.Headers)
	mq.InjectTraceContext(traceCtx, &publishMsg.Headers)

	return writer.WriteMessages(ctx, publishMsg)
}

// closeWriters 安全地关闭所有 writer。
func (s *DelayRelay) closeWriters() {
	s.writerLock.Lock()
	defer s.writerLock.Unlock()
	for topic, writer := range s.kafkaWriters {
		if err := writer.Close(); err != nil {
			log.Printf("ERROR: Failed to close writer for topic %s: %v", topic, err)
		}
	}
}

func (s *DelayRelay) getHeader(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
