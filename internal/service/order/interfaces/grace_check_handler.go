// internal/service/order/interfaces/grace_check_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"fulcrum/internal/pkg/logger"
	"fulcrum/internal/pkg/mq"
	"fulcrum/internal/service/order/application"
	"fulcrum/internal/service/order/domain"
)

// GraceCheckConsumerAdapter 是一个驱动适配器：监听宽限检查 topic，
// 驱动结算服务做宽限期裁决。消息只是快速路径，数据库扫描兜底，
// 所以这里的失败只进 DLT 留痕，不重试。
type GraceCheckConsumerAdapter struct {
	reader     *kafka.Reader
	settlement *application.SettlementService
	failures   *mq.FailureHandler
	wg         sync.WaitGroup
	stopped    bool
}

// NewGraceCheckConsumerAdapter 创建一个新的宽限检查消费者适配器。
func NewGraceCheckConsumerAdapter(reader *kafka.Reader, settlement *application.SettlementService, failures *mq.FailureHandler) *GraceCheckConsumerAdapter {
	return &GraceCheckConsumerAdapter{
		reader:     reader,
		settlement: settlement,
		failures:   failures,
	}
}

// Start 开始监听宽限检查主题。这是一个长期运行的方法。
func (a *GraceCheckConsumerAdapter) Start(ctx context.Context) error {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Ctx(ctx).Info().Str("topic", a.reader.Config().Topic).Msg("✅ Grace check consumer started.")
		for {
			if a.stopped {
				return
			}
			// 用 FetchMessage 而不是 ReadMessage，提交时机自己控制
			msg, err := a.reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					logger.Ctx(ctx).Info().Msg("🛑 Grace check consumer shutting down.")
					return
				}
				logger.Ctx(ctx).Error().Err(err).Msg("could not read message, retrying")
				time.Sleep(1 * time.Second)
				continue
			}

			newCtx := mq.ExtractTraceContext(ctx, msg.Headers)
			a.processMessage(newCtx, msg)

			// 无论成败都提交：坏消息已经进了 DLT，重放只会重复失败
			if err := a.reader.CommitMessages(ctx, msg); err != nil {
				logger.Ctx(ctx).Error().Err(err).Msg("failed to commit messages")
			}
		}
	}()

	return nil
}

// Stop 优雅地停止消费者。
func (a *GraceCheckConsumerAdapter) Stop(ctx context.Context) {
	a.stopped = true
	a.reader.Close()
	a.wg.Wait()
	logger.Ctx(ctx).Info().Msg("✅ Grace check consumer stopped.")
}

// processMessage 反序列化消息并调用结算服务。
func (a *GraceCheckConsumerAdapter) processMessage(ctx context.Context, msg kafka.Message) {
	var event domain.GraceCheckEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("key", string(msg.Key)).Msg("failed to unmarshal grace check event")
		a.failures.Handle(ctx, msg, err)
		return
	}

	if err := a.settlement.HandleGraceCheckEvent(ctx, &event); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", event.OrderID).Msg("failed to handle grace check event")
		a.failures.Handle(ctx, msg, err)
	}
}
