package saga

import (
	"go.opentelemetry.io/otel/attribute"

	"fulcrum/internal/pkg/logger"
)

// NotifyHandler 是链的最后一步，发送扣款成功通知。
// 严格遵循非关键路径原则：通知失败只记警告，不影响已完成的结算。
// 后续可以通过监控告警和后台任务来进行补偿。
type NotifyHandler struct {
	NextHandler
}

func (h *NotifyHandler) Handle(c *SettlementContext) error {
	ctx, span := c.Tracer.Start(c.Ctx, "saga.Notification")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.topic", "notifications"),
	)

	if err := c.Notifier.SendSettlementSucceeded(ctx, c.Order.ID, c.Order.CustomerID, c.AmountCents); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order", c.Order.ID).Msg("⚠️ failed to publish settlement notification")
		span.RecordError(err)
	}

	span.AddEvent("Settlement saga finalized and notification sent (or attempted).")
	return h.executeNext(c)
}
