package saga

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"fulcrum/internal/pkg/logger"
	"fulcrum/internal/service/order/domain/port"
)

// ChargeHandler 调用支付处理商对已存支付方式扣款。
// 幂等键原样透传给处理商：重放同一个键拿回同一笔扣款，不会重复收钱。
type ChargeHandler struct {
	NextHandler
}

func (h *ChargeHandler) Handle(c *SettlementContext) error {
	ctx, span := c.Tracer.Start(c.Ctx, "saga.ProcessorCharge")
	defer span.End()

	span.SetAttributes(
		attribute.String("order.id", c.Order.ID),
		attribute.Int64("settlement.amount_cents", c.AmountCents),
		attribute.String("settlement.idempotency_key", c.IdempotencyKey),
	)

	res, err := c.Processor.Charge(ctx, &port.ChargeRequest{
		OrderID:          c.Order.ID,
		CustomerRef:      c.Order.ProcessorCustomerRef,
		PaymentMethodRef: c.Order.PaymentMethodRef,
		AmountCents:      c.AmountCents,
		Currency:         c.Currency,
		IdempotencyKey:   c.IdempotencyKey,
		Description:      fmt.Sprintf("%s for order %s", c.SagaType, c.Order.ID),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Processor charge failed")
		c.LogStep("charge", "failed", err.Error())
		return err
	}

	c.SettlementRef = res.SettlementRef
	span.SetAttributes(attribute.String("settlement.ref", res.SettlementRef))
	c.LogStep("charge", "ok", res.SettlementRef)

	// 钱动过了就必须有回滚路径：后续步骤失败时退回这笔扣款。
	ref, amount := res.SettlementRef, c.AmountCents
	c.AddCompensation(func(compCtx context.Context) {
		compCtx, compSpan := c.Tracer.Start(compCtx, "saga.compensation.Refund")
		defer compSpan.End()

		compSpan.SetAttributes(attribute.String("settlement.ref", ref))
		if err := c.Processor.Refund(compCtx, ref, amount); err != nil {
			compSpan.RecordError(err)
			logger.Ctx(compCtx).Error().Err(err).Str("settlement_ref", ref).
				Msg("🚨 CRITICAL: refund compensation failed, manual intervention required")
		}
	})

	return h.executeNext(c)
}
