package saga

import (
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// AmountHandler 解析本次应扣金额：检测后报价 > 结构化报价 > 原始预估。
// 未到场费链会预置 AmountCents，此时原样放行。
type AmountHandler struct {
	NextHandler
}

func (h *AmountHandler) Handle(c *SettlementContext) error {
	_, span := c.Tracer.Start(c.Ctx, "saga.ResolveAmount")
	defer span.End()

	if c.AmountCents == 0 {
		c.AmountCents = c.Order.SettlementAmountCents()
	}
	if c.Currency == "" {
		c.Currency = c.Order.Currency
	}
	if c.AmountCents <= 0 {
		err := fmt.Errorf("order %s has no positive settlement amount", c.Order.ID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "No settlement amount")
		c.LogStep("resolve_amount", "failed", err.Error())
		return err
	}

	span.SetAttributes(
		attribute.Int64("settlement.amount_cents", c.AmountCents),
		attribute.String("settlement.currency", c.Currency),
	)
	c.LogStep("resolve_amount", "ok", strconv.FormatInt(c.AmountCents, 10))
	return h.executeNext(c)
}
