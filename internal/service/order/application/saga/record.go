package saga

import (
	"errors"

	"go.opentelemetry.io/otel/codes"

	"fulcrum/internal/service/order/domain"
)

// RecordHandler 把扣款结果落到订单上：payment_completed 流转、支付引用、
// 审计事件，都在仓储的同一个事务里完成。
// 这一步失败会触发退款补偿，钱和状态不允许分家。
type RecordHandler struct {
	NextHandler
}

func (h *RecordHandler) Handle(c *SettlementContext) error {
	ctx, span := c.Tracer.Start(c.Ctx, "saga.RecordSettlement")
	defer span.End()

	updated, err := c.Orders.Transition(ctx, c.Order.ID, &domain.TransitionRequest{
		Action:    domain.ActionPaymentCompleted,
		ActorID:   "settlement-saga",
		ActorRole: domain.RoleSystem,
		Metadata:  map[string]string{domain.MetaSettlementRef: c.SettlementRef},
		Now:       c.Now,
	})
	if err != nil {
		// 续跑路径：处理商按幂等键返回了既有扣款，订单可能早已落账
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, domain.ErrStaleVersion) {
			if cur, ferr := c.Orders.FindByID(ctx, c.Order.ID); ferr == nil && cur.SettlementRef == c.SettlementRef {
				c.Order = cur
				span.AddEvent("Settlement already recorded on order, continuing.")
				c.LogStep("record", "ok", "already recorded")
				return h.executeNext(c)
			}
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to record settlement on order")
		c.LogStep("record", "failed", err.Error())
		return err
	}

	c.Order = updated
	span.AddEvent("Settlement recorded, order advanced.")
	c.LogStep("record", "ok", "")
	return h.executeNext(c)
}
