package saga

import (
	"go.opentelemetry.io/otel/codes"

	"fulcrum/internal/service/order/domain"
)

// ApprovalHandler 是审批闸口：报价对预估的偏差超出策略阈值时，
// 给订单打上待审批标记并停在这里，等管理员 approve_quote 后续跑。
// 被挡下不是失败，上层会把它映射为 pending_approval 结局。
type ApprovalHandler struct {
	NextHandler
}

func (h *ApprovalHandler) Handle(c *SettlementContext) error {
	ctx, span := c.Tracer.Start(c.Ctx, "saga.ApprovalGate")
	defer span.End()

	if c.Order.ApprovalRequired {
		span.AddEvent("Approval already pending, settlement stays deferred.")
		c.LogStep("approval_gate", "deferred", "approval pending")
		return domain.ErrApprovalRequired
	}
	if c.Order.ApprovedAt != nil {
		c.LogStep("approval_gate", "ok", "approved by "+c.Order.ApprovedBy)
		return h.executeNext(c)
	}

	needs, err := c.Policy.RequiresApproval(ctx, c.AmountCents, c.Order.EstimateCents())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Approval policy evaluation failed")
		return err
	}
	if !needs {
		c.LogStep("approval_gate", "ok", "")
		return h.executeNext(c)
	}

	// 打标走乐观锁。冲突就让本次结算整体失败重来，绝不绕过闸口。
	if _, err := c.Orders.ApplyWithVersion(ctx, c.Order.ID, c.Order.Version, func(o *domain.Order) error {
		o.ApprovalRequired = true
		return nil
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to flag order for approval")
		return err
	}

	span.AddEvent("Settlement deferred pending administrator approval.")
	c.LogStep("approval_gate", "deferred", "quote deviates from estimate beyond policy threshold")
	return domain.ErrApprovalRequired
}
