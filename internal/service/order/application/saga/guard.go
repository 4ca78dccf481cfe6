package saga

import (
	"context"
	"errors"

	"fulcrum/internal/pkg/logger"
)

// ErrSettlementBusy 表示另一次结算正持有该订单的互斥锁。
// 调用方直接返回冲突，不排队等待。
var ErrSettlementBusy = errors.New("settlement already in progress for this order")

// GuardHandler 获取订单粒度的结算互斥锁，链的剩余步骤在持锁窗口内执行。
// 锁只是并发收敛手段；正确性兜底在处理商幂等键和版本守卫上，
// 所以 redis 不可用时选择放行而不是拒付。
type GuardHandler struct {
	NextHandler
}

func (h *GuardHandler) Handle(c *SettlementContext) error {
	ctx, span := c.Tracer.Start(c.Ctx, "saga.SettlementGuard")
	defer span.End()

	if !c.GuardEnabled {
		span.AddEvent("Settlement guard disabled by feature flag.")
		return h.executeNext(c)
	}

	ok, err := c.Guard.Acquire(ctx, c.Order.ID, c.GuardTTL)
	if err != nil {
		span.RecordError(err)
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", c.Order.ID).
			Msg("⚠️ settlement guard unavailable, proceeding unguarded")
		return h.executeNext(c)
	}
	if !ok {
		span.AddEvent("Another settlement holds the guard.")
		c.LogStep("guard", "busy", "")
		return ErrSettlementBusy
	}
	defer func() {
		if err := c.Guard.Release(context.WithoutCancel(ctx), c.Order.ID); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", c.Order.ID).Msg("⚠️ failed to release settlement guard")
		}
	}()

	c.LogStep("guard", "ok", "")
	return h.executeNext(c)
}
