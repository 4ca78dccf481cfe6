// internal/service/order/application/service.go
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulcrum/internal/pkg/logger"
	"fulcrum/internal/pkg/metrics"
	"fulcrum/internal/service/order/domain"
)

// OrderApplicationService 负责订单生命周期的业务编排：
// 建单、流转、审计查询，以及流转成功后的结算联动。
type OrderApplicationService struct {
	orders        domain.OrderRepository
	settlement    *SettlementService
	settleTimeout time.Duration
	tracer        trace.Tracer
}

func NewOrderApplicationService(orders domain.OrderRepository, settlement *SettlementService, settleTimeout time.Duration, tracer trace.Tracer) *OrderApplicationService {
	return &OrderApplicationService{
		orders:        orders,
		settlement:    settlement,
		settleTimeout: settleTimeout,
		tracer:        tracer,
	}
}

// CreateOrder 接收预约协作方的建单请求并持久化初始聚合。
// 本引擎不做计价：金额原样入库，只校验非负。
func (s *OrderApplicationService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderView, error) {
	ctx, span := s.tracer.Start(ctx, "app.CreateOrder")
	defer span.End()

	family, err := domain.ParseFamily(req.Family)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	id := req.OrderID
	if id == "" {
		id = uuid.New().String()
	}

	order, err := domain.NewOrder(domain.NewOrderParams{
		ID:                   id,
		Family:               family,
		CustomerID:           req.CustomerID,
		Currency:             req.Currency,
		SubtotalCents:        req.SubtotalCents,
		TaxCents:             req.TaxCents,
		FeeCents:             req.FeeCents,
		TotalCents:           req.TotalCents,
		QuoteTotalCents:      req.QuoteTotalCents,
		ProcessorCustomerRef: req.ProcessorCustomerRef,
		PaymentMethodRef:     req.PaymentMethodRef,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to create order entity")
		return nil, err
	}

	if err := s.orders.Create(ctx, order); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to save initial order")
		return nil, err
	}

	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.family", string(order.Family)),
	)
	logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("family", string(order.Family)).Msg("✅ order created")
	return NewOrderView(order), nil
}

// Transition 执行一次流转。校验、落库、审计在仓储事务里完成；
// 成功后联动结算触发器，结算的任何失败都不回滚已成立的流转。
func (s *OrderApplicationService) Transition(ctx context.Context, cmd *TransitionCommand) (*OrderView, error) {
	ctx, span := s.tracer.Start(ctx, "app.Transition")
	defer span.End()

	span.SetAttributes(
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.action", cmd.Action),
		attribute.String("order.actor_role", cmd.ActorRole),
	)

	role, err := domain.ParseRole(cmd.ActorRole)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	updated, err := s.orders.Transition(ctx, cmd.OrderID, &domain.TransitionRequest{
		Action:    domain.Action(cmd.Action),
		ActorID:   cmd.ActorID,
		ActorRole: role,
		Metadata:  cmd.Metadata,
	})
	if err != nil {
		var te *domain.TransitionError
		family := "unknown"
		if errors.As(err, &te) && te.Family != "" {
			family = string(te.Family)
		}
		metrics.OrderTransitions.WithLabelValues(family, cmd.Action, transitionResultLabel(err)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "Transition rejected")
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(updated.Family), cmd.Action, "success").Inc()
	logger.Ctx(ctx).Info().Str("order_id", updated.ID).Str("action", cmd.Action).
		Str("status", string(updated.Status)).Int64("version", updated.Version).Msg("✅ order transitioned")

	updated = s.afterTransition(ctx, updated, domain.Action(cmd.Action))
	return NewOrderView(updated), nil
}

// GetOrder 返回订单快照。
func (s *OrderApplicationService) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	ctx, span := s.tracer.Start(ctx, "app.GetOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return NewOrderView(order), nil
}

// ListEvents 按时间升序返回订单的完整审计台账。
func (s *OrderApplicationService) ListEvents(ctx context.Context, orderID string) ([]*EventView, error) {
	ctx, span := s.tracer.Start(ctx, "app.ListEvents")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	if _, err := s.orders.FindByID(ctx, orderID); err != nil {
		span.RecordError(err)
		return nil, err
	}
	events, err := s.orders.ListEvents(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return NewEventViews(events), nil
}

// afterTransition 联动结算触发器。同步执行但独立限时，
// 并且只读后果：触发失败订单停在当前状态，等 webhook/调度器兜底。
func (s *OrderApplicationService) afterTransition(ctx context.Context, order *domain.Order, action domain.Action) *domain.Order {
	if s.settlement == nil {
		return order
	}

	settleCtx := ctx
	if s.settleTimeout > 0 {
		var cancel context.CancelFunc
		settleCtx, cancel = context.WithTimeout(ctx, s.settleTimeout)
		defer cancel()
	}

	switch {
	case action == domain.ActionAcceptQuote && order.Family == domain.FamilyPickup,
		action == domain.ActionCompleteService && order.Family == domain.FamilyOnsite:
		res, err := s.settlement.Settle(settleCtx, &SettleCommand{
			OrderID:        order.ID,
			IdempotencyKey: fmt.Sprintf("auto:%s:%d", order.ID, order.Version),
			Trigger:        TriggerAuto,
			ActorID:        "order-service",
		})
		s.logSettleOutcome(settleCtx, order.ID, res, err)

	case action == domain.ActionApproveQuote:
		s.resumeSettlement(settleCtx, order)

	case action == domain.ActionReportNoShow:
		s.chargeNoShowAfterReport(settleCtx, order)

	default:
		return order
	}

	// 结算可能推进了订单，返回前重读一次
	if fresh, err := s.orders.FindByID(ctx, order.ID); err == nil {
		return fresh
	}
	return order
}

// resumeSettlement 审批放行后续跑结算：优先沿用挂起 saga 的幂等键，
// 让同一次结算从闸口处继续，而不是另起一笔。
func (s *OrderApplicationService) resumeSettlement(ctx context.Context, order *domain.Order) {
	key := fmt.Sprintf("postapproval:%s:%d", order.ID, order.Version)
	if pending, err := s.settlement.FindPendingSaga(ctx, order.ID); err == nil && pending != nil {
		key = pending.IdempotencyKey
	}
	res, err := s.settlement.Settle(ctx, &SettleCommand{
		OrderID:        order.ID,
		IdempotencyKey: key,
		Trigger:        TriggerApproval,
		ActorID:        "order-service",
	})
	s.logSettleOutcome(ctx, order.ID, res, err)
}

// chargeNoShowAfterReport 上门未到场的即时收费：没有宽限窗口，
// 履约已经失败了。收到钱才落 charged 标记，恰好一次由派生幂等键保证。
func (s *OrderApplicationService) chargeNoShowAfterReport(ctx context.Context, order *domain.Order) {
	res, err := s.settlement.ChargeNoShowFee(ctx, order)
	s.logSettleOutcome(ctx, order.ID, res, err)
	if err != nil || res == nil {
		return
	}
	if res.Outcome != SettlementCaptured && res.Outcome != SettlementAlreadySettled {
		return
	}
	if _, err := s.settlement.RecordNoShowFee(ctx, order.ID, res.SettlementRef, res.AmountCents); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", order.ID).Msg("⚠️ failed to record charged no-show fee on order")
	}
}

func (s *OrderApplicationService) logSettleOutcome(ctx context.Context, orderID string, res *SettlementResult, err error) {
	if err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("order_id", orderID).Msg("🛑 settlement trigger failed")
		return
	}
	logger.Ctx(ctx).Info().Str("order_id", orderID).Str("outcome", string(res.Outcome)).Msg("ℹ️ settlement triggered")
}

func transitionResultLabel(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthorizedRole):
		return "unauthorized"
	case errors.Is(err, domain.ErrPreconditionFailed):
		return "precondition"
	case errors.Is(err, domain.ErrStaleVersion):
		return "conflict"
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrUnknownAction),
		errors.Is(err, domain.ErrUnmappedStatus), errors.Is(err, domain.ErrUnsupportedFamily):
		return "invalid"
	default:
		return "error"
	}
}
