// internal/service/order/application/settlement.go
package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"fulcrum/internal/pkg/logger"
	"fulcrum/internal/pkg/metrics"
	"fulcrum/internal/service/order/application/saga"
	"fulcrum/internal/service/order/domain"
	"fulcrum/internal/service/order/domain/port"
)

// SettlementConfig 汇集结算策略参数，由组合根从配置装配。
type SettlementConfig struct {
	RetryBackoff   time.Duration
	GraceWindow    time.Duration
	NoShowFeeCents int64
	Currency       string
	GuardTTL       time.Duration
	GuardEnabled   bool
}

// SettlementService 编排扣款 saga、重试调度与宽限期收口。
// 三条入口互相幂等：同步 Settle、处理商 webhook、调度器扫描可以任意交错，
// 每笔钱最多收一次。
type SettlementService struct {
	orders    domain.OrderRepository
	machine   *domain.Machine
	sagaLog   domain.SagaLog
	retryLog  domain.PaymentRetryLog
	ledger    domain.IdempotencyLedger
	processor port.PaymentProcessor
	notifier  port.Notifier
	scheduler port.DelayScheduler
	policy    port.ApprovalPolicy
	guard     port.SettlementGuard
	tracer    trace.Tracer
	cfg       SettlementConfig
}

func NewSettlementService(orders domain.OrderRepository, machine *domain.Machine, sagaLog domain.SagaLog, retryLog domain.PaymentRetryLog, ledger domain.IdempotencyLedger, processor port.PaymentProcessor, notifier port.Notifier, scheduler port.DelayScheduler, policy port.ApprovalPolicy, guard port.SettlementGuard, tracer trace.Tracer, cfg SettlementConfig) *SettlementService {
	return &SettlementService{
		orders: orders, machine: machine, sagaLog: sagaLog, retryLog: retryLog,
		ledger: ledger, processor: processor, notifier: notifier, scheduler: scheduler,
		policy: policy, guard: guard, tracer: tracer, cfg: cfg,
	}
}

// Settle 对订单发起一次结算。幂等键是调用方的重放护照：
// 同一个键不论重放多少次，最多产生一笔扣款。
func (s *SettlementService) Settle(ctx context.Context, cmd *SettleCommand) (*SettlementResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.Settle")
	defer span.End()

	span.SetAttributes(
		attribute.String("order.id", cmd.OrderID),
		attribute.String("settlement.trigger", cmd.Trigger),
		attribute.String("settlement.idempotency_key", cmd.IdempotencyKey),
	)

	if cmd.IdempotencyKey == "" {
		return nil, fmt.Errorf("settlement requires an idempotency key")
	}

	result, err := s.settle(ctx, cmd)
	label := "error"
	if result != nil {
		label = string(result.Outcome)
	}
	metrics.SettlementAttempts.WithLabelValues(cmd.Trigger, label).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Settlement failed")
	} else {
		span.SetAttributes(attribute.String("settlement.outcome", string(result.Outcome)))
	}
	return result, err
}

func (s *SettlementService) settle(ctx context.Context, cmd *SettleCommand) (*SettlementResult, error) {
	now := time.Now().UTC()

	// 幂等键先查台账：完成/失败的直接返回存量结局，pending 的续跑
	record, err := s.sagaLog.FindByIdempotencyKey(ctx, cmd.OrderID, cmd.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if record != nil && record.Status != domain.SagaStatusPending {
		return resultFromRecord(record), nil
	}

	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}

	// 订单级幂等：已有结算引用说明这笔钱收过了
	if order.SettlementRef != "" {
		s.resolveRetries(ctx, order.ID, now)
		return &SettlementResult{
			OrderID:       order.ID,
			Outcome:       SettlementAlreadySettled,
			SettlementRef: order.SettlementRef,
			AmountCents:   order.SettlementAmountCents(),
			Currency:      order.Currency,
		}, nil
	}

	// 扣款前确认 payment_completed 落得下去。钱扣了状态挂不上是最糟的结局，
	// 宁可在这里把不可结算的订单直接拒掉。
	if !s.machine.Allowed(order, domain.ActionPaymentCompleted) {
		return nil, fmt.Errorf("order %s in status %s does not accept settlement: %w",
			order.ID, order.Status, domain.ErrInvalidTransition)
	}
	if order.PaymentMethodRef == "" || order.ProcessorCustomerRef == "" {
		return &SettlementResult{
			OrderID: order.ID,
			Outcome: SettlementFailed,
			Reason:  "order has no saved payment method",
		}, nil
	}

	if record == nil {
		record = &domain.PaymentSagaRecord{
			ID:             uuid.New().String(),
			OrderID:        order.ID,
			Type:           domain.SagaTypeSettlement,
			Status:         domain.SagaStatusPending,
			IdempotencyKey: cmd.IdempotencyKey,
			AmountCents:    order.SettlementAmountCents(),
			Currency:       order.Currency,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.sagaLog.Create(ctx, record); err != nil {
			// 并发同键创建撞了唯一索引：读回既有记录，按它的状态应答
			if existing, ferr := s.sagaLog.FindByIdempotencyKey(ctx, cmd.OrderID, cmd.IdempotencyKey); ferr == nil && existing != nil {
				if existing.Status != domain.SagaStatusPending {
					return resultFromRecord(existing), nil
				}
				return &SettlementResult{OrderID: order.ID, Outcome: SettlementInProgress}, nil
			}
			return nil, err
		}
	}

	sctx := s.newSagaContext(ctx, order, record, cmd.IdempotencyKey, cmd.Trigger, domain.SagaTypeSettlement, now)
	chainErr := s.buildSettlementChain().Handle(sctx)

	switch {
	case chainErr == nil:
		if err := s.sagaLog.MarkCompleted(ctx, record.ID, sctx.SettlementRef); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("saga_id", record.ID).Msg("⚠️ failed to mark saga completed")
		}
		s.resolveRetries(ctx, order.ID, now)
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("settlement_ref", sctx.SettlementRef).
			Int64("amount_cents", sctx.AmountCents).Msg("✅ settlement captured")
		return &SettlementResult{
			OrderID:       order.ID,
			Outcome:       SettlementCaptured,
			SettlementRef: sctx.SettlementRef,
			AmountCents:   sctx.AmountCents,
			Currency:      sctx.Currency,
		}, nil

	case errors.Is(chainErr, domain.ErrApprovalRequired):
		// 不是失败：记录保持 pending，管理员签字后同一个键续跑
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Msg("ℹ️ settlement deferred pending approval")
		return &SettlementResult{
			OrderID:     order.ID,
			Outcome:     SettlementPendingApproval,
			AmountCents: sctx.AmountCents,
			Currency:    sctx.Currency,
			Reason:      "quote deviates from estimate beyond policy threshold",
		}, nil

	case errors.Is(chainErr, saga.ErrSettlementBusy):
		return &SettlementResult{OrderID: order.ID, Outcome: SettlementInProgress}, nil

	default:
		var pe *port.ProcessorError
		if errors.As(chainErr, &pe) {
			s.stampCaptureFailure(ctx, order.ID, now)
			if pe.Retryable {
				entry, serr := s.scheduleRetry(ctx, order, pe.Code, pe.Message, now)
				if serr != nil {
					return nil, serr
				}
				s.markFailed(ctx, record.ID, pe.Error())
				return &SettlementResult{
					OrderID:       order.ID,
					Outcome:       SettlementRetryScheduled,
					AmountCents:   sctx.AmountCents,
					Currency:      sctx.Currency,
					RetryAt:       &entry.RetryAt,
					GraceDeadline: &entry.GraceDeadline,
					Reason:        pe.Message,
				}, nil
			}
			s.markFailed(ctx, record.ID, pe.Error())
			logger.Ctx(ctx).Warn().Str("order_id", order.ID).Str("code", pe.Code).
				Msg("🛑 settlement failed permanently, capture not retryable")
			return &SettlementResult{
				OrderID:     order.ID,
				Outcome:     SettlementFailed,
				AmountCents: sctx.AmountCents,
				Currency:    sctx.Currency,
				Reason:      pe.Message,
			}, nil
		}

		// 扣款后的步骤失败：先退钱再收口，钱和状态不允许分家
		logger.Ctx(ctx).Error().Err(chainErr).Str("order_id", order.ID).
			Msg("🛑 settlement chain failed, triggering compensation")
		sctx.TriggerCompensation(context.WithoutCancel(ctx))
		s.markFailed(ctx, record.ID, chainErr.Error())
		return &SettlementResult{
			OrderID: order.ID,
			Outcome: SettlementFailed,
			Reason:  chainErr.Error(),
		}, nil
	}
}

// ChargeNoShowFee 以派生幂等键 noshow:<orderID> 收取未到场费。
// 只负责扣款本身；费用落到订单上由调用方处理——上门未到场走乐观锁
// 字段写，宽限取消把它带进 cancel 元数据。
func (s *SettlementService) ChargeNoShowFee(ctx context.Context, order *domain.Order) (*SettlementResult, error) {
	ctx, span := s.tracer.Start(ctx, "app.ChargeNoShowFee")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", order.ID))

	if s.cfg.NoShowFeeCents <= 0 {
		return &SettlementResult{OrderID: order.ID, Outcome: SettlementSkipped, Reason: "no-show fee disabled"}, nil
	}
	if order.NoShowFeeCharged {
		return &SettlementResult{
			OrderID:       order.ID,
			Outcome:       SettlementAlreadySettled,
			SettlementRef: order.SettlementRef,
			AmountCents:   order.NoShowFeeCents,
			Currency:      order.Currency,
		}, nil
	}
	if order.PaymentMethodRef == "" || order.ProcessorCustomerRef == "" {
		return &SettlementResult{OrderID: order.ID, Outcome: SettlementSkipped, Reason: "order has no saved payment method"}, nil
	}

	now := time.Now().UTC()
	key := "noshow:" + order.ID
	record, err := s.sagaLog.FindByIdempotencyKey(ctx, order.ID, key)
	if err != nil {
		return nil, err
	}
	if record != nil && record.Status != domain.SagaStatusPending {
		return resultFromRecord(record), nil
	}
	if record == nil {
		record = &domain.PaymentSagaRecord{
			ID:             uuid.New().String(),
			OrderID:        order.ID,
			Type:           domain.SagaTypeNoShowFee,
			Status:         domain.SagaStatusPending,
			IdempotencyKey: key,
			AmountCents:    s.cfg.NoShowFeeCents,
			Currency:       s.feeCurrency(order),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.sagaLog.Create(ctx, record); err != nil {
			if existing, ferr := s.sagaLog.FindByIdempotencyKey(ctx, order.ID, key); ferr == nil && existing != nil {
				if existing.Status != domain.SagaStatusPending {
					return resultFromRecord(existing), nil
				}
				return &SettlementResult{OrderID: order.ID, Outcome: SettlementInProgress}, nil
			}
			return nil, err
		}
	}

	sctx := s.newSagaContext(ctx, order, record, key, "no_show", domain.SagaTypeNoShowFee, now)
	sctx.AmountCents = s.cfg.NoShowFeeCents
	sctx.Currency = record.Currency

	chainErr := s.buildFeeChain().Handle(sctx)
	switch {
	case chainErr == nil:
		if err := s.sagaLog.MarkCompleted(ctx, record.ID, sctx.SettlementRef); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("saga_id", record.ID).Msg("⚠️ failed to mark fee saga completed")
		}
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Int64("fee_cents", sctx.AmountCents).Msg("✅ no-show fee captured")
		return &SettlementResult{
			OrderID:       order.ID,
			Outcome:       SettlementCaptured,
			SettlementRef: sctx.SettlementRef,
			AmountCents:   sctx.AmountCents,
			Currency:      sctx.Currency,
		}, nil

	case errors.Is(chainErr, saga.ErrSettlementBusy):
		return &SettlementResult{OrderID: order.ID, Outcome: SettlementInProgress}, nil

	default:
		var pe *port.ProcessorError
		if errors.As(chainErr, &pe) {
			// 可重试的费用失败保留 pending，后续人工或再次收口时续收
			if !pe.Retryable {
				s.markFailed(ctx, record.ID, pe.Error())
			}
			return &SettlementResult{OrderID: order.ID, Outcome: SettlementFailed, Reason: pe.Message}, nil
		}
		sctx.TriggerCompensation(context.WithoutCancel(ctx))
		s.markFailed(ctx, record.ID, chainErr.Error())
		return &SettlementResult{OrderID: order.ID, Outcome: SettlementFailed, Reason: chainErr.Error()}, nil
	}
}

// RecordNoShowFee 把已收到的未到场费落到订单字段上，乐观锁重试三次。
func (s *SettlementService) RecordNoShowFee(ctx context.Context, orderID, settlementRef string, feeCents int64) (*domain.Order, error) {
	now := time.Now().UTC()
	return s.applyWithRetry(ctx, orderID, func(o *domain.Order) error {
		o.RecordNoShowFeeCharged(settlementRef, feeCents, now)
		return nil
	})
}

// FindPendingSaga 返回订单挂起中的结算 saga，审批放行后据此沿用原幂等键。
func (s *SettlementService) FindPendingSaga(ctx context.Context, orderID string) (*domain.PaymentSagaRecord, error) {
	return s.sagaLog.FindPendingByOrder(ctx, orderID, domain.SagaTypeSettlement)
}

// HandleProcessorEvent 消费处理商 webhook。幂等台账先行：重复事件返回
// ErrDuplicateEvent 且零副作用，调用方把它当成功应答。
func (s *SettlementService) HandleProcessorEvent(ctx context.Context, event *domain.ProcessorEvent, payload []byte) error {
	ctx, span := s.tracer.Start(ctx, "app.HandleProcessorEvent", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	span.SetAttributes(
		attribute.String("processor.event_id", event.ID),
		attribute.String("processor.event_type", event.Type),
		attribute.String("order.id", event.Data.OrderID),
	)

	if event.ID == "" || event.Data.OrderID == "" {
		return fmt.Errorf("processor event missing id or order reference")
	}

	fresh, err := s.ledger.CheckAndRecord(ctx, event.ID, event.Type, payload)
	if err != nil {
		return err
	}
	if !fresh {
		metrics.ProcessorEvents.WithLabelValues(event.Type, "true").Inc()
		span.AddEvent("Duplicate processor event, deliberate no-op.")
		logger.Ctx(ctx).Info().Str("event_id", event.ID).Msg("ℹ️ duplicate processor event skipped")
		return domain.ErrDuplicateEvent
	}
	metrics.ProcessorEvents.WithLabelValues(event.Type, "false").Inc()

	now := time.Now().UTC()
	switch event.Type {
	case domain.ProcessorEventPaymentMethodSaved:
		return s.applyPaymentMethodSaved(ctx, event, now)
	case domain.ProcessorEventCaptureSucceeded:
		return s.applyCaptureSucceeded(ctx, event, now)
	case domain.ProcessorEventCaptureFailed:
		return s.applyCaptureFailed(ctx, event, now)
	default:
		logger.Ctx(ctx).Info().Str("type", event.Type).Msg("ℹ️ ignoring unhandled processor event type")
		return nil
	}
}

// applyPaymentMethodSaved 落支付凭据引用。这是非状态字段写，
// 走乐观锁而不是伪造一次状态流转。
func (s *SettlementService) applyPaymentMethodSaved(ctx context.Context, event *domain.ProcessorEvent, now time.Time) error {
	if event.Data.PaymentMethodRef == "" {
		return fmt.Errorf("payment_method.saved event missing payment method reference")
	}
	_, err := s.applyWithRetry(ctx, event.Data.OrderID, func(o *domain.Order) error {
		o.RecordPaymentMethod(event.Data.PaymentMethodRef, now)
		if event.Data.CustomerRef != "" {
			o.ProcessorCustomerRef = event.Data.CustomerRef
		}
		return nil
	})
	return err
}

// applyCaptureSucceeded 处理带外完成的扣款（处理商侧重试成功、人工补扣）。
func (s *SettlementService) applyCaptureSucceeded(ctx context.Context, event *domain.ProcessorEvent, now time.Time) error {
	if event.Data.SettlementRef == "" {
		return fmt.Errorf("capture.succeeded event missing settlement reference")
	}
	order, err := s.orders.FindByID(ctx, event.Data.OrderID)
	if err != nil {
		return err
	}
	if order.SettlementRef != "" {
		// 同步结算先落了账，这里只收口重试队列
		s.resolveRetries(ctx, order.ID, now)
		return nil
	}

	if s.machine.Allowed(order, domain.ActionPaymentCompleted) {
		if _, err := s.orders.Transition(ctx, order.ID, &domain.TransitionRequest{
			Action:    domain.ActionPaymentCompleted,
			ActorID:   "payment-webhook",
			ActorRole: domain.RoleSystem,
			Metadata:  map[string]string{domain.MetaSettlementRef: event.Data.SettlementRef},
			Now:       now,
		}); err != nil {
			return err
		}
	} else {
		// 状态已不接受流转（比如已被取消），仍把支付引用落上以便对账
		if _, err := s.applyWithRetry(ctx, order.ID, func(o *domain.Order) error {
			if o.SettlementRef == "" {
				o.SettlementRef = event.Data.SettlementRef
			}
			t := now
			o.PaymentCapturedAt = &t
			return nil
		}); err != nil {
			return err
		}
		logger.Ctx(ctx).Warn().Str("order_id", order.ID).Str("status", string(order.Status)).
			Msg("⚠️ capture succeeded for an order that no longer accepts settlement")
	}

	s.resolveRetries(ctx, order.ID, now)
	amount := event.Data.AmountCents
	if amount <= 0 {
		amount = order.SettlementAmountCents()
	}
	if err := s.notifier.SendSettlementSucceeded(ctx, order.ID, order.CustomerID, amount); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("⚠️ failed to publish settlement notification")
	}
	return nil
}

// applyCaptureFailed 开启（或延续）重试与宽限工作流。
// 首次失败绝不推进失败态：记时间戳、排 +2h 重试、定 24h 宽限截止。
func (s *SettlementService) applyCaptureFailed(ctx context.Context, event *domain.ProcessorEvent, now time.Time) error {
	order, err := s.orders.FindByID(ctx, event.Data.OrderID)
	if err != nil {
		return err
	}
	if order.SettlementRef != "" {
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Msg("ℹ️ stale capture failure for a settled order, ignoring")
		return nil
	}
	if order.IsTerminal() {
		logger.Ctx(ctx).Info().Str("order_id", order.ID).Str("status", string(order.Status)).
			Msg("ℹ️ capture failure for a terminal order, ignoring")
		return nil
	}

	s.stampCaptureFailure(ctx, order.ID, now)
	_, err = s.scheduleRetry(ctx, order, event.Data.ErrorCode, event.Data.ErrorMessage, now)
	return err
}

// ProcessDueRetries 是重试与宽限收口的权威路径，由调度进程周期调用。
// 延迟消息只是快路径，漏了消息这里也一定兜得住。
func (s *SettlementService) ProcessDueRetries(ctx context.Context, now time.Time) error {
	ctx, span := s.tracer.Start(ctx, "app.ProcessDueRetries")
	defer span.End()

	due, err := s.retryLog.FindDue(ctx, now)
	if err != nil {
		return err
	}
	for _, entry := range due {
		if err := s.retryOne(ctx, entry, now); err != nil {
			metrics.PaymentRetriesDue.WithLabelValues("error").Inc()
			logger.Ctx(ctx).Error().Err(err).Str("order_id", entry.OrderID).
				Int64("entry_id", entry.ID).Msg("⚠️ payment retry attempt errored")
		}
	}

	expired, err := s.retryLog.FindGraceExpired(ctx, now)
	if err != nil {
		return err
	}
	for _, entry := range expired {
		if err := s.expireGrace(ctx, entry.OrderID, now); err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("order_id", entry.OrderID).Msg("⚠️ grace expiry handling errored")
		}
	}
	return nil
}

func (s *SettlementService) retryOne(ctx context.Context, entry *domain.PaymentRetryLogEntry, now time.Time) error {
	// 宽限已过的条目交给收口路径处理，不再扣款
	if !entry.GraceDeadline.After(now) {
		return nil
	}

	res, err := s.Settle(ctx, &SettleCommand{
		OrderID:        entry.OrderID,
		IdempotencyKey: fmt.Sprintf("retry:%s:%d", entry.OrderID, entry.ID),
		Trigger:        TriggerRetry,
		ActorID:        "retry-scheduler",
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			// 订单已经走到不可结算的状态，重试失去意义
			s.resolveRetries(ctx, entry.OrderID, now)
			metrics.PaymentRetriesDue.WithLabelValues("obsolete").Inc()
			return nil
		}
		return err
	}

	switch res.Outcome {
	case SettlementCaptured, SettlementAlreadySettled:
		s.resolveRetries(ctx, entry.OrderID, now)
		metrics.PaymentRetriesDue.WithLabelValues("recovered").Inc()
	case SettlementRetryScheduled:
		// 下一跳已带着原宽限截止排好，本条收口
		if err := s.retryLog.ResolveEntry(ctx, entry.ID, now); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Int64("entry_id", entry.ID).Msg("⚠️ failed to resolve retry entry")
		}
		metrics.PaymentRetriesDue.WithLabelValues("rescheduled").Inc()
	case SettlementPendingApproval:
		// 条目保留，管理员签字后的下一轮扫描会再试
		metrics.PaymentRetriesDue.WithLabelValues("deferred").Inc()
	case SettlementFailed:
		// 不可重试的失败：条目保留，宽限到期后由收口路径取消订单
		metrics.PaymentRetriesDue.WithLabelValues("failed").Inc()
	default:
		metrics.PaymentRetriesDue.WithLabelValues("busy").Inc()
	}
	return nil
}

// HandleGraceCheckEvent 是延迟消息的快路径入口，与 DB 扫描共用同一收口例程。
func (s *SettlementService) HandleGraceCheckEvent(ctx context.Context, event *domain.GraceCheckEvent) error {
	ctx, span := s.tracer.Start(ctx, "app.HandleGraceCheck", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	now := time.Now().UTC()
	if event.Deadline.After(now) {
		// 提前到达的检查消息不处理，权威判定留给 DB 扫描
		span.AddEvent("Grace check arrived before deadline, skipping.")
		return nil
	}
	return s.expireGrace(ctx, event.OrderID, now)
}

// expireGrace 宽限期收口：收未到场费（尽力而为）、系统取消订单、
// 解决重试条目、发取消通知。延迟消息和 DB 扫描都会走进来，全程幂等。
func (s *SettlementService) expireGrace(ctx context.Context, orderID string, now time.Time) error {
	ctx, span := s.tracer.Start(ctx, "app.ExpireGrace")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return err
	}

	if order.SettlementRef != "" || order.IsTerminal() {
		s.resolveRetries(ctx, order.ID, now)
		return nil
	}
	// 审批在途的订单不自动取消，等管理员裁决
	if order.ApprovalRequired {
		span.AddEvent("Approval pending, grace cancellation withheld.")
		return nil
	}

	feeRes, err := s.ChargeNoShowFee(ctx, order)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("⚠️ no-show fee charge errored, cancelling anyway")
		feeRes = &SettlementResult{Outcome: SettlementFailed}
	}

	meta := map[string]string{domain.MetaReason: "payment grace period expired"}
	var feeCents int64
	if feeRes.Outcome == SettlementCaptured || feeRes.Outcome == SettlementAlreadySettled {
		feeCents = feeRes.AmountCents
		meta[domain.MetaNoShowFeeCents] = strconv.FormatInt(feeCents, 10)
		meta[domain.MetaNoShowCharged] = "true"
		if feeRes.SettlementRef != "" {
			meta[domain.MetaSettlementRef] = feeRes.SettlementRef
		}
	}

	_, terr := s.orders.Transition(ctx, order.ID, &domain.TransitionRequest{
		Action:    domain.ActionCancel,
		ActorID:   "grace-scheduler",
		ActorRole: domain.RoleSystem,
		Metadata:  meta,
		Now:       now,
	})
	switch {
	case terr == nil:
		metrics.GraceExpirations.Inc()
		logger.Ctx(ctx).Warn().Str("order_id", order.ID).Int64("fee_cents", feeCents).
			Msg("🛑 order cancelled after payment grace window elapsed")
		if nerr := s.notifier.SendGraceCancellation(ctx, order.ID, order.CustomerID, feeCents); nerr != nil {
			logger.Ctx(ctx).Warn().Err(nerr).Str("order_id", order.ID).Msg("⚠️ failed to publish grace cancellation notice")
		}
	case errors.Is(terr, domain.ErrInvalidTransition):
		// 并发收口已经取消过了
		span.AddEvent("Order already moved on, cancellation skipped.")
	default:
		return terr
	}

	s.resolveRetries(ctx, order.ID, now)
	return nil
}

// scheduleRetry 排下一次扣款重试。订单首次失败时确定宽限截止并投递
// 延迟检查消息；既有未解决条目时沿用其截止时间，绝不顺延。
func (s *SettlementService) scheduleRetry(ctx context.Context, order *domain.Order, code, msg string, now time.Time) (*domain.PaymentRetryLogEntry, error) {
	open, err := s.retryLog.FindOpenByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	deadline := now.Add(s.cfg.GraceWindow)
	first := len(open) == 0
	for _, e := range open {
		deadline = e.GraceDeadline
		if e.RetryAt.After(now) {
			// 已有排在未来的重试，不重复排
			return e, nil
		}
	}

	entry := &domain.PaymentRetryLogEntry{
		OrderID:       order.ID,
		ErrorCode:     code,
		ErrorMessage:  msg,
		RetryAt:       now.Add(s.cfg.RetryBackoff),
		GraceDeadline: deadline,
		CreatedAt:     now,
	}
	if err := s.retryLog.Append(ctx, entry); err != nil {
		return nil, err
	}
	logger.Ctx(ctx).Warn().Str("order_id", order.ID).Str("code", code).
		Time("retry_at", entry.RetryAt).Time("grace_deadline", deadline).
		Msg("⚠️ capture failed, retry scheduled")

	if first {
		if err := s.scheduler.ScheduleGraceCheck(ctx, order.ID, deadline); err != nil {
			// DB 扫描兜底，延迟消息投递失败不致命
			logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("⚠️ failed to schedule grace check message")
		}
	}
	if err := s.notifier.SendPaymentRetryNotice(ctx, order.ID, order.CustomerID, entry.RetryAt); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", order.ID).Msg("⚠️ failed to publish payment retry notice")
	}
	return entry, nil
}

func (s *SettlementService) newSagaContext(ctx context.Context, order *domain.Order, record *domain.PaymentSagaRecord, key, trigger, sagaType string, now time.Time) *saga.SettlementContext {
	return &saga.SettlementContext{
		Ctx:            ctx,
		Order:          order,
		Tracer:         s.tracer,
		SagaType:       sagaType,
		IdempotencyKey: key,
		Trigger:        trigger,
		Now:            now,
		Orders:         s.orders,
		SagaLog:        s.sagaLog,
		Processor:      s.processor,
		Notifier:       s.notifier,
		Guard:          s.guard,
		Policy:         s.policy,
		GuardTTL:       s.cfg.GuardTTL,
		GuardEnabled:   s.cfg.GuardEnabled,
		Record:         record,
	}
}

func (s *SettlementService) buildSettlementChain() saga.Handler {
	chain := new(saga.AmountHandler)
	chain.
		SetNext(new(saga.ApprovalHandler)).
		SetNext(new(saga.GuardHandler)).
		SetNext(new(saga.ChargeHandler)).
		SetNext(new(saga.RecordHandler)).
		SetNext(new(saga.NotifyHandler))
	return chain
}

func (s *SettlementService) buildFeeChain() saga.Handler {
	chain := new(saga.GuardHandler)
	chain.SetNext(new(saga.ChargeHandler))
	return chain
}

// applyWithRetry 对非状态字段做乐观锁写，版本冲突时重读重放，至多三次。
func (s *SettlementService) applyWithRetry(ctx context.Context, orderID string, mutate func(*domain.Order) error) (*domain.Order, error) {
	for attempt := 0; attempt < 3; attempt++ {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return nil, err
		}
		updated, err := s.orders.ApplyWithVersion(ctx, orderID, order.Version, mutate)
		if errors.Is(err, domain.ErrStaleVersion) {
			continue
		}
		return updated, err
	}
	return nil, domain.ErrStaleVersion
}

func (s *SettlementService) stampCaptureFailure(ctx context.Context, orderID string, now time.Time) {
	if _, err := s.applyWithRetry(ctx, orderID, func(o *domain.Order) error {
		o.RecordCaptureFailure(now)
		return nil
	}); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("⚠️ failed to stamp capture failure time")
	}
}

func (s *SettlementService) resolveRetries(ctx context.Context, orderID string, now time.Time) {
	if err := s.retryLog.ResolveForOrder(ctx, orderID, now); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("order_id", orderID).Msg("⚠️ failed to resolve retry entries")
	}
}

func (s *SettlementService) markFailed(ctx context.Context, sagaID, reason string) {
	if err := s.sagaLog.MarkFailed(ctx, sagaID, reason); err != nil {
		logger.Ctx(ctx).Error().Err(err).Str("saga_id", sagaID).Msg("⚠️ failed to mark saga failed")
	}
}

func (s *SettlementService) feeCurrency(order *domain.Order) string {
	if order.Currency != "" {
		return order.Currency
	}
	return s.cfg.Currency
}

func resultFromRecord(record *domain.PaymentSagaRecord) *SettlementResult {
	res := &SettlementResult{
		OrderID:     record.OrderID,
		AmountCents: record.AmountCents,
		Currency:    record.Currency,
	}
	if record.Status == domain.SagaStatusCompleted {
		res.Outcome = SettlementAlreadySettled
		res.SettlementRef = record.SettlementRef
	} else {
		res.Outcome = SettlementFailed
		res.Reason = record.Error
	}
	return res
}
