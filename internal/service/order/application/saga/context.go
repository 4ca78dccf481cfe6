package saga

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"fulcrum/internal/pkg/logger"
	"fulcrum/internal/service/order/domain"
	"fulcrum/internal/service/order/domain/port"
)

// SettlementContext 在结算链中传递上下文数据。
// 所有外部依赖都是抽象端口，链上的步骤不感知任何实现细节。
type SettlementContext struct {
	Ctx    context.Context
	Order  *domain.Order
	Tracer trace.Tracer

	// 本次结算的身份与参数
	SagaType       string
	IdempotencyKey string
	Trigger        string
	Now            time.Time

	// 链上逐步产出
	AmountCents   int64
	Currency      string
	SettlementRef string

	// 出站端口
	Orders    domain.OrderRepository
	SagaLog   domain.SagaLog
	Processor port.PaymentProcessor
	Notifier  port.Notifier
	Guard     port.SettlementGuard
	Policy    port.ApprovalPolicy

	GuardTTL     time.Duration
	GuardEnabled bool

	// 持久化的 saga 记录；每执行一步就追加一条 step，崩溃后可据此续跑
	Record *domain.PaymentSagaRecord

	compensations []func(ctx context.Context)
	compLock      sync.Mutex
}

// AddCompensation 注册补偿函数，后注册的先执行。
func (c *SettlementContext) AddCompensation(comp func(ctx context.Context)) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	c.compensations = append([]func(context.Context){comp}, c.compensations...)
}

// TriggerCompensation 按逆序执行所有已注册的补偿。
func (c *SettlementContext) TriggerCompensation(ctx context.Context) {
	c.compLock.Lock()
	defer c.compLock.Unlock()
	logger.Ctx(ctx).Printf("INFO: [Order: %s] Executing %d compensation functions.", c.Order.ID, len(c.compensations))
	for _, comp := range c.compensations {
		comp(ctx)
	}
}

// LogStep 把一步执行结果同步到持久化记录。落库失败只记日志：
// 步骤日志是排障与续跑的线索，不是正确性的一部分。
func (c *SettlementContext) LogStep(name, outcome, detail string) {
	step := domain.SagaStep{Name: name, Outcome: outcome, Detail: detail, OccurredAt: time.Now().UTC()}
	c.Record.Steps = append(c.Record.Steps, step)
	if err := c.SagaLog.AppendStep(c.Ctx, c.Record.ID, step); err != nil {
		logger.Ctx(c.Ctx).Error().Err(err).Str("saga_id", c.Record.ID).Msg("⚠️ failed to persist saga step")
	}
}

// Handler 是结算链的节点接口。
type Handler interface {
	SetNext(handler Handler) Handler
	Handle(c *SettlementContext) error
}

type NextHandler struct {
	next Handler
}

func (h *NextHandler) SetNext(handler Handler) Handler {
	h.next = handler
	return handler
}

func (h *NextHandler) executeNext(c *SettlementContext) error {
	if h.next != nil {
		return h.next.Handle(c)
	}
	return nil
}
