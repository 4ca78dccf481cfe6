package application

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"fulcrum/internal/service/order/domain"
	"fulcrum/internal/service/order/domain/port"
	"fulcrum/internal/service/order/infrastructure"
)

// --- 出站端口的测试替身 ---

type refundCall struct {
	settlementRef string
	amountCents   int64
}

// fakeProcessor 模拟支付处理商，并复刻其幂等语义：
// 同一个幂等键的重复扣款返回首次的 settlement ref，不再记一笔新扣款。
type fakeProcessor struct {
	mu       sync.Mutex
	seq      int
	byKey    map[string]*port.ChargeResult
	charges  []*port.ChargeRequest
	refunds  []refundCall
	declines int
	failWith *port.ProcessorError
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{byKey: make(map[string]*port.ChargeResult)}
}

func (p *fakeProcessor) Charge(ctx context.Context, req *port.ChargeRequest) (*port.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if res, ok := p.byKey[req.IdempotencyKey]; ok {
		return res, nil
	}
	if p.failWith != nil {
		p.declines++
		return nil, p.failWith
	}
	p.seq++
	res := &port.ChargeResult{SettlementRef: fmt.Sprintf("ch_%06d", p.seq)}
	p.byKey[req.IdempotencyKey] = res
	p.charges = append(p.charges, req)
	return res, nil
}

func (p *fakeProcessor) Refund(ctx context.Context, settlementRef string, amountCents int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refunds = append(p.refunds, refundCall{settlementRef: settlementRef, amountCents: amountCents})
	return nil
}

func (p *fakeProcessor) setFailure(err *port.ProcessorError) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

func (p *fakeProcessor) chargeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.charges)
}

type fakeNotifier struct {
	mu            sync.Mutex
	retryNotices  int
	successes     int
	cancellations int
	lastRetryAt   time.Time
}

func (n *fakeNotifier) SendPaymentRetryNotice(ctx context.Context, orderID, customerID string, retryAt time.Time) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retryNotices++
	n.lastRetryAt = retryAt
	return nil
}

func (n *fakeNotifier) SendSettlementSucceeded(ctx context.Context, orderID, customerID string, amountCents int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes++
	return nil
}

func (n *fakeNotifier) SendGraceCancellation(ctx context.Context, orderID, customerID string, feeCents int64) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cancellations++
	return nil
}

func (n *fakeNotifier) Close() error { return nil }

type graceCheck struct {
	orderID string
	due     time.Time
}

type fakeScheduler struct {
	mu     sync.Mutex
	checks []graceCheck
}

func (s *fakeScheduler) ScheduleGraceCheck(ctx context.Context, orderID string, due time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checks = append(s.checks, graceCheck{orderID: orderID, due: due})
	return nil
}

// variancePolicy 复刻默认审批规则：报价对预估偏差超过 20% 需要人工签字。
type variancePolicy struct {
	mu    sync.Mutex
	calls int
}

func (p *variancePolicy) RequiresApproval(ctx context.Context, quoteCents, estimateCents int64) (bool, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if estimateCents == 0 {
		return false, nil
	}
	band := estimateCents / 5
	return quoteCents > estimateCents+band || quoteCents < estimateCents-band, nil
}

type fakeGuard struct {
	mu       sync.Mutex
	busy     bool
	acquired int
	released int
}

func (g *fakeGuard) Acquire(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.busy {
		return false, nil
	}
	g.acquired++
	return true, nil
}

func (g *fakeGuard) Release(ctx context.Context, orderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released++
	return nil
}

// transitionFailingOrders 在第 N 次 Transition 时注入存储故障，
// 用于驱动扣款成功之后落账失败的补偿路径。
type transitionFailingOrders struct {
	domain.OrderRepository
	mu       sync.Mutex
	failures int
}

func (r *transitionFailingOrders) Transition(ctx context.Context, orderID string, req *domain.TransitionRequest) (*domain.Order, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return nil, errors.New("order storage offline")
	}
	r.mu.Unlock()
	return r.OrderRepository.Transition(ctx, orderID, req)
}

// --- 测试装置 ---

type settleFixture struct {
	db         *gorm.DB
	machine    *domain.Machine
	orders     *infrastructure.GormOrderRepository
	sagaLog    *infrastructure.GormSagaLog
	retryLog   *infrastructure.GormPaymentRetryLog
	ledger     *infrastructure.GormIdempotencyLedger
	processor  *fakeProcessor
	notifier   *fakeNotifier
	scheduler  *fakeScheduler
	policy     *variancePolicy
	guard      *fakeGuard
	settlement *SettlementService
	app        *OrderApplicationService
}

func newAppTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(infrastructure.AllModels()...))
	return db
}

func defaultSettlementConfig() SettlementConfig {
	return SettlementConfig{
		RetryBackoff:   2 * time.Hour,
		GraceWindow:    24 * time.Hour,
		NoShowFeeCents: 2500,
		Currency:       "usd",
		GuardTTL:       30 * time.Second,
		GuardEnabled:   true,
	}
}

func newSettleFixture(t *testing.T) *settleFixture {
	t.Helper()
	db := newAppTestDB(t)
	machine := domain.NewMachine()

	f := &settleFixture{
		db:        db,
		machine:   machine,
		orders:    infrastructure.NewGormOrderRepository(db, machine),
		sagaLog:   infrastructure.NewGormSagaLog(db),
		retryLog:  infrastructure.NewGormPaymentRetryLog(db),
		ledger:    infrastructure.NewGormIdempotencyLedger(db),
		processor: newFakeProcessor(),
		notifier:  &fakeNotifier{},
		scheduler: &fakeScheduler{},
		policy:    &variancePolicy{},
		guard:     &fakeGuard{},
	}
	tracer := otel.Tracer("settlement-test")
	f.settlement = NewSettlementService(f.orders, machine, f.sagaLog, f.retryLog, f.ledger,
		f.processor, f.notifier, f.scheduler, f.policy, f.guard, tracer, defaultSettlementConfig())
	f.app = NewOrderApplicationService(f.orders, f.settlement, 5*time.Second, tracer)
	return f
}

func actorFor(role domain.Role) string {
	switch role {
	case domain.RolePartner:
		return "par-1"
	case domain.RoleCustomer:
		return "cus-1"
	case domain.RoleAdmin:
		return "adm-1"
	default:
		return "system"
	}
}

func (f *settleFixture) step(t *testing.T, id string, action domain.Action, role domain.Role, meta map[string]string) *domain.Order {
	t.Helper()
	updated, err := f.orders.Transition(context.Background(), id, &domain.TransitionRequest{
		Action:    action,
		ActorID:   actorFor(role),
		ActorRole: role,
		Metadata:  meta,
	})
	require.NoError(t, err)
	return updated
}

func (f *settleFixture) createOrder(t *testing.T, p domain.NewOrderParams) *domain.Order {
	t.Helper()
	o, err := domain.NewOrder(p)
	require.NoError(t, err)
	require.NoError(t, f.orders.Create(context.Background(), o))
	return o
}

// seedPickupQuoteSent 把取送单推进到 quote_sent：已检测、已出价、待客户接受。
func (f *settleFixture) seedPickupQuoteSent(t *testing.T, id string, totalCents, quoteCents int64) *domain.Order {
	t.Helper()
	f.createOrder(t, domain.NewOrderParams{
		ID:                   id,
		Family:               domain.FamilyPickup,
		CustomerID:           "cus-1",
		TotalCents:           totalCents,
		ProcessorCustomerRef: "cus_proc_1",
		PaymentMethodRef:     "pm_1",
	})
	f.step(t, id, domain.ActionPickup, domain.RolePartner, nil)
	f.step(t, id, domain.ActionArriveFacility, domain.RolePartner, nil)
	return f.step(t, id, domain.ActionSendQuote, domain.RolePartner,
		map[string]string{domain.MetaQuoteCents: strconv.FormatInt(quoteCents, 10)})
}

func (f *settleFixture) seedPickupAwaitingPayment(t *testing.T, id string, totalCents, quoteCents int64) *domain.Order {
	t.Helper()
	f.seedPickupQuoteSent(t, id, totalCents, quoteCents)
	return f.step(t, id, domain.ActionAcceptQuote, domain.RoleCustomer, nil)
}

func (f *settleFixture) seedOnsiteEnRoute(t *testing.T, id string, totalCents int64) *domain.Order {
	t.Helper()
	f.createOrder(t, domain.NewOrderParams{
		ID:                   id,
		Family:               domain.FamilyOnsite,
		CustomerID:           "cus-1",
		TotalCents:           totalCents,
		ProcessorCustomerRef: "cus_proc_1",
		PaymentMethodRef:     "pm_1",
	})
	f.step(t, id, domain.ActionAssign, domain.RoleAdmin, map[string]string{domain.MetaPartnerID: "par-9"})
	return f.step(t, id, domain.ActionStartRoute, domain.RolePartner, nil)
}

func (f *settleFixture) mustFind(t *testing.T, id string) *domain.Order {
	t.Helper()
	o, err := f.orders.FindByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

var declineRetryable = &port.ProcessorError{Code: "card_declined", Message: "insufficient funds", Retryable: true}

// --- Settle ---

func TestSettle_CapturesQuoteAmountAndAdvancesOrder(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	// 预估 8000，检测后报价 8800：在 20% 阈值内，无需审批
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	res, err := f.settlement.Settle(ctx, &SettleCommand{
		OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI, ActorID: "cus-1",
	})
	require.NoError(t, err)
	assert.Equal(t, SettlementCaptured, res.Outcome)
	assert.Equal(t, "ch_000001", res.SettlementRef)
	assert.Equal(t, int64(8800), res.AmountCents)
	assert.Equal(t, "usd", res.Currency)

	require.Equal(t, 1, f.processor.chargeCount())
	charge := f.processor.charges[0]
	assert.Equal(t, "K1", charge.IdempotencyKey)
	assert.Equal(t, int64(8800), charge.AmountCents)
	assert.Equal(t, "pm_1", charge.PaymentMethodRef)
	assert.Equal(t, "cus_proc_1", charge.CustomerRef)

	order := f.mustFind(t, "ord-1")
	assert.Equal(t, domain.StatusProcessing, order.Status)
	assert.Equal(t, "ch_000001", order.SettlementRef)
	assert.NotNil(t, order.PaymentCapturedAt)
	assert.Equal(t, int64(6), order.Version)

	events, err := f.orders.ListEvents(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, events, 5)
	last := events[4]
	assert.Equal(t, domain.ActionPaymentCompleted, last.Action)
	assert.Equal(t, domain.RoleSystem, last.ActorRole)
	assert.Equal(t, "settlement-saga", last.ActorID)
	assert.Equal(t, "ch_000001", last.Metadata[domain.MetaSettlementRef])

	record, err := f.sagaLog.FindByIdempotencyKey(ctx, "ord-1", "K1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.SagaStatusCompleted, record.Status)
	assert.Equal(t, "ch_000001", record.SettlementRef)

	assert.Equal(t, 1, f.notifier.successes)
	assert.Equal(t, 1, f.guard.acquired)
	assert.Equal(t, 1, f.guard.released)
}

func TestSettle_SameKeyNeverChargesTwice(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	first, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)
	require.Equal(t, SettlementCaptured, first.Outcome)

	// 同键重放：返回存量结局，处理商没有第二笔扣款
	second, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, SettlementAlreadySettled, second.Outcome)
	assert.Equal(t, first.SettlementRef, second.SettlementRef)

	// 换一个键也拦在订单级幂等上
	third, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K2", Trigger: TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, SettlementAlreadySettled, third.Outcome)
	assert.Equal(t, first.SettlementRef, third.SettlementRef)

	assert.Equal(t, 1, f.processor.chargeCount())
	assert.Equal(t, 1, f.notifier.successes)
}

func TestSettle_RequiresIdempotencyKey(t *testing.T) {
	f := newSettleFixture(t)
	_, err := f.settlement.Settle(context.Background(), &SettleCommand{OrderID: "ord-1", Trigger: TriggerAPI})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idempotency key")
}

func TestSettle_RejectsOrderThatCannotRecordPayment(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.createOrder(t, domain.NewOrderParams{
		ID: "ord-1", Family: domain.FamilyPickup, CustomerID: "cus-1",
		TotalCents: 8000, ProcessorCustomerRef: "cus_proc_1", PaymentMethodRef: "pm_1",
	})
	f.step(t, "ord-1", domain.ActionPickup, domain.RolePartner, nil)

	// picked_up 没有 payment_completed 的边，扣款前就要拒掉
	_, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 0, f.processor.chargeCount())
}

func TestSettle_FailsWithoutSavedPaymentMethod(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.createOrder(t, domain.NewOrderParams{
		ID: "ord-1", Family: domain.FamilyPickup, CustomerID: "cus-1", TotalCents: 8000,
	})
	f.step(t, "ord-1", domain.ActionPickup, domain.RolePartner, nil)
	f.step(t, "ord-1", domain.ActionArriveFacility, domain.RolePartner, nil)
	f.step(t, "ord-1", domain.ActionSendQuote, domain.RolePartner, map[string]string{domain.MetaQuoteCents: "8800"})
	f.step(t, "ord-1", domain.ActionAcceptQuote, domain.RoleCustomer, nil)

	res, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, SettlementFailed, res.Outcome)
	assert.Contains(t, res.Reason, "no saved payment method")
	assert.Equal(t, 0, f.processor.chargeCount())

	// 还没建 saga 记录就拒掉了
	record, err := f.sagaLog.FindByIdempotencyKey(ctx, "ord-1", "K1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestSettle_GuardBusyThenSameKeyResumes(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	f.guard.busy = true
	res, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, SettlementInProgress, res.Outcome)
	assert.Equal(t, 0, f.processor.chargeCount())

	// 记录停在 pending，锁释放后同一个键从断点续跑
	record, err := f.sagaLog.FindByIdempotencyKey(ctx, "ord-1", "K1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.SagaStatusPending, record.Status)

	f.guard.busy = false
	res, err = f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, SettlementCaptured, res.Outcome)
	assert.Equal(t, 1, f.processor.chargeCount())
}

func TestSettle_RecordFailureRefundsCharge(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	failing := &transitionFailingOrders{OrderRepository: f.orders, failures: 1}
	svc := NewSettlementService(failing, f.machine, f.sagaLog, f.retryLog, f.ledger,
		f.processor, f.notifier, f.scheduler, f.policy, f.guard,
		otel.Tracer("settlement-test"), defaultSettlementConfig())

	// 扣款成功但落账失败：钱必须原路退回，saga 记 failed
	res, err := svc.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, SettlementFailed, res.Outcome)
	assert.Contains(t, res.Reason, "storage offline")

	require.Len(t, f.processor.refunds, 1)
	assert.Equal(t, "ch_000001", f.processor.refunds[0].settlementRef)
	assert.Equal(t, int64(8800), f.processor.refunds[0].amountCents)

	record, err := f.sagaLog.FindByIdempotencyKey(ctx, "ord-1", "K1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.SagaStatusFailed, record.Status)

	order := f.mustFind(t, "ord-1")
	assert.Equal(t, domain.StatusAwaitingPayment, order.Status)
	assert.Empty(t, order.SettlementRef)
}

// --- 审批升级 ---

func TestSettle_QuoteVarianceEscalatesToApproval(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	// 预估 $50，报价 $62：偏差 24%，超出 20% 阈值
	f.seedPickupQuoteSent(t, "ord-1", 5000, 6200)

	view, err := f.app.Transition(ctx, &TransitionCommand{
		OrderID: "ord-1", Action: "accept_quote", ActorID: "cus-1", ActorRole: "customer",
	})
	require.NoError(t, err)
	assert.Equal(t, "awaiting_payment", view.Status)
	assert.True(t, view.ApprovalRequired)
	assert.Equal(t, 0, f.processor.chargeCount())

	// 自动触发的 saga 挂在 pending，等管理员签字
	pending, err := f.settlement.FindPendingSaga(ctx, "ord-1")
	require.NoError(t, err)
	require.NotNil(t, pending)
	autoKey := fmt.Sprintf("auto:%s:%d", "ord-1", int64(5))
	assert.Equal(t, autoKey, pending.IdempotencyKey)

	// 审批在途时结算不会被宽限收口取消
	require.NoError(t, f.settlement.HandleGraceCheckEvent(ctx, &domain.GraceCheckEvent{
		OrderID: "ord-1", Deadline: time.Now().UTC().Add(-time.Minute),
	}))
	assert.Equal(t, domain.StatusAwaitingPayment, f.mustFind(t, "ord-1").Status)

	// 管理员放行：沿用挂起 saga 的幂等键续跑，只扣一笔
	view, err = f.app.Transition(ctx, &TransitionCommand{
		OrderID: "ord-1", Action: "approve_quote", ActorID: "adm-7", ActorRole: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, "processing", view.Status)
	assert.False(t, view.ApprovalRequired)
	assert.Equal(t, "adm-7", view.ApprovedBy)
	assert.Equal(t, "ch_000001", view.SettlementRef)

	require.Equal(t, 1, f.processor.chargeCount())
	assert.Equal(t, autoKey, f.processor.charges[0].IdempotencyKey)
	assert.Equal(t, int64(6200), f.processor.charges[0].AmountCents)
}

// --- 重试与宽限工作流 ---

func TestSettle_RetryableDeclineSchedulesRetryAndGrace(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)
	f.processor.setFailure(declineRetryable)

	start := time.Now().UTC()
	res, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, SettlementRetryScheduled, res.Outcome)
	require.NotNil(t, res.RetryAt)
	require.NotNil(t, res.GraceDeadline)
	assert.WithinDuration(t, start.Add(2*time.Hour), *res.RetryAt, time.Minute)
	assert.WithinDuration(t, start.Add(24*time.Hour), *res.GraceDeadline, time.Minute)

	// 状态不动，只记失败时间戳；首次失败绝不推进失败态
	order := f.mustFind(t, "ord-1")
	assert.Equal(t, domain.StatusAwaitingPayment, order.Status)
	require.NotNil(t, order.PaymentFailedAt)

	events, err := f.orders.ListEvents(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, events, 4) // 没有新增审计事件

	open, err := f.retryLog.FindOpenByOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "card_declined", open[0].ErrorCode)

	require.Len(t, f.scheduler.checks, 1)
	assert.Equal(t, "ord-1", f.scheduler.checks[0].orderID)
	assert.Equal(t, open[0].GraceDeadline.Unix(), f.scheduler.checks[0].due.Unix())
	assert.Equal(t, 1, f.notifier.retryNotices)

	// 重试已排且未到期：再触发一次结算不会堆叠新条目，也不再发通知
	res, err = f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K2", Trigger: TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, SettlementRetryScheduled, res.Outcome)

	open, err = f.retryLog.FindOpenByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
	assert.Len(t, f.scheduler.checks, 1)
	assert.Equal(t, 1, f.notifier.retryNotices)
}

func TestSettle_NonRetryableDeclineFailsWithoutRetry(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)
	f.processor.setFailure(&port.ProcessorError{Code: "card_expired", Message: "card expired", Retryable: false})

	res, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, SettlementFailed, res.Outcome)
	assert.Contains(t, res.Reason, "card expired")

	open, err := f.retryLog.FindOpenByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Empty(t, f.scheduler.checks)

	record, err := f.sagaLog.FindByIdempotencyKey(ctx, "ord-1", "K1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.SagaStatusFailed, record.Status)
}

func TestProcessDueRetries_RecoversWhenProcessorHeals(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	f.processor.setFailure(declineRetryable)
	_, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)

	f.processor.setFailure(nil)
	require.NoError(t, f.settlement.ProcessDueRetries(ctx, time.Now().UTC().Add(3*time.Hour)))

	order := f.mustFind(t, "ord-1")
	assert.Equal(t, domain.StatusProcessing, order.Status)
	assert.NotEmpty(t, order.SettlementRef)
	assert.Equal(t, 1, f.processor.chargeCount())
	assert.Contains(t, f.processor.charges[0].IdempotencyKey, "retry:ord-1:")

	open, err := f.retryLog.FindOpenByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	// 支付已成功，宽限截止后的扫描不再有任何动作
	require.NoError(t, f.settlement.ProcessDueRetries(ctx, time.Now().UTC().Add(25*time.Hour)))
	assert.Equal(t, domain.StatusProcessing, f.mustFind(t, "ord-1").Status)
	assert.Equal(t, 1, f.processor.chargeCount())
	assert.Equal(t, 0, f.notifier.cancellations)
}

func TestProcessDueRetries_RepeatedFailureKeepsGraceDeadline(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	f.processor.setFailure(declineRetryable)
	res, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)
	originalDeadline := *res.GraceDeadline

	// 把重试时间拨到过去，模拟 +2h 已到
	require.NoError(t, f.db.Model(&infrastructure.PaymentRetryLogModel{}).
		Where("order_id = ?", "ord-1").
		Update("retry_at", time.Now().UTC().Add(-time.Minute)).Error)

	// 到期重试仍失败：旧条目收口、新条目排 +2h，宽限截止原样携带
	require.NoError(t, f.settlement.ProcessDueRetries(ctx, time.Now().UTC()))

	open, err := f.retryLog.FindOpenByOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, originalDeadline.Unix(), open[0].GraceDeadline.Unix())
	assert.WithinDuration(t, time.Now().UTC().Add(2*time.Hour), open[0].RetryAt, time.Minute)
	assert.Equal(t, 2, f.processor.declines)
	// 宽限检查消息只在首次失败时投递一次
	assert.Len(t, f.scheduler.checks, 1)
	assert.Equal(t, domain.StatusAwaitingPayment, f.mustFind(t, "ord-1").Status)
}

func TestProcessDueRetries_GraceExpiryChargesFeeAndCancels(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	f.processor.setFailure(declineRetryable)
	_, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)

	// 宽限期整个耗尽，扣款通道恢复也救不回订单，只够收未到场费
	f.processor.setFailure(nil)
	require.NoError(t, f.settlement.ProcessDueRetries(ctx, time.Now().UTC().Add(25*time.Hour)))

	order := f.mustFind(t, "ord-1")
	assert.Equal(t, domain.StatusCancelled, order.Status)
	assert.Equal(t, "payment grace period expired", order.CancelReason)
	assert.True(t, order.NoShowFeeCharged)
	assert.Equal(t, int64(2500), order.NoShowFeeCents)

	require.Equal(t, 1, f.processor.chargeCount())
	fee := f.processor.charges[0]
	assert.Equal(t, "noshow:ord-1", fee.IdempotencyKey)
	assert.Equal(t, int64(2500), fee.AmountCents)
	assert.Equal(t, 1, f.notifier.cancellations)

	open, err := f.retryLog.FindOpenByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	// 收口幂等：延迟消息和下一轮扫描都可能再进来，不得重复收费
	require.NoError(t, f.settlement.ProcessDueRetries(ctx, time.Now().UTC().Add(26*time.Hour)))
	require.NoError(t, f.settlement.HandleGraceCheckEvent(ctx, &domain.GraceCheckEvent{
		OrderID: "ord-1", Deadline: time.Now().UTC().Add(-time.Hour),
	}))
	assert.Equal(t, 1, f.processor.chargeCount())
	assert.Equal(t, 1, f.notifier.cancellations)
}

func TestHandleGraceCheckEvent_EarlyMessageIsIgnored(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	// 截止还没到：快路径不动手，权威判定留给 DB 扫描
	require.NoError(t, f.settlement.HandleGraceCheckEvent(ctx, &domain.GraceCheckEvent{
		OrderID: "ord-1", Deadline: time.Now().UTC().Add(time.Hour),
	}))
	assert.Equal(t, domain.StatusAwaitingPayment, f.mustFind(t, "ord-1").Status)
	assert.Equal(t, 0, f.processor.chargeCount())
}

// --- 未到场费 ---

func TestChargeNoShowFee_DerivedKeyChargesExactlyOnce(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedOnsiteEnRoute(t, "ord-1", 15000)

	// 上门未到场走应用服务：流转成功后立即收费并落账
	view, err := f.app.Transition(ctx, &TransitionCommand{
		OrderID: "ord-1", Action: "report_no_show", ActorID: "par-9", ActorRole: "partner",
	})
	require.NoError(t, err)
	assert.Equal(t, "no_show", view.Status)
	assert.True(t, view.NoShowFeeCharged)
	assert.Equal(t, int64(2500), view.NoShowFeeCents)

	require.Equal(t, 1, f.processor.chargeCount())
	assert.Equal(t, "noshow:ord-1", f.processor.charges[0].IdempotencyKey)
	assert.Equal(t, int64(2500), f.processor.charges[0].AmountCents)

	// 直接重放收费入口：订单级标记挡住第二笔
	res, err := f.settlement.ChargeNoShowFee(ctx, f.mustFind(t, "ord-1"))
	require.NoError(t, err)
	assert.Equal(t, SettlementAlreadySettled, res.Outcome)
	assert.Equal(t, 1, f.processor.chargeCount())
}

func TestChargeNoShowFee_SkipsWithoutPaymentMethod(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	order := f.createOrder(t, domain.NewOrderParams{
		ID: "ord-1", Family: domain.FamilyOnsite, CustomerID: "cus-1", TotalCents: 15000,
	})

	res, err := f.settlement.ChargeNoShowFee(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, SettlementSkipped, res.Outcome)
	assert.Equal(t, 0, f.processor.chargeCount())
}

// --- 处理商 webhook ---

func TestHandleProcessorEvent_DuplicateEventIsNoOp(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.createOrder(t, domain.NewOrderParams{
		ID: "ord-1", Family: domain.FamilyPickup, CustomerID: "cus-1", TotalCents: 8000,
	})

	evt := &domain.ProcessorEvent{
		ID:   "evt_1",
		Type: domain.ProcessorEventPaymentMethodSaved,
		Data: domain.ProcessorEventData{OrderID: "ord-1", CustomerRef: "cus_proc_9", PaymentMethodRef: "pm_123"},
	}
	require.NoError(t, f.settlement.HandleProcessorEvent(ctx, evt, []byte(`{"id":"evt_1"}`)))

	order := f.mustFind(t, "ord-1")
	assert.Equal(t, "pm_123", order.PaymentMethodRef)
	assert.Equal(t, "cus_proc_9", order.ProcessorCustomerRef)
	require.NotNil(t, order.PaymentMethodSavedAt)
	versionAfterFirst := order.Version

	// 同一事件 ID 重复投递：哪怕载荷被改过也必须零副作用
	dup := &domain.ProcessorEvent{
		ID:   "evt_1",
		Type: domain.ProcessorEventPaymentMethodSaved,
		Data: domain.ProcessorEventData{OrderID: "ord-1", PaymentMethodRef: "pm_tampered"},
	}
	err := f.settlement.HandleProcessorEvent(ctx, dup, []byte(`{"id":"evt_1"}`))
	require.ErrorIs(t, err, domain.ErrDuplicateEvent)

	order = f.mustFind(t, "ord-1")
	assert.Equal(t, "pm_123", order.PaymentMethodRef)
	assert.Equal(t, versionAfterFirst, order.Version)

	// 新事件 ID 正常生效
	evt2 := &domain.ProcessorEvent{
		ID:   "evt_2",
		Type: domain.ProcessorEventPaymentMethodSaved,
		Data: domain.ProcessorEventData{OrderID: "ord-1", PaymentMethodRef: "pm_456"},
	}
	require.NoError(t, f.settlement.HandleProcessorEvent(ctx, evt2, []byte(`{"id":"evt_2"}`)))
	assert.Equal(t, "pm_456", f.mustFind(t, "ord-1").PaymentMethodRef)
}

func TestHandleProcessorEvent_CaptureSucceededRecordsOutOfBand(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	// 处理商侧带外完成的扣款之前，先有一个未解决的重试条目
	require.NoError(t, f.retryLog.Append(ctx, &domain.PaymentRetryLogEntry{
		OrderID:       "ord-1",
		ErrorCode:     "card_declined",
		RetryAt:       time.Now().UTC().Add(2 * time.Hour),
		GraceDeadline: time.Now().UTC().Add(24 * time.Hour),
		CreatedAt:     time.Now().UTC(),
	}))

	evt := &domain.ProcessorEvent{
		ID:   "evt_cap_1",
		Type: domain.ProcessorEventCaptureSucceeded,
		Data: domain.ProcessorEventData{OrderID: "ord-1", SettlementRef: "ch_ext_1", AmountCents: 8800},
	}
	require.NoError(t, f.settlement.HandleProcessorEvent(ctx, evt, []byte(`{}`)))

	order := f.mustFind(t, "ord-1")
	assert.Equal(t, domain.StatusProcessing, order.Status)
	assert.Equal(t, "ch_ext_1", order.SettlementRef)
	assert.Equal(t, 1, f.notifier.successes)

	open, err := f.retryLog.FindOpenByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestHandleProcessorEvent_CaptureFailedStartsGraceWorkflow(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	evt := &domain.ProcessorEvent{
		ID:   "evt_fail_1",
		Type: domain.ProcessorEventCaptureFailed,
		Data: domain.ProcessorEventData{OrderID: "ord-1", ErrorCode: "card_declined", ErrorMessage: "insufficient funds"},
	}
	require.NoError(t, f.settlement.HandleProcessorEvent(ctx, evt, []byte(`{}`)))

	order := f.mustFind(t, "ord-1")
	assert.Equal(t, domain.StatusAwaitingPayment, order.Status)
	require.NotNil(t, order.PaymentFailedAt)

	open, err := f.retryLog.FindOpenByOrder(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "card_declined", open[0].ErrorCode)
	assert.Len(t, f.scheduler.checks, 1)
	assert.Equal(t, 1, f.notifier.retryNotices)
}

func TestHandleProcessorEvent_IgnoresStaleFailureAfterSettlement(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupAwaitingPayment(t, "ord-1", 8000, 8800)

	_, err := f.settlement.Settle(ctx, &SettleCommand{OrderID: "ord-1", IdempotencyKey: "K1", Trigger: TriggerAPI})
	require.NoError(t, err)

	evt := &domain.ProcessorEvent{
		ID:   "evt_fail_9",
		Type: domain.ProcessorEventCaptureFailed,
		Data: domain.ProcessorEventData{OrderID: "ord-1", ErrorCode: "card_declined"},
	}
	require.NoError(t, f.settlement.HandleProcessorEvent(ctx, evt, []byte(`{}`)))

	open, err := f.retryLog.FindOpenByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, domain.StatusProcessing, f.mustFind(t, "ord-1").Status)
}

func TestHandleProcessorEvent_RejectsEnvelopeWithoutIdentity(t *testing.T) {
	f := newSettleFixture(t)
	err := f.settlement.HandleProcessorEvent(context.Background(), &domain.ProcessorEvent{
		Type: domain.ProcessorEventCaptureSucceeded,
		Data: domain.ProcessorEventData{OrderID: "ord-1"},
	}, []byte(`{}`))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrDuplicateEvent)
}
