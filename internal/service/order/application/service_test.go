package application

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fulcrum/internal/service/order/domain"
)

func TestCreateOrder_PersistsInitialAggregate(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()

	view, err := f.app.CreateOrder(ctx, &CreateOrderRequest{
		Family:        "pickup_delivery",
		CustomerID:    "cus-1",
		SubtotalCents: 7000,
		TaxCents:      600,
		FeeCents:      400,
		TotalCents:    8000,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, view.OrderID) // 未提供 ID 时服务端生成
	assert.Equal(t, "awaiting_fulfillment", view.Status)
	assert.Equal(t, "usd", view.Currency)
	assert.Equal(t, int64(1), view.Version)
	assert.Equal(t, int64(8000), view.SettlementAmount)
	assert.False(t, view.ApprovalRequired)

	persisted := f.mustFind(t, view.OrderID)
	assert.Equal(t, domain.StatusAwaitingFulfillment, persisted.Status)
}

func TestCreateOrder_RejectsInvalidInput(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()

	_, err := f.app.CreateOrder(ctx, &CreateOrderRequest{Family: "drone_drop", CustomerID: "cus-1"})
	require.ErrorIs(t, err, domain.ErrUnsupportedFamily)

	_, err = f.app.CreateOrder(ctx, &CreateOrderRequest{
		Family: "pickup_delivery", CustomerID: "cus-1", TotalCents: -1,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "negative")
}

func TestTransition_AutoSettlesAcceptedQuote(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupQuoteSent(t, "ord-1", 8000, 8800)

	// 客户接受报价：流转成功后同步触发结算，返回的视图已带结算后状态
	view, err := f.app.Transition(ctx, &TransitionCommand{
		OrderID: "ord-1", Action: "accept_quote", ActorID: "cus-1", ActorRole: "customer",
	})
	require.NoError(t, err)
	assert.Equal(t, "processing", view.Status)
	assert.Equal(t, "ch_000001", view.SettlementRef)
	assert.NotNil(t, view.PaymentCapturedAt)

	require.Equal(t, 1, f.processor.chargeCount())
	assert.Equal(t, "auto:ord-1:5", f.processor.charges[0].IdempotencyKey)
	assert.Equal(t, int64(8800), f.processor.charges[0].AmountCents)
}

func TestTransition_SettlementFailureLeavesTransitionCommitted(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupQuoteSent(t, "ord-1", 8000, 8800)
	f.processor.setFailure(declineRetryable)

	// 扣款失败不回滚已成立的流转：订单停在 awaiting_payment 等重试
	view, err := f.app.Transition(ctx, &TransitionCommand{
		OrderID: "ord-1", Action: "accept_quote", ActorID: "cus-1", ActorRole: "customer",
	})
	require.NoError(t, err)
	assert.Equal(t, "awaiting_payment", view.Status)
	assert.NotNil(t, view.PaymentFailedAt)
	assert.Empty(t, view.SettlementRef)

	open, err := f.retryLog.FindOpenByOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestTransition_OnsiteCompletionSettlesInPlace(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedOnsiteEnRoute(t, "ord-1", 15000)
	f.step(t, "ord-1", domain.ActionArriveOnsite, domain.RolePartner, nil)
	f.step(t, "ord-1", domain.ActionBeginService, domain.RolePartner, nil)

	view, err := f.app.Transition(ctx, &TransitionCommand{
		OrderID: "ord-1", Action: "complete_service", ActorID: "par-9", ActorRole: "partner",
	})
	require.NoError(t, err)
	// 上门单扣款不换状态：completed 上的 payment_completed 自环
	assert.Equal(t, "completed", view.Status)
	assert.Equal(t, "ch_000001", view.SettlementRef)
	assert.NotNil(t, view.CompletedAt)

	require.Equal(t, 1, f.processor.chargeCount())
	assert.Equal(t, "auto:ord-1:6", f.processor.charges[0].IdempotencyKey)
	assert.Equal(t, int64(15000), f.processor.charges[0].AmountCents)

	events, err := f.orders.ListEvents(ctx, "ord-1")
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, domain.ActionPaymentCompleted, last.Action)
	assert.Equal(t, domain.StatusCompleted, last.FromStatus)
	assert.Equal(t, domain.StatusCompleted, last.ToStatus)
}

func TestTransition_UnauthorizedRoleIsRejected(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.createOrder(t, domain.NewOrderParams{
		ID: "ord-1", Family: domain.FamilyPickup, CustomerID: "cus-1", TotalCents: 8000,
	})

	_, err := f.app.Transition(ctx, &TransitionCommand{
		OrderID: "ord-1", Action: "pickup", ActorID: "cus-1", ActorRole: "customer",
	})
	require.ErrorIs(t, err, domain.ErrUnauthorizedRole)

	// 词汇表外的角色在解析阶段就被拒绝
	_, err = f.app.Transition(ctx, &TransitionCommand{
		OrderID: "ord-1", Action: "pickup", ActorID: "x", ActorRole: "ghost",
	})
	require.ErrorIs(t, err, domain.ErrUnauthorizedRole)

	assert.Equal(t, domain.StatusAwaitingFulfillment, f.mustFind(t, "ord-1").Status)
}

func TestTransition_UnknownActionIsRejected(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.createOrder(t, domain.NewOrderParams{
		ID: "ord-1", Family: domain.FamilyPickup, CustomerID: "cus-1", TotalCents: 8000,
	})

	_, err := f.app.Transition(ctx, &TransitionCommand{
		OrderID: "ord-1", Action: "reticulate", ActorID: "adm-1", ActorRole: "admin",
	})
	require.ErrorIs(t, err, domain.ErrUnknownAction)

	// 别族的动作对本族同样是未知动作，而不是非法流转
	_, err = f.app.Transition(ctx, &TransitionCommand{
		OrderID: "ord-1", Action: "report_no_show", ActorID: "adm-1", ActorRole: "admin",
	})
	require.ErrorIs(t, err, domain.ErrUnknownAction)
}

func TestListEvents_ReturnsFullTrailInOrder(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.seedPickupQuoteSent(t, "ord-1", 8000, 8800)

	events, err := f.app.ListEvents(ctx, "ord-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "pickup", events[0].Action)
	assert.Equal(t, "arrive_facility", events[1].Action)
	assert.Equal(t, "send_quote", events[2].Action)
	assert.Equal(t, "8800", events[2].Metadata[domain.MetaQuoteCents])

	_, err = f.app.ListEvents(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestGetOrder_ExposesRawStatusOnlyWhenUnmapped(t *testing.T) {
	f := newSettleFixture(t)
	ctx := context.Background()
	f.createOrder(t, domain.NewOrderParams{
		ID: "ord-1", Family: domain.FamilyPickup, CustomerID: "cus-1", TotalCents: 8000,
	})

	view, err := f.app.GetOrder(ctx, "ord-1")
	require.NoError(t, err)
	assert.Empty(t, view.RawStatus)

	_, err = f.app.GetOrder(ctx, "ghost")
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}
