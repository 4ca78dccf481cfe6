package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOrder_Defaults(t *testing.T) {
	o, err := NewOrder(NewOrderParams{
		ID:         "ord-1",
		Family:     FamilyPickup,
		CustomerID: "cus-1",
		TotalCents: 5000,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusAwaitingFulfillment, o.Status)
	assert.Equal(t, string(StatusAwaitingFulfillment), o.RawStatus)
	assert.Equal(t, "usd", o.Currency)
	assert.Equal(t, int64(1), o.Version)
	assert.False(t, o.IsTerminal())
}

func TestNewOrder_Validation(t *testing.T) {
	_, err := NewOrder(NewOrderParams{Family: FamilyPickup, CustomerID: "cus-1"})
	assert.Error(t, err)

	_, err = NewOrder(NewOrderParams{ID: "ord-1", Family: Family("bogus"), CustomerID: "cus-1"})
	assert.ErrorIs(t, err, ErrUnsupportedFamily)

	_, err = NewOrder(NewOrderParams{ID: "ord-1", Family: FamilyPickup, CustomerID: "cus-1", TotalCents: -1})
	assert.Error(t, err)
}

func TestSettlementAmountCents_Precedence(t *testing.T) {
	o := &Order{TotalCents: 10000}
	assert.Equal(t, int64(10000), o.SettlementAmountCents())

	o.QuoteTotalCents = 12000
	assert.Equal(t, int64(12000), o.SettlementAmountCents())

	// 检测后报价一旦存在就压过其它金额
	o.InspectionQuoteCents = 15000
	assert.Equal(t, int64(15000), o.SettlementAmountCents())
}

func TestEstimateCents(t *testing.T) {
	o := &Order{TotalCents: 10000}
	assert.Equal(t, int64(10000), o.EstimateCents())

	o.QuoteTotalCents = 11000
	assert.Equal(t, int64(11000), o.EstimateCents())
}

func TestOrder_RecordPaymentMethod(t *testing.T) {
	o := &Order{Status: StatusAwaitingFulfillment}
	at := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	o.RecordPaymentMethod("pm-new", at)
	assert.Equal(t, "pm-new", o.PaymentMethodRef)
	require.NotNil(t, o.PaymentMethodSavedAt)
	assert.Equal(t, at, *o.PaymentMethodSavedAt)
	// 凭据落库不是生命周期事件，状态不能被它挪动
	assert.Equal(t, StatusAwaitingFulfillment, o.Status)
}

func TestOrder_RecordNoShowFeeCharged(t *testing.T) {
	o := &Order{}
	at := time.Date(2026, 8, 2, 9, 30, 0, 0, time.UTC)

	o.RecordNoShowFeeCharged("stl-fee", 2500, at)
	assert.True(t, o.NoShowFeeCharged)
	assert.Equal(t, int64(2500), o.NoShowFeeCents)
	assert.Equal(t, "stl-fee", o.SettlementRef)
	require.NotNil(t, o.NoShowChargedAt)
}
