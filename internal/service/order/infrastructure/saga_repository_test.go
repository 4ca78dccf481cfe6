package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"fulcrum/internal/service/order/domain"
)

func newSagaRecord(orderID, key string, createdAt time.Time) *domain.PaymentSagaRecord {
	return &domain.PaymentSagaRecord{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		Type:           domain.SagaTypeSettlement,
		Status:         domain.SagaStatusPending,
		IdempotencyKey: key,
		AmountCents:    15500,
		Currency:       "usd",
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestGormSagaLog_CreateAndFindByIdempotencyKey(t *testing.T) {
	log := NewGormSagaLog(newTestDB(t))
	ctx := context.Background()

	missing, err := log.FindByIdempotencyKey(ctx, "ord-1", "auto:ord-1:4")
	require.NoError(t, err)
	assert.Nil(t, missing)

	record := newSagaRecord("ord-1", "auto:ord-1:4", testNow)
	require.NoError(t, log.Create(ctx, record))

	found, err := log.FindByIdempotencyKey(ctx, "ord-1", "auto:ord-1:4")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, record.ID, found.ID)
	assert.Equal(t, domain.SagaStatusPending, found.Status)
	assert.Equal(t, int64(15500), found.AmountCents)
}

func TestGormSagaLog_DuplicateKeyHasSingleWinner(t *testing.T) {
	log := NewGormSagaLog(newTestDB(t))
	ctx := context.Background()

	winner := newSagaRecord("ord-1", "api:ord-1:2", testNow)
	require.NoError(t, log.Create(ctx, winner))

	loser := newSagaRecord("ord-1", "api:ord-1:2", testNow)
	err := log.Create(ctx, loser)
	require.ErrorIs(t, err, gorm.ErrDuplicatedKey)

	// 同 key 不同订单不冲突
	other := newSagaRecord("ord-2", "api:ord-1:2", testNow)
	require.NoError(t, log.Create(ctx, other))
}

func TestGormSagaLog_StepAndStatusLifecycle(t *testing.T) {
	log := NewGormSagaLog(newTestDB(t))
	ctx := context.Background()

	record := newSagaRecord("ord-1", "auto:ord-1:4", testNow)
	require.NoError(t, log.Create(ctx, record))

	require.NoError(t, log.AppendStep(ctx, record.ID, domain.SagaStep{
		Name: "amount", Outcome: "ok", OccurredAt: testNow,
	}))
	require.NoError(t, log.AppendStep(ctx, record.ID, domain.SagaStep{
		Name: "charge", Outcome: "ok", Detail: "stl-42", OccurredAt: testNow.Add(time.Second),
	}))
	require.NoError(t, log.MarkCompleted(ctx, record.ID, "stl-42"))

	found, err := log.FindByIdempotencyKey(ctx, "ord-1", "auto:ord-1:4")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, domain.SagaStatusCompleted, found.Status)
	assert.Equal(t, "stl-42", found.SettlementRef)
	require.Len(t, found.Steps, 2)
	assert.Equal(t, "amount", found.Steps[0].Name)
	assert.Equal(t, "charge", found.Steps[1].Name)
	assert.Equal(t, "stl-42", found.Steps[1].Detail)
}

func TestGormSagaLog_MarkFailedKeepsReason(t *testing.T) {
	log := NewGormSagaLog(newTestDB(t))
	ctx := context.Background()

	record := newSagaRecord("ord-1", "retry:ord-1:9", testNow)
	require.NoError(t, log.Create(ctx, record))
	require.NoError(t, log.MarkFailed(ctx, record.ID, "card_declined: insufficient funds"))

	found, err := log.FindByIdempotencyKey(ctx, "ord-1", "retry:ord-1:9")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, domain.SagaStatusFailed, found.Status)
	assert.Equal(t, "card_declined: insufficient funds", found.Error)
}

func TestGormSagaLog_FindPendingByOrderPicksEarliest(t *testing.T) {
	log := NewGormSagaLog(newTestDB(t))
	ctx := context.Background()

	done := newSagaRecord("ord-1", "auto:ord-1:4", testNow.Add(-2*time.Hour))
	require.NoError(t, log.Create(ctx, done))
	require.NoError(t, log.MarkCompleted(ctx, done.ID, "stl-1"))

	earliest := newSagaRecord("ord-1", "api:ord-1:6", testNow.Add(-time.Hour))
	require.NoError(t, log.Create(ctx, earliest))
	require.NoError(t, log.Create(ctx, newSagaRecord("ord-1", "api:ord-1:8", testNow)))

	pending, err := log.FindPendingByOrder(ctx, "ord-1", domain.SagaTypeSettlement)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, earliest.ID, pending.ID)

	none, err := log.FindPendingByOrder(ctx, "ord-1", domain.SagaTypeNoShowFee)
	require.NoError(t, err)
	assert.Nil(t, none)
}
