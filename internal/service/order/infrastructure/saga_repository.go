// internal/service/order/infrastructure/saga_repository.go
package infrastructure

import (
	"context"
	"encoding/json"
	"errors"

	"gorm.io/gorm"

	"fulcrum/internal/service/order/domain"
)

// GormSagaLog 是 domain.SagaLog 的 GORM 实现。
// (order_id, idempotency_key) 的唯一索引让并发同键 Create 只有一个赢家，
// 输家拿到错误后由应用层读回赢家的记录。
type GormSagaLog struct {
	db *gorm.DB
}

// NewGormSagaLog 创建一个新的 saga 日志实例。
func NewGormSagaLog(db *gorm.DB) *GormSagaLog {
	return &GormSagaLog{db: db}
}

// FindByIdempotencyKey 按 (orderID, key) 查找记录，不存在返回 (nil, nil)。
func (r *GormSagaLog) FindByIdempotencyKey(ctx context.Context, orderID, key string) (*domain.PaymentSagaRecord, error) {
	var model PaymentSagaModel
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND idempotency_key = ?", orderID, key).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ToDomainSagaRecord(&model), nil
}

// FindPendingByOrder 返回订单最早的 pending 记录，不存在返回 (nil, nil)。
func (r *GormSagaLog) FindPendingByOrder(ctx context.Context, orderID, sagaType string) (*domain.PaymentSagaRecord, error) {
	var model PaymentSagaModel
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND type = ? AND status = ?", orderID, sagaType, domain.SagaStatusPending).
		Order("created_at asc").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return ToDomainSagaRecord(&model), nil
}

// Create 持久化一条新的 saga 记录。同键冲突原样返回错误。
func (r *GormSagaLog) Create(ctx context.Context, record *domain.PaymentSagaRecord) error {
	return r.db.WithContext(ctx).Create(FromDomainSagaRecord(record)).Error
}

// AppendStep 将一步执行轨迹追加进 steps 列。
// 读改写没包事务：同一 saga 记录同一时刻只有一个执行方在跑
// （结算守卫与幂等键保证），丢步只影响排障不影响正确性。
func (r *GormSagaLog) AppendStep(ctx context.Context, sagaID string, step domain.SagaStep) error {
	var model PaymentSagaModel
	if err := r.db.WithContext(ctx).Where("id = ?", sagaID).First(&model).Error; err != nil {
		return err
	}

	var steps []domain.SagaStep
	if model.Steps != "" {
		_ = json.Unmarshal([]byte(model.Steps), &steps)
	}
	steps = append(steps, step)

	return r.db.WithContext(ctx).
		Model(&PaymentSagaModel{}).
		Where("id = ?", sagaID).
		Updates(map[string]interface{}{
			"steps":      marshalSteps(steps),
			"updated_at": nowUTC(),
		}).Error
}

// MarkCompleted 将记录置为 completed 并落结算引用。
func (r *GormSagaLog) MarkCompleted(ctx context.Context, sagaID, settlementRef string) error {
	return r.db.WithContext(ctx).
		Model(&PaymentSagaModel{}).
		Where("id = ?", sagaID).
		Updates(map[string]interface{}{
			"status":         domain.SagaStatusCompleted,
			"settlement_ref": settlementRef,
			"error":          "",
			"updated_at":     nowUTC(),
		}).Error
}

// MarkFailed 将记录置为 failed 并记录失败原因。
func (r *GormSagaLog) MarkFailed(ctx context.Context, sagaID, reason string) error {
	return r.db.WithContext(ctx).
		Model(&PaymentSagaModel{}).
		Where("id = ?", sagaID).
		Updates(map[string]interface{}{
			"status":     domain.SagaStatusFailed,
			"error":      reason,
			"updated_at": nowUTC(),
		}).Error
}
