// internal/service/order/infrastructure/retry_repository.go
package infrastructure

import (
	"context"
	"time"

	"gorm.io/gorm"

	"fulcrum/internal/service/order/domain"
)

// GormPaymentRetryLog 是 domain.PaymentRetryLog 的 GORM 实现。
// 扫描语义全部落在 SQL 条件上：resolved_at IS NULL 的行才是活。
type GormPaymentRetryLog struct {
	db *gorm.DB
}

// NewGormPaymentRetryLog 创建一个新的重试队列实例。
func NewGormPaymentRetryLog(db *gorm.DB) *GormPaymentRetryLog {
	return &GormPaymentRetryLog{db: db}
}

// Append 追加一条重试计划，回填生成的 ID。
func (r *GormPaymentRetryLog) Append(ctx context.Context, entry *domain.PaymentRetryLogEntry) error {
	model := FromDomainRetryEntry(entry)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = nowUTC()
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	entry.ID = model.ID
	entry.CreatedAt = model.CreatedAt
	return nil
}

// FindDue 返回到点未解决的条目，按 retry_at 先到先处理。
func (r *GormPaymentRetryLog) FindDue(ctx context.Context, now time.Time) ([]*domain.PaymentRetryLogEntry, error) {
	return r.find(ctx, "retry_at <= ? AND resolved_at IS NULL", now)
}

// FindGraceExpired 返回宽限截止已过且未解决的条目。
func (r *GormPaymentRetryLog) FindGraceExpired(ctx context.Context, now time.Time) ([]*domain.PaymentRetryLogEntry, error) {
	return r.find(ctx, "grace_deadline <= ? AND resolved_at IS NULL", now)
}

// FindOpenByOrder 返回订单的全部未解决条目。
func (r *GormPaymentRetryLog) FindOpenByOrder(ctx context.Context, orderID string) ([]*domain.PaymentRetryLogEntry, error) {
	return r.find(ctx, "order_id = ? AND resolved_at IS NULL", orderID)
}

// ResolveEntry 标记单个条目为已解决。已解决的条目不再改写。
func (r *GormPaymentRetryLog) ResolveEntry(ctx context.Context, entryID int64, resolvedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&PaymentRetryLogModel{}).
		Where("id = ? AND resolved_at IS NULL", entryID).
		Update("resolved_at", resolvedAt.UTC()).Error
}

// ResolveForOrder 把订单的所有未解决条目一次性标记为已解决。
func (r *GormPaymentRetryLog) ResolveForOrder(ctx context.Context, orderID string, resolvedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&PaymentRetryLogModel{}).
		Where("order_id = ? AND resolved_at IS NULL", orderID).
		Update("resolved_at", resolvedAt.UTC()).Error
}

func (r *GormPaymentRetryLog) find(ctx context.Context, cond string, args ...interface{}) ([]*domain.PaymentRetryLogEntry, error) {
	var models []PaymentRetryLogModel
	err := r.db.WithContext(ctx).
		Where(cond, args...).
		Order("retry_at asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	entries := make([]*domain.PaymentRetryLogEntry, 0, len(models))
	for i := range models {
		entries = append(entries, ToDomainRetryEntry(&models[i]))
	}
	return entries, nil
}
