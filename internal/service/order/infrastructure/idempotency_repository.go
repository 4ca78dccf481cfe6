// internal/service/order/infrastructure/idempotency_repository.go
package infrastructure

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// GormIdempotencyLedger 是 domain.IdempotencyLedger 的 GORM 实现。
// 判重不走"先查后插"——那会给并发投递留窗口——而是直接插入，
// 靠 external_event_id 的唯一索引原子裁决。
type GormIdempotencyLedger struct {
	db *gorm.DB
}

// NewGormIdempotencyLedger 创建一个新的幂等台账实例。
func NewGormIdempotencyLedger(db *gorm.DB) *GormIdempotencyLedger {
	return &GormIdempotencyLedger{db: db}
}

// CheckAndRecord 首次见到该事件返回 true 并落库，重复投递返回 false。
// 需要连接以 TranslateError 打开，唯一索引冲突才会映射成 gorm.ErrDuplicatedKey。
func (r *GormIdempotencyLedger) CheckAndRecord(ctx context.Context, externalEventID, eventType string, payload []byte) (bool, error) {
	record := &ProcessorEventModel{
		ExternalEventID: externalEventID,
		EventType:       eventType,
		Payload:         string(payload),
		CreatedAt:       nowUTC(),
	}
	err := r.db.WithContext(ctx).Create(record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
