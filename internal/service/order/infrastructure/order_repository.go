// internal/service/order/infrastructure/order_repository.go
package infrastructure

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"fulcrum/internal/service/order/domain"
)

// GormOrderRepository 是 domain.OrderRepository 的 GORM 实现。
// 并发控制是双保险：MySQL 下事务内行锁串行化同一订单的写入，
// 版本号守卫的 UPDATE 兜底（SQLite 等没有 FOR UPDATE 的方言只剩后者）。
type GormOrderRepository struct {
	db      *gorm.DB
	machine *domain.Machine
}

// NewGormOrderRepository 创建一个新的 GORM 仓储实例。
func NewGormOrderRepository(db *gorm.DB, machine *domain.Machine) *GormOrderRepository {
	return &GormOrderRepository{db: db, machine: machine}
}

// Create 持久化一个新订单聚合。
func (r *GormOrderRepository) Create(ctx context.Context, order *domain.Order) error {
	return r.db.WithContext(ctx).Create(FromDomainOrder(order)).Error
}

// FindByID 根据 ID 查找一个订单聚合。
func (r *GormOrderRepository) FindByID(ctx context.Context, id string) (*domain.Order, error) {
	var model OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return ToDomainOrder(&model), nil
}

// Transition 在单个事务里完成：加载（MySQL 下带行锁）、状态机校验、
// 带版本号守卫的整行 UPDATE、恰好一条审计事件的追加。
// 状态机返回的验证类错误会令事务回滚，订单与台账都不会留下痕迹。
func (r *GormOrderRepository) Transition(ctx context.Context, orderID string, req *domain.TransitionRequest) (*domain.Order, error) {
	var updated *domain.Order

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := r.loadForUpdate(tx, orderID)
		if err != nil {
			return err
		}

		order := ToDomainOrder(model)
		fromVersion := order.Version

		event, err := r.machine.Transition(order, req)
		if err != nil {
			return err
		}

		order.Version = fromVersion + 1
		if err := r.guardedUpdate(tx, order, fromVersion); err != nil {
			return err
		}

		if err := tx.Create(FromDomainOrderEvent(event)).Error; err != nil {
			return err
		}

		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ApplyWithVersion 对非状态字段做乐观锁更新。没有状态机参与，
// 也不追加审计事件；版本校验失败返回 ErrStaleVersion，由调用方重读重试。
func (r *GormOrderRepository) ApplyWithVersion(ctx context.Context, orderID string, expectedVersion int64, mutate func(*domain.Order) error) (*domain.Order, error) {
	var updated *domain.Order

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		model, err := r.loadForUpdate(tx, orderID)
		if err != nil {
			return err
		}

		order := ToDomainOrder(model)
		if order.Version != expectedVersion {
			return domain.ErrStaleVersion
		}

		if err := mutate(order); err != nil {
			return err
		}

		order.Version = expectedVersion + 1
		if err := r.guardedUpdate(tx, order, expectedVersion); err != nil {
			return err
		}

		updated = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// ListEvents 按追加顺序返回订单的完整审计台账。
func (r *GormOrderRepository) ListEvents(ctx context.Context, orderID string) ([]*domain.OrderEvent, error) {
	var models []OrderEventModel
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id asc").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	events := make([]*domain.OrderEvent, 0, len(models))
	for i := range models {
		events = append(events, ToDomainOrderEvent(&models[i]))
	}
	return events, nil
}

// loadForUpdate 在事务内加载订单行。MySQL 方言加 FOR UPDATE 行锁，
// 其他方言（测试用的 SQLite）由版本号守卫兜住并发。
func (r *GormOrderRepository) loadForUpdate(tx *gorm.DB, orderID string) (*OrderModel, error) {
	query := tx.Where("id = ?", orderID)
	if tx.Dialector.Name() == "mysql" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var model OrderModel
	if err := query.First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrOrderNotFound
		}
		return nil, err
	}
	return &model, nil
}

// guardedUpdate 执行 UPDATE ... WHERE id=? AND version=? 的整行更新。
// 命中零行说明并发写抢先提交（或订单被删），重读区分后返回对应错误。
func (r *GormOrderRepository) guardedUpdate(tx *gorm.DB, order *domain.Order, fromVersion int64) error {
	model := FromDomainOrder(order)
	res := tx.Model(&OrderModel{}).
		Where("id = ? AND version = ?", order.ID, fromVersion).
		Select("*").Omit("id", "created_at").
		Updates(model)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var exists int64
		if err := tx.Model(&OrderModel{}).Where("id = ?", order.ID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return domain.ErrOrderNotFound
		}
		return domain.ErrStaleVersion
	}
	return nil
}
