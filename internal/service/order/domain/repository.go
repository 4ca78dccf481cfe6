// internal/service/order/domain/repository.go
package domain

import "context"

// OrderRepository 定义了订单聚合的持久化接口。
// 它位于领域层，但由基础设施层实现。
type OrderRepository interface {
	// Create 持久化一个新订单聚合。
	Create(ctx context.Context, order *Order) error

	// FindByID 根据 ID 查找一个订单聚合。
	FindByID(ctx context.Context, id string) (*Order, error)

	// Transition 在单个事务里完成：行锁加载、状态机校验、带版本号守卫的
	// UPDATE、以及恰好一条审计事件的追加。返回流转后的聚合。
	Transition(ctx context.Context, orderID string, req *TransitionRequest) (*Order, error)

	// ApplyWithVersion 对非状态字段做乐观锁更新：按 expectedVersion 加载并
	// 执行 mutate，UPDATE ... WHERE version=? 命中失败时返回 ErrStaleVersion。
	ApplyWithVersion(ctx context.Context, orderID string, expectedVersion int64, mutate func(*Order) error) (*Order, error)

	// ListEvents 按时间升序返回订单的完整审计台账。
	ListEvents(ctx context.Context, orderID string) ([]*OrderEvent, error)
}
