package port

import (
	"context"
	"time"
)

// SettlementGuard 是订单粒度的互斥锁出站端口，防止同一订单的结算并发执行。
// 锁带 TTL：持有者崩溃后锁自动过期，不会永久卡死结算。
type SettlementGuard interface {
	// Acquire 尝试获取订单的结算锁。已被持有时返回 false，而不是阻塞。
	Acquire(ctx context.Context, orderID string, ttl time.Duration) (bool, error)

	// Release 释放结算锁。只有持有者调用有效。
	Release(ctx context.Context, orderID string) error
}
