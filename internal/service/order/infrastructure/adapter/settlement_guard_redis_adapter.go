// internal/service/order/infrastructure/adapter/settlement_guard_redis_adapter.go
package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"fulcrum/internal/pkg/redis"
)

const releaseGuardScriptName = "release_settlement_guard"

// SettlementGuardRedisAdapter 是 port.SettlementGuard 接口的 Redis 实现。
// SET NX PX 抢锁，TTL 防持有者崩溃后死锁；释放走比较删除脚本，
// 过期后被别人抢走的锁不会被旧持有者误删。
type SettlementGuardRedisAdapter struct {
	redisClient *redis.Client

	mu     sync.Mutex
	tokens map[string]string // orderID -> 本进程持有的锁令牌
}

// NewSettlementGuardRedisAdapter 创建一个新的结算锁适配器实例。
// 它在创建时会加载释放锁所需的 Lua 脚本。
func NewSettlementGuardRedisAdapter(redisClient *redis.Client) (*SettlementGuardRedisAdapter, error) {
	if err := redisClient.LoadScriptFromContent(releaseGuardScriptName, releaseGuardScript); err != nil {
		return nil, fmt.Errorf("failed to load settlement guard release script: %w", err)
	}

	return &SettlementGuardRedisAdapter{
		redisClient: redisClient,
		tokens:      make(map[string]string),
	}, nil
}

// Acquire 尝试获取订单的结算锁，已被持有时立刻返回 false。
func (a *SettlementGuardRedisAdapter) Acquire(ctx context.Context, orderID string, ttl time.Duration) (bool, error) {
	token := uuid.New().String()
	ok, err := a.redisClient.GetClient().SetNX(ctx, guardKey(orderID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("settlement guard acquire failed: %w", err)
	}
	if !ok {
		return false, nil
	}

	a.mu.Lock()
	a.tokens[orderID] = token
	a.mu.Unlock()
	return true, nil
}

// Release 释放结算锁。只有令牌仍匹配时才删除 key。
func (a *SettlementGuardRedisAdapter) Release(ctx context.Context, orderID string) error {
	a.mu.Lock()
	token, ok := a.tokens[orderID]
	delete(a.tokens, orderID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	_, err := a.redisClient.RunScript(ctx, releaseGuardScriptName, []string{guardKey(orderID)}, token)
	if err != nil {
		return fmt.Errorf("settlement guard release failed: %w", err)
	}
	return nil
}

func guardKey(orderID string) string {
	return fmt.Sprintf("settlement:guard:{%s}", orderID)
}

var releaseGuardScript = `
-- KEYS[1]: 结算锁的 Key, 例如: settlement:guard:{order_123}
-- ARGV[1]: 持有者的锁令牌

-- 令牌匹配才删除，避免误删他人在锁过期后抢到的锁
if redis.call('get', KEYS[1]) == ARGV[1] then
    return redis.call('del', KEYS[1])
end
return 0
`
