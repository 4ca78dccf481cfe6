// internal/pkg/session/manager.go
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "gateway:session:" // gateway:session:<userID> -> nodeID
	sessionTTL       = 2 * time.Minute    // 靠网关心跳续期，节点宕机后自动过期
)

// Manager 维护 userID -> push-gateway 节点的会话路由表。
// 通知不关心投递节点，由网关自己在 Redis 里声明"这个用户连在我这"。
type Manager struct {
	rdb goredis.UniversalClient
}

// NewManager 连接 Redis。redisAddr 支持 "host1:port1,host2:port2" 多地址写法。
func NewManager(redisAddr string) *Manager {
	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs: strings.Split(redisAddr, ","),
	})
	return &Manager{rdb: rdb}
}

// SetUserGateway 记录用户当前连接的网关节点并刷新 TTL。
func (m *Manager) SetUserGateway(ctx context.Context, userID, nodeID string) error {
	key := sessionKeyPrefix + userID
	if err := m.rdb.Set(ctx, key, nodeID, sessionTTL).Err(); err != nil {
		return fmt.Errorf("failed to set gateway session for user %s: %w", userID, err)
	}
	return nil
}

// GetUserGateway 查询用户连接的网关节点，没有会话时返回空串。
func (m *Manager) GetUserGateway(ctx context.Context, userID string) (string, error) {
	val, err := m.rdb.Get(ctx, sessionKeyPrefix+userID).Result()
	if err == goredis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get gateway session for user %s: %w", userID, err)
	}
	return val, nil
}

// RemoveUserGateway 在连接断开时清理会话。
func (m *Manager) RemoveUserGateway(ctx context.Context, userID string) error {
	return m.rdb.Del(ctx, sessionKeyPrefix+userID).Err()
}

func (m *Manager) Close() error {
	return m.rdb.Close()
}
