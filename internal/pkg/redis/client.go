// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client 封装 go-redis 的 UniversalClient，单机和集群地址透明切换，
// 并维护一个按名字注册的 Lua 脚本表。
type Client struct {
	rdb redis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*redis.Script
}

// NewClient 连接 Redis。addrs 格式为 "host1:port1,host2:port2"，
// 多地址时走集群模式。
func NewClient(addrs string) (*Client, error) {
	addrList := strings.Split(addrs, ",")
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs: addrList,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis %s: %w", addrs, err)
	}

	return &Client{
		rdb:     rdb,
		scripts: make(map[string]*redis.Script),
	}, nil
}

// LoadScriptFromContent 将一段 Lua 脚本按名字注册，供 RunScript 调用。
// 重复注册同名脚本会覆盖旧内容。
func (c *Client) LoadScriptFromContent(name, content string) error {
	if strings.TrimSpace(content) == "" {
		return fmt.Errorf("script %q is empty", name)
	}
	c.mu.Lock()
	c.scripts[name] = redis.NewScript(content)
	c.mu.Unlock()
	return nil
}

// RunScript 执行已注册的脚本。go-redis 的 Script 优先 EVALSHA，
// 脚本未加载时自动回落到 EVAL。
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %q is not registered", name)
	}
	return script.Run(ctx, c.rdb, keys, args...).Result()
}

// GetClient 暴露底层客户端，供需要 pipeline 等原生能力的调用方使用。
func (c *Client) GetClient() redis.UniversalClient {
	return c.rdb
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
