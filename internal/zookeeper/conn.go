// internal/zookeeper/conn.go
package zookeeper

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
)

// Conn 封装 zk.Conn，统一连接入口。
type Conn struct {
	*zk.Conn
}

// Connect 建立 ZooKeeper 会话。servers 形如 ["zk1:2181", "zk2:2181"]。
func Connect(servers []string, sessionTimeout time.Duration) (*Conn, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = 10 * time.Second
	}
	conn, _, err := zk.Connect(servers, sessionTimeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to zookeeper %v: %w", servers, err)
	}
	return &Conn{Conn: conn}, nil
}
