// internal/zookeeper/lock.go
package zookeeper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-zookeeper/zk"
)

const lockRoot = "/fulcrum/locks"

// DistributedLock 基于临时顺序节点实现的分布式锁。
// retry-scheduler 用它做 leader 选举：同一时刻只有一个实例执行到期扫描，
// 扫描本身是幂等的，锁只是避免多实例重复打处理器。
type DistributedLock struct {
	conn     *Conn
	path     string // 锁目录，例如 /fulcrum/locks/retry-sweeper
	lockNode string // 成功抢锁后自己创建的节点
}

// NewDistributedLock 创建锁实例并确保锁目录存在。
func NewDistributedLock(conn *Conn, resourceID string) (*DistributedLock, error) {
	if err := ensurePath(conn, lockRoot); err != nil {
		return nil, err
	}
	lockPath := lockRoot + "/" + resourceID
	if err := ensurePath(conn, lockPath); err != nil {
		return nil, err
	}
	return &DistributedLock{conn: conn, path: lockPath}, nil
}

// ensurePath 逐级创建持久节点，节点已存在不算错误。
func ensurePath(conn *Conn, path string) error {
	var current string
	for _, part := range strings.Split(strings.Trim(path, "/"), "/") {
		current += "/" + part
		exists, _, err := conn.Exists(current)
		if err != nil {
			return fmt.Errorf("failed to check node %s: %w", current, err)
		}
		if exists {
			continue
		}
		if _, err := conn.Create(current, []byte{}, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("failed to create node %s: %w", current, err)
		}
	}
	return nil
}

// Lock 阻塞直到拿到锁或 ctx 结束。
// 经典羊群效应规避：只监听比自己序号小的前一个节点。
func (l *DistributedLock) Lock(ctx context.Context) error {
	nodePath, err := l.conn.CreateProtectedEphemeralSequential(l.path+"/lock-", []byte{}, zk.WorldACL(zk.PermAll))
	if err != nil {
		return fmt.Errorf("failed to create sequential node: %w", err)
	}
	l.lockNode = nodePath

	for {
		children, _, err := l.conn.Children(l.path)
		if err != nil {
			return fmt.Errorf("failed to list lock children: %w", err)
		}
		sort.Strings(children)

		myNodeName := strings.TrimPrefix(l.lockNode, l.path+"/")
		if len(children) > 0 && myNodeName == children[0] {
			return nil // 最小节点，持锁
		}

		prevIndex := -1
		for i, child := range children {
			if child == myNodeName {
				prevIndex = i - 1
				break
			}
		}
		if prevIndex < 0 {
			return errors.New("own lock node missing from children listing")
		}
		prevNodePath := l.path + "/" + children[prevIndex]

		exists, _, eventChan, err := l.conn.ExistsW(prevNodePath)
		if err != nil {
			return fmt.Errorf("failed to watch previous node: %w", err)
		}
		if !exists {
			continue // 前节点在 watch 设置前刚好释放，重新竞争
		}

		select {
		case event := <-eventChan:
			if event.Type == zk.EventNodeDeleted {
				continue
			}
		case <-ctx.Done():
			// 放弃排队，删除自己的节点避免占坑
			_ = l.conn.Delete(l.lockNode, -1)
			l.lockNode = ""
			return ctx.Err()
		}
	}
}

// Unlock 释放锁。会话断开时临时节点也会自动删除。
func (l *DistributedLock) Unlock() error {
	if l.lockNode == "" {
		return errors.New("no lock to unlock")
	}
	err := l.conn.Delete(l.lockNode, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("failed to delete lock node: %w", err)
	}
	l.lockNode = ""
	return nil
}
