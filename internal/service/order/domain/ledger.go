// internal/service/order/domain/ledger.go
package domain

import (
	"context"
	"time"
)

// IdempotencyLedger 记录已处理过的外部事件 ID。
// CheckAndRecord 依赖唯一索引原子判重：首次见到返回 true 并落库，
// 重复返回 false。处理商的重复投递全部在这里拦住。
type IdempotencyLedger interface {
	CheckAndRecord(ctx context.Context, externalEventID, eventType string, payload []byte) (bool, error)
}

// PaymentRetryLogEntry 是一次扣款失败后排出的重试计划。
// GraceDeadline 在订单的首次失败时确定，后续重试原样携带，不会顺延。
type PaymentRetryLogEntry struct {
	ID            int64
	OrderID       string
	ErrorCode     string
	ErrorMessage  string
	RetryAt       time.Time
	GraceDeadline time.Time
	ResolvedAt    *time.Time
	CreatedAt     time.Time
}

// PaymentRetryLog 是重试调度器的工作队列。
type PaymentRetryLog interface {
	Append(ctx context.Context, entry *PaymentRetryLogEntry) error

	// FindDue 返回 RetryAt <= now 且未解决的条目。
	FindDue(ctx context.Context, now time.Time) ([]*PaymentRetryLogEntry, error)

	// FindGraceExpired 返回 GraceDeadline <= now 且未解决的条目。
	FindGraceExpired(ctx context.Context, now time.Time) ([]*PaymentRetryLogEntry, error)

	// FindOpenByOrder 返回订单的全部未解决条目。调度去重和宽限截止
	// 的跨条目传递都依赖它。
	FindOpenByOrder(ctx context.Context, orderID string) ([]*PaymentRetryLogEntry, error)

	// ResolveEntry 标记单个条目为已解决。
	ResolveEntry(ctx context.Context, entryID int64, resolvedAt time.Time) error

	// ResolveForOrder 把订单的所有未解决条目标记为已解决。
	// 成功扣款或宽限期取消后调用，保证同一订单不会被再次捞起。
	ResolveForOrder(ctx context.Context, orderID string, resolvedAt time.Time) error
}

// 结算 saga 的类型与状态。
const (
	SagaTypeSettlement = "settlement"
	SagaTypeNoShowFee  = "no_show_fee"

	SagaStatusPending   = "pending"
	SagaStatusCompleted = "completed"
	SagaStatusFailed    = "failed"
)

// SagaStep 记录 saga 执行到的每一步，重放时据此续跑而不是从头再来。
type SagaStep struct {
	Name       string    `json:"name"`
	Outcome    string    `json:"outcome"`
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// PaymentSagaRecord 是一次结算尝试的持久化状态。
// (OrderID, IdempotencyKey) 唯一：同 key 的重复请求拿到同一条记录，
// 完成的直接返回结果，失败的返回失败，pending 的从断点续跑。
type PaymentSagaRecord struct {
	ID             string
	OrderID        string
	Type           string
	Status         string
	IdempotencyKey string
	AmountCents    int64
	Currency       string
	SettlementRef  string
	Steps          []SagaStep
	Error          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// SagaLog 持久化结算 saga 的执行轨迹。
type SagaLog interface {
	// FindByIdempotencyKey 按 (orderID, key) 查找记录，不存在返回 (nil, nil)。
	FindByIdempotencyKey(ctx context.Context, orderID, key string) (*PaymentSagaRecord, error)

	// FindPendingByOrder 返回订单最早的 pending 记录，审批放行后据此续跑，
	// 不存在返回 (nil, nil)。
	FindPendingByOrder(ctx context.Context, orderID, sagaType string) (*PaymentSagaRecord, error)

	Create(ctx context.Context, record *PaymentSagaRecord) error
	AppendStep(ctx context.Context, sagaID string, step SagaStep) error
	MarkCompleted(ctx context.Context, sagaID, settlementRef string) error
	MarkFailed(ctx context.Context, sagaID, reason string) error
}
