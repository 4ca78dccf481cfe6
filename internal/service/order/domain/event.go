// internal/service/order/domain/event.go
package domain

import "time"

// OrderEvent 是审计台账的一条记录：谁、以什么角色、把订单从哪个状态
// 流转到了哪个状态。只追加，不更新，不删除。
type OrderEvent struct {
	ID         int64             `json:"id"`
	OrderID    string            `json:"orderId"`
	Action     Action            `json:"action"`
	ActorID    string            `json:"actorId"`
	ActorRole  Role              `json:"actorRole"`
	FromStatus Status            `json:"fromStatus"`
	ToStatus   Status            `json:"toStatus"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func newOrderEvent(o *Order, req *TransitionRequest, from, to Status) *OrderEvent {
	return &OrderEvent{
		OrderID:    o.ID,
		Action:     req.Action,
		ActorID:    req.ActorID,
		ActorRole:  req.ActorRole,
		FromStatus: from,
		ToStatus:   to,
		Metadata:   copyMetadata(req.Metadata),
		CreatedAt:  req.Now,
	}
}

func copyMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// NotificationEvent 是推送到通知 topic 的载体，push-gateway 按 UserID 路由。
type NotificationEvent struct {
	TraceID string `json:"traceId,omitempty"`
	UserID  string `json:"userId"`
	OrderID string `json:"orderId"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// 通知类型。
const (
	NotifyPaymentRetry      = "payment_retry_scheduled"
	NotifySettlementDone    = "settlement_succeeded"
	NotifyGraceCancellation = "grace_period_cancelled"
)

// GraceCheckEvent 投递到延迟 topic，宽限期截止后由调度器转投回实际 topic。
type GraceCheckEvent struct {
	TraceID     string    `json:"traceId,omitempty"`
	OrderID     string    `json:"orderId"`
	ScheduledAt time.Time `json:"scheduledAt"`
	Deadline    time.Time `json:"deadline"`
}

// 支付处理商 webhook 的事件类型。
const (
	ProcessorEventPaymentMethodSaved = "payment_method.saved"
	ProcessorEventCaptureSucceeded   = "capture.succeeded"
	ProcessorEventCaptureFailed      = "capture.failed"
)

// ProcessorEvent 是支付处理商回调的统一信封。ID 由处理商生成，
// 幂等台账以它去重；重复投递是常态而不是异常。
type ProcessorEvent struct {
	ID   string             `json:"id"`
	Type string             `json:"type"`
	Data ProcessorEventData `json:"data"`
}

// ProcessorEventData 是各事件类型共用的数据段，字段按类型选填。
type ProcessorEventData struct {
	OrderID          string `json:"orderId"`
	CustomerRef      string `json:"customerRef,omitempty"`
	PaymentMethodRef string `json:"paymentMethodRef,omitempty"`
	SettlementRef    string `json:"settlementRef,omitempty"`
	AmountCents      int64  `json:"amountCents,omitempty"`
	Currency         string `json:"currency,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
}
