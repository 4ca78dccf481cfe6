// internal/service/order/application/dto.go
package application

import (
	"fmt"
	"time"

	"fulcrum/internal/service/order/domain"
)

// CreateOrderRequest 是建单用例的输入，来自预约协作方。
// 金额全部为最小货币单位（分）。
type CreateOrderRequest struct {
	OrderID              string `json:"orderId"`
	Family               string `json:"family"`
	CustomerID           string `json:"customerId"`
	Currency             string `json:"currency"`
	SubtotalCents        int64  `json:"subtotalCents"`
	TaxCents             int64  `json:"taxCents"`
	FeeCents             int64  `json:"feeCents"`
	TotalCents           int64  `json:"totalCents"`
	QuoteTotalCents      int64  `json:"quoteTotalCents"`
	ProcessorCustomerRef string `json:"processorCustomerRef"`
	PaymentMethodRef     string `json:"paymentMethodRef"`
}

// TransitionCommand 是一次流转请求的输入。ActorID/ActorRole 来自已验证的
// JWT，不信任请求体里的任何身份字段。
type TransitionCommand struct {
	OrderID   string
	Action    string
	ActorID   string
	ActorRole string
	Metadata  map[string]string
}

// OrderView 是对外暴露的订单快照。
type OrderView struct {
	OrderID              string     `json:"orderId"`
	Family               string     `json:"family"`
	Status               string     `json:"status"`
	RawStatus            string     `json:"rawStatus,omitempty"`
	CustomerID           string     `json:"customerId"`
	PartnerID            string     `json:"partnerId,omitempty"`
	Currency             string     `json:"currency"`
	SubtotalCents        int64      `json:"subtotalCents"`
	TaxCents             int64      `json:"taxCents"`
	FeeCents             int64      `json:"feeCents"`
	TotalCents           int64      `json:"totalCents"`
	QuoteTotalCents      int64      `json:"quoteTotalCents,omitempty"`
	InspectionQuoteCents int64      `json:"inspectionQuoteCents,omitempty"`
	SettlementAmount     int64      `json:"settlementAmountCents"`
	PaymentMethodRef     string     `json:"paymentMethodRef,omitempty"`
	SettlementRef        string     `json:"settlementRef,omitempty"`
	PaymentCapturedAt    *time.Time `json:"paymentCapturedAt,omitempty"`
	PaymentFailedAt      *time.Time `json:"paymentFailedAt,omitempty"`
	ApprovalRequired     bool       `json:"approvalRequired"`
	ApprovedBy           string     `json:"approvedBy,omitempty"`
	ApprovedAt           *time.Time `json:"approvedAt,omitempty"`
	NoShowFeeCents       int64      `json:"noShowFeeCents,omitempty"`
	NoShowFeeCharged     bool       `json:"noShowFeeCharged,omitempty"`
	CancelReason         string     `json:"cancelReason,omitempty"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
	Version              int64      `json:"version"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
}

// NewOrderView 把聚合转换为外部视图。RawStatus 只在映射失败时回传，
// 正常订单不必向外泄露存储细节。
func NewOrderView(o *domain.Order) *OrderView {
	v := &OrderView{
		OrderID:              o.ID,
		Family:               string(o.Family),
		Status:               string(o.Status),
		CustomerID:           o.CustomerID,
		PartnerID:            o.PartnerID,
		Currency:             o.Currency,
		SubtotalCents:        o.SubtotalCents,
		TaxCents:             o.TaxCents,
		FeeCents:             o.FeeCents,
		TotalCents:           o.TotalCents,
		QuoteTotalCents:      o.QuoteTotalCents,
		InspectionQuoteCents: o.InspectionQuoteCents,
		SettlementAmount:     o.SettlementAmountCents(),
		PaymentMethodRef:     o.PaymentMethodRef,
		SettlementRef:        o.SettlementRef,
		PaymentCapturedAt:    o.PaymentCapturedAt,
		PaymentFailedAt:      o.PaymentFailedAt,
		ApprovalRequired:     o.ApprovalRequired,
		ApprovedBy:           o.ApprovedBy,
		ApprovedAt:           o.ApprovedAt,
		NoShowFeeCents:       o.NoShowFeeCents,
		NoShowFeeCharged:     o.NoShowFeeCharged,
		CancelReason:         o.CancelReason,
		CompletedAt:          o.CompletedAt,
		Version:              o.Version,
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
	}
	if o.Status == domain.StatusUnmapped {
		v.RawStatus = o.RawStatus
	}
	return v
}

// EventView 是审计事件的外部视图。
type EventView struct {
	ID         int64             `json:"id"`
	OrderID    string            `json:"orderId"`
	Action     string            `json:"action"`
	ActorID    string            `json:"actorId"`
	ActorRole  string            `json:"actorRole"`
	FromStatus string            `json:"fromStatus"`
	ToStatus   string            `json:"toStatus"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

func NewEventViews(events []*domain.OrderEvent) []*EventView {
	out := make([]*EventView, 0, len(events))
	for _, ev := range events {
		out = append(out, &EventView{
			ID:         ev.ID,
			OrderID:    ev.OrderID,
			Action:     string(ev.Action),
			ActorID:    ev.ActorID,
			ActorRole:  string(ev.ActorRole),
			FromStatus: string(ev.FromStatus),
			ToStatus:   string(ev.ToStatus),
			Metadata:   ev.Metadata,
			CreatedAt:  ev.CreatedAt,
		})
	}
	return out
}

// 结算触发来源，只作观测标签。
const (
	TriggerAPI      = "api"
	TriggerAuto     = "auto"
	TriggerApproval = "approval"
	TriggerRetry    = "retry"
	TriggerWebhook  = "webhook"
)

// SettleCommand 触发一次结算。IdempotencyKey 为空时由入口层派生。
type SettleCommand struct {
	OrderID        string
	IdempotencyKey string
	Trigger        string
	ActorID        string
}

// SettlementOutcome 枚举一次结算调用的业务结局。
// 除 failed 外都不是错误：重复、挂审批、排重试是流程的正常分支。
type SettlementOutcome string

const (
	SettlementCaptured        SettlementOutcome = "captured"
	SettlementAlreadySettled  SettlementOutcome = "already_settled"
	SettlementPendingApproval SettlementOutcome = "pending_approval"
	SettlementRetryScheduled  SettlementOutcome = "retry_scheduled"
	SettlementInProgress      SettlementOutcome = "in_progress"
	SettlementSkipped         SettlementOutcome = "skipped"
	SettlementFailed          SettlementOutcome = "failed"
)

// SettlementResult 是结算调用的出参。
type SettlementResult struct {
	OrderID       string            `json:"orderId"`
	Outcome       SettlementOutcome `json:"outcome"`
	SettlementRef string            `json:"settlementRef,omitempty"`
	AmountCents   int64             `json:"amountCents,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	RetryAt       *time.Time        `json:"retryAt,omitempty"`
	GraceDeadline *time.Time        `json:"graceDeadline,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// DerivedAPIKey 为不带 Idempotency-Key 头的显式结算请求派生幂等键。
// 订单版本入键：同一版本上的盲重试合并为一次结算。
func DerivedAPIKey(orderID string, version int64) string {
	return fmt.Sprintf("api:%s:%d", orderID, version)
}
