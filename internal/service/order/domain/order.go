// internal/service/order/domain/order.go
package domain

import (
	"errors"
	"time"
)

// Order 是订单聚合的根实体。
// 金额字段一律为最小货币单位（分），任何地方不出现浮点。
// Status 只能经由状态机流转修改；非状态字段的并发写走 ApplyWithVersion。
type Order struct {
	ID     string
	Family Family
	Status Status
	// RawStatus 保留存储层原始状态串。Status == StatusUnmapped 时
	// 它是唯一能还原现场的信息。
	RawStatus string

	CustomerID string
	PartnerID  string

	// 预约协作方给出的原始报价。本引擎只读，从不重新计价。
	Currency      string
	SubtotalCents int64
	TaxCents      int64
	FeeCents      int64 // 配送费/上门服务费
	TotalCents    int64
	// QuoteTotalCents 结构化报价总额，预约协作方在建单或改价时提供
	QuoteTotalCents int64
	// InspectionQuoteCents 检测后报价。一旦设置，结算金额以它为准
	InspectionQuoteCents int64

	// 支付关联（全部为外部处理器引用）
	ProcessorCustomerRef string
	PaymentMethodRef     string
	SettlementRef        string
	PaymentMethodSavedAt *time.Time
	PaymentCapturedAt    *time.Time
	PaymentFailedAt      *time.Time

	// 审批升级：报价偏差超阈值时挂起自动扣款，等管理员签字
	ApprovalRequired bool
	ApprovedBy       string
	ApprovedAt       *time.Time

	// 未到场费
	NoShowFeeCents   int64
	NoShowFeeCharged bool
	NoShowChargedAt  *time.Time

	CancelReason string
	CompletedAt  *time.Time

	// Version 每次成功写入恰好加一，写入方必须带上读到的版本
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewOrderParams 是建单入参，由预约协作方提供。
type NewOrderParams struct {
	ID                   string
	Family               Family
	CustomerID           string
	Currency             string
	SubtotalCents        int64
	TaxCents             int64
	FeeCents             int64
	TotalCents           int64
	QuoteTotalCents      int64
	ProcessorCustomerRef string
	PaymentMethodRef     string
}

// NewOrder 创建一个处于初始状态的订单聚合。
func NewOrder(p NewOrderParams) (*Order, error) {
	if p.ID == "" || p.CustomerID == "" {
		return nil, errors.New("cannot create order with empty id or customer")
	}
	if _, ok := statusSchemas[p.Family]; !ok {
		return nil, ErrUnsupportedFamily
	}
	if p.TotalCents < 0 || p.SubtotalCents < 0 || p.TaxCents < 0 || p.FeeCents < 0 || p.QuoteTotalCents < 0 {
		return nil, errors.New("order amounts must not be negative")
	}
	if p.Currency == "" {
		p.Currency = "usd"
	}

	now := time.Now().UTC()
	return &Order{
		ID:                   p.ID,
		Family:               p.Family,
		Status:               StatusAwaitingFulfillment,
		RawStatus:            string(StatusAwaitingFulfillment),
		CustomerID:           p.CustomerID,
		Currency:             p.Currency,
		SubtotalCents:        p.SubtotalCents,
		TaxCents:             p.TaxCents,
		FeeCents:             p.FeeCents,
		TotalCents:           p.TotalCents,
		QuoteTotalCents:      p.QuoteTotalCents,
		ProcessorCustomerRef: p.ProcessorCustomerRef,
		PaymentMethodRef:     p.PaymentMethodRef,
		Version:              1,
		CreatedAt:            now,
		UpdatedAt:            now,
	}, nil
}

// SettlementAmountCents 按固定优先级决定应扣金额：
// 检测后报价 > 结构化报价总额 > 原始预估总额。
func (o *Order) SettlementAmountCents() int64 {
	if o.InspectionQuoteCents > 0 {
		return o.InspectionQuoteCents
	}
	if o.QuoteTotalCents > 0 {
		return o.QuoteTotalCents
	}
	return o.TotalCents
}

// EstimateCents 返回审批偏差比较用的基准金额。
func (o *Order) EstimateCents() int64 {
	if o.QuoteTotalCents > 0 {
		return o.QuoteTotalCents
	}
	return o.TotalCents
}

// IsTerminal 判断订单是否处于所属族的终态。
func (o *Order) IsTerminal() bool {
	return IsTerminalStatus(o.Family, o.Status)
}

// RecordPaymentMethod 记录处理器侧保存的支付凭据引用，不改变订单状态。
// 由 payment_method.saved 事件经 ApplyWithVersion 调用。
func (o *Order) RecordPaymentMethod(ref string, at time.Time) {
	o.PaymentMethodRef = ref
	t := at.UTC()
	o.PaymentMethodSavedAt = &t
}

// RecordCaptureFailure 记录一次扣款失败时间点，状态保持不变：
// 首次失败绝不把订单推进失败态，宽限窗口内客户仍可补救。
func (o *Order) RecordCaptureFailure(at time.Time) {
	t := at.UTC()
	o.PaymentFailedAt = &t
}

// RecordNoShowFeeCharged 在未到场费扣款成功后落账。
func (o *Order) RecordNoShowFeeCharged(ref string, feeCents int64, at time.Time) {
	o.NoShowFeeCents = feeCents
	o.NoShowFeeCharged = true
	t := at.UTC()
	o.NoShowChargedAt = &t
	if o.SettlementRef == "" {
		o.SettlementRef = ref
	}
}
