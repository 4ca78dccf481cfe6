// internal/service/order/infrastructure/mapper.go
package infrastructure

import (
	"encoding/json"
	"time"

	"fulcrum/internal/service/order/domain"
)

// ToDomainOrder 将数据库模型转换为领域模型。
// status 列经 ParseStatus 过 schema：陌生值落到 unmapped 哨兵，
// 原始串保留在 RawStatus。
func ToDomainOrder(model *OrderModel) *domain.Order {
	if model == nil {
		return nil
	}
	family := domain.Family(model.Family)
	return &domain.Order{
		ID:        model.ID,
		Family:    family,
		Status:    domain.ParseStatus(family, model.Status),
		RawStatus: model.Status,

		CustomerID: model.CustomerID,
		PartnerID:  model.PartnerID,

		Currency:             model.Currency,
		SubtotalCents:        model.SubtotalCents,
		TaxCents:             model.TaxCents,
		FeeCents:             model.FeeCents,
		TotalCents:           model.TotalCents,
		QuoteTotalCents:      model.QuoteTotalCents,
		InspectionQuoteCents: model.InspectionQuoteCents,

		ProcessorCustomerRef: model.ProcessorCustomerRef,
		PaymentMethodRef:     model.PaymentMethodRef,
		SettlementRef:        model.SettlementRef,
		PaymentMethodSavedAt: model.PaymentMethodSavedAt,
		PaymentCapturedAt:    model.PaymentCapturedAt,
		PaymentFailedAt:      model.PaymentFailedAt,

		ApprovalRequired: model.ApprovalRequired,
		ApprovedBy:       model.ApprovedBy,
		ApprovedAt:       model.ApprovedAt,

		NoShowFeeCents:   model.NoShowFeeCents,
		NoShowFeeCharged: model.NoShowFeeCharged,
		NoShowChargedAt:  model.NoShowChargedAt,

		CancelReason: model.CancelReason,
		CompletedAt:  model.CompletedAt,

		Version:   model.Version,
		CreatedAt: model.CreatedAt,
		UpdatedAt: model.UpdatedAt,
	}
}

// FromDomainOrder 将领域模型转换为数据库模型。
// 落库的 status 用 RawStatus：unmapped 订单救援前原值必须原样留存。
func FromDomainOrder(o *domain.Order) *OrderModel {
	if o == nil {
		return nil
	}
	rawStatus := o.RawStatus
	if rawStatus == "" {
		rawStatus = string(o.Status)
	}
	return &OrderModel{
		ID:        o.ID,
		Family:    string(o.Family),
		Status:    rawStatus,
		RawStatus: rawStatus,

		CustomerID: o.CustomerID,
		PartnerID:  o.PartnerID,

		Currency:             o.Currency,
		SubtotalCents:        o.SubtotalCents,
		TaxCents:             o.TaxCents,
		FeeCents:             o.FeeCents,
		TotalCents:           o.TotalCents,
		QuoteTotalCents:      o.QuoteTotalCents,
		InspectionQuoteCents: o.InspectionQuoteCents,

		ProcessorCustomerRef: o.ProcessorCustomerRef,
		PaymentMethodRef:     o.PaymentMethodRef,
		SettlementRef:        o.SettlementRef,
		PaymentMethodSavedAt: o.PaymentMethodSavedAt,
		PaymentCapturedAt:    o.PaymentCapturedAt,
		PaymentFailedAt:      o.PaymentFailedAt,

		ApprovalRequired: o.ApprovalRequired,
		ApprovedBy:       o.ApprovedBy,
		ApprovedAt:       o.ApprovedAt,

		NoShowFeeCents:   o.NoShowFeeCents,
		NoShowFeeCharged: o.NoShowFeeCharged,
		NoShowChargedAt:  o.NoShowChargedAt,

		CancelReason: o.CancelReason,
		CompletedAt:  o.CompletedAt,

		Version:   o.Version,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

// ToDomainOrderEvent 将审计行转换为领域事件。
func ToDomainOrderEvent(model *OrderEventModel) *domain.OrderEvent {
	if model == nil {
		return nil
	}
	var metadata map[string]string
	if model.Metadata != "" {
		// 台账行是我们自己写的，坏 JSON 只可能来自人工改库，放过它
		_ = json.Unmarshal([]byte(model.Metadata), &metadata)
	}
	return &domain.OrderEvent{
		ID:         model.ID,
		OrderID:    model.OrderID,
		Action:     domain.Action(model.Action),
		ActorID:    model.ActorID,
		ActorRole:  domain.Role(model.ActorRole),
		FromStatus: domain.Status(model.FromStatus),
		ToStatus:   domain.Status(model.ToStatus),
		Metadata:   metadata,
		CreatedAt:  model.CreatedAt,
	}
}

// FromDomainOrderEvent 将领域事件转换为审计行（用于插入，ID 由库生成）。
func FromDomainOrderEvent(e *domain.OrderEvent) *OrderEventModel {
	if e == nil {
		return nil
	}
	metadata := ""
	if len(e.Metadata) > 0 {
		if b, err := json.Marshal(e.Metadata); err == nil {
			metadata = string(b)
		}
	}
	return &OrderEventModel{
		OrderID:    e.OrderID,
		Action:     string(e.Action),
		ActorID:    e.ActorID,
		ActorRole:  string(e.ActorRole),
		FromStatus: string(e.FromStatus),
		ToStatus:   string(e.ToStatus),
		Metadata:   metadata,
		CreatedAt:  e.CreatedAt,
	}
}

// ToDomainRetryEntry 将重试行转换为领域模型。
func ToDomainRetryEntry(model *PaymentRetryLogModel) *domain.PaymentRetryLogEntry {
	if model == nil {
		return nil
	}
	return &domain.PaymentRetryLogEntry{
		ID:            model.ID,
		OrderID:       model.OrderID,
		ErrorCode:     model.ErrorCode,
		ErrorMessage:  model.ErrorMessage,
		RetryAt:       model.RetryAt,
		GraceDeadline: model.GraceDeadline,
		ResolvedAt:    model.ResolvedAt,
		CreatedAt:     model.CreatedAt,
	}
}

// FromDomainRetryEntry 将领域模型转换为重试行（用于插入）。
func FromDomainRetryEntry(e *domain.PaymentRetryLogEntry) *PaymentRetryLogModel {
	if e == nil {
		return nil
	}
	return &PaymentRetryLogModel{
		OrderID:       e.OrderID,
		ErrorCode:     e.ErrorCode,
		ErrorMessage:  e.ErrorMessage,
		RetryAt:       e.RetryAt,
		GraceDeadline: e.GraceDeadline,
		ResolvedAt:    e.ResolvedAt,
		CreatedAt:     e.CreatedAt,
	}
}

// ToDomainSagaRecord 将 saga 行转换为领域模型。
func ToDomainSagaRecord(model *PaymentSagaModel) *domain.PaymentSagaRecord {
	if model == nil {
		return nil
	}
	var steps []domain.SagaStep
	if model.Steps != "" {
		_ = json.Unmarshal([]byte(model.Steps), &steps)
	}
	return &domain.PaymentSagaRecord{
		ID:             model.ID,
		OrderID:        model.OrderID,
		Type:           model.Type,
		Status:         model.Status,
		IdempotencyKey: model.IdempotencyKey,
		AmountCents:    model.AmountCents,
		Currency:       model.Currency,
		SettlementRef:  model.SettlementRef,
		Steps:          steps,
		Error:          model.Error,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}
}

// FromDomainSagaRecord 将领域模型转换为 saga 行。
func FromDomainSagaRecord(r *domain.PaymentSagaRecord) *PaymentSagaModel {
	if r == nil {
		return nil
	}
	return &PaymentSagaModel{
		ID:             r.ID,
		OrderID:        r.OrderID,
		Type:           r.Type,
		Status:         r.Status,
		IdempotencyKey: r.IdempotencyKey,
		AmountCents:    r.AmountCents,
		Currency:       r.Currency,
		SettlementRef:  r.SettlementRef,
		Steps:          marshalSteps(r.Steps),
		Error:          r.Error,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func marshalSteps(steps []domain.SagaStep) string {
	if len(steps) == 0 {
		return "[]"
	}
	b, err := json.Marshal(steps)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func nowUTC() time.Time { return time.Now().UTC() }
