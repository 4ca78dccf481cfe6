// internal/service/order/infrastructure/models.go
package infrastructure

import "time"

// OrderModel 是 Order 聚合在数据库中的表示。
// status 列存原始状态串，读出时再做 schema 映射，这样老数据里
// 未收录的状态不会在存储层丢失。
type OrderModel struct {
	ID        string `gorm:"primaryKey;size:64"`
	Family    string `gorm:"size:32;index"`
	Status    string `gorm:"size:64"`
	RawStatus string `gorm:"size:64"`

	CustomerID string `gorm:"size:64;index"`
	PartnerID  string `gorm:"size:64"`

	Currency             string `gorm:"size:8"`
	SubtotalCents        int64
	TaxCents             int64
	FeeCents             int64
	TotalCents           int64
	QuoteTotalCents      int64
	InspectionQuoteCents int64

	ProcessorCustomerRef string `gorm:"size:128"`
	PaymentMethodRef     string `gorm:"size:128"`
	SettlementRef        string `gorm:"size:128"`
	PaymentMethodSavedAt *time.Time
	PaymentCapturedAt    *time.Time
	PaymentFailedAt      *time.Time

	ApprovalRequired bool
	ApprovedBy       string `gorm:"size:64"`
	ApprovedAt       *time.Time

	NoShowFeeCents   int64
	NoShowFeeCharged bool
	NoShowChargedAt  *time.Time

	CancelReason string `gorm:"size:255"`
	CompletedAt  *time.Time

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (OrderModel) TableName() string {
	return "orders"
}

// OrderEventModel 是审计台账的一行。只插入，永不 UPDATE/DELETE。
type OrderEventModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	OrderID    string `gorm:"size:64;index"`
	Action     string `gorm:"size:32"`
	ActorID    string `gorm:"size:64"`
	ActorRole  string `gorm:"size:16"`
	FromStatus string `gorm:"size:64"`
	ToStatus   string `gorm:"size:64"`
	Metadata   string `gorm:"type:json"`
	CreatedAt  time.Time
}

func (OrderEventModel) TableName() string {
	return "order_events"
}

// ProcessorEventModel 是幂等台账的一行。external_event_id 上的唯一索引
// 就是判重本身：插入成功即首次见到，撞索引即重复投递。
type ProcessorEventModel struct {
	ID              int64  `gorm:"primaryKey;autoIncrement"`
	ExternalEventID string `gorm:"size:128;uniqueIndex"`
	EventType       string `gorm:"size:64"`
	Payload         string `gorm:"type:json"`
	CreatedAt       time.Time
}

func (ProcessorEventModel) TableName() string {
	return "processor_events"
}

// PaymentRetryLogModel 是一条重试计划。
// resolved_at 为空的行才是活跃工作项，扫描都带这个条件。
type PaymentRetryLogModel struct {
	ID            int64      `gorm:"primaryKey;autoIncrement"`
	OrderID       string     `gorm:"size:64;index"`
	ErrorCode     string     `gorm:"size:64"`
	ErrorMessage  string     `gorm:"size:255"`
	RetryAt       time.Time  `gorm:"index"`
	GraceDeadline time.Time  `gorm:"index"`
	ResolvedAt    *time.Time
	CreatedAt     time.Time
}

func (PaymentRetryLogModel) TableName() string {
	return "payment_retry_log"
}

// PaymentSagaModel 是一次结算尝试。(order_id, idempotency_key) 唯一，
// 并发同键创建只有一个能赢，输家读回赢家的记录。
type PaymentSagaModel struct {
	ID             string `gorm:"primaryKey;size:64"`
	OrderID        string `gorm:"size:64;uniqueIndex:uniq_order_idem_key"`
	Type           string `gorm:"size:32"`
	Status         string `gorm:"size:16;index"`
	IdempotencyKey string `gorm:"size:128;uniqueIndex:uniq_order_idem_key"`
	AmountCents    int64
	Currency       string `gorm:"size:8"`
	SettlementRef  string `gorm:"size:128"`
	Steps          string `gorm:"type:json"`
	Error          string `gorm:"size:512"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (PaymentSagaModel) TableName() string {
	return "payment_sagas"
}

// AllModels 供 AutoMigrate 一次性建表。
func AllModels() []interface{} {
	return []interface{}{
		&OrderModel{},
		&OrderEventModel{},
		&ProcessorEventModel{},
		&PaymentRetryLogModel{},
		&PaymentSagaModel{},
	}
}
