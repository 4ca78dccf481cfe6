// internal/service/order/domain/status.go
package domain

// Family 标识订单所属的服务族，两族共用一套状态机机制、各有各的流转表。
type Family string

const (
	// FamilyPickup 取件-处理-配送类订单
	FamilyPickup Family = "pickup_delivery"
	// FamilyOnsite 上门服务类订单
	FamilyOnsite Family = "onsite_visit"
)

// Status 是订单生命周期状态。合法取值由所属服务族的 StatusSchema 限定，
// 存储中出现的陌生值一律映射为 StatusUnmapped，绝不静默匹配。
type Status string

const (
	// 两族共享的初始与取消态
	StatusAwaitingFulfillment Status = "awaiting_fulfillment"
	StatusCancelled           Status = "cancelled"

	// pickup_delivery 族
	StatusPickedUp        Status = "picked_up"
	StatusAtFacility      Status = "at_facility"
	StatusQuoteSent       Status = "quote_sent"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusProcessing      Status = "processing"
	StatusOutForDelivery  Status = "out_for_delivery"
	StatusDelivered       Status = "delivered"

	// onsite_visit 族
	StatusAssigned   Status = "assigned"
	StatusEnRoute    Status = "en_route"
	StatusOnSite     Status = "on_site"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusNoShow     Status = "no_show"
	StatusDisputed   Status = "disputed"
	StatusRefunded   Status = "refunded"

	// StatusUnmapped 表示存量数据里留下的、当前 schema 不认识的状态值。
	// 处于该状态的订单只接受管理员 force_status 救援。
	StatusUnmapped Status = "unmapped_legacy"
)

// StatusSchema 是一个服务族的状态集合，带显式版本号。
// 新增状态必须 bump Version 并同步迁移，避免单一全局枚举的无序膨胀。
type StatusSchema struct {
	Family  Family
	Version int
	members map[Status]struct{}
}

func newStatusSchema(family Family, version int, members ...Status) StatusSchema {
	set := make(map[Status]struct{}, len(members))
	for _, m := range members {
		set[m] = struct{}{}
	}
	return StatusSchema{Family: family, Version: version, members: set}
}

// Contains 判断状态是否属于该族的合法集合。
func (s StatusSchema) Contains(status Status) bool {
	_, ok := s.members[status]
	return ok
}

// Members 返回集合的拷贝，供校验与测试枚举。
func (s StatusSchema) Members() []Status {
	out := make([]Status, 0, len(s.members))
	for m := range s.members {
		out = append(out, m)
	}
	return out
}

var statusSchemas = map[Family]StatusSchema{
	FamilyPickup: newStatusSchema(FamilyPickup, 1,
		StatusAwaitingFulfillment,
		StatusPickedUp,
		StatusAtFacility,
		StatusQuoteSent,
		StatusAwaitingPayment,
		StatusProcessing,
		StatusOutForDelivery,
		StatusDelivered,
		StatusCancelled,
	),
	FamilyOnsite: newStatusSchema(FamilyOnsite, 1,
		StatusAwaitingFulfillment,
		StatusAssigned,
		StatusEnRoute,
		StatusOnSite,
		StatusInProgress,
		StatusCompleted,
		StatusNoShow,
		StatusDisputed,
		StatusRefunded,
		StatusCancelled,
	),
}

// SchemaFor 返回服务族的状态 schema。
func SchemaFor(family Family) (StatusSchema, bool) {
	s, ok := statusSchemas[family]
	return s, ok
}

// ParseFamily 校验服务族取值。
func ParseFamily(raw string) (Family, error) {
	f := Family(raw)
	if _, ok := statusSchemas[f]; !ok {
		return "", ErrUnsupportedFamily
	}
	return f, nil
}

// ParseStatus 将存储层的原始状态值映射为该族的状态。
// 不在 schema 里的值返回 StatusUnmapped，原始串由调用方保留在 Order.RawStatus。
func ParseStatus(family Family, raw string) Status {
	schema, ok := statusSchemas[family]
	if !ok {
		return StatusUnmapped
	}
	status := Status(raw)
	if !schema.Contains(status) {
		return StatusUnmapped
	}
	return status
}

// 终态集合。completed 在争议窗口内仍接受 open_dispute，由流转表表达。
var terminalStatuses = map[Family]map[Status]struct{}{
	FamilyPickup: {
		StatusDelivered: {},
		StatusCancelled: {},
	},
	FamilyOnsite: {
		StatusCompleted: {},
		StatusNoShow:    {},
		StatusRefunded:  {},
		StatusCancelled: {},
	},
}

// IsTerminalStatus 判断状态是否为该族的终态。
func IsTerminalStatus(family Family, status Status) bool {
	set, ok := terminalStatuses[family]
	if !ok {
		return false
	}
	_, terminal := set[status]
	return terminal
}
