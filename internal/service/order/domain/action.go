// internal/service/order/domain/action.go
package domain

// Role 是发起流转的操作者角色。
type Role string

const (
	RoleCustomer Role = "customer"
	RolePartner  Role = "partner" // 履约伙伴（取送员/上门技师）
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system" // 结算 saga、重试调度等内部调用
)

var validRoles = map[Role]struct{}{
	RoleCustomer: {},
	RolePartner:  {},
	RoleAdmin:    {},
	RoleSystem:   {},
}

// ParseRole 校验角色取值。
func ParseRole(raw string) (Role, error) {
	r := Role(raw)
	if _, ok := validRoles[r]; !ok {
		return "", ErrUnauthorizedRole
	}
	return r, nil
}

// Action 是状态机的动作词汇。词汇按服务族固定枚举，不可配置。
type Action string

const (
	// pickup_delivery 族
	ActionPickup           Action = "pickup"
	ActionArriveFacility   Action = "arrive_facility"
	ActionSendQuote        Action = "send_quote"
	ActionAcceptQuote      Action = "accept_quote"
	ActionDispatchDelivery Action = "dispatch_delivery"
	ActionDeliver          Action = "deliver"

	// onsite_visit 族
	ActionAssign          Action = "assign"
	ActionStartRoute      Action = "start_route"
	ActionArriveOnsite    Action = "arrive_onsite"
	ActionBeginService    Action = "begin_service"
	ActionCompleteService Action = "complete_service"
	ActionReportNoShow    Action = "report_no_show"
	ActionOpenDispute     Action = "open_dispute"
	ActionResolveDispute  Action = "resolve_dispute"

	// 两族共享
	ActionPaymentCompleted Action = "payment_completed"
	ActionApproveQuote     Action = "approve_quote"
	ActionForceStatus      Action = "force_status"
	ActionCancel           Action = "cancel"
)

// 每个服务族的动作词汇。不在词汇表里的动作返回 ErrUnknownAction，
// 与"动作在表里但当前状态不接受"(ErrInvalidTransition) 区分开。
var actionVocabulary = map[Family]map[Action]struct{}{
	FamilyPickup: {
		ActionPickup:           {},
		ActionArriveFacility:   {},
		ActionSendQuote:        {},
		ActionAcceptQuote:      {},
		ActionDispatchDelivery: {},
		ActionDeliver:          {},
		ActionPaymentCompleted: {},
		ActionApproveQuote:     {},
		ActionForceStatus:      {},
		ActionCancel:           {},
	},
	FamilyOnsite: {
		ActionAssign:           {},
		ActionStartRoute:       {},
		ActionArriveOnsite:     {},
		ActionBeginService:     {},
		ActionCompleteService:  {},
		ActionReportNoShow:     {},
		ActionOpenDispute:      {},
		ActionResolveDispute:   {},
		ActionPaymentCompleted: {},
		ActionApproveQuote:     {},
		ActionForceStatus:      {},
		ActionCancel:           {},
	},
}

// KnownAction 判断动作是否属于该族的词汇表。
func KnownAction(family Family, action Action) bool {
	vocab, ok := actionVocabulary[family]
	if !ok {
		return false
	}
	_, known := vocab[action]
	return known
}
