// internal/service/order/domain/transition.go
package domain

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// DisputeWindow 是 completed 之后仍可发起争议的窗口。
const DisputeWindow = 7 * 24 * time.Hour

// 流转请求 metadata 的约定键。
const (
	MetaQuoteCents     = "quote_cents"
	MetaReason         = "reason"
	MetaPartnerID      = "partner_id"
	MetaResolution     = "resolution"
	MetaTargetStatus   = "target_status"
	MetaSettlementRef  = "settlement_ref"
	MetaNoShowFeeCents = "no_show_fee_cents"
	MetaNoShowCharged  = "no_show_fee_charged"
)

// TransitionRequest 描述一次流转请求。
type TransitionRequest struct {
	Action    Action
	ActorID   string
	ActorRole Role
	Metadata  map[string]string
	Now       time.Time
}

func (r *TransitionRequest) meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

func (r *TransitionRequest) metaInt64(key string) (int64, error) {
	raw := r.meta(key)
	if raw == "" {
		return 0, fmt.Errorf("missing %s metadata", key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s metadata %q", key, raw)
	}
	return v, nil
}

// ruleDef 是流转表的一行：(from, action) -> to，附带角色白名单和可选的
// 前置校验/副作用字段写入。to 依赖 metadata 时用 toFn（resolve_dispute）。
type ruleDef struct {
	from   Status
	action Action
	to     Status
	toFn   func(o *Order, req *TransitionRequest) (Status, error)
	roles  []Role
	guard  func(o *Order, req *TransitionRequest) error
	apply  func(o *Order, req *TransitionRequest) error
}

// Machine 按服务族持有流转表，是修改订单状态的唯一入口。
type Machine struct {
	tables map[Family]map[Status]map[Action]*ruleDef
}

// NewMachine 构建两族的流转表。
func NewMachine() *Machine {
	m := &Machine{tables: make(map[Family]map[Status]map[Action]*ruleDef)}
	for _, r := range pickupRules() {
		m.add(FamilyPickup, r)
	}
	for _, r := range onsiteRules() {
		m.add(FamilyOnsite, r)
	}
	return m
}

func (m *Machine) add(family Family, r ruleDef) {
	table, ok := m.tables[family]
	if !ok {
		table = make(map[Status]map[Action]*ruleDef)
		m.tables[family] = table
	}
	byAction, ok := table[r.from]
	if !ok {
		byAction = make(map[Action]*ruleDef)
		table[r.from] = byAction
	}
	rr := r
	byAction[r.action] = &rr
}

// Transition 校验并在内存中应用一次流转，返回要追加的审计事件。
// 失败时不产生任何副作用；版本号与持久化由仓储在同一事务里处理。
func (m *Machine) Transition(o *Order, req *TransitionRequest) (*OrderEvent, error) {
	if req.Now.IsZero() {
		req.Now = time.Now().UTC()
	}
	if _, ok := validRoles[req.ActorRole]; !ok {
		return nil, newTransitionError(ErrUnauthorizedRole, o, req, fmt.Sprintf("unknown role %q", req.ActorRole))
	}
	table, ok := m.tables[o.Family]
	if !ok {
		return nil, newTransitionError(ErrUnsupportedFamily, o, req, "")
	}
	if !KnownAction(o.Family, req.Action) {
		return nil, newTransitionError(ErrUnknownAction, o, req, "")
	}

	// force_status 是管理员逃生舱：任意状态（包括 unmapped legacy）都接受
	if req.Action == ActionForceStatus {
		return m.forceStatus(o, req)
	}
	if o.Status == StatusUnmapped {
		return nil, newTransitionError(ErrUnmappedStatus, o, req, "only force_status is accepted for unmapped legacy statuses")
	}

	rule, ok := table[o.Status][req.Action]
	if !ok {
		return nil, newTransitionError(ErrInvalidTransition, o, req, "")
	}
	if !roleAllowed(rule.roles, req.ActorRole) {
		return nil, newTransitionError(ErrUnauthorizedRole, o, req, "")
	}
	if rule.guard != nil {
		if err := rule.guard(o, req); err != nil {
			var te *TransitionError
			if errors.As(err, &te) {
				return nil, err
			}
			return nil, newTransitionError(ErrPreconditionFailed, o, req, err.Error())
		}
	}

	to := rule.to
	if rule.toFn != nil {
		var err error
		to, err = rule.toFn(o, req)
		if err != nil {
			return nil, newTransitionError(ErrPreconditionFailed, o, req, err.Error())
		}
	}

	from := o.Status
	if rule.apply != nil {
		if err := rule.apply(o, req); err != nil {
			return nil, newTransitionError(ErrPreconditionFailed, o, req, err.Error())
		}
	}
	o.Status = to
	o.RawStatus = string(to)
	o.UpdatedAt = req.Now

	return newOrderEvent(o, req, from, to), nil
}

// Allowed 判断当前状态下动作是否有对应流转边（不评估 guard）。
// 结算用它在扣款前确认 payment_completed 落得下去，避免钱扣了状态挂不上。
func (m *Machine) Allowed(o *Order, action Action) bool {
	table, ok := m.tables[o.Family]
	if !ok {
		return false
	}
	if o.Status == StatusUnmapped {
		return action == ActionForceStatus
	}
	if action == ActionForceStatus {
		return true
	}
	_, ok = table[o.Status][action]
	return ok
}

func (m *Machine) forceStatus(o *Order, req *TransitionRequest) (*OrderEvent, error) {
	if req.ActorRole != RoleAdmin {
		return nil, newTransitionError(ErrUnauthorizedRole, o, req, "force_status is administrator-only")
	}
	raw := req.meta(MetaTargetStatus)
	if raw == "" {
		return nil, newTransitionError(ErrPreconditionFailed, o, req, "missing target_status metadata")
	}
	schema, _ := SchemaFor(o.Family)
	target := Status(raw)
	if !schema.Contains(target) {
		return nil, newTransitionError(ErrPreconditionFailed, o, req,
			fmt.Sprintf("status %q is not a member of family %s schema v%d", raw, o.Family, schema.Version))
	}

	from := o.Status
	o.Status = target
	o.RawStatus = string(target)
	o.UpdatedAt = req.Now
	return newOrderEvent(o, req, from, target), nil
}

func roleAllowed(allowed []Role, role Role) bool {
	for _, r := range allowed {
		if r == role {
			return true
		}
	}
	return false
}

var allRoles = []Role{RoleCustomer, RolePartner, RoleAdmin, RoleSystem}

// --- pickup_delivery 族 ---
//
// awaiting_fulfillment -> picked_up -> at_facility -> quote_sent
//   -> awaiting_payment -> processing -> out_for_delivery -> delivered
// 取消边覆盖所有未支付的非终态。
func pickupRules() []ruleDef {
	rules := []ruleDef{
		{
			from: StatusAwaitingFulfillment, action: ActionPickup, to: StatusPickedUp,
			roles: []Role{RolePartner, RoleAdmin},
		},
		{
			from: StatusPickedUp, action: ActionArriveFacility, to: StatusAtFacility,
			roles: []Role{RolePartner, RoleAdmin},
		},
		{
			from: StatusAtFacility, action: ActionSendQuote, to: StatusQuoteSent,
			roles: []Role{RolePartner, RoleAdmin},
			guard: func(o *Order, req *TransitionRequest) error {
				cents, err := req.metaInt64(MetaQuoteCents)
				if err != nil {
					return err
				}
				if cents <= 0 {
					return fmt.Errorf("quote amount must be positive, got %d", cents)
				}
				return nil
			},
			apply: func(o *Order, req *TransitionRequest) error {
				cents, err := req.metaInt64(MetaQuoteCents)
				if err != nil {
					return err
				}
				o.InspectionQuoteCents = cents
				return nil
			},
		},
		{
			from: StatusQuoteSent, action: ActionAcceptQuote, to: StatusAwaitingPayment,
			roles: []Role{RoleCustomer, RoleAdmin},
			guard: func(o *Order, req *TransitionRequest) error {
				if o.SettlementAmountCents() <= 0 {
					return fmt.Errorf("no quote amount to accept")
				}
				return nil
			},
		},
		{
			from: StatusAwaitingPayment, action: ActionApproveQuote, to: StatusAwaitingPayment,
			roles: []Role{RoleAdmin},
			guard: guardApprovalPending,
			apply: applyApproval,
		},
		{
			from: StatusAwaitingPayment, action: ActionPaymentCompleted, to: StatusProcessing,
			roles: []Role{RoleSystem},
			guard: guardSettlementRef,
			apply: applyPaymentCompleted,
		},
		{
			from: StatusProcessing, action: ActionDispatchDelivery, to: StatusOutForDelivery,
			roles: []Role{RolePartner, RoleAdmin},
		},
		{
			from: StatusOutForDelivery, action: ActionDeliver, to: StatusDelivered,
			roles: []Role{RolePartner, RoleAdmin},
			apply: func(o *Order, req *TransitionRequest) error {
				t := req.Now.UTC()
				o.CompletedAt = &t
				return nil
			},
		},
	}

	// 取消：支付完成前的每个状态都可取消；processing 之后订单已扣款，不再接受
	for _, from := range []Status{
		StatusAwaitingFulfillment, StatusPickedUp, StatusAtFacility, StatusQuoteSent, StatusAwaitingPayment,
	} {
		rules = append(rules, ruleDef{
			from: from, action: ActionCancel, to: StatusCancelled,
			roles: allRoles,
			apply: applyCancel,
		})
	}
	return rules
}

// --- onsite_visit 族 ---
//
// awaiting_fulfillment -> assigned -> en_route -> on_site -> in_progress -> completed
// 分支：en_route -report_no_show-> no_show；in_progress/completed -open_dispute-> disputed；
// disputed 由管理员裁决为 completed 或 refunded。
func onsiteRules() []ruleDef {
	rules := []ruleDef{
		{
			from: StatusAwaitingFulfillment, action: ActionAssign, to: StatusAssigned,
			roles: []Role{RoleAdmin, RoleSystem},
			guard: func(o *Order, req *TransitionRequest) error {
				if req.meta(MetaPartnerID) == "" {
					return fmt.Errorf("missing partner_id metadata")
				}
				return nil
			},
			apply: func(o *Order, req *TransitionRequest) error {
				o.PartnerID = req.meta(MetaPartnerID)
				return nil
			},
		},
		{
			from: StatusAssigned, action: ActionStartRoute, to: StatusEnRoute,
			roles: []Role{RolePartner, RoleAdmin},
		},
		{
			from: StatusEnRoute, action: ActionArriveOnsite, to: StatusOnSite,
			roles: []Role{RolePartner, RoleAdmin},
		},
		{
			from: StatusOnSite, action: ActionBeginService, to: StatusInProgress,
			roles: []Role{RolePartner, RoleAdmin},
		},
		{
			from: StatusInProgress, action: ActionCompleteService, to: StatusCompleted,
			roles: []Role{RolePartner, RoleAdmin},
			apply: func(o *Order, req *TransitionRequest) error {
				t := req.Now.UTC()
				o.CompletedAt = &t
				return nil
			},
		},
		{
			from: StatusEnRoute, action: ActionReportNoShow, to: StatusNoShow,
			roles: []Role{RolePartner, RoleAdmin},
			apply: func(o *Order, req *TransitionRequest) error {
				// 费额由结算策略配置给出，流转只负责落字段
				if req.meta(MetaNoShowFeeCents) != "" {
					cents, err := req.metaInt64(MetaNoShowFeeCents)
					if err != nil {
						return err
					}
					o.NoShowFeeCents = cents
				}
				return nil
			},
		},
		{
			from: StatusInProgress, action: ActionOpenDispute, to: StatusDisputed,
			roles: []Role{RoleCustomer, RoleAdmin},
		},
		{
			from: StatusCompleted, action: ActionOpenDispute, to: StatusDisputed,
			roles: []Role{RoleCustomer, RoleAdmin},
			guard: func(o *Order, req *TransitionRequest) error {
				if o.CompletedAt == nil {
					return fmt.Errorf("completed order is missing its completion timestamp")
				}
				if req.Now.Sub(*o.CompletedAt) > DisputeWindow {
					return fmt.Errorf("dispute window of %s elapsed at %s",
						DisputeWindow, o.CompletedAt.Add(DisputeWindow).Format(time.RFC3339))
				}
				return nil
			},
		},
		{
			from: StatusDisputed, action: ActionResolveDispute,
			roles: []Role{RoleAdmin},
			toFn: func(o *Order, req *TransitionRequest) (Status, error) {
				switch req.meta(MetaResolution) {
				case string(StatusCompleted):
					return StatusCompleted, nil
				case string(StatusRefunded):
					return StatusRefunded, nil
				default:
					return "", fmt.Errorf("resolution metadata must be %q or %q", StatusCompleted, StatusRefunded)
				}
			},
		},
		{
			from: StatusCompleted, action: ActionApproveQuote, to: StatusCompleted,
			roles: []Role{RoleAdmin},
			guard: guardApprovalPending,
			apply: applyApproval,
		},
		{
			// 上门订单完成后对已存卡扣款，状态保持 completed，只落支付引用
			from: StatusCompleted, action: ActionPaymentCompleted, to: StatusCompleted,
			roles: []Role{RoleSystem},
			guard: guardSettlementRef,
			apply: applyPaymentCompleted,
		},
	}

	for _, from := range []Status{
		StatusAwaitingFulfillment, StatusAssigned, StatusEnRoute,
	} {
		rules = append(rules, ruleDef{
			from: from, action: ActionCancel, to: StatusCancelled,
			roles: allRoles,
			apply: applyCancel,
		})
	}
	// 服务已开始后只有管理员能取消
	for _, from := range []Status{StatusOnSite, StatusInProgress} {
		rules = append(rules, ruleDef{
			from: from, action: ActionCancel, to: StatusCancelled,
			roles: []Role{RoleAdmin},
			apply: applyCancel,
		})
	}
	return rules
}

func guardApprovalPending(o *Order, req *TransitionRequest) error {
	if !o.ApprovalRequired {
		return fmt.Errorf("order has no pending approval")
	}
	return nil
}

func applyApproval(o *Order, req *TransitionRequest) error {
	o.ApprovalRequired = false
	o.ApprovedBy = req.ActorID
	t := req.Now.UTC()
	o.ApprovedAt = &t
	return nil
}

func guardSettlementRef(o *Order, req *TransitionRequest) error {
	if req.meta(MetaSettlementRef) == "" {
		return fmt.Errorf("missing settlement_ref metadata")
	}
	return nil
}

func applyPaymentCompleted(o *Order, req *TransitionRequest) error {
	o.SettlementRef = req.meta(MetaSettlementRef)
	t := req.Now.UTC()
	o.PaymentCapturedAt = &t
	return nil
}

// applyCancel 记录取消原因；宽限期到期的系统取消还会带上未到场费落账字段。
func applyCancel(o *Order, req *TransitionRequest) error {
	o.CancelReason = req.meta(MetaReason)
	if req.meta(MetaNoShowFeeCents) != "" {
		cents, err := req.metaInt64(MetaNoShowFeeCents)
		if err != nil {
			return err
		}
		o.NoShowFeeCents = cents
	}
	if req.meta(MetaNoShowCharged) == "true" {
		o.NoShowFeeCharged = true
		t := req.Now.UTC()
		o.NoShowChargedAt = &t
	}
	if ref := req.meta(MetaSettlementRef); ref != "" && o.SettlementRef == "" {
		o.SettlementRef = ref
	}
	return nil
}
