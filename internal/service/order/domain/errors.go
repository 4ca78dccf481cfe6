// internal/service/order/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

// 状态机与结算的错误分类。调用方用 errors.Is 分支，
// 验证类错误同步返回且不自动重试，并发冲突类由调用方重读后重试。
var (
	ErrOrderNotFound      = errors.New("order not found")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrUnauthorizedRole   = errors.New("actor role not permitted for this action")
	ErrPreconditionFailed = errors.New("transition precondition failed")
	ErrUnknownAction      = errors.New("unknown action")
	ErrUnsupportedFamily  = errors.New("unsupported service family")
	ErrUnmappedStatus     = errors.New("order carries an unmapped legacy status")
	ErrStaleVersion       = errors.New("stale order version")

	// ErrApprovalRequired 不是失败：结算被审批闸口挡下，等管理员签字。
	ErrApprovalRequired = errors.New("settlement deferred pending administrator approval")

	// ErrDuplicateEvent 不是失败：外部事件已处理过，本次调用是刻意的 no-op。
	ErrDuplicateEvent = errors.New("processor event already processed")
)

// TransitionError 在分类错误外附带流转现场，错误信息可直接回给调用方。
type TransitionError struct {
	Err    error
	Family Family
	Status Status
	Action Action
	Role   Role
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("%v: family=%s status=%s action=%s role=%s", e.Err, e.Family, e.Status, e.Action, e.Role)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return e.Err }

func newTransitionError(err error, o *Order, req *TransitionRequest, reason string) *TransitionError {
	te := &TransitionError{Err: err, Reason: reason}
	if o != nil {
		te.Family = o.Family
		te.Status = o.Status
	}
	if req != nil {
		te.Action = req.Action
		te.Role = req.ActorRole
	}
	return te
}
