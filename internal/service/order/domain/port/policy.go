package port

import "context"

// ApprovalPolicy 判断报价偏离预估多少时需要人工审批。
// 规则是一段可热更的表达式，变量为 quote 与 estimate（均为分）。
type ApprovalPolicy interface {
	// RequiresApproval 返回 true 表示结算必须先经管理员审批。
	// estimate 为 0 时视为没有预估、直接放行。
	RequiresApproval(ctx context.Context, quoteCents, estimateCents int64) (bool, error)
}
