package port

import (
	"context"
	"fmt"
)

// ChargeRequest 指示处理商对客户的已存支付方式扣款。
// IdempotencyKey 原样透传给处理商：同 key 的重复请求不会重复扣款。
type ChargeRequest struct {
	OrderID          string
	CustomerRef      string
	PaymentMethodRef string
	AmountCents      int64
	Currency         string
	IdempotencyKey   string
	Description      string
}

// ChargeResult 是处理商的成功应答。
type ChargeResult struct {
	SettlementRef string
}

// ProcessorError 是处理商的失败应答。Retryable 区分两类失败：
// 网络抖动、余额不足这类值得重试；卡已注销这类重试也没用。
type ProcessorError struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("payment processor rejected charge: %s (%s)", e.Message, e.Code)
}

// PaymentProcessor 是支付处理商的出站端口。
// 应用层通过此接口发起扣款，具体的 HTTP 细节由基础设施层实现。
type PaymentProcessor interface {
	// Charge 对已存支付方式发起一次扣款。
	// 失败时返回 *ProcessorError，调用方按 Retryable 决定后续动作。
	Charge(ctx context.Context, req *ChargeRequest) (*ChargeResult, error)

	// Refund 退回一笔已成功的扣款，是 saga 补偿路径专用：
	// 钱已扣但结果落库失败时把钱退回去。
	Refund(ctx context.Context, settlementRef string, amountCents int64) error
}
