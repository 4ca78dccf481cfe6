// internal/service/order/infrastructure/adapter/processor_http_adapter.go
package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"fulcrum/internal/pkg/httpclient"
	"fulcrum/internal/service/order/domain/port"
)

const (
	chargePath = "/v1/charges"
	refundPath = "/v1/refunds"

	idempotencyKeyHeader = "Idempotency-Key"
)

// ProcessorHTTPAdapter 是 port.PaymentProcessor 接口的 HTTP 实现。
// 幂等键放在请求头里透传，处理商侧同键请求返回首次的结果。
type ProcessorHTTPAdapter struct {
	client  *httpclient.Client
	baseURL string
	apiKey  string
}

// NewProcessorHTTPAdapter 创建一个新的支付处理商适配器实例。
func NewProcessorHTTPAdapter(client *httpclient.Client, baseURL, apiKey string) *ProcessorHTTPAdapter {
	return &ProcessorHTTPAdapter{client: client, baseURL: baseURL, apiKey: apiKey}
}

type chargeRequestBody struct {
	OrderID          string `json:"orderId"`
	CustomerRef      string `json:"customerRef"`
	PaymentMethodRef string `json:"paymentMethodRef"`
	AmountCents      int64  `json:"amountCents"`
	Currency         string `json:"currency"`
	Description      string `json:"description,omitempty"`
}

type chargeResponseBody struct {
	SettlementRef string `json:"settlementRef"`
}

type processorErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Charge 实现了调用处理商扣款接口的逻辑。
// 失败统一收敛为 *port.ProcessorError，应用层据 Retryable 决定排重试还是放弃。
func (a *ProcessorHTTPAdapter) Charge(ctx context.Context, req *port.ChargeRequest) (*port.ChargeResult, error) {
	body := chargeRequestBody{
		OrderID:          req.OrderID,
		CustomerRef:      req.CustomerRef,
		PaymentMethodRef: req.PaymentMethodRef,
		AmountCents:      req.AmountCents,
		Currency:         req.Currency,
		Description:      req.Description,
	}

	var resp chargeResponseBody
	err := a.client.PostJSON(ctx, a.baseURL+chargePath, a.headers(req.IdempotencyKey), body, &resp)
	if err != nil {
		return nil, toProcessorError(err)
	}
	if resp.SettlementRef == "" {
		return nil, &port.ProcessorError{
			Code:      "malformed_response",
			Message:   "processor returned success without a settlement reference",
			Retryable: false,
		}
	}
	return &port.ChargeResult{SettlementRef: resp.SettlementRef}, nil
}

// Refund 实现了调用处理商退款接口的逻辑。
func (a *ProcessorHTTPAdapter) Refund(ctx context.Context, settlementRef string, amountCents int64) error {
	body := map[string]interface{}{
		"settlementRef": settlementRef,
		"amountCents":   amountCents,
	}
	refundKey := fmt.Sprintf("refund:%s", settlementRef)
	if err := a.client.PostJSON(ctx, a.baseURL+refundPath, a.headers(refundKey), body, nil); err != nil {
		return toProcessorError(err)
	}
	return nil
}

func (a *ProcessorHTTPAdapter) headers(idempotencyKey string) map[string]string {
	return map[string]string{
		"Authorization":      "Bearer " + a.apiKey,
		idempotencyKeyHeader: idempotencyKey,
	}
}

// toProcessorError 将传输层错误收敛为 *port.ProcessorError。
// 网络错误一律可重试：请求可能已送达，但幂等键保证重发不会重复扣款。
func toProcessorError(err error) error {
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		return &port.ProcessorError{
			Code:      "network_error",
			Message:   err.Error(),
			Retryable: true,
		}
	}

	var body processorErrorBody
	_ = json.Unmarshal(statusErr.Body, &body)
	if body.Code == "" {
		body.Code = fmt.Sprintf("http_%d", statusErr.StatusCode)
	}
	if body.Message == "" {
		body.Message = http.StatusText(statusErr.StatusCode)
	}

	return &port.ProcessorError{
		Code:      body.Code,
		Message:   body.Message,
		Retryable: retryableStatus(statusErr.StatusCode),
	}
}

// retryableStatus 按状态码分类失败语义：
//   - 402 扣款被拒（余额不足等），客户补救后重试有意义
//   - 409/429 处理商侧冲突或限流，稍后重试
//   - 5xx 处理商故障
//
// 其余 4xx 是请求本身的问题，重试不会有不同结果。
func retryableStatus(status int) bool {
	switch {
	case status == http.StatusPaymentRequired:
		return true
	case status == http.StatusConflict:
		return true
	case status == http.StatusTooManyRequests:
		return true
	case status >= 500:
		return true
	default:
		return false
	}
}
