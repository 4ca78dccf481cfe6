package port

import (
	"context"
	"time"
)

// Notifier 是用户通知的出站端口。全部尽力而为：
// 通知失败只记日志，绝不让结算流程失败。
type Notifier interface {
	// SendPaymentRetryNotice 告知用户扣款失败以及下次重试时间。
	SendPaymentRetryNotice(ctx context.Context, orderID, customerID string, retryAt time.Time) error

	// SendSettlementSucceeded 告知用户扣款成功。
	SendSettlementSucceeded(ctx context.Context, orderID, customerID string, amountCents int64) error

	// SendGraceCancellation 告知用户订单因宽限期内未能完成支付而被取消。
	SendGraceCancellation(ctx context.Context, orderID, customerID string, feeCents int64) error

	Close() error
}
