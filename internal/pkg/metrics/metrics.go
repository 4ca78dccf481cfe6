// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 订单与结算核心指标。与 /metrics 端点一起由 promhttp 暴露。
var (
	// OrderTransitions 按 (family, action, result) 统计状态机流转。
	// result 取值: success / invalid / unauthorized / precondition / conflict / error
	OrderTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of order state machine transitions.",
	}, []string{"family", "action", "result"})

	// SettlementAttempts 按触发来源统计结算尝试。
	// trigger 取值: api / auto / approval / retry / webhook
	SettlementAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settlement_attempts_total",
		Help: "Total number of payment settlement attempts.",
	}, []string{"trigger", "result"})

	// ProcessorEvents 统计处理器回调事件，duplicate 标记幂等台账命中。
	ProcessorEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "processor_events_total",
		Help: "Total number of payment processor webhook events received.",
	}, []string{"type", "duplicate"})

	// PaymentRetriesDue 统计到期重试扫描的处理结果。
	// outcome 取值: recovered / rescheduled / deferred / failed / obsolete / busy / error
	PaymentRetriesDue = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_retry_due_total",
		Help: "Total number of due payment retry log entries processed.",
	}, []string{"outcome"})

	// GraceExpirations 统计宽限期到期并收取未到场费用的次数。
	GraceExpirations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "grace_expirations_total",
		Help: "Total number of orders cancelled after the payment grace window elapsed.",
	})

	// WebsocketConnections 是 push-gateway 单节点上的活跃长连接数。
	WebsocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "push_gateway_connections",
		Help: "Number of active websocket connections on this gateway node.",
	})

	// NotificationsPushed 按投递结果统计网关推送。
	// result 取值: delivered / offline / backpressure
	NotificationsPushed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "push_gateway_notifications_total",
		Help: "Total number of notification events handled by this gateway node.",
	}, []string{"result"})
)
