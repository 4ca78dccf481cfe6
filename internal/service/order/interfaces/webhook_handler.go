// internal/service/order/interfaces/webhook_handler.go
package interfaces

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"fulcrum/internal/pkg/logger"
	"fulcrum/internal/service/order/application"
	"fulcrum/internal/service/order/domain"
	"fulcrum/internal/service/order/domain/port"
)

// SignatureHeader 携带处理商对原始请求体的 HMAC-SHA256 十六进制签名。
const SignatureHeader = "X-Fulcrum-Signature"

// WebhookHandler 接收支付处理商的回调。
// 鉴权凭签名而不是 JWT；重复事件应答 200，处理商才会停止重投。
type WebhookHandler struct {
	settlement *application.SettlementService
	verifier   port.SignatureVerifier
	limiter    *rate.Limiter
}

// NewWebhookHandler 创建一个新的 webhook 处理器实例。
func NewWebhookHandler(settlement *application.SettlementService, verifier port.SignatureVerifier, limiter *rate.Limiter) *WebhookHandler {
	return &WebhookHandler{settlement: settlement, verifier: verifier, limiter: limiter}
}

// RegisterRoutes 注册 webhook 路由。
func (h *WebhookHandler) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		if h.limiter != nil {
			r.Use(RateLimitMiddleware(h.limiter))
		}
		r.Post("/payment", h.handlePaymentEvent)
	})
}

func (h *WebhookHandler) handlePaymentEvent(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer(serviceName).Start(r.Context(), "webhook.PaymentEvent")
	defer span.End()

	payload, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	// 签名先于一切解析
	if err := h.verifier.Verify(payload, r.Header.Get(SignatureHeader)); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("⚠️ rejected webhook with bad signature")
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	var event domain.ProcessorEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		writeError(w, http.StatusBadRequest, "malformed event payload")
		return
	}
	if event.ID == "" || event.Type == "" {
		writeError(w, http.StatusBadRequest, "event id and type are required")
		return
	}

	span.SetAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", event.Type),
		attribute.String("order.id", event.Data.OrderID),
	)

	if err := h.settlement.HandleProcessorEvent(ctx, &event, payload); err != nil {
		if errors.Is(err, domain.ErrDuplicateEvent) {
			// 重复投递是常态：应答成功，处理商才会停手
			writeJSON(w, http.StatusOK, map[string]interface{}{"received": true, "duplicate": true})
			return
		}
		span.RecordError(err)
		logger.Ctx(ctx).Error().Err(err).Str("event_id", event.ID).Msg("🛑 webhook processing failed")
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"received": true})
}
