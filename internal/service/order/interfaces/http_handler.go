// internal/service/order/interfaces/http_handler.go
package interfaces

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"fulcrum/internal/pkg/logger"
	"fulcrum/internal/service/order/application"
	"fulcrum/internal/service/order/application/saga"
	"fulcrum/internal/service/order/domain"
)

const serviceName = "order-service"

// 客户侧显式结算请求的幂等键来自这个头；缺省时由服务端按订单版本派生。
const idempotencyKeyHeader = "Idempotency-Key"

// OrderHandler 封装了订单服务的 HTTP 处理器。
type OrderHandler struct {
	service    *application.OrderApplicationService
	settlement *application.SettlementService
	jwtSecret  string
}

// NewOrderHandler 创建一个新的 HTTP 处理器实例。
func NewOrderHandler(service *application.OrderApplicationService, settlement *application.SettlementService, jwtSecret string) *OrderHandler {
	return &OrderHandler{service: service, settlement: settlement, jwtSecret: jwtSecret}
}

// RegisterRoutes 在 chi 路由器上注册所有订单路由。
// /api 下的全部路由都要求已验证的 Bearer JWT。
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/orders", func(r chi.Router) {
		r.Use(AuthMiddleware(h.jwtSecret))
		r.Post("/", h.createOrder)
		r.Get("/{orderID}", h.getOrder)
		r.Get("/{orderID}/events", h.listEvents)
		r.Post("/{orderID}/transitions", h.transition)
		r.Post("/{orderID}/settle", h.settle)
		r.Post("/{orderID}/approve", h.approve)
	})
}

// createOrder 处理预约协作方的建单请求。客户角色不能直接建单。
func (h *OrderHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.CreateOrder")
	defer span.End()

	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role == string(domain.RoleCustomer) {
		writeError(w, http.StatusForbidden, "order creation is reserved for booking collaborators")
		return
	}

	var req application.CreateOrderRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	view, err := h.service.CreateOrder(ctx, &req)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	span.SetAttributes(attribute.String("order.id", view.OrderID))
	writeJSON(w, http.StatusCreated, view)
}

func (h *OrderHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.GetOrder")
	defer span.End()

	view, err := h.service.GetOrder(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *OrderHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.ListOrderEvents")
	defer span.End()

	events, err := h.service.ListEvents(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

type transitionRequestBody struct {
	Action   string            `json:"action"`
	Metadata map[string]string `json:"metadata"`
}

// transition 执行一次状态流转。操作者身份一律取自令牌。
func (h *OrderHandler) transition(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.TransitionOrder")
	defer span.End()

	actor, ok := ActorFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor identity")
		return
	}

	var body transitionRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	orderID := chi.URLParam(r, "orderID")
	span.SetAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.action", body.Action),
		attribute.String("actor.role", actor.Role),
	)

	view, err := h.service.Transition(ctx, &application.TransitionCommand{
		OrderID:   orderID,
		Action:    body.Action,
		ActorID:   actor.ID,
		ActorRole: actor.Role,
		Metadata:  body.Metadata,
	})
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// settle 处理客户显式发起的结算。幂等键优先取请求头，
// 同一个键重试拿到的是同一次结算的结果。
func (h *OrderHandler) settle(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.SettleOrder")
	defer span.End()

	actor, ok := ActorFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor identity")
		return
	}
	if actor.Role == string(domain.RolePartner) {
		writeError(w, http.StatusForbidden, "partners cannot trigger settlement")
		return
	}

	orderID := chi.URLParam(r, "orderID")
	key := r.Header.Get(idempotencyKeyHeader)
	if key == "" {
		view, err := h.service.GetOrder(ctx, orderID)
		if err != nil {
			h.writeDomainError(ctx, w, err)
			return
		}
		key = application.DerivedAPIKey(orderID, view.Version)
	}

	span.SetAttributes(attribute.String("order.id", orderID))

	result, err := h.settlement.Settle(ctx, &application.SettleCommand{
		OrderID:        orderID,
		IdempotencyKey: key,
		Trigger:        application.TriggerAPI,
		ActorID:        actor.ID,
	})
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, settleStatus(result), result)
}

// approve 是 approve_quote 流转的语法糖：管理员签字并重触发结算。
func (h *OrderHandler) approve(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.startSpan(r, "http.ApproveOrder")
	defer span.End()

	actor, ok := ActorFromContext(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing actor identity")
		return
	}

	view, err := h.service.Transition(ctx, &application.TransitionCommand{
		OrderID:   chi.URLParam(r, "orderID"),
		Action:    string(domain.ActionApproveQuote),
		ActorID:   actor.ID,
		ActorRole: actor.Role,
	})
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *OrderHandler) startSpan(r *http.Request, name string) (context.Context, trace.Span) {
	propagator := otel.GetTextMapPropagator()
	ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	return otel.Tracer(serviceName).Start(ctx, name)
}

func (h *OrderHandler) writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	logger.Ctx(ctx).Warn().Err(err).Msg("⚠️ request rejected")
	writeError(w, statusForError(err), err.Error())
}

// statusForError 把领域错误映射到 HTTP 状态码。
func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorizedRole):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrPreconditionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStaleVersion), errors.Is(err, saga.ErrSettlementBusy):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrUnknownAction),
		errors.Is(err, domain.ErrUnmappedStatus), errors.Is(err, domain.ErrUnsupportedFamily):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// settleStatus 结算应答的状态码：排期重试/等审批也算受理成功。
func settleStatus(res *application.SettlementResult) int {
	switch res.Outcome {
	case application.SettlementFailed:
		return http.StatusPaymentRequired
	case application.SettlementInProgress:
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
