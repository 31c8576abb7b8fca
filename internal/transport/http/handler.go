// Package httptransport содержит REST API сервиса заказов.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/fulfillment/internal/domain"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
)

// IdempotencyKeyHeader — заголовок с ключом идемпотентности.
const IdempotencyKeyHeader = "X-Idempotency-Key"

// OrderUseCase — операции заказа, доступные через API.
type OrderUseCase interface {
	CreateOrder(ctx context.Context, cmd order.CreateOrderCommand) (order.CreateOrderOutcome, error)
	GetOrder(id string) (domain.OrderResult, error)
}

// Handler обслуживает /api/orders.
type Handler struct {
	orders   OrderUseCase
	validate *validator.Validate
	logger   *log.Entry
	active   *ActiveRequests
}

// NewHandler создает обработчик. active может быть nil.
func NewHandler(orders OrderUseCase, active *ActiveRequests, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	return &Handler{
		orders:   orders,
		validate: newValidator(),
		logger:   logger,
		active:   active,
	}
}

// Routes возвращает chi router с API и служебными middleware.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(h.logger))
	if h.active != nil {
		r.Use(h.active.Middleware)
	}

	r.Route("/api/orders", func(r chi.Router) {
		r.Post("/", h.createOrder)
		r.Get("/{orderID}", h.getOrder)
	})
	return r
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	req, err := decodeCreateOrder(r, h.validate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	cmd, err := req.toCommand(strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	outcome, err := h.orders.CreateOrder(r.Context(), cmd)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set(IdempotencyKeyHeader, outcome.IdempotencyKey)

	status := http.StatusCreated
	switch {
	case outcome.Replayed:
		status = http.StatusOK
	case outcome.Result.Failed():
		status = failureStatus(outcome.Result.Cause)
	}
	writeJSON(w, status, outcome.Result)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	result, err := h.orders.GetOrder(chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Service   string    `json:"service,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := mapError(err)
	entry := h.logger.WithError(err).WithFields(log.Fields{
		"path":   r.URL.Path,
		"status": status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	writeJSON(w, status, body)
}

func mapError(err error) (int, errorResponse) {
	body := errorResponse{Message: err.Error(), Timestamp: time.Now().UTC()}

	var (
		validation  *domain.ValidationError
		business    *domain.BusinessError
		unavailable *domain.ServiceUnavailableError
		nonRetry    *domain.NonRetryableServiceError
	)
	switch {
	case errors.As(err, &validation):
		body.Error = "INVALID_REQUEST"
		return http.StatusBadRequest, body
	case errors.Is(err, domain.ErrOrderNotFound):
		body.Error = "ORDER_NOT_FOUND"
		return http.StatusNotFound, body
	case errors.As(err, &business):
		body.Error = business.Code
		body.Message = business.Message
		return http.StatusConflict, body
	case errors.As(err, &unavailable):
		body.Error = "SERVICE_UNAVAILABLE"
		body.Service = unavailable.Service
		return http.StatusServiceUnavailable, body
	case errors.As(err, &nonRetry):
		body.Error = "SERVICE_ERROR"
		body.Service = nonRetry.Service
		return http.StatusBadGateway, body
	default:
		body.Error = "INTERNAL_ERROR"
		body.Message = "An unexpected error occurred"
		return http.StatusInternalServerError, body
	}
}

// failureStatus выбирает код для неуспешного заказа: тело ответа при этом остаётся OrderResult.
func failureStatus(cause error) int {
	var (
		business *domain.BusinessError
		nonRetry *domain.NonRetryableServiceError
	)
	switch {
	case errors.As(cause, &business):
		return http.StatusConflict
	case errors.As(cause, &nonRetry):
		return http.StatusBadGateway
	default:
		return http.StatusServiceUnavailable
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
