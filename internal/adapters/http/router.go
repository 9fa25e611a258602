package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"fulfillment/internal/inventory"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/resilience"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// OrderService defines the behavior needed by the HTTP adapter.
type OrderService interface {
	CreateOrder(ctx context.Context, idempotencyKey string, items []orders.LineItem) (saga.OrderView, error)
	ConfirmPayment(ctx context.Context, orderID string) (saga.OrderView, error)
	CancelOrder(ctx context.Context, orderID string, reason orders.Reason) (saga.OrderView, error)
	GetOrderStatus(ctx context.Context, orderID string) (saga.OrderView, error)
}

// Options carries the optional handlers mounted next to the order API. Nil
// handlers are not mounted.
type Options struct {
	Webhook    http.Handler
	Realtime   http.Handler
	Metrics    *observability.Metrics
	Prometheus *observability.Collector
	// Ready reports readiness for /readyz. Nil means always ready.
	Ready func(context.Context) error
}

type Handler struct {
	service  OrderService
	opts     Options
	validate *validator.Validate
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewHandler constructs a Handler.
func NewHandler(service OrderService, opts Options, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:  service,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger,
		tracer:   otel.Tracer("fulfillment/http"),
	}
}

type createOrderRequest struct {
	IdempotencyKey string            `json:"idempotency_key" validate:"max=128"`
	Items          []orders.LineItem `json:"items" validate:"required,min=1,max=100,dive"`
}

type cancelOrderRequest struct {
	Reason orders.Reason `json:"reason"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", h.ready)

	r.Route("/v1/orders", func(r chi.Router) {
		r.With(h.track("HTTP CreateOrder")).Post("/", h.createOrder)
		r.With(h.track("HTTP GetOrderStatus")).Get("/{id}", h.getOrder)
		r.With(h.track("HTTP ConfirmPayment")).Post("/{id}/confirm", h.confirmPayment)
		r.With(h.track("HTTP CancelOrder")).Post("/{id}/cancel", h.cancelOrder)
	})

	if h.opts.Webhook != nil {
		r.Method(http.MethodPost, "/webhooks/payments", h.opts.Webhook)
	}
	if h.opts.Realtime != nil {
		r.Method(http.MethodGet, "/ws", h.opts.Realtime)
	}
	if h.opts.Prometheus != nil {
		r.Method(http.MethodGet, "/metrics", observability.PrometheusHandler(h.opts.Prometheus))
	}
	if h.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics.json", observability.Handler(h.opts.Metrics))
	}
	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		h.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

// track records calls in the call metrics under name. 5xx responses count
// as errors.
func (h *Handler) track(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if h.opts.Metrics == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			span := h.opts.Metrics.Start(name)
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			var err error
			if ww.Status() >= http.StatusInternalServerError {
				err = errors.New(http.StatusText(ww.Status()))
			}
			span.End(err)
		})
	}
}

func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	if h.opts.Ready != nil {
		if err := h.opts.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.CreateOrder")
	defer span.End()

	var req createOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	// The header wins over the body so clients can retry a stored body as is.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if req.IdempotencyKey == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: orders.ErrIdempotencyKeyRequired.Error()})
		return
	}
	if err := h.validate.StructCtx(ctx, req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	view, err := h.service.CreateOrder(ctx, req.IdempotencyKey, req.Items)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetOrderStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.ConfirmPayment")
	defer span.End()

	view, err := h.service.ConfirmPayment(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "http.CancelOrder")
	defer span.End()

	// The body is optional; an empty one cancels with the default reason.
	var req cancelOrderRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid body"})
		return
	}
	view, err := h.service.CancelOrder(ctx, chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("order request failed", zap.Error(err))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, orders.ErrIdempotencyKeyRequired),
		errors.Is(err, orders.ErrNoItems),
		errors.Is(err, orders.ErrDuplicateProduct),
		errors.Is(err, orders.ErrTotalOverflow),
		errors.Is(err, inventory.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, orders.ErrOrderNotFound):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrIdempotencyConflict),
		errors.Is(err, orders.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
