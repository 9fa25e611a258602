package grpc

import (
	"context"
	"errors"

	"fulfillment/internal/inventory"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/payment"
	"fulfillment/internal/resilience"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// OrderService defines the behavior needed by the gRPC adapter.
type OrderService interface {
	CreateOrder(ctx context.Context, idempotencyKey string, items []orders.LineItem) (saga.OrderView, error)
	ConfirmPayment(ctx context.Context, orderID string) (saga.OrderView, error)
	CancelOrder(ctx context.Context, orderID string, reason orders.Reason) (saga.OrderView, error)
	GetOrderStatus(ctx context.Context, orderID string) (saga.OrderView, error)
}

// OrderServer adapts OrderService to gRPC.
type OrderServer struct {
	service  OrderService
	validate *validator.Validate
}

// NewOrderServer constructs an OrderServer.
func NewOrderServer(svc OrderService) *OrderServer {
	return &OrderServer{service: svc, validate: validator.New(validator.WithRequiredStructEnabled())}
}

// CreateOrder starts a saga. Replays with the same idempotency key return
// the existing order.
func (s *OrderServer) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*OrderResponse, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	view, err := s.service.CreateOrder(ctx, req.IdempotencyKey, req.Items)
	if err != nil {
		return nil, MapOrderError(err)
	}
	return responseOf(view), nil
}

func (s *OrderServer) ConfirmPayment(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	view, err := s.service.ConfirmPayment(ctx, req.OrderID)
	if err != nil {
		return nil, MapOrderError(err)
	}
	return responseOf(view), nil
}

func (s *OrderServer) CancelOrder(ctx context.Context, req *CancelOrderRequest) (*OrderResponse, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	view, err := s.service.CancelOrder(ctx, req.OrderID, req.Reason)
	if err != nil {
		return nil, MapOrderError(err)
	}
	return responseOf(view), nil
}

func (s *OrderServer) GetOrderStatus(ctx context.Context, req *OrderRequest) (*OrderResponse, error) {
	if err := s.validate.StructCtx(ctx, req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	view, err := s.service.GetOrderStatus(ctx, req.OrderID)
	if err != nil {
		return nil, MapOrderError(err)
	}
	return responseOf(view), nil
}

// MapOrderError maps domain errors to gRPC status codes.
func MapOrderError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, orders.ErrIdempotencyKeyRequired),
		errors.Is(err, orders.ErrNoItems),
		errors.Is(err, orders.ErrDuplicateProduct),
		errors.Is(err, orders.ErrTotalOverflow),
		errors.Is(err, inventory.ErrInvalidQuantity):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, orders.ErrOrderNotFound),
		errors.Is(err, payment.ErrIntentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, orders.ErrIdempotencyConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, orders.ErrIllegalTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
