package grpc

import (
	"context"

	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"

	grpcpkg "google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "fulfillment.v1.OrderService"

type CreateOrderRequest struct {
	IdempotencyKey string            `json:"idempotency_key" validate:"required,max=128"`
	Items          []orders.LineItem `json:"items" validate:"required,min=1,max=100,dive"`
}

type OrderRequest struct {
	OrderID string `json:"order_id" validate:"required"`
}

type CancelOrderRequest struct {
	OrderID string        `json:"order_id" validate:"required"`
	Reason  orders.Reason `json:"reason,omitempty"`
}

// OrderResponse is the caller's view of an order: its status, the reason for
// a terminal failure and the saga step log.
type OrderResponse struct {
	OrderID  string        `json:"order_id"`
	Status   orders.Status `json:"status"`
	Reason   orders.Reason `json:"reason,omitempty"`
	Total    int64         `json:"total"`
	IntentID string        `json:"intent_id,omitempty"`
	Steps    []saga.Step   `json:"steps"`
}

func responseOf(view saga.OrderView) *OrderResponse {
	return &OrderResponse{
		OrderID:  view.OrderID,
		Status:   view.Status,
		Reason:   view.Reason,
		Total:    view.Total,
		IntentID: view.IntentID,
		Steps:    view.Steps,
	}
}

// OrderServiceServer is the server API for OrderService.
type OrderServiceServer interface {
	CreateOrder(context.Context, *CreateOrderRequest) (*OrderResponse, error)
	ConfirmPayment(context.Context, *OrderRequest) (*OrderResponse, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*OrderResponse, error)
	GetOrderStatus(context.Context, *OrderRequest) (*OrderResponse, error)
}

// RegisterOrderServiceServer registers srv on s.
func RegisterOrderServiceServer(s grpcpkg.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

func unaryHandler[Req any](method string, call func(OrderServiceServer, context.Context, *Req) (*OrderResponse, error)) grpcpkg.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpcpkg.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpcpkg.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*Req))
		})
	}
}

// OrderServiceDesc describes OrderService for grpc.Server.RegisterService.
var OrderServiceDesc = grpcpkg.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpcpkg.MethodDesc{
		{MethodName: "CreateOrder", Handler: unaryHandler("CreateOrder", OrderServiceServer.CreateOrder)},
		{MethodName: "ConfirmPayment", Handler: unaryHandler("ConfirmPayment", OrderServiceServer.ConfirmPayment)},
		{MethodName: "CancelOrder", Handler: unaryHandler("CancelOrder", OrderServiceServer.CancelOrder)},
		{MethodName: "GetOrderStatus", Handler: unaryHandler("GetOrderStatus", OrderServiceServer.GetOrderStatus)},
	},
	Metadata: "fulfillment/v1/order.proto",
}

// OrderServiceClient calls OrderService with the JSON codec.
type OrderServiceClient struct {
	cc grpcpkg.ClientConnInterface
}

// NewOrderServiceClient constructs a client over cc.
func NewOrderServiceClient(cc grpcpkg.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) invoke(ctx context.Context, method string, in any, opts []grpcpkg.CallOption) (*OrderResponse, error) {
	out := new(OrderResponse)
	opts = append([]grpcpkg.CallOption{grpcpkg.CallContentSubtype(CodecName)}, opts...)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) CreateOrder(ctx context.Context, in *CreateOrderRequest, opts ...grpcpkg.CallOption) (*OrderResponse, error) {
	return c.invoke(ctx, "CreateOrder", in, opts)
}

func (c *OrderServiceClient) ConfirmPayment(ctx context.Context, in *OrderRequest, opts ...grpcpkg.CallOption) (*OrderResponse, error) {
	return c.invoke(ctx, "ConfirmPayment", in, opts)
}

func (c *OrderServiceClient) CancelOrder(ctx context.Context, in *CancelOrderRequest, opts ...grpcpkg.CallOption) (*OrderResponse, error) {
	return c.invoke(ctx, "CancelOrder", in, opts)
}

func (c *OrderServiceClient) GetOrderStatus(ctx context.Context, in *OrderRequest, opts ...grpcpkg.CallOption) (*OrderResponse, error) {
	return c.invoke(ctx, "GetOrderStatus", in, opts)
}
