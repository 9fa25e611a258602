package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/resilience"

	"go.uber.org/zap/zaptest"
)

type spyOrderService struct {
	view   saga.OrderView
	err    error
	gotKey string
	gotID  string
	reason orders.Reason
	items  []orders.LineItem
	calls  int
}

func (s *spyOrderService) CreateOrder(_ context.Context, key string, items []orders.LineItem) (saga.OrderView, error) {
	s.calls++
	s.gotKey = key
	s.items = items
	return s.view, s.err
}

func (s *spyOrderService) ConfirmPayment(_ context.Context, orderID string) (saga.OrderView, error) {
	s.calls++
	s.gotID = orderID
	return s.view, s.err
}

func (s *spyOrderService) CancelOrder(_ context.Context, orderID string, reason orders.Reason) (saga.OrderView, error) {
	s.calls++
	s.gotID = orderID
	s.reason = reason
	return s.view, s.err
}

func (s *spyOrderService) GetOrderStatus(_ context.Context, orderID string) (saga.OrderView, error) {
	s.calls++
	s.gotID = orderID
	return s.view, s.err
}

func newServer(t *testing.T, svc OrderService, opts Options) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewHandler(svc, opts, zaptest.NewLogger(t)).Routes())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string, header map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestCreateOrderAccepted(t *testing.T) {
	svc := &spyOrderService{view: saga.OrderView{OrderID: "order-1", Status: orders.StatusPending, Total: 300}}
	srv := newServer(t, svc, Options{})

	resp := post(t, srv.URL+"/v1/orders", `{"idempotency_key":"k1","items":[{"product_id":"sku-1","quantity":3,"unit_price":100}]}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var view saga.OrderView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.OrderID != "order-1" || view.Status != orders.StatusPending || view.Total != 300 {
		t.Fatalf("unexpected view: %+v", view)
	}
	if svc.gotKey != "k1" || len(svc.items) != 1 || svc.items[0].Quantity != 3 {
		t.Fatalf("unexpected forwarded call: key=%q items=%+v", svc.gotKey, svc.items)
	}
}

func TestCreateOrderHeaderKeyWins(t *testing.T) {
	svc := &spyOrderService{view: saga.OrderView{OrderID: "order-1"}}
	srv := newServer(t, svc, Options{})

	post(t, srv.URL+"/v1/orders", `{"idempotency_key":"body","items":[{"product_id":"sku-1","quantity":1}]}`,
		map[string]string{"Idempotency-Key": "header"})
	if svc.gotKey != "header" {
		t.Fatalf("expected header key, got %q", svc.gotKey)
	}
}

func TestCreateOrderRejectsInvalidInput(t *testing.T) {
	svc := &spyOrderService{}
	srv := newServer(t, svc, Options{})

	bodies := []string{
		`not json`,
		`{"items":[{"product_id":"sku-1","quantity":1}]}`,
		`{"idempotency_key":"k","items":[]}`,
		`{"idempotency_key":"k","items":[{"product_id":"sku-1","quantity":0}]}`,
		`{"idempotency_key":"k","items":[{"product_id":"sku-1","quantity":1,"unit_price":-1}]}`,
	}
	for _, body := range bodies {
		resp := post(t, srv.URL+"/v1/orders", body, nil)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", body, resp.StatusCode)
		}
	}
	if svc.calls != 0 {
		t.Fatalf("service should not be called, got %d calls", svc.calls)
	}
}

func TestGetOrderNotFound(t *testing.T) {
	svc := &spyOrderService{err: fmt.Errorf("load: %w", orders.ErrOrderNotFound)}
	srv := newServer(t, svc, Options{})

	resp, err := http.Get(srv.URL + "/v1/orders/missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if svc.gotID != "missing" {
		t.Fatalf("expected order id from path, got %q", svc.gotID)
	}
}

func TestCancelOrderForwardsReason(t *testing.T) {
	svc := &spyOrderService{view: saga.OrderView{OrderID: "order-9", Status: orders.StatusCanceled}}
	srv := newServer(t, svc, Options{})

	resp := post(t, srv.URL+"/v1/orders/order-9/cancel", `{"reason":"customer_canceled"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if svc.gotID != "order-9" || svc.reason != orders.ReasonCustomerCanceled {
		t.Fatalf("unexpected forwarded call: id=%q reason=%q", svc.gotID, svc.reason)
	}
}

func TestConfirmPaymentIllegalIsConflict(t *testing.T) {
	svc := &spyOrderService{err: fmt.Errorf("confirm: %w", orders.ErrIllegalTransition)}
	srv := newServer(t, svc, Options{})

	resp := post(t, srv.URL+"/v1/orders/order-1/confirm", "", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{orders.ErrNoItems, http.StatusBadRequest},
		{orders.ErrIdempotencyConflict, http.StatusConflict},
		{resilience.ErrCircuitOpen, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, got)
		}
	}
}

func TestOrderCallsTrackedInMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	svc := &spyOrderService{err: errors.New("boom")}
	srv := newServer(t, svc, Options{Metrics: metrics})

	post(t, srv.URL+"/v1/orders/order-1/confirm", "", nil)

	snap := metrics.Snapshot()
	stats, ok := snap.Methods["HTTP ConfirmPayment"]
	if !ok {
		t.Fatalf("expected confirm to be tracked, got %+v", snap.Methods)
	}
	if stats.Count != 1 || stats.Errors != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestOptionalMounts(t *testing.T) {
	srv := newServer(t, &spyOrderService{}, Options{
		Webhook:    http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }),
		Prometheus: observability.NewCollector("test"),
		Ready:      func(context.Context) error { return errors.New("store down") },
	})

	if resp := post(t, srv.URL+"/webhooks/payments", `{}`, nil); resp.StatusCode != http.StatusTeapot {
		t.Fatalf("expected webhook handler, got %d", resp.StatusCode)
	}
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected readyz 503, got %d", resp.StatusCode)
	}
	resp, err = http.Get(srv.URL + "/ws")
	if err != nil {
		t.Fatalf("get ws: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusSwitchingProtocols {
		t.Fatalf("ws should not be mounted without a hub")
	}
}
