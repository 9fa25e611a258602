package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"fulfillment/internal/resilience"

	"github.com/hashicorp/go-cleanhttp"
)

// HTTPProvider talks to a REST payment provider.
//
//	POST /v1/payment_intents               {"order_id","amount"} -> {"id"}
//	POST /v1/payment_intents/{id}/capture  -> {"status":"succeeded"|"failed"}
//	POST /v1/payment_intents/{id}/refunds  {"amount"} -> {"id"}
//
// 5xx, 408 and 429 responses and transport errors are transient; 402 is a
// decline.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider constructs a provider using a pooled cleanhttp client.
func NewHTTPProvider(baseURL, apiKey string) (*HTTPProvider, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("payment provider url: %w", err)
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  cleanhttp.DefaultPooledClient(),
	}, nil
}

type createIntentRequest struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}

type refundRequest struct {
	Amount int64 `json:"amount"`
}

type providerObject struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (p *HTTPProvider) CreateIntent(ctx context.Context, orderID string, amount int64, idempotencyKey string) (string, error) {
	var out providerObject
	if err := p.post(ctx, "/v1/payment_intents", idempotencyKey, createIntentRequest{OrderID: orderID, Amount: amount}, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return "", errors.New("provider returned intent without id")
	}
	return out.ID, nil
}

func (p *HTTPProvider) Capture(ctx context.Context, providerRef string) (Outcome, error) {
	var out providerObject
	path := "/v1/payment_intents/" + url.PathEscape(providerRef) + "/capture"
	if err := p.post(ctx, path, "capture:"+providerRef, nil, &out); err != nil {
		return "", err
	}
	switch Outcome(out.Status) {
	case OutcomeSucceeded:
		return OutcomeSucceeded, nil
	case OutcomeFailed:
		return OutcomeFailed, ErrPaymentDeclined
	default:
		return "", fmt.Errorf("provider returned unknown capture status %q", out.Status)
	}
}

func (p *HTTPProvider) Refund(ctx context.Context, providerRef string, amount int64, idempotencyKey string) (string, error) {
	var out providerObject
	path := "/v1/payment_intents/" + url.PathEscape(providerRef) + "/refunds"
	if err := p.post(ctx, path, idempotencyKey, refundRequest{Amount: amount}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (p *HTTPProvider) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	var payload io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempotencyKey)
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return resilience.Transient(fmt.Errorf("POST %s: %w", path, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resilience.Transient(fmt.Errorf("read %s response: %w", path, err))
	}

	switch {
	case resp.StatusCode == http.StatusPaymentRequired:
		return fmt.Errorf("POST %s: %w", path, ErrPaymentDeclined)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= 500:
		return resilience.Transient(fmt.Errorf("POST %s: status %d", path, resp.StatusCode))
	case resp.StatusCode >= 300:
		return fmt.Errorf("POST %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
