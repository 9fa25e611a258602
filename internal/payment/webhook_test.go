package payment

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestVerifier_SignAndVerify(t *testing.T) {
	v := NewVerifier("whsec", 5*time.Minute)
	v.now = func() time.Time { return fixedNow }
	body := []byte(`{"intent_id":"pi_1","outcome":"succeeded"}`)

	header := v.Sign(body, fixedNow)
	if err := v.Verify(header, body); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := v.Verify(header, []byte(`{"intent_id":"pi_2"}`)); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected mismatch for tampered body, got %v", err)
	}
	if err := v.Verify("", body); !errors.Is(err, ErrMissingSignature) {
		t.Fatalf("expected missing signature, got %v", err)
	}
	if err := v.Verify(v.Sign(body, fixedNow.Add(-10*time.Minute)), body); !errors.Is(err, ErrStaleSignature) {
		t.Fatalf("expected stale signature, got %v", err)
	}

	other := NewVerifier("other", 0)
	if err := other.Verify(header, body); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected mismatch for wrong secret, got %v", err)
	}
}

type recordingSink struct {
	events []Event
	err    error
}

func (s *recordingSink) HandlePaymentEvent(_ context.Context, intentID string, outcome Outcome) error {
	s.events = append(s.events, Event{IntentID: intentID, Outcome: outcome})
	return s.err
}

func deliver(t *testing.T, h http.Handler, v *Verifier, body string) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", bytes.NewBufferString(body))
	req.Header.Set(SignatureHeader, v.Sign([]byte(body), time.Now()))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestWebhookHandler_DeduplicatesDeliveries(t *testing.T) {
	v := NewVerifier("whsec", time.Minute)
	sink := &recordingSink{}
	h := NewWebhookHandler(v, NewMemoryDeduper(time.Hour), sink, nil)
	body := `{"intent_id":"pi_1","outcome":"succeeded"}`

	for i := 0; i < 3; i++ {
		if code := deliver(t, h, v, body); code != http.StatusOK {
			t.Fatalf("delivery %d: status %d", i, code)
		}
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected one forwarded event, got %d", len(sink.events))
	}

	// A different outcome for the same intent is a distinct event.
	if code := deliver(t, h, v, `{"intent_id":"pi_1","outcome":"failed"}`); code != http.StatusOK {
		t.Fatalf("failed outcome: status %d", code)
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected second event forwarded, got %d", len(sink.events))
	}
}

func TestWebhookHandler_RejectsUnsigned(t *testing.T) {
	sink := &recordingSink{}
	h := NewWebhookHandler(NewVerifier("whsec", time.Minute), nil, sink, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments", strings.NewReader(`{"intent_id":"pi_1","outcome":"succeeded"}`))
	req.Header.Set(SignatureHeader, "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if len(sink.events) != 0 {
		t.Fatalf("unsigned event must not be forwarded")
	}
}

func TestWebhookHandler_RejectsMalformedEvent(t *testing.T) {
	v := NewVerifier("whsec", time.Minute)
	h := NewWebhookHandler(v, nil, &recordingSink{}, nil)
	if code := deliver(t, h, v, `{"intent_id":"pi_1","outcome":"maybe"}`); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestWebhookHandler_FailedDeliveryCanBeRetried(t *testing.T) {
	v := NewVerifier("whsec", time.Minute)
	sink := &recordingSink{err: errors.New("store down")}
	h := NewWebhookHandler(v, NewMemoryDeduper(time.Hour), sink, nil)
	body := `{"intent_id":"pi_1","outcome":"succeeded"}`

	if code := deliver(t, h, v, body); code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", code)
	}
	sink.err = nil
	if code := deliver(t, h, v, body); code != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", code)
	}
	if len(sink.events) != 2 {
		t.Fatalf("expected retry to reach the sink, got %d events", len(sink.events))
	}
}

func TestWebhookHandler_UnknownIntentIsNotFound(t *testing.T) {
	v := NewVerifier("whsec", time.Minute)
	h := NewWebhookHandler(v, nil, &recordingSink{err: ErrIntentNotFound}, nil)
	if code := deliver(t, h, v, `{"intent_id":"pi_x","outcome":"failed"}`); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestVerifier_EmptySecretRejectsEverything(t *testing.T) {
	body := []byte(`{"intent_id":"pi_1","outcome":"succeeded"}`)
	forged := NewVerifier("", 0).Sign(body, time.Now())

	v := NewVerifier("", 0)
	if err := v.Verify(forged, body); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected no-secret rejection, got %v", err)
	}

	sink := &recordingSink{}
	h := NewWebhookHandler(v, nil, sink, nil)
	if code := deliver(t, h, v, string(body)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	if len(sink.events) != 0 {
		t.Fatalf("event signed with an empty key must not be forwarded")
	}
}

func TestMemoryDeduper_ClaimsExpire(t *testing.T) {
	now := fixedNow
	d := NewMemoryDeduper(time.Minute)
	d.now = func() time.Time { return now }
	ctx := context.Background()

	if first, _ := d.Claim(ctx, "pi_1:succeeded"); !first {
		t.Fatalf("expected first claim")
	}
	now = now.Add(30 * time.Second)
	if again, _ := d.Claim(ctx, "pi_1:succeeded"); again {
		t.Fatalf("expected duplicate within ttl to be refused")
	}
	for i := 0; i < 10; i++ {
		_, _ = d.Claim(ctx, "pi_"+strconv.Itoa(i)+":failed")
	}
	if d.Len() != 11 {
		t.Fatalf("expected 11 claims, got %d", d.Len())
	}

	now = now.Add(2 * time.Minute)
	if first, _ := d.Claim(ctx, "pi_1:succeeded"); !first {
		t.Fatalf("expected claim after expiry")
	}
	if d.Len() != 1 {
		t.Fatalf("expected expired claims pruned, got %d", d.Len())
	}
}

func TestRedisDeduper_ClaimAndForget(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	d := NewRedisDeduper(client, "", time.Hour)
	ctx := context.Background()

	first, err := d.Claim(ctx, "pi_1:succeeded")
	if err != nil || !first {
		t.Fatalf("first claim: first=%v err=%v", first, err)
	}
	again, err := d.Claim(ctx, "pi_1:succeeded")
	if err != nil || again {
		t.Fatalf("second claim: first=%v err=%v", again, err)
	}
	if ttl := mr.TTL("webhook:pi_1:succeeded"); ttl != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", ttl)
	}

	if err := d.Forget(ctx, "pi_1:succeeded"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if first, _ := d.Claim(ctx, "pi_1:succeeded"); !first {
		t.Fatalf("expected claim after forget")
	}
}
