package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SignatureHeader carries "t=<unix seconds>,v1=<hex hmac>". The MAC is
// HMAC-SHA256 over "<t>.<raw body>" keyed by the webhook secret.
const SignatureHeader = "Payment-Signature"

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrBadSignature     = errors.New("webhook signature mismatch")
	ErrStaleSignature   = errors.New("webhook timestamp outside tolerance")
	// ErrNoSecret means the verifier has no key. An empty HMAC key is
	// public, so such a verifier rejects every delivery.
	ErrNoSecret = errors.New("webhook secret not configured")
)

// Verifier checks webhook signatures.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier constructs a Verifier. A zero tolerance disables the
// timestamp window check.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Sign produces a header value for body at ts.
func (v *Verifier) Sign(body []byte, ts time.Time) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + v.mac(unix, body)
}

func (v *Verifier) mac(ts string, body []byte) string {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(ts))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks header against body.
func (v *Verifier) Verify(header string, body []byte) error {
	if len(v.secret) == 0 {
		return ErrNoSecret
	}
	if strings.TrimSpace(header) == "" {
		return ErrMissingSignature
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		key, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrMissingSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp", ErrBadSignature)
	}
	if v.tolerance > 0 {
		age := v.now().Sub(time.Unix(unix, 0))
		if age > v.tolerance || age < -v.tolerance {
			return ErrStaleSignature
		}
	}

	expected := v.mac(ts, body)
	for _, sig := range sigs {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return ErrBadSignature
}

// Deduper remembers which webhook deliveries were already applied. Claim
// reports true only for the first delivery of key; Forget drops a claim so
// a failed delivery can be retried by the provider.
type Deduper interface {
	Claim(ctx context.Context, key string) (bool, error)
	Forget(ctx context.Context, key string) error
}

// DefaultDedupeTTL is how long a claim is remembered when no TTL is given.
const DefaultDedupeTTL = 24 * time.Hour

// MemoryDeduper keeps claims in process memory. Claims expire after ttl,
// like RedisDeduper's keys, and expired ones are pruned as new claims come
// in so the map stays bounded by the delivery rate.
type MemoryDeduper struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	ttl       time.Duration
	now       func() time.Time
	lastPrune time.Time
}

// NewMemoryDeduper constructs an empty deduper. A non-positive ttl means
// DefaultDedupeTTL.
func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &MemoryDeduper{seen: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

func (d *MemoryDeduper) Claim(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	d.prune(now)
	if expires, ok := d.seen[key]; ok && now.Before(expires) {
		return false, nil
	}
	d.seen[key] = now.Add(d.ttl)
	return true, nil
}

func (d *MemoryDeduper) Forget(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, key)
	return nil
}

// prune drops expired claims, at most once per ttl/2.
func (d *MemoryDeduper) prune(now time.Time) {
	if now.Sub(d.lastPrune) < d.ttl/2 {
		return
	}
	d.lastPrune = now
	for key, expires := range d.seen {
		if !now.Before(expires) {
			delete(d.seen, key)
		}
	}
}

// Len reports how many claims are held.
func (d *MemoryDeduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// RedisDedupeClient is the subset of go-redis used by RedisDeduper.
type RedisDedupeClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisDeduper shares claims between instances through SET NX.
type RedisDeduper struct {
	client RedisDedupeClient
	prefix string
	ttl    time.Duration
}

// NewRedisDeduper constructs a Redis-backed deduper. Claims expire after ttl.
func NewRedisDeduper(client RedisDedupeClient, prefix string, ttl time.Duration) *RedisDeduper {
	if prefix == "" {
		prefix = "webhook:"
	}
	return &RedisDeduper{client: client, prefix: prefix, ttl: ttl}
}

func (d *RedisDeduper) Claim(ctx context.Context, key string) (bool, error) {
	return d.client.SetNX(ctx, d.prefix+key, 1, d.ttl).Result()
}

func (d *RedisDeduper) Forget(ctx context.Context, key string) error {
	return d.client.Del(ctx, d.prefix+key).Err()
}

// Event is the webhook payload.
type Event struct {
	IntentID string  `json:"intent_id"`
	Outcome  Outcome `json:"outcome"`
}

// EventSink receives verified, first-time payment events.
type EventSink interface {
	HandlePaymentEvent(ctx context.Context, intentID string, outcome Outcome) error
}

// WebhookHandler verifies, dedupes and forwards provider webhooks.
type WebhookHandler struct {
	verifier *Verifier
	dedupe   Deduper
	sink     EventSink
	logger   *zap.Logger
}

// NewWebhookHandler constructs a WebhookHandler.
func NewWebhookHandler(verifier *Verifier, dedupe Deduper, sink EventSink, logger *zap.Logger) *WebhookHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dedupe == nil {
		dedupe = NewMemoryDeduper(DefaultDedupeTTL)
	}
	return &WebhookHandler{verifier: verifier, dedupe: dedupe, sink: sink, logger: logger}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := h.verifier.Verify(r.Header.Get(SignatureHeader), body); err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil || evt.IntentID == "" || !evt.Outcome.Valid() {
		http.Error(w, "invalid event", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	key := evt.IntentID + ":" + string(evt.Outcome)
	first, err := h.dedupe.Claim(ctx, key)
	if err != nil {
		h.logger.Error("webhook dedupe failed", zap.String("intent_id", evt.IntentID), zap.Error(err))
		http.Error(w, "dedupe unavailable", http.StatusServiceUnavailable)
		return
	}
	if !first {
		h.logger.Debug("duplicate webhook ignored", zap.String("intent_id", evt.IntentID), zap.String("outcome", string(evt.Outcome)))
		w.WriteHeader(http.StatusOK)
		return
	}

	if err := h.sink.HandlePaymentEvent(ctx, evt.IntentID, evt.Outcome); err != nil {
		if forgetErr := h.dedupe.Forget(context.WithoutCancel(ctx), key); forgetErr != nil {
			h.logger.Error("webhook dedupe forget failed", zap.String("intent_id", evt.IntentID), zap.Error(forgetErr))
		}
		status := http.StatusInternalServerError
		if errors.Is(err, ErrIntentNotFound) {
			status = http.StatusNotFound
		}
		h.logger.Error("webhook handling failed", zap.String("intent_id", evt.IntentID), zap.Error(err))
		http.Error(w, "event not applied", status)
		return
	}
	w.WriteHeader(http.StatusOK)
}
