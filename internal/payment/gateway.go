package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/resilience"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("fulfillment/payment")

// Gateway is the only path to the payment provider. Every remote call goes
// through the guard (retry around circuit breaker), and every status change
// is persisted in the intent store. Methods that call out return the number
// of attempts the guard made.
type Gateway struct {
	provider Provider
	store    IntentStore
	guard    resilience.Guard
	newID    func() string
	now      func() time.Time
	logger   *zap.Logger
}

// NewGateway constructs a Gateway.
func NewGateway(provider Provider, store IntentStore, guard resilience.Guard, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		provider: provider,
		store:    store,
		guard:    guard,
		newID:    func() string { return "pi_" + uuid.NewString() },
		now:      time.Now,
		logger:   logger,
	}
}

// CreateIntent returns the order's intent, creating it at the provider when
// none exists yet. The provider call carries an idempotency key derived from
// the order so a retried create never opens a second charge.
func (g *Gateway) CreateIntent(ctx context.Context, orderID string, amount int64) (Intent, int, error) {
	ctx, span := tracer.Start(ctx, "payment.CreateIntent")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID))

	if amount <= 0 {
		return Intent{}, 0, ErrInvalidAmount
	}
	existing, err := g.store.GetByOrder(ctx, orderID)
	if err == nil {
		return existing, 0, nil
	}
	if !errors.Is(err, ErrIntentNotFound) {
		return Intent{}, 0, err
	}

	ref, attempts, err := resilience.Call(ctx, g.guard, func(ctx context.Context) (string, error) {
		return g.provider.CreateIntent(ctx, orderID, amount, "intent:"+orderID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Intent{}, attempts, fmt.Errorf("create intent: %w", err)
	}

	now := g.now().UTC()
	intent, created, err := g.store.Create(ctx, Intent{
		ID:          g.newID(),
		OrderID:     orderID,
		Amount:      amount,
		Status:      IntentCreated,
		ProviderRef: ref,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Intent{}, attempts, fmt.Errorf("store intent: %w", err)
	}
	if created {
		g.logger.Info("payment intent created",
			zap.String("order_id", orderID),
			zap.String("intent_id", intent.ID),
			zap.Int("attempt", attempts),
		)
	}
	return intent, attempts, nil
}

// Get loads an intent by id.
func (g *Gateway) Get(ctx context.Context, intentID string) (Intent, error) {
	return g.store.Get(ctx, intentID)
}

// GetByOrder loads the intent of an order.
func (g *Gateway) GetByOrder(ctx context.Context, orderID string) (Intent, error) {
	return g.store.GetByOrder(ctx, orderID)
}

// Confirm captures the intent. A declined capture is not an error: the
// intent is marked failed and IntentFailed is returned. Already captured or
// failed intents are returned as they are.
func (g *Gateway) Confirm(ctx context.Context, intentID string) (IntentStatus, int, error) {
	ctx, span := tracer.Start(ctx, "payment.Confirm")
	defer span.End()
	span.SetAttributes(attribute.String("intent_id", intentID))

	intent, err := g.store.Get(ctx, intentID)
	if err != nil {
		return "", 0, err
	}
	switch intent.Status {
	case IntentCaptured, IntentFailed:
		return intent.Status, 0, nil
	case IntentRefunded:
		return intent.Status, 0, fmt.Errorf("confirm %s: intent already refunded", intentID)
	}

	outcome, attempts, err := resilience.Call(ctx, g.guard, func(ctx context.Context) (Outcome, error) {
		return g.provider.Capture(ctx, intent.ProviderRef)
	})
	if errors.Is(err, ErrPaymentDeclined) {
		outcome, err = OutcomeFailed, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", attempts, fmt.Errorf("capture intent: %w", err)
	}

	updated, _, err := g.RecordOutcome(ctx, intentID, outcome)
	if err != nil {
		return "", attempts, err
	}
	return updated.Status, attempts, nil
}

// RecordOutcome applies a provider-reported outcome to a created intent.
// changed is false when the intent had already left the created state, which
// makes duplicate notifications harmless. A capture reported for a failed
// (declined or voided) intent is still applied: the provider holds the money
// and the caller has to refund it.
func (g *Gateway) RecordOutcome(ctx context.Context, intentID string, outcome Outcome) (Intent, bool, error) {
	if !outcome.Valid() {
		return Intent{}, false, fmt.Errorf("unknown payment outcome %q", outcome)
	}
	to := IntentCaptured
	if outcome == OutcomeFailed {
		to = IntentFailed
	}

	intent, err := g.store.Get(ctx, intentID)
	if err != nil {
		return Intent{}, false, err
	}
	from := intent.Status
	switch {
	case from == IntentCreated:
	case from == IntentFailed && to == IntentCaptured:
	default:
		return intent, false, nil
	}

	now := g.now().UTC()
	if err := g.store.UpdateStatus(ctx, intentID, from, to, now); err != nil {
		if errors.Is(err, ErrStaleIntent) {
			current, getErr := g.store.Get(ctx, intentID)
			return current, false, getErr
		}
		return Intent{}, false, err
	}
	intent.Status = to
	intent.UpdatedAt = now
	g.logger.Info("payment outcome recorded",
		zap.String("order_id", intent.OrderID),
		zap.String("intent_id", intentID),
		zap.String("status", string(to)),
	)
	return intent, true, nil
}

// Refund returns a captured payment. Refunding an already refunded intent
// reports AlreadyRefunded; any other non-captured intent is rejected with
// ErrNotCaptured.
func (g *Gateway) Refund(ctx context.Context, intentID string, amount int64) (RefundResult, int, error) {
	ctx, span := tracer.Start(ctx, "payment.Refund")
	defer span.End()
	span.SetAttributes(attribute.String("intent_id", intentID))

	intent, err := g.store.Get(ctx, intentID)
	if err != nil {
		return RefundResult{}, 0, err
	}
	switch intent.Status {
	case IntentRefunded:
		return RefundResult{IntentID: intentID, Amount: intent.Amount, AlreadyRefunded: true}, 0, nil
	case IntentCaptured:
	default:
		return RefundResult{}, 0, fmt.Errorf("refund %s: %w", intentID, ErrNotCaptured)
	}
	if amount <= 0 || amount > intent.Amount {
		amount = intent.Amount
	}

	ref, attempts, err := resilience.Call(ctx, g.guard, func(ctx context.Context) (string, error) {
		return g.provider.Refund(ctx, intent.ProviderRef, amount, "refund:"+intentID)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return RefundResult{}, attempts, fmt.Errorf("refund intent: %w", err)
	}

	if err := g.store.UpdateStatus(ctx, intentID, IntentCaptured, IntentRefunded, g.now().UTC()); err != nil && !errors.Is(err, ErrStaleIntent) {
		return RefundResult{}, attempts, err
	}
	g.logger.Info("payment refunded",
		zap.String("order_id", intent.OrderID),
		zap.String("intent_id", intentID),
		zap.Int64("amount", amount),
		zap.Int("attempt", attempts),
	)
	return RefundResult{IntentID: intentID, Amount: amount, RefundRef: ref}, attempts, nil
}

// Void abandons an intent that was never captured so it cannot be captured
// later through this gateway.
func (g *Gateway) Void(ctx context.Context, intentID string) (Intent, error) {
	intent, err := g.store.Get(ctx, intentID)
	if err != nil {
		return Intent{}, err
	}
	if intent.Status != IntentCreated {
		return intent, nil
	}
	if err := g.store.UpdateStatus(ctx, intentID, IntentCreated, IntentFailed, g.now().UTC()); err != nil {
		if errors.Is(err, ErrStaleIntent) {
			return g.store.Get(ctx, intentID)
		}
		return Intent{}, err
	}
	intent.Status = IntentFailed
	return intent, nil
}
