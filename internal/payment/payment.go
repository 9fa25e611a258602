package payment

import (
	"context"
	"errors"
	"time"
)

// IntentStatus is the lifecycle of a payment intent.
type IntentStatus string

const (
	IntentCreated  IntentStatus = "created"
	IntentCaptured IntentStatus = "captured"
	IntentFailed   IntentStatus = "failed"
	IntentRefunded IntentStatus = "refunded"
)

// Outcome is what the provider reports for a capture attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

// Intent is the local record of one order's payment. Amount is in minor units.
type Intent struct {
	ID          string       `json:"intent_id"`
	OrderID     string       `json:"order_id"`
	Amount      int64        `json:"amount"`
	Status      IntentStatus `json:"status"`
	ProviderRef string       `json:"provider_ref"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RefundResult describes a refund that was applied or found already applied.
type RefundResult struct {
	IntentID        string `json:"intent_id"`
	Amount          int64  `json:"amount"`
	RefundRef       string `json:"refund_ref,omitempty"`
	AlreadyRefunded bool   `json:"already_refunded"`
}

var (
	ErrPaymentDeclined = errors.New("payment declined")
	ErrIntentNotFound  = errors.New("payment intent not found")
	ErrNotCaptured     = errors.New("payment intent not captured")
	ErrStaleIntent     = errors.New("payment intent status changed concurrently")
	ErrInvalidAmount   = errors.New("payment amount must be positive")
)

// Provider is the remote payment service. Implementations must mark
// retryable failures with resilience.Transient and return ErrPaymentDeclined
// for business refusals.
type Provider interface {
	CreateIntent(ctx context.Context, orderID string, amount int64, idempotencyKey string) (string, error)
	Capture(ctx context.Context, providerRef string) (Outcome, error)
	Refund(ctx context.Context, providerRef string, amount int64, idempotencyKey string) (string, error)
}

// IntentStore persists intents. Create is idempotent by order: when an
// intent already exists for the order it is returned with created=false.
// UpdateStatus is a compare-and-swap on the current status.
type IntentStore interface {
	Create(ctx context.Context, intent Intent) (Intent, bool, error)
	Get(ctx context.Context, intentID string) (Intent, error)
	GetByOrder(ctx context.Context, orderID string) (Intent, error)
	UpdateStatus(ctx context.Context, intentID string, from, to IntentStatus, at time.Time) error
}
