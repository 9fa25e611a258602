package saga

import (
	"context"
	"errors"
	"time"

	"fulfillment/internal/orders"
)

// StepName identifies a forward or compensating saga step.
type StepName string

const (
	StepReserveInventory StepName = "reserve_inventory"
	StepCreateIntent     StepName = "create_payment_intent"
	StepCapturePayment   StepName = "capture_payment"
	StepReleaseInventory StepName = "release_inventory"
	StepRefundPayment    StepName = "refund_payment"
	StepVoidPayment      StepName = "void_payment"
)

// Compensating reports whether the step undoes earlier work.
func (n StepName) Compensating() bool {
	return n == StepReleaseInventory || n == StepRefundPayment || n == StepVoidPayment
}

// Outcome is the result recorded for a step.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	// OutcomeSkipped records a step that found nothing to do, such as
	// releasing a reservation that was never made.
	OutcomeSkipped Outcome = "skipped"
)

// Step is one entry of the append-only saga log. Detail names what the step
// acted on: the product for inventory steps, the intent for payment steps.
type Step struct {
	Seq         int       `json:"seq"`
	Name        StepName  `json:"step"`
	Detail      string    `json:"detail,omitempty"`
	Attempt     int       `json:"attempt"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	Compensated bool      `json:"compensated"`
}

// Execution is an order together with its step log.
type Execution struct {
	Order orders.Order `json:"order"`
	Steps []Step       `json:"steps"`
}

// Clone returns a deep copy safe to hand out of a store.
func (e Execution) Clone() Execution {
	out := e
	out.Order.Items = append([]orders.LineItem(nil), e.Order.Items...)
	out.Steps = append([]Step(nil), e.Steps...)
	return out
}

// Last returns the most recent step with the given name and detail.
func (e Execution) Last(name StepName, detail string) (Step, bool) {
	for i := len(e.Steps) - 1; i >= 0; i-- {
		s := e.Steps[i]
		if s.Name == name && s.Detail == detail {
			return s, true
		}
	}
	return Step{}, false
}

// Done reports whether a step with the given name and detail completed,
// either by succeeding or by finding nothing to do.
func (e Execution) Done(name StepName, detail string) bool {
	s, ok := e.Last(name, detail)
	return ok && (s.Outcome == OutcomeSucceeded || s.Outcome == OutcomeSkipped)
}

// IntentID returns the payment intent recorded by the create step, if any.
func (e Execution) IntentID() string {
	for i := len(e.Steps) - 1; i >= 0; i-- {
		s := e.Steps[i]
		if s.Name == StepCreateIntent && s.Outcome == OutcomeSucceeded {
			return s.Detail
		}
	}
	return ""
}

var (
	ErrNotFound = orders.ErrOrderNotFound
	// ErrStaleTransition means the order was no longer in the expected
	// status when the transition was written.
	ErrStaleTransition = errors.New("saga status changed concurrently")
)

// Store persists orders and their step logs. Steps are only ever appended;
// the store assigns Seq. Transition is a compare-and-swap on the order status
// and writes the given steps in the same atomic unit.
type Store interface {
	// Create inserts the order or, when its idempotency key is known,
	// returns the existing execution with created=false. A known key with
	// a different payload yields orders.ErrIdempotencyConflict.
	Create(ctx context.Context, order orders.Order) (Execution, bool, error)
	Get(ctx context.Context, orderID string) (Execution, error)
	Transition(ctx context.Context, orderID string, from, to orders.Status, reason orders.Reason, at time.Time, steps ...Step) error
	AppendStep(ctx context.Context, orderID string, step Step) error
	// Compensate appends a compensating step and, when forwardSeq > 0,
	// flags that forward step as compensated.
	Compensate(ctx context.Context, orderID string, forwardSeq int, step Step) error
	// ListActive returns every execution whose order is not terminal.
	ListActive(ctx context.Context) ([]Execution, error)
}

// ReservationFailed reports whether a reservation was refused, which means
// the reservations made so far have to be unwound.
func (e Execution) ReservationFailed() bool {
	for _, s := range e.Steps {
		if s.Name == StepReserveInventory && s.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// forwardSeq returns the seq of the live forward step that a compensation
// for (name, detail) undoes, or 0 when there is none.
func (e Execution) forwardSeq(name StepName, detail string) int {
	s, ok := e.Last(name, detail)
	if !ok || s.Outcome != OutcomeSucceeded || s.Compensated {
		return 0
	}
	return s.Seq
}
