package orders

import (
	"errors"
	"fmt"
)

// Status captures where an order is in the fulfillment saga.
type Status string

const (
	StatusPending         Status = "pending"
	StatusReserving       Status = "reserving"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusConfirmed       Status = "confirmed"
	StatusCanceling       Status = "canceling"
	StatusCanceled        Status = "canceled"
	StatusFailed          Status = "failed"
	// StatusRequiresIntervention marks a saga whose compensation could not
	// complete. Stock or money may still be held and an operator must act.
	StatusRequiresIntervention Status = "failed_requires_manual_intervention"
)

// Reason is the code reported to callers for cancellations and failures.
type Reason string

const (
	ReasonNone               Reason = ""
	ReasonInsufficientStock  Reason = "insufficient_stock"
	ReasonReservationFailed  Reason = "reservation_failed"
	ReasonPaymentDeclined    Reason = "payment_declined"
	ReasonPaymentUnavailable Reason = "payment_unavailable"
	ReasonPaymentTimeout     Reason = "payment_timeout"
	ReasonCustomerCanceled   Reason = "customer_canceled"
	ReasonCompensationFailed Reason = "compensation_failed"
)

// ErrIllegalTransition is returned for any transition not in the table.
var ErrIllegalTransition = errors.New("illegal order transition")

// Reserve calls only happen in Reserving, so a stock refusal fails the order
// from there; Pending has no edge to Failed.
var transitions = map[Status][]Status{
	StatusPending:         {StatusReserving, StatusCanceling},
	StatusReserving:       {StatusAwaitingPayment, StatusFailed, StatusCanceling, StatusRequiresIntervention},
	StatusAwaitingPayment: {StatusConfirmed, StatusCanceling},
	StatusCanceling:       {StatusCanceled, StatusRequiresIntervention},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an ErrIllegalTransition-wrapping error when
// from -> to is not allowed.
func CheckTransition(from, to Status) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// Cancelable reports whether an explicit cancel request moves the order to
// Canceling.
func (s Status) Cancelable() bool {
	return s == StatusPending || s == StatusReserving || s == StatusAwaitingPayment
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusReserving, StatusAwaitingPayment, StatusConfirmed,
		StatusCanceling, StatusCanceled, StatusFailed, StatusRequiresIntervention:
		return true
	}
	return false
}
