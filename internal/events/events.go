package events

import (
	"context"
	"errors"
	"time"

	"fulfillment/internal/orders"
)

// TypeStatusChanged is the event type carried by StatusChanged.
const TypeStatusChanged = "order.status_changed"

// StatusChanged is emitted after an order transition has been committed.
type StatusChanged struct {
	Type    string        `json:"type"`
	OrderID string        `json:"order_id"`
	From    orders.Status `json:"from"`
	To      orders.Status `json:"to"`
	Reason  orders.Reason `json:"reason,omitempty"`
	At      time.Time     `json:"at"`
}

// NewStatusChanged builds a StatusChanged event.
func NewStatusChanged(orderID string, from, to orders.Status, reason orders.Reason, at time.Time) StatusChanged {
	return StatusChanged{
		Type:    TypeStatusChanged,
		OrderID: orderID,
		From:    from,
		To:      to,
		Reason:  reason,
		At:      at.UTC(),
	}
}

// Publisher delivers status events somewhere.
type Publisher interface {
	Publish(ctx context.Context, evt StatusChanged) error
}

// MultiPublisher publishes to several publishers in order.
type MultiPublisher struct {
	publishers []Publisher
}

// NewMultiPublisher constructs a MultiPublisher. Nil entries are skipped.
func NewMultiPublisher(publishers ...Publisher) *MultiPublisher {
	kept := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			kept = append(kept, p)
		}
	}
	return &MultiPublisher{publishers: kept}
}

// Publish forwards the event to each publisher, collecting errors so all of
// them get a chance to deliver.
func (m *MultiPublisher) Publish(ctx context.Context, evt StatusChanged) error {
	var errs []error
	for _, p := range m.publishers {
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, StatusChanged) error { return nil }
