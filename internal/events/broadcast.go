package events

import (
	"context"
	"encoding/json"
)

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	Broadcast(msg []byte)
}

// BroadcastPublisher forwards events to an inner publisher and then
// broadcasts them as JSON.
type BroadcastPublisher struct {
	inner       Publisher
	broadcaster Broadcaster
}

// NewBroadcastPublisher constructs a BroadcastPublisher. inner may be nil.
func NewBroadcastPublisher(inner Publisher, broadcaster Broadcaster) *BroadcastPublisher {
	return &BroadcastPublisher{inner: inner, broadcaster: broadcaster}
}

// Publish delivers to inner first; nothing is broadcast if that fails.
func (p *BroadcastPublisher) Publish(ctx context.Context, evt StatusChanged) error {
	if p.inner != nil {
		if err := p.inner.Publish(ctx, evt); err != nil {
			return err
		}
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	if p.broadcaster != nil {
		p.broadcaster.Broadcast(data)
	}
	return nil
}
