package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer used here.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a writer for the given brokers.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

// KafkaPublisher writes status events to a topic keyed by order id, so all
// events of one order land on the same partition in commit order.
type KafkaPublisher struct {
	writer MessageWriter
	topic  string
}

// NewKafkaPublisher constructs a KafkaPublisher.
func NewKafkaPublisher(writer MessageWriter, topic string) *KafkaPublisher {
	if topic == "" {
		topic = "order-events"
	}
	return &KafkaPublisher{writer: writer, topic: topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt StatusChanged) error {
	value, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(evt.OrderID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.Type)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", evt.OrderID, p.topic, err)
	}
	return nil
}
