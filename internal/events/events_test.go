package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/orders"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

var sampleEvent = NewStatusChanged("order-1", orders.StatusAwaitingPayment, orders.StatusCanceling, orders.ReasonPaymentDeclined,
	time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))

type spyPublisher struct {
	calls int
	evt   StatusChanged
	err   error
}

func (s *spyPublisher) Publish(_ context.Context, evt StatusChanged) error {
	s.calls++
	s.evt = evt
	return s.err
}

type spyBroadcaster struct {
	msgs [][]byte
}

func (s *spyBroadcaster) Broadcast(msg []byte) {
	s.msgs = append(s.msgs, msg)
}

func TestMultiPublisher_PublishContinuesOnErrors(t *testing.T) {
	firstErr := errors.New("kafka down")
	first := &spyPublisher{err: firstErr}
	second := &spyPublisher{}

	err := NewMultiPublisher(first, nil, second).Publish(context.Background(), sampleEvent)
	if !errors.Is(err, firstErr) {
		t.Fatalf("expected joined error to include %v, got %v", firstErr, err)
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("expected both publishers called, got first=%d second=%d", first.calls, second.calls)
	}
}

func TestBroadcastPublisher_PublishesThenBroadcasts(t *testing.T) {
	t.Parallel()

	inner := &spyPublisher{}
	bcaster := &spyBroadcaster{}
	if err := NewBroadcastPublisher(inner, bcaster).Publish(context.Background(), sampleEvent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("inner publisher not called")
	}
	if len(bcaster.msgs) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(bcaster.msgs))
	}

	var payload StatusChanged
	if err := json.Unmarshal(bcaster.msgs[0], &payload); err != nil {
		t.Fatalf("unmarshal broadcast: %v", err)
	}
	if payload.Type != TypeStatusChanged || payload.OrderID != "order-1" || payload.To != orders.StatusCanceling {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestBroadcastPublisher_SkipsBroadcastOnInnerError(t *testing.T) {
	t.Parallel()

	inner := &spyPublisher{err: context.Canceled}
	bcaster := &spyBroadcaster{}
	if err := NewBroadcastPublisher(inner, bcaster).Publish(context.Background(), sampleEvent); err == nil {
		t.Fatalf("expected error")
	}
	if len(bcaster.msgs) != 0 {
		t.Fatalf("expected no broadcast on error")
	}
}

func TestBroadcastPublisher_NilInnerAndBroadcaster(t *testing.T) {
	if err := NewBroadcastPublisher(nil, nil).Publish(context.Background(), sampleEvent); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

type stubWriter struct {
	msgs []kafka.Message
	err  error
}

func (s *stubWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	s.msgs = append(s.msgs, msgs...)
	return s.err
}

func TestKafkaPublisher_KeysByOrder(t *testing.T) {
	w := &stubWriter{}
	if err := NewKafkaPublisher(w, "").Publish(context.Background(), sampleEvent); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(w.msgs))
	}
	msg := w.msgs[0]
	if msg.Topic != "order-events" || string(msg.Key) != "order-1" {
		t.Fatalf("unexpected message routing: topic=%q key=%q", msg.Topic, msg.Key)
	}
	if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != TypeStatusChanged {
		t.Fatalf("unexpected headers: %+v", msg.Headers)
	}
}

func TestKafkaPublisher_WrapsWriteError(t *testing.T) {
	writeErr := errors.New("leader not available")
	err := NewKafkaPublisher(&stubWriter{err: writeErr}, "orders").Publish(context.Background(), sampleEvent)
	if !errors.Is(err, writeErr) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
}

func TestRedisStreamPublisher_WritesHashAndStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := NewRedisStreamPublisher(client, "", time.Minute, 100)
	if err := pub.Publish(context.Background(), sampleEvent); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := mr.HGet("order_status:order-1", "to"); got != string(orders.StatusCanceling) {
		t.Fatalf("unexpected latest status %q", got)
	}
	if ttl := mr.TTL("order_status:order-1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
	entries, err := client.XRange(context.Background(), "order_events", "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 || entries[0].Values["reason"] != string(orders.ReasonPaymentDeclined) {
		t.Fatalf("unexpected stream entries: %+v", entries)
	}
}

func TestRedisStreamPublisher_RespectsCanceledContext(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewRedisStreamPublisher(client, "", 0, 0).Publish(ctx, sampleEvent); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if mr.Exists("order_status:order-1") {
		t.Fatalf("expected no writes when context canceled")
	}
}
