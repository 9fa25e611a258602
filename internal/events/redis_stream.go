package events

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPipelineClient is the minimal client surface used by RedisStreamPublisher.
type RedisPipelineClient interface {
	Pipeline() redis.Pipeliner
}

// RedisStreamPublisher keeps the latest status of each order in a hash and
// appends every event to a stream.
type RedisStreamPublisher struct {
	client    RedisPipelineClient
	stream    string
	keyPrefix string
	ttl       time.Duration
	maxLen    int64
}

// NewRedisStreamPublisher constructs a Redis-backed publisher.
func NewRedisStreamPublisher(client RedisPipelineClient, stream string, ttl time.Duration, maxLen int64) *RedisStreamPublisher {
	if stream == "" {
		stream = "order_events"
	}
	return &RedisStreamPublisher{
		client:    client,
		stream:    stream,
		keyPrefix: "order_status:",
		ttl:       ttl,
		maxLen:    maxLen,
	}
}

// Publish writes the latest status and appends to the stream.
func (r *RedisStreamPublisher) Publish(ctx context.Context, evt StatusChanged) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	key := r.keyPrefix + evt.OrderID
	values := map[string]any{
		"order_id": evt.OrderID,
		"from":     string(evt.From),
		"to":       string(evt.To),
		"reason":   string(evt.Reason),
		"at":       evt.At.UTC().Format(time.RFC3339Nano),
	}

	pipe := r.client.Pipeline()
	pipe.HSet(ctx, key, values)
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	args := &redis.XAddArgs{Stream: r.stream, Values: values}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	pipe.XAdd(ctx, args)

	_, err := pipe.Exec(ctx)
	return err
}
