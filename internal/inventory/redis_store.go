package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the minimal client surface used by RedisStore.
type RedisClient interface {
	redis.Scripter
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// reserveScript decrements stock only when enough is available and the
// idempotency key has not been applied yet, all inside one Lua call. A
// refusal is written to the reservation hash with status "refused" so a
// replay reports it again.
//
// KEYS: stock, reservation, order index. ARGV: qty, order, product, key, reserved_at.
// Returns 0 reserved, 1 already reserved, -1 insufficient, -2 unknown product,
// -3 key mismatch, -4 voided.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	local owner = redis.call('HMGET', KEYS[2], 'order_id', 'product_id', 'status')
	if owner[1] ~= ARGV[2] or owner[2] ~= ARGV[3] then
		return -3
	end
	if owner[3] == 'refused' then
		return -1
	end
	if owner[3] == 'voided' then
		return -4
	end
	return 1
end
local current = redis.call('GET', KEYS[1])
if not current then
	return -2
end
local qty = tonumber(ARGV[1])
if tonumber(current) < qty then
	redis.call('HSET', KEYS[2], 'order_id', ARGV[2], 'product_id', ARGV[3], 'quantity', ARGV[1], 'idempotency_key', ARGV[4], 'reserved_at', ARGV[5], 'status', 'refused')
	return -1
end
redis.call('DECRBY', KEYS[1], qty)
redis.call('HSET', KEYS[2], 'order_id', ARGV[2], 'product_id', ARGV[3], 'quantity', ARGV[1], 'idempotency_key', ARGV[4], 'reserved_at', ARGV[5], 'status', 'reserved')
redis.call('SADD', KEYS[3], ARGV[4])
return 0
`)

// releaseScript gives stock back once per reservation. A key with no
// reservation yet is voided.
//
// KEYS: stock, reservation. ARGV: released_at, order, product, key.
// Returns 0 released, 1 already released, 2 nothing to release, -3 key mismatch.
var releaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 0 then
	redis.call('HSET', KEYS[2], 'order_id', ARGV[2], 'product_id', ARGV[3], 'quantity', '0', 'idempotency_key', ARGV[4], 'reserved_at', ARGV[1], 'status', 'voided')
	return 2
end
local fields = redis.call('HMGET', KEYS[2], 'order_id', 'product_id', 'quantity', 'released_at', 'status')
if fields[1] ~= ARGV[2] or fields[2] ~= ARGV[3] then
	return -3
end
if fields[5] == 'refused' or fields[5] == 'voided' then
	return 2
end
if fields[4] then
	return 1
end
redis.call('INCRBY', KEYS[1], tonumber(fields[3]))
redis.call('HSET', KEYS[2], 'released_at', ARGV[1])
return 0
`)

// RedisStore keeps stock counters and reservation hashes in Redis.
type RedisStore struct {
	client    RedisClient
	keyPrefix string
}

// NewRedisStore constructs a Redis-backed inventory store.
func NewRedisStore(client RedisClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "inventory:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) stockKey(productID string) string {
	return s.keyPrefix + "stock:" + productID
}

func (s *RedisStore) reservationKey(idempotencyKey string) string {
	return s.keyPrefix + "reservation:" + idempotencyKey
}

func (s *RedisStore) orderKey(orderID string) string {
	return s.keyPrefix + "order:" + orderID
}

// SetStock overwrites the available quantity for a product.
func (s *RedisStore) SetStock(ctx context.Context, productID string, quantity int64) error {
	return s.client.Set(ctx, s.stockKey(productID), quantity, 0).Err()
}

// Available reads the stock counter.
func (s *RedisStore) Available(ctx context.Context, productID string) (int64, error) {
	val, err := s.client.Get(ctx, s.stockKey(productID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrUnknownProduct
	}
	return val, err
}

// Reserve runs the compare-and-decrement script.
func (s *RedisStore) Reserve(ctx context.Context, r Reservation) (Result, error) {
	code, err := reserveScript.Run(ctx, s.client,
		[]string{s.stockKey(r.ProductID), s.reservationKey(r.IdempotencyKey), s.orderKey(r.OrderID)},
		r.Quantity, r.OrderID, r.ProductID, r.IdempotencyKey, r.ReservedAt.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return 0, err
	}
	switch code {
	case 0:
		return ResultReserved, nil
	case 1:
		return ResultAlreadyReserved, nil
	case -1:
		return 0, ErrInsufficientStock
	case -2:
		return 0, ErrUnknownProduct
	case -3:
		return 0, ErrKeyMismatch
	case -4:
		return 0, ErrReservationVoided
	default:
		return 0, fmt.Errorf("reserve script returned %d", code)
	}
}

// Release runs the release script.
func (s *RedisStore) Release(ctx context.Context, orderID, productID, idempotencyKey string, at time.Time) (Result, error) {
	code, err := releaseScript.Run(ctx, s.client,
		[]string{s.stockKey(productID), s.reservationKey(idempotencyKey)},
		at.UTC().Format(time.RFC3339Nano), orderID, productID, idempotencyKey,
	).Int()
	if err != nil {
		return 0, err
	}
	switch code {
	case 0:
		return ResultReleased, nil
	case 1:
		return ResultAlreadyReleased, nil
	case 2:
		return ResultNothingToRelease, nil
	case -3:
		return 0, ErrKeyMismatch
	default:
		return 0, fmt.Errorf("release script returned %d", code)
	}
}

// Reservations loads every reservation hash indexed under the order.
func (s *RedisStore) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	keys, err := s.client.SMembers(ctx, s.orderKey(orderID)).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Reservation, 0, len(keys))
	for _, key := range keys {
		fields, err := s.client.HGetAll(ctx, s.reservationKey(key)).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 || (fields["status"] != "" && fields["status"] != "reserved") {
			continue
		}
		res, err := parseReservation(fields)
		if err != nil {
			return nil, fmt.Errorf("reservation %s: %w", key, err)
		}
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReservedAt.Equal(out[j].ReservedAt) {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].ReservedAt.Before(out[j].ReservedAt)
	})
	return out, nil
}

func parseReservation(fields map[string]string) (Reservation, error) {
	qty, err := strconv.ParseInt(fields["quantity"], 10, 64)
	if err != nil {
		return Reservation{}, err
	}
	reservedAt, err := time.Parse(time.RFC3339Nano, fields["reserved_at"])
	if err != nil {
		return Reservation{}, err
	}
	res := Reservation{
		OrderID:        fields["order_id"],
		ProductID:      fields["product_id"],
		Quantity:       qty,
		IdempotencyKey: fields["idempotency_key"],
		ReservedAt:     reservedAt,
	}
	if raw, ok := fields["released_at"]; ok && raw != "" {
		releasedAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return Reservation{}, err
		}
		res.ReleasedAt = &releasedAt
	}
	return res, nil
}
