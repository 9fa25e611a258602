package inventory

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryStore keeps stock in per-product atomic counters. Reservations are
// gated by idempotency key; a duplicate that arrives while the first call is
// still in flight waits for its outcome instead of guessing.
type MemoryStore struct {
	stockMu sync.RWMutex
	stock   map[string]*atomic.Int64

	mu           sync.Mutex
	reservations map[string]*memoryEntry
}

type entryState int

const (
	entryPending entryState = iota
	entryReserved
	entryRefused
	entryVoided
)

type memoryEntry struct {
	res   Reservation
	done  chan struct{}
	state entryState
}

func (e *memoryEntry) owns(orderID, productID string) bool {
	return e.res.OrderID == orderID && e.res.ProductID == productID
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stock:        make(map[string]*atomic.Int64),
		reservations: make(map[string]*memoryEntry),
	}
}

func (s *MemoryStore) counter(productID string) *atomic.Int64 {
	s.stockMu.RLock()
	defer s.stockMu.RUnlock()
	return s.stock[productID]
}

// SetStock overwrites the available quantity for a product.
func (s *MemoryStore) SetStock(_ context.Context, productID string, quantity int64) error {
	s.stockMu.Lock()
	defer s.stockMu.Unlock()
	c, ok := s.stock[productID]
	if !ok {
		c = &atomic.Int64{}
		s.stock[productID] = c
	}
	c.Store(quantity)
	return nil
}

// Available returns the current counter value.
func (s *MemoryStore) Available(_ context.Context, productID string) (int64, error) {
	c := s.counter(productID)
	if c == nil {
		return 0, ErrUnknownProduct
	}
	return c.Load(), nil
}

// Reserve claims the idempotency key, then compare-and-decrements the stock
// counter. The settled outcome stays under the key, refusals included.
func (s *MemoryStore) Reserve(ctx context.Context, r Reservation) (Result, error) {
	c := s.counter(r.ProductID)
	if c == nil {
		return 0, ErrUnknownProduct
	}

	s.mu.Lock()
	existing, ok := s.reservations[r.IdempotencyKey]
	if ok {
		s.mu.Unlock()
		return existing.replay(ctx, r)
	}
	entry := &memoryEntry{res: r, done: make(chan struct{})}
	s.reservations[r.IdempotencyKey] = entry
	s.mu.Unlock()

	reserved := false
	for {
		cur := c.Load()
		if cur < r.Quantity {
			break
		}
		if c.CompareAndSwap(cur, cur-r.Quantity) {
			reserved = true
			break
		}
	}

	s.mu.Lock()
	entry.state = entryRefused
	if reserved {
		entry.state = entryReserved
	}
	close(entry.done)
	s.mu.Unlock()

	if !reserved {
		return 0, ErrInsufficientStock
	}
	return ResultReserved, nil
}

// replay reports the outcome already recorded under the key.
func (e *memoryEntry) replay(ctx context.Context, r Reservation) (Result, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if !e.owns(r.OrderID, r.ProductID) {
		return 0, ErrKeyMismatch
	}
	switch e.state {
	case entryRefused:
		return 0, ErrInsufficientStock
	case entryVoided:
		return 0, ErrReservationVoided
	default:
		return ResultAlreadyReserved, nil
	}
}

// Release adds the reserved quantity back exactly once. A key with no
// reservation yet is voided.
func (s *MemoryStore) Release(ctx context.Context, orderID, productID, idempotencyKey string, at time.Time) (Result, error) {
	s.mu.Lock()
	entry, ok := s.reservations[idempotencyKey]
	if !ok {
		done := make(chan struct{})
		close(done)
		s.reservations[idempotencyKey] = &memoryEntry{
			res:   Reservation{OrderID: orderID, ProductID: productID, IdempotencyKey: idempotencyKey, ReservedAt: at},
			done:  done,
			state: entryVoided,
		}
		s.mu.Unlock()
		return ResultNothingToRelease, nil
	}
	s.mu.Unlock()

	select {
	case <-entry.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	if !entry.owns(orderID, productID) {
		return 0, ErrKeyMismatch
	}
	if entry.state != entryReserved {
		return ResultNothingToRelease, nil
	}

	s.mu.Lock()
	if entry.res.ReleasedAt != nil {
		s.mu.Unlock()
		return ResultAlreadyReleased, nil
	}
	released := at
	entry.res.ReleasedAt = &released
	s.mu.Unlock()

	c := s.counter(productID)
	if c == nil {
		return 0, ErrUnknownProduct
	}
	c.Add(entry.res.Quantity)
	return ResultReleased, nil
}

// Reservations returns the settled reservations of an order sorted by time.
func (s *MemoryStore) Reservations(_ context.Context, orderID string) ([]Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Reservation
	for _, entry := range s.reservations {
		select {
		case <-entry.done:
		default:
			continue
		}
		if entry.state == entryReserved && entry.res.OrderID == orderID {
			res := entry.res
			if res.ReleasedAt != nil {
				at := *res.ReleasedAt
				res.ReleasedAt = &at
			}
			out = append(out, res)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ReservedAt.Equal(out[j].ReservedAt) {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].ReservedAt.Before(out[j].ReservedAt)
	})
	return out, nil
}
