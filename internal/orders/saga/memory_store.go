package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"fulfillment/internal/orders"
)

// MemoryStore keeps executions in memory. With a WAL attached every mutation
// is appended to it before being applied, so OpenMemoryStore can rebuild the
// state after a restart.
type MemoryStore struct {
	mu    sync.Mutex
	execs map[string]Execution
	byKey map[string]string
	wal   *FileWAL
}

// NewMemoryStore constructs a volatile store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		execs: make(map[string]Execution),
		byKey: make(map[string]string),
	}
}

// OpenMemoryStore replays the WAL at path and keeps appending to it.
func OpenMemoryStore(path string) (*MemoryStore, error) {
	execs, err := ReplayWAL(path)
	if err != nil {
		return nil, fmt.Errorf("replay saga wal: %w", err)
	}
	wal, err := NewFileWAL(path)
	if err != nil {
		return nil, err
	}
	s := NewMemoryStore()
	s.wal = wal
	for id, exec := range execs {
		s.execs[id] = exec
		s.byKey[exec.Order.IdempotencyKey] = id
	}
	return s, nil
}

// Close closes the WAL, if any.
func (s *MemoryStore) Close() error {
	if s.wal == nil {
		return nil
	}
	return s.wal.Close()
}

func (s *MemoryStore) commit(exec Execution) error {
	if s.wal != nil {
		if err := s.wal.Append(exec); err != nil {
			return fmt.Errorf("append saga wal: %w", err)
		}
	}
	s.execs[exec.Order.ID] = exec
	return nil
}

func (s *MemoryStore) Create(_ context.Context, order orders.Order) (Execution, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[order.IdempotencyKey]; ok {
		existing := s.execs[id]
		if existing.Order.Fingerprint() != order.Fingerprint() {
			return Execution{}, false, orders.ErrIdempotencyConflict
		}
		return existing.Clone(), false, nil
	}
	if _, ok := s.execs[order.ID]; ok {
		return Execution{}, false, fmt.Errorf("order %s already exists", order.ID)
	}

	exec := Execution{Order: order}.Clone()
	if err := s.commit(exec); err != nil {
		return Execution{}, false, err
	}
	s.byKey[order.IdempotencyKey] = order.ID
	return exec.Clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, orderID string) (Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[orderID]
	if !ok {
		return Execution{}, ErrNotFound
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) Transition(_ context.Context, orderID string, from, to orders.Status, reason orders.Reason, at time.Time, steps ...Step) error {
	if err := orders.CheckTransition(from, to); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[orderID]
	if !ok {
		return ErrNotFound
	}
	if exec.Order.Status != from {
		return ErrStaleTransition
	}

	next := exec.Clone()
	next.Order.Status = to
	if reason != orders.ReasonNone {
		next.Order.Reason = reason
	}
	next.Order.UpdatedAt = at
	for _, step := range steps {
		step.Seq = len(next.Steps) + 1
		next.Steps = append(next.Steps, step)
	}
	return s.commit(next)
}

func (s *MemoryStore) AppendStep(_ context.Context, orderID string, step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[orderID]
	if !ok {
		return ErrNotFound
	}
	next := exec.Clone()
	step.Seq = len(next.Steps) + 1
	next.Steps = append(next.Steps, step)
	return s.commit(next)
}

func (s *MemoryStore) Compensate(_ context.Context, orderID string, forwardSeq int, step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	exec, ok := s.execs[orderID]
	if !ok {
		return ErrNotFound
	}
	next := exec.Clone()
	if forwardSeq > 0 {
		if forwardSeq > len(next.Steps) {
			return fmt.Errorf("compensate %s: no step %d", orderID, forwardSeq)
		}
		next.Steps[forwardSeq-1].Compensated = true
	}
	step.Seq = len(next.Steps) + 1
	next.Steps = append(next.Steps, step)
	return s.commit(next)
}

func (s *MemoryStore) ListActive(_ context.Context) ([]Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Execution, 0)
	for _, exec := range s.execs {
		if !exec.Order.Status.Terminal() {
			out = append(out, exec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Order.CreatedAt.Equal(out[j].Order.CreatedAt) {
			return out[i].Order.ID < out[j].Order.ID
		}
		return out[i].Order.CreatedAt.Before(out[j].Order.CreatedAt)
	})
	return out, nil
}
