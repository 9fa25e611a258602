package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryProvider is an in-process stand-in for the payment provider. It
// honors idempotency keys the way a real provider does and can be told to
// decline orders or fail upcoming calls.
type MemoryProvider struct {
	mu       sync.Mutex
	byKey    map[string]string
	intents  map[string]*memoryCharge
	refunds  map[string]string
	declined map[string]bool
	failures []error
}

type memoryCharge struct {
	orderID  string
	amount   int64
	captured bool
	refunded int64
}

// NewMemoryProvider constructs an in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		byKey:    make(map[string]string),
		intents:  make(map[string]*memoryCharge),
		refunds:  make(map[string]string),
		declined: make(map[string]bool),
	}
}

// Decline makes captures for the order fail with ErrPaymentDeclined.
func (p *MemoryProvider) Decline(orderID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declined[orderID] = true
}

// FailNext queues errors returned by the next calls, one per call.
func (p *MemoryProvider) FailNext(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, errs...)
}

func (p *MemoryProvider) nextFailure() error {
	if len(p.failures) == 0 {
		return nil
	}
	err := p.failures[0]
	p.failures = p.failures[1:]
	return err
}

func (p *MemoryProvider) CreateIntent(ctx context.Context, orderID string, amount int64, idempotencyKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.nextFailure(); err != nil {
		return "", err
	}
	if ref, ok := p.byKey[idempotencyKey]; ok {
		return ref, nil
	}
	ref := "mem_" + uuid.NewString()
	p.byKey[idempotencyKey] = ref
	p.intents[ref] = &memoryCharge{orderID: orderID, amount: amount}
	return ref, nil
}

func (p *MemoryProvider) Capture(ctx context.Context, providerRef string) (Outcome, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.nextFailure(); err != nil {
		return "", err
	}
	charge, ok := p.intents[providerRef]
	if !ok {
		return "", fmt.Errorf("capture %s: unknown intent", providerRef)
	}
	if p.declined[charge.orderID] {
		return OutcomeFailed, ErrPaymentDeclined
	}
	charge.captured = true
	return OutcomeSucceeded, nil
}

func (p *MemoryProvider) Refund(ctx context.Context, providerRef string, amount int64, idempotencyKey string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.nextFailure(); err != nil {
		return "", err
	}
	if ref, ok := p.refunds[idempotencyKey]; ok {
		return ref, nil
	}
	charge, ok := p.intents[providerRef]
	if !ok || !charge.captured {
		return "", fmt.Errorf("refund %s: %w", providerRef, ErrNotCaptured)
	}
	charge.refunded += amount
	ref := "re_" + uuid.NewString()
	p.refunds[idempotencyKey] = ref
	return ref, nil
}

// WasCaptured reports whether the provider captured the intent.
func (p *MemoryProvider) WasCaptured(providerRef string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	charge, ok := p.intents[providerRef]
	return ok && charge.captured
}

// RefundedAmount reports how much was refunded for the intent.
func (p *MemoryProvider) RefundedAmount(providerRef string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if charge, ok := p.intents[providerRef]; ok {
		return charge.refunded
	}
	return 0
}

// IntentCount reports how many distinct intents the provider opened.
func (p *MemoryProvider) IntentCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.intents)
}

// MemoryIntentStore keeps intents in memory, indexed by id and by order.
type MemoryIntentStore struct {
	mu      sync.Mutex
	intents map[string]Intent
	byOrder map[string]string
}

// NewMemoryIntentStore constructs an empty intent store.
func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{
		intents: make(map[string]Intent),
		byOrder: make(map[string]string),
	}
}

func (s *MemoryIntentStore) Create(_ context.Context, intent Intent) (Intent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byOrder[intent.OrderID]; ok {
		return s.intents[id], false, nil
	}
	s.intents[intent.ID] = intent
	s.byOrder[intent.OrderID] = intent.ID
	return intent, true, nil
}

func (s *MemoryIntentStore) Get(_ context.Context, intentID string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	return intent, nil
}

func (s *MemoryIntentStore) GetByOrder(_ context.Context, orderID string) (Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byOrder[orderID]
	if !ok {
		return Intent{}, ErrIntentNotFound
	}
	return s.intents[id], nil
}

func (s *MemoryIntentStore) UpdateStatus(_ context.Context, intentID string, from, to IntentStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent, ok := s.intents[intentID]
	if !ok {
		return ErrIntentNotFound
	}
	if intent.Status != from {
		return ErrStaleIntent
	}
	intent.Status = to
	intent.UpdatedAt = at
	s.intents[intentID] = intent
	return nil
}
