package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestBreaker(clock *fakeClock, cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg.Now = clock.Now
	return NewCircuitBreaker(cfg)
}

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestCircuitBreaker_OpensOnFailureRate(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	breaker := newTestBreaker(clock, CircuitBreakerConfig{
		FailureRateThreshold: 0.5,
		MinRequestVolume:     4,
		Window:               time.Minute,
		Cooldown:             time.Second,
	})

	_ = breaker.Execute(succeed)
	_ = breaker.Execute(fail)
	_ = breaker.Execute(fail)
	if breaker.State() != StateClosed {
		t.Fatalf("expected closed below minimum volume, got %v", breaker.State())
	}
	_ = breaker.Execute(fail)
	if breaker.State() != StateOpen {
		t.Fatalf("expected open at 75%% failure over 4 calls, got %v", breaker.State())
	}

	calls := 0
	err := breaker.Execute(func() error {
		calls++
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open error, got %v", err)
	}
	if calls != 0 {
		t.Fatalf("expected fn not to run while open")
	}
}

func TestCircuitBreaker_StaysClosedBelowThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	breaker := newTestBreaker(clock, CircuitBreakerConfig{
		FailureRateThreshold: 0.5,
		MinRequestVolume:     4,
		Window:               time.Minute,
	})

	for i := 0; i < 3; i++ {
		_ = breaker.Execute(succeed)
	}
	_ = breaker.Execute(fail)
	_ = breaker.Execute(succeed)
	if breaker.State() != StateClosed {
		t.Fatalf("expected closed at 20%% failure rate")
	}
	snap := breaker.Snapshot()
	if snap.WindowRequests != 5 || snap.WindowFailures != 1 {
		t.Fatalf("unexpected window counters: %+v", snap)
	}
	if snap.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive failures reset by success, got %d", snap.ConsecutiveFailures)
	}
}

func TestCircuitBreaker_WindowEvictsOldOutcomes(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	breaker := newTestBreaker(clock, CircuitBreakerConfig{
		FailureRateThreshold: 0.5,
		MinRequestVolume:     3,
		Window:               10 * time.Second,
	})

	_ = breaker.Execute(fail)
	_ = breaker.Execute(fail)
	clock.Advance(11 * time.Second)
	_ = breaker.Execute(fail)

	if breaker.State() != StateClosed {
		t.Fatalf("expected evicted failures not to count")
	}
	if snap := breaker.Snapshot(); snap.WindowRequests != 1 {
		t.Fatalf("expected 1 request in window, got %d", snap.WindowRequests)
	}
}

func TestCircuitBreaker_HalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	var transitions []string
	breaker := newTestBreaker(clock, CircuitBreakerConfig{
		Name:                 "payments",
		FailureRateThreshold: 1,
		MinRequestVolume:     1,
		Cooldown:             time.Second,
		HalfOpenMaxProbes:    2,
		SuccessThreshold:     2,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})

	_ = breaker.Execute(fail)
	if breaker.State() != StateOpen {
		t.Fatalf("expected open")
	}

	clock.Advance(time.Second)
	if breaker.State() != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %v", breaker.State())
	}
	if err := breaker.Execute(succeed); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if breaker.State() != StateHalfOpen {
		t.Fatalf("expected still half-open after one success")
	}
	if err := breaker.Execute(succeed); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if breaker.State() != StateClosed {
		t.Fatalf("expected closed after success threshold, got %v", breaker.State())
	}

	want := []string{
		"payments:closed->open",
		"payments:open->half_open",
		"payments:half_open->closed",
	}
	if len(transitions) != len(want) {
		t.Fatalf("unexpected transitions: %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestCircuitBreaker_HalfOpenFailureReopensAndResetsCooldown(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	breaker := newTestBreaker(clock, CircuitBreakerConfig{
		FailureRateThreshold: 1,
		MinRequestVolume:     1,
		Cooldown:             time.Second,
		SuccessThreshold:     3,
	})

	_ = breaker.Execute(fail)
	clock.Advance(time.Second)
	if err := breaker.Execute(fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected probe to run and fail, got %v", err)
	}
	if breaker.State() != StateOpen {
		t.Fatalf("expected reopen after probe failure")
	}

	clock.Advance(999 * time.Millisecond)
	if err := breaker.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected cooldown to restart, got %v", err)
	}
	clock.Advance(time.Millisecond)
	if err := breaker.Execute(succeed); err != nil {
		t.Fatalf("expected probe after renewed cooldown, got %v", err)
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	breaker := newTestBreaker(clock, CircuitBreakerConfig{
		FailureRateThreshold: 1,
		MinRequestVolume:     1,
		Cooldown:             time.Second,
		HalfOpenMaxProbes:    1,
	})

	_ = breaker.Execute(fail)
	clock.Advance(time.Second)

	var nested error
	err := breaker.Execute(func() error {
		if snap := breaker.Snapshot(); snap.HalfOpenProbesInFlight != 1 {
			t.Errorf("expected one probe in flight, got %d", snap.HalfOpenProbesInFlight)
		}
		nested = breaker.Execute(succeed)
		return nil
	})
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if !errors.Is(nested, ErrCircuitOpen) {
		t.Fatalf("expected second concurrent probe to be rejected, got %v", nested)
	}
	if breaker.State() != StateClosed {
		t.Fatalf("expected closed after successful probe")
	}
}

func TestCircuitBreaker_IgnoresNonFailures(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	declined := errors.New("declined")
	breaker := newTestBreaker(clock, CircuitBreakerConfig{
		FailureRateThreshold: 0.5,
		MinRequestVolume:     1,
		IsFailure:            IsTransient,
	})

	for i := 0; i < 5; i++ {
		if err := breaker.Execute(func() error { return declined }); !errors.Is(err, declined) {
			t.Fatalf("expected business error passthrough, got %v", err)
		}
	}
	if breaker.State() != StateClosed {
		t.Fatalf("business errors must not open the breaker")
	}
}

func TestGuard_OpenBreakerShortCircuitsRetries(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}
	breaker := newTestBreaker(clock, CircuitBreakerConfig{
		FailureRateThreshold: 1,
		MinRequestVolume:     1,
		Cooldown:             time.Minute,
	})
	var delays []time.Duration
	guard := Guard{
		Retry:   RetryPolicy{MaxAttempts: 5, After: immediateAfter(&delays)},
		Breaker: breaker,
	}

	calls := 0
	_, attempts, err := Call(context.Background(), guard, func(context.Context) (string, error) {
		calls++
		return "", Transient(errors.New("connection reset"))
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one real call, got %d", calls)
	}
	if attempts != 2 {
		t.Fatalf("expected retry loop to stop after first rejection, got %d attempts", attempts)
	}
}

func TestNilCircuitBreakerPassesThrough(t *testing.T) {
	var breaker *CircuitBreaker
	if err := breaker.Execute(fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected passthrough, got %v", err)
	}
}
