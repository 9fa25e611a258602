package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	Name string
	// FailureRateThreshold opens the breaker once the failure rate inside
	// Window reaches it, provided MinRequestVolume calls were observed.
	FailureRateThreshold float64
	MinRequestVolume     int
	Window               time.Duration
	// Cooldown is how long the breaker stays open before allowing probes.
	Cooldown time.Duration
	// HalfOpenMaxProbes caps concurrent probe calls while half-open.
	HalfOpenMaxProbes int
	// SuccessThreshold is the number of successful probes needed to close.
	SuccessThreshold int
	// IsFailure decides which errors count toward the failure rate.
	IsFailure func(error) bool
	// OnStateChange runs with the breaker lock held and must not call back
	// into the breaker.
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// BreakerSnapshot is a consistent view of the breaker's counters.
type BreakerSnapshot struct {
	Name                   string
	State                  State
	ConsecutiveFailures    int
	LastTransitionAt       time.Time
	HalfOpenProbesInFlight int
	WindowRequests         int
	WindowFailures         int
}

type outcome struct {
	at     time.Time
	failed bool
}

// CircuitBreaker stops calls to a failing dependency for a cooldown period.
// All state lives behind a single mutex; it is never persisted.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg CircuitBreakerConfig

	state               State
	generation          uint64
	lastTransitionAt    time.Time
	window              []outcome
	consecutiveFailures int
	probesInFlight      int
	probeSuccesses      int
}

// NewCircuitBreaker constructs a circuit breaker with sane defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureRateThreshold <= 0 || cfg.FailureRateThreshold > 1 {
		cfg.FailureRateThreshold = 0.5
	}
	if cfg.MinRequestVolume < 1 {
		cfg.MinRequestVolume = 1
	}
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 2 * time.Second
	}
	if cfg.HalfOpenMaxProbes < 1 {
		cfg.HalfOpenMaxProbes = 1
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		cfg:              cfg,
		state:            StateClosed,
		lastTransitionAt: cfg.Now(),
	}
}

// Execute runs fn while enforcing breaker state. When the breaker is open,
// or half-open with all probe slots taken, fn is not invoked and
// ErrCircuitOpen is returned.
func (c *CircuitBreaker) Execute(fn func() error) error {
	if c == nil {
		return fn()
	}

	gen, err := c.before()
	if err != nil {
		return err
	}

	err = fn()
	c.after(gen, err)
	return err
}

// Snapshot returns the current counters.
func (c *CircuitBreaker) Snapshot() BreakerSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	c.refresh(now)
	total, failures := c.windowStats()
	return BreakerSnapshot{
		Name:                   c.cfg.Name,
		State:                  c.state,
		ConsecutiveFailures:    c.consecutiveFailures,
		LastTransitionAt:       c.lastTransitionAt,
		HalfOpenProbesInFlight: c.probesInFlight,
		WindowRequests:         total,
		WindowFailures:         failures,
	}
}

// State returns the current breaker state.
func (c *CircuitBreaker) State() State {
	return c.Snapshot().State
}

func (c *CircuitBreaker) before() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.refresh(c.cfg.Now())
	switch c.state {
	case StateOpen:
		return 0, ErrCircuitOpen
	case StateHalfOpen:
		if c.probesInFlight >= c.cfg.HalfOpenMaxProbes {
			return 0, ErrCircuitOpen
		}
		c.probesInFlight++
	}
	return c.generation, nil
}

func (c *CircuitBreaker) after(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.cfg.Now()
	if gen != c.generation {
		// The state changed while the call was in flight; its outcome
		// belongs to a previous period.
		return
	}
	failed := c.cfg.IsFailure(err)

	switch c.state {
	case StateHalfOpen:
		c.probesInFlight--
		if failed {
			c.transition(StateOpen, now)
			return
		}
		c.probeSuccesses++
		if c.probeSuccesses >= c.cfg.SuccessThreshold {
			c.transition(StateClosed, now)
		}
	case StateClosed:
		c.evict(now)
		c.window = append(c.window, outcome{at: now, failed: failed})
		if !failed {
			c.consecutiveFailures = 0
			return
		}
		c.consecutiveFailures++
		total, failures := c.windowStats()
		if total >= c.cfg.MinRequestVolume && float64(failures)/float64(total) >= c.cfg.FailureRateThreshold {
			c.transition(StateOpen, now)
		}
	}
}

// refresh moves an open breaker to half-open once the cooldown elapsed.
func (c *CircuitBreaker) refresh(now time.Time) {
	switch c.state {
	case StateOpen:
		if now.Sub(c.lastTransitionAt) >= c.cfg.Cooldown {
			c.transition(StateHalfOpen, now)
		}
	case StateClosed:
		c.evict(now)
	}
}

func (c *CircuitBreaker) transition(to State, now time.Time) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.generation++
	c.lastTransitionAt = now
	c.probesInFlight = 0
	c.probeSuccesses = 0
	if to == StateClosed {
		c.window = c.window[:0]
		c.consecutiveFailures = 0
	}
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(c.cfg.Name, from, to)
	}
}

func (c *CircuitBreaker) evict(now time.Time) {
	cutoff := now.Add(-c.cfg.Window)
	idx := 0
	for idx < len(c.window) && !c.window[idx].at.After(cutoff) {
		idx++
	}
	if idx > 0 {
		c.window = append(c.window[:0], c.window[idx:]...)
	}
}

func (c *CircuitBreaker) windowStats() (total, failures int) {
	for _, o := range c.window {
		total++
		if o.failed {
			failures++
		}
	}
	return total, failures
}
