package observability

import (
	"sync"
	"time"

	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/resilience"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

// StepSnapshot counts saga step outcomes for one step name.
type StepSnapshot struct {
	Succeeded    int64   `json:"succeeded"`
	Failed       int64   `json:"failed"`
	Skipped      int64   `json:"skipped"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                     `json:"uptime_sec"`
	TotalRequests   int64                     `json:"total_requests"`
	TotalErrors     int64                     `json:"total_errors"`
	InFlight        int64                     `json:"in_flight"`
	RateLimitWaits  int64                     `json:"rate_limit_waits"`
	RateLimitWaitMs int64                     `json:"rate_limit_wait_ms"`
	Lifecycle       *LifecycleSnapshot        `json:"lifecycle,omitempty"`
	Methods         map[string]MethodSnapshot `json:"methods"`
	// Transitions counts committed order transitions by target status.
	Transitions map[string]int64        `json:"transitions"`
	Steps       map[string]StepSnapshot `json:"steps"`
	Breakers    map[string]string       `json:"breakers,omitempty"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

type stepStats struct {
	byOutcome    map[saga.Outcome]int64
	count        int64
	totalLatency time.Duration
}

// Metrics keeps an in-process view of RPC calls and saga progress for the
// JSON endpoint, and mirrors every observation into an optional Prometheus
// collector.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	methods        map[string]*methodStats
	transitions    map[orders.Status]int64
	steps          map[saga.StepName]*stepStats
	breakers       map[string]resilience.State
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
	prom           *Collector
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:       time.Now(),
		methods:     make(map[string]*methodStats),
		transitions: make(map[orders.Status]int64),
		steps:       make(map[saga.StepName]*stepStats),
		breakers:    make(map[string]resilience.State),
	}
}

// WithPrometheus mirrors observations into c.
func (m *Metrics) WithPrometheus(c *Collector) *Metrics {
	if m != nil {
		m.prom = c
	}
	return m
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err)
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
	m.prom.observeRateLimitWait(d)
}

// ObserveTransition records a committed order transition.
func (m *Metrics) ObserveTransition(from, to orders.Status, reason orders.Reason) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.transitions[to]++
	m.mu.Unlock()
	m.prom.observeTransition(from, to, reason)
}

// ObserveStep records one finished saga step.
func (m *Metrics) ObserveStep(name saga.StepName, outcome saga.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats, ok := m.steps[name]
	if !ok {
		stats = &stepStats{byOutcome: make(map[saga.Outcome]int64)}
		m.steps[name] = stats
	}
	stats.byOutcome[outcome]++
	stats.count++
	stats.totalLatency += elapsed
	m.mu.Unlock()
	m.prom.observeStep(name, outcome, elapsed)
}

// ObserveBreaker records a circuit breaker state change. It has the shape
// of resilience.CircuitBreakerConfig.OnStateChange.
func (m *Metrics) ObserveBreaker(name string, _, to resilience.State) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.breakers[name] = to
	m.mu.Unlock()
	m.prom.observeBreaker(name, to)
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:       int64(now.Sub(m.start).Seconds()),
		Methods:         make(map[string]MethodSnapshot),
		Transitions:     make(map[string]int64, len(m.transitions)),
		Steps:           make(map[string]StepSnapshot, len(m.steps)),
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	for status, n := range m.transitions {
		snap.Transitions[string(status)] = n
	}
	for name, stats := range m.steps {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Steps[string(name)] = StepSnapshot{
			Succeeded:    stats.byOutcome[saga.OutcomeSucceeded],
			Failed:       stats.byOutcome[saga.OutcomeFailed],
			Skipped:      stats.byOutcome[saga.OutcomeSkipped],
			AvgLatencyMs: avg,
		}
	}
	if len(m.breakers) > 0 {
		snap.Breakers = make(map[string]string, len(m.breakers))
		for name, state := range m.breakers {
			snap.Breakers[name] = state.String()
		}
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, err error) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if err != nil {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
	m.prom.observeCall(method, dur, err)
}

func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
