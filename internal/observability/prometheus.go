package observability

import (
	"time"

	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/resilience"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc/status"
)

// Collector holds the Prometheus metrics of the service on its own registry.
type Collector struct {
	registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	StepDuration  *prometheus.HistogramVec
	Calls         *prometheus.CounterVec
	CallDuration  *prometheus.HistogramVec
	BreakerState  *prometheus.GaugeVec
	RateLimitWait prometheus.Histogram
}

// NewCollector creates and registers the metrics under namespace.
func NewCollector(namespace string) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "Committed order status transitions.",
		}, []string{"from", "to", "reason"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_step_duration_seconds",
			Help:      "Duration of saga steps including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step", "outcome"}),
		Calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Handled API requests by method and status code.",
		}, []string{"method", "code"}),
		CallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rpc_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
		}, []string{"breaker"}),
		RateLimitWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a rate limiter token.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	c.registry.MustRegister(
		c.Transitions, c.StepDuration, c.Calls, c.CallDuration, c.BreakerState, c.RateLimitWait,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the metrics live on.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) observeTransition(from, to orders.Status, reason orders.Reason) {
	if c == nil {
		return
	}
	c.Transitions.WithLabelValues(string(from), string(to), string(reason)).Inc()
}

func (c *Collector) observeStep(name saga.StepName, outcome saga.Outcome, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.StepDuration.WithLabelValues(string(name), string(outcome)).Observe(elapsed.Seconds())
}

func (c *Collector) observeCall(method string, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.Calls.WithLabelValues(method, status.Code(err).String()).Inc()
	c.CallDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

func (c *Collector) observeBreaker(name string, state resilience.State) {
	if c == nil {
		return
	}
	var v float64
	switch state {
	case resilience.StateHalfOpen:
		v = 1
	case resilience.StateOpen:
		v = 2
	}
	c.BreakerState.WithLabelValues(name).Set(v)
}

func (c *Collector) observeRateLimitWait(d time.Duration) {
	if c == nil {
		return
	}
	c.RateLimitWait.Observe(d.Seconds())
}
