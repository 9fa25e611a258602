package saga

import (
	"context"
	"sync"

	"fulfillment/internal/sharding"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Dispatcher feeds order ids to a fixed pool of workers. Each order is
// always routed to the same worker, so work for one order never runs on two
// workers at once. Queues are bounded; Submit never blocks.
type Dispatcher struct {
	queues []chan string
	handle func(ctx context.Context, orderID string)
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]struct{}
}

// NewDispatcher constructs a dispatcher with workers queues of queueSize.
func NewDispatcher(workers, queueSize int, handle func(ctx context.Context, orderID string), logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	queues := make([]chan string, workers)
	for i := range queues {
		queues[i] = make(chan string, queueSize)
	}
	return &Dispatcher{
		queues:  queues,
		handle:  handle,
		logger:  logger,
		pending: make(map[string]struct{}),
	}
}

// Submit queues orderID. It returns false when the order's queue is full; an
// order that is already queued is not queued twice.
func (d *Dispatcher) Submit(orderID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[orderID]; ok {
		return true
	}
	q := d.queues[sharding.ShardFor(orderID, len(d.queues))]
	select {
	case q <- orderID:
		d.pending[orderID] = struct{}{}
		return true
	default:
		return false
	}
}

// Pending reports how many orders are queued.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run starts the workers and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, q := range d.queues {
		worker, queue := i, q
		g.Go(func() error {
			d.logger.Debug("saga worker started", zap.Int("worker", worker))
			for {
				select {
				case <-ctx.Done():
					return nil
				case orderID := <-queue:
					d.mu.Lock()
					delete(d.pending, orderID)
					d.mu.Unlock()
					d.handle(ctx, orderID)
				}
			}
		})
	}
	return g.Wait()
}

// keyedMutex serializes work per key without holding a lock per known key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
