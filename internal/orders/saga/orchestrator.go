package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/events"
	"fulfillment/internal/inventory"
	"fulfillment/internal/orders"
	"fulfillment/internal/payment"
	"fulfillment/internal/resilience"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("fulfillment/saga")

// maxUnitsPerDrive bounds how many steps one drive may take, so a saga that
// keeps losing status races cannot spin a worker forever.
const maxUnitsPerDrive = 64

// Inventory is the reservation manager as seen by the orchestrator.
type Inventory interface {
	Reserve(ctx context.Context, orderID, productID string, qty int64, idempotencyKey string) (inventory.Result, error)
	Release(ctx context.Context, orderID, productID, idempotencyKey string) (inventory.Result, error)
}

// Payments is the payment gateway as seen by the orchestrator.
type Payments interface {
	CreateIntent(ctx context.Context, orderID string, amount int64) (payment.Intent, int, error)
	Confirm(ctx context.Context, intentID string) (payment.IntentStatus, int, error)
	Refund(ctx context.Context, intentID string, amount int64) (payment.RefundResult, int, error)
	Void(ctx context.Context, intentID string) (payment.Intent, error)
	Get(ctx context.Context, intentID string) (payment.Intent, error)
	GetByOrder(ctx context.Context, orderID string) (payment.Intent, error)
	RecordOutcome(ctx context.Context, intentID string, outcome payment.Outcome) (payment.Intent, bool, error)
}

// Recorder observes saga progress for metrics.
type Recorder interface {
	ObserveTransition(from, to orders.Status, reason orders.Reason)
	ObserveStep(name StepName, outcome Outcome, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveTransition(orders.Status, orders.Status, orders.Reason) {}
func (nopRecorder) ObserveStep(StepName, Outcome, time.Duration)                 {}

// Config tunes the orchestrator.
type Config struct {
	Workers   int
	QueueSize int
	// PaymentTimeout cancels orders left in AwaitingPayment for longer.
	// Zero disables the timeout.
	PaymentTimeout time.Duration
	// RecoveryInterval is how often non-terminal sagas are re-queued.
	// Zero disables the periodic sweep.
	RecoveryInterval time.Duration
	// Inventory guards forward reservation calls.
	Inventory resilience.Guard
	// Compensation retries each release; refunds use the payment gateway's
	// own guard.
	Compensation resilience.RetryPolicy
}

// DefaultConfig returns a usable configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          4,
		QueueSize:        128,
		PaymentTimeout:   15 * time.Minute,
		RecoveryInterval: 30 * time.Second,
		Inventory: resilience.Guard{Retry: resilience.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   50 * time.Millisecond,
			MaxDelay:    time.Second,
			Multiplier:  2,
		}},
		Compensation: resilience.RetryPolicy{
			MaxAttempts: 5,
			BaseDelay:   100 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Multiplier:  2,
			IsRetryable: RetryCompensation,
		},
	}
}

// RetryCompensation retries every failure except cancellation. Releases and
// refunds are idempotent, so repeating them is always safe.
func RetryCompensation(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// OrderView is what callers see of an order.
type OrderView struct {
	OrderID  string        `json:"order_id"`
	Status   orders.Status `json:"status"`
	Reason   orders.Reason `json:"reason,omitempty"`
	Total    int64         `json:"total"`
	IntentID string        `json:"intent_id,omitempty"`
	Steps    []Step        `json:"steps"`
}

func viewOf(exec Execution) OrderView {
	return OrderView{
		OrderID:  exec.Order.ID,
		Status:   exec.Order.Status,
		Reason:   exec.Order.Reason,
		Total:    exec.Order.Total,
		IntentID: exec.IntentID(),
		Steps:    exec.Steps,
	}
}

// Orchestrator drives orders through reservation, payment and confirmation,
// or unwinds them through compensation. It is the only writer of order
// status.
type Orchestrator struct {
	store      Store
	inventory  Inventory
	payments   Payments
	cfg        Config
	publisher  events.Publisher
	recorder   Recorder
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string
	locks      keyedMutex
	dispatcher *Dispatcher
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithPublisher sets where status events go.
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) {
		if p != nil {
			o.publisher = p
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// New constructs an Orchestrator. Call Run to start its workers.
func New(store Store, inv Inventory, pay Payments, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:     store,
		inventory: inv,
		payments:  pay,
		cfg:       cfg,
		publisher: events.Nop{},
		recorder:  nopRecorder{},
		logger:    zap.NewNop(),
		now:       time.Now,
		newID:     func() string { return "ord_" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.dispatcher = NewDispatcher(cfg.Workers, cfg.QueueSize, o.handle, o.logger)
	return o
}

// Run starts the worker pool and the recovery sweep and blocks until ctx is
// done. Every non-terminal saga is queued once at start.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.dispatcher.Run(ctx) })
	g.Go(func() error {
		if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("initial saga sweep failed", zap.Error(err))
		}
		if o.cfg.RecoveryInterval <= 0 {
			return nil
		}
		ticker := time.NewTicker(o.cfg.RecoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if _, err := o.Sweep(ctx); err != nil && ctx.Err() == nil {
					o.logger.Error("saga sweep failed", zap.Error(err))
				}
			}
		}
	})
	return g.Wait()
}

// Sweep queues every non-terminal saga and returns how many were accepted.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, exec := range active {
		if o.dispatcher.Submit(exec.Order.ID) {
			queued++
		}
	}
	return queued, nil
}

// Recover drives every non-terminal saga in the calling goroutine, resuming
// each from its last completed step. It returns how many sagas it visited.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	active, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, exec := range active {
		if err := o.Advance(ctx, exec.Order.ID); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			o.logger.Warn("saga recovery incomplete", zap.String("order_id", exec.Order.ID), zap.Error(err))
		}
	}
	o.logger.Info("saga recovery finished", zap.Int("sagas", len(active)))
	return len(active), nil
}

func (o *Orchestrator) handle(ctx context.Context, orderID string) {
	if err := o.Advance(ctx, orderID); err != nil && ctx.Err() == nil {
		o.logger.Warn("saga advance failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// CreateOrder opens a saga for the items and queues it. Calling it again
// with the same idempotency key returns the existing order's current status.
func (o *Orchestrator) CreateOrder(ctx context.Context, idempotencyKey string, items []orders.LineItem) (OrderView, error) {
	order, err := orders.New(o.newID(), idempotencyKey, items, o.now().UTC())
	if err != nil {
		return OrderView{}, err
	}
	exec, created, err := o.store.Create(ctx, order)
	if err != nil {
		return OrderView{}, err
	}
	if !created {
		return viewOf(exec), nil
	}

	o.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.Int("items", len(order.Items)),
		zap.Int64("total", order.Total),
	)
	o.publish(ctx, order.ID, "", orders.StatusPending, orders.ReasonNone)
	if !o.dispatcher.Submit(order.ID) {
		o.logger.Warn("saga queue full, order left for recovery sweep", zap.String("order_id", order.ID))
	}
	return viewOf(exec), nil
}

// GetOrderStatus returns the order's status and step log.
func (o *Orchestrator) GetOrderStatus(ctx context.Context, orderID string) (OrderView, error) {
	exec, err := o.store.Get(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	return viewOf(exec), nil
}

// ConfirmPayment captures the order's payment. A capture moves the order to
// Confirmed. A decline or an exhausted retry budget cancels the order, and
// the compensations run before ConfirmPayment returns. An open circuit
// leaves the order awaiting payment and returns resilience.ErrCircuitOpen.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, orderID string) (OrderView, error) {
	compensate, err := o.confirm(ctx, orderID)
	if errors.Is(err, resilience.ErrCircuitOpen) {
		view, getErr := o.GetOrderStatus(ctx, orderID)
		if getErr != nil {
			return OrderView{}, getErr
		}
		return view, err
	}
	if err != nil {
		return OrderView{}, err
	}
	if compensate {
		if err := o.Advance(ctx, orderID); err != nil {
			return OrderView{}, err
		}
	}
	return o.GetOrderStatus(ctx, orderID)
}

func (o *Orchestrator) confirm(ctx context.Context, orderID string) (bool, error) {
	unlock := o.locks.Lock(orderID)
	defer unlock()

	exec, err := o.store.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	status := exec.Order.Status
	if status == orders.StatusConfirmed {
		return false, nil
	}
	if err := orders.CheckTransition(status, orders.StatusConfirmed); err != nil {
		return false, err
	}

	intentID := exec.IntentID()
	if intentID == "" {
		// Nothing to charge.
		step := o.observedStep(StepCapturePayment, "", OutcomeSkipped, nil)
		return false, ignoreStale(o.transition(ctx, exec, orders.StatusConfirmed, orders.ReasonNone, step))
	}

	var captured payment.IntentStatus
	step, err := o.runStep(ctx, orderID, StepCapturePayment, intentID, func(ctx context.Context) (int, Outcome, error) {
		st, attempts, err := o.payments.Confirm(ctx, intentID)
		if err != nil {
			return attempts, OutcomeFailed, err
		}
		captured = st
		if st != payment.IntentCaptured {
			return attempts, OutcomeFailed, payment.ErrPaymentDeclined
		}
		return attempts, OutcomeSucceeded, nil
	})

	reason := orders.ReasonPaymentUnavailable
	switch {
	case err == nil:
		return false, ignoreStale(o.transition(ctx, exec, orders.StatusConfirmed, orders.ReasonNone, step))
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, resilience.ErrCircuitOpen):
		if appendErr := o.store.AppendStep(ctx, orderID, step); appendErr != nil {
			o.logger.Error("record capture step failed", zap.String("order_id", orderID), zap.Error(appendErr))
		}
		return false, err
	case captured == payment.IntentFailed:
		reason = orders.ReasonPaymentDeclined
	}
	if err := o.transition(ctx, exec, orders.StatusCanceling, reason, step); err != nil {
		return false, ignoreStale(err)
	}
	return true, nil
}

// CancelOrder moves a Pending, Reserving or AwaitingPayment order to
// Canceling and runs the compensations before returning. Canceling an order
// that is already canceling or canceled is a no-op.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string, reason orders.Reason) (OrderView, error) {
	if reason == orders.ReasonNone {
		reason = orders.ReasonCustomerCanceled
	}
	compensate, err := o.requestCancel(ctx, orderID, reason)
	if err != nil {
		return OrderView{}, err
	}
	if compensate {
		if err := o.Advance(ctx, orderID); err != nil {
			return OrderView{}, err
		}
	}
	return o.GetOrderStatus(ctx, orderID)
}

func (o *Orchestrator) requestCancel(ctx context.Context, orderID string, reason orders.Reason) (bool, error) {
	unlock := o.locks.Lock(orderID)
	defer unlock()

	exec, err := o.store.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	switch status := exec.Order.Status; {
	case status == orders.StatusCanceled:
		return false, nil
	case status == orders.StatusCanceling:
		return true, nil
	case !status.Cancelable():
		return false, orders.CheckTransition(status, orders.StatusCanceling)
	}
	if err := o.transition(ctx, exec, orders.StatusCanceling, reason); err != nil {
		return false, err
	}
	return true, nil
}

// HandlePaymentEvent applies a verified provider notification. Duplicate
// notifications change nothing. A capture reported for an order that was
// already canceled is refunded.
func (o *Orchestrator) HandlePaymentEvent(ctx context.Context, intentID string, outcome payment.Outcome) error {
	intent, changed, err := o.payments.RecordOutcome(ctx, intentID, outcome)
	if err != nil {
		return err
	}
	o.logger.Info("payment event received",
		zap.String("order_id", intent.OrderID),
		zap.String("intent_id", intentID),
		zap.String("outcome", string(outcome)),
		zap.Bool("changed", changed),
	)

	exec, err := o.store.Get(ctx, intent.OrderID)
	if err != nil {
		return err
	}
	switch exec.Order.Status {
	case orders.StatusAwaitingPayment, orders.StatusCanceling:
		return o.Advance(ctx, intent.OrderID)
	case orders.StatusCanceled, orders.StatusFailed, orders.StatusRequiresIntervention:
		if intent.Status == payment.IntentCaptured {
			return o.refundLateCapture(ctx, intent.OrderID, intentID)
		}
	}
	return nil
}

func (o *Orchestrator) refundLateCapture(ctx context.Context, orderID, intentID string) error {
	unlock := o.locks.Lock(orderID)
	defer unlock()

	exec, err := o.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	intent, err := o.payments.Get(ctx, intentID)
	if err != nil {
		return err
	}
	if intent.Status != payment.IntentCaptured {
		return nil
	}
	o.logger.Warn("payment captured after cancellation, refunding",
		zap.String("order_id", orderID),
		zap.String("intent_id", intentID),
		zap.String("status", string(exec.Order.Status)),
	)
	ok, err := o.refund(ctx, exec, intent)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("refund late capture of %s failed", intentID)
	}
	return nil
}

// Advance drives the order until it is terminal or has to wait for an
// outside event. Each step runs under the order's lock and is recorded
// before the next one starts.
func (o *Orchestrator) Advance(ctx context.Context, orderID string) error {
	for i := 0; i < maxUnitsPerDrive; i++ {
		more, err := o.advanceOnce(ctx, orderID)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return fmt.Errorf("order %s: saga did not settle after %d steps", orderID, maxUnitsPerDrive)
}

func (o *Orchestrator) advanceOnce(ctx context.Context, orderID string) (bool, error) {
	unlock := o.locks.Lock(orderID)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	exec, err := o.store.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	switch exec.Order.Status {
	case orders.StatusPending:
		return settle(o.transition(ctx, exec, orders.StatusReserving, orders.ReasonNone))
	case orders.StatusReserving:
		if exec.ReservationFailed() {
			return o.unwindReservations(ctx, exec)
		}
		return o.reserve(ctx, exec)
	case orders.StatusAwaitingPayment:
		return o.awaitPayment(ctx, exec)
	case orders.StatusCanceling:
		return o.compensate(ctx, exec)
	default:
		return false, nil
	}
}

// reserve takes the next unreserved item, or opens the payment intent once
// every item is held.
func (o *Orchestrator) reserve(ctx context.Context, exec Execution) (bool, error) {
	order := exec.Order
	for _, item := range order.Items {
		if exec.Done(StepReserveInventory, item.ProductID) {
			continue
		}
		item := item
		step, err := o.runStep(ctx, order.ID, StepReserveInventory, item.ProductID, func(ctx context.Context) (int, Outcome, error) {
			_, attempts, err := resilience.Call(ctx, o.cfg.Inventory, func(ctx context.Context) (inventory.Result, error) {
				return o.inventory.Reserve(ctx, order.ID, item.ProductID, item.Quantity, reservationKey(order.ID, item.ProductID))
			})
			if err != nil {
				return attempts, OutcomeFailed, err
			}
			return attempts, OutcomeSucceeded, nil
		})
		switch {
		case err == nil:
			return true, o.store.AppendStep(ctx, order.ID, step)
		case ctx.Err() != nil:
			return false, ctx.Err()
		case errors.Is(err, inventory.ErrInsufficientStock):
			// Recorded first so a restart unwinds instead of retrying.
			return true, o.store.AppendStep(ctx, order.ID, step)
		default:
			return settle(o.transition(ctx, exec, orders.StatusCanceling, orders.ReasonReservationFailed, step))
		}
	}

	if order.Total == 0 {
		step := o.observedStep(StepCreateIntent, "", OutcomeSkipped, nil)
		return settle(o.transition(ctx, exec, orders.StatusAwaitingPayment, orders.ReasonNone, step))
	}

	var intent payment.Intent
	step, err := o.runStep(ctx, order.ID, StepCreateIntent, "", func(ctx context.Context) (int, Outcome, error) {
		created, attempts, err := o.payments.CreateIntent(ctx, order.ID, order.Total)
		if err != nil {
			return attempts, OutcomeFailed, err
		}
		intent = created
		return attempts, OutcomeSucceeded, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return settle(o.transition(ctx, exec, orders.StatusCanceling, orders.ReasonPaymentUnavailable, step))
	}
	step.Detail = intent.ID
	return settle(o.transition(ctx, exec, orders.StatusAwaitingPayment, orders.ReasonNone, step))
}

// awaitPayment re-evaluates an order waiting for payment: the intent may
// have been settled by a webhook, or the wait may have timed out.
func (o *Orchestrator) awaitPayment(ctx context.Context, exec Execution) (bool, error) {
	if intentID := exec.IntentID(); intentID != "" {
		intent, err := o.payments.Get(ctx, intentID)
		if err != nil {
			return false, err
		}
		switch intent.Status {
		case payment.IntentCaptured:
			step := o.observedStep(StepCapturePayment, intentID, OutcomeSucceeded, nil)
			return settle(o.transition(ctx, exec, orders.StatusConfirmed, orders.ReasonNone, step))
		case payment.IntentFailed:
			step := o.observedStep(StepCapturePayment, intentID, OutcomeFailed, payment.ErrPaymentDeclined)
			return settle(o.transition(ctx, exec, orders.StatusCanceling, orders.ReasonPaymentDeclined, step))
		}
	}
	if o.cfg.PaymentTimeout > 0 && o.now().Sub(exec.Order.UpdatedAt) >= o.cfg.PaymentTimeout {
		return settle(o.transition(ctx, exec, orders.StatusCanceling, orders.ReasonPaymentTimeout))
	}
	return false, nil
}

// compensate releases every line item in reverse order, then refunds or
// voids the payment. Stock comes first so a failing refund cannot keep it
// held. Any compensation that still fails after its retries leaves the order
// requiring manual intervention.
func (o *Orchestrator) compensate(ctx context.Context, exec Execution) (bool, error) {
	order := exec.Order
	complete := true
	for i := len(order.Items) - 1; i >= 0; i-- {
		productID := order.Items[i].ProductID
		if exec.Done(StepReleaseInventory, productID) {
			continue
		}
		ok, err := o.release(ctx, exec, productID)
		if err != nil {
			return false, err
		}
		complete = complete && ok
	}

	ok, err := o.settlePayment(ctx, exec)
	if err != nil {
		return false, err
	}
	complete = complete && ok

	if !complete {
		return settle(o.transition(ctx, exec, orders.StatusRequiresIntervention, orders.ReasonCompensationFailed))
	}
	return settle(o.transition(ctx, exec, orders.StatusCanceled, orders.ReasonNone))
}

// unwindReservations gives back what was reserved before a product ran out
// of stock, then fails the order.
func (o *Orchestrator) unwindReservations(ctx context.Context, exec Execution) (bool, error) {
	items := exec.Order.Items
	complete := true
	for i := len(items) - 1; i >= 0; i-- {
		productID := items[i].ProductID
		if exec.forwardSeq(StepReserveInventory, productID) == 0 {
			continue
		}
		ok, err := o.release(ctx, exec, productID)
		if err != nil {
			return false, err
		}
		complete = complete && ok
	}
	if !complete {
		return settle(o.transition(ctx, exec, orders.StatusRequiresIntervention, orders.ReasonCompensationFailed))
	}
	return settle(o.transition(ctx, exec, orders.StatusFailed, orders.ReasonInsufficientStock))
}

// release runs one release compensation and records it. ok is false when
// the release failed after its retries; err is reserved for failures to
// record the outcome.
func (o *Orchestrator) release(ctx context.Context, exec Execution, productID string) (bool, error) {
	orderID := exec.Order.ID
	guard := resilience.Guard{Retry: o.cfg.Compensation}
	step, err := o.runStep(ctx, orderID, StepReleaseInventory, productID, func(ctx context.Context) (int, Outcome, error) {
		res, attempts, err := resilience.Call(ctx, guard, func(ctx context.Context) (inventory.Result, error) {
			return o.inventory.Release(ctx, orderID, productID, reservationKey(orderID, productID))
		})
		if err != nil {
			return attempts, OutcomeFailed, err
		}
		if res == inventory.ResultNothingToRelease {
			return attempts, OutcomeSkipped, nil
		}
		return attempts, OutcomeSucceeded, nil
	})
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	forward := 0
	if err == nil {
		forward = exec.forwardSeq(StepReserveInventory, productID)
	} else {
		o.logger.Error("release compensation failed",
			zap.String("order_id", orderID),
			zap.String("product_id", productID),
			zap.Int("attempt", step.Attempt),
			zap.Error(err),
		)
	}
	if storeErr := o.store.Compensate(ctx, orderID, forward, step); storeErr != nil {
		return false, storeErr
	}
	return err == nil, nil
}

// settlePayment makes sure the order holds no live payment: captured money
// is refunded and an uncaptured intent is voided.
func (o *Orchestrator) settlePayment(ctx context.Context, exec Execution) (bool, error) {
	var (
		intent payment.Intent
		err    error
	)
	if intentID := exec.IntentID(); intentID != "" {
		intent, err = o.payments.Get(ctx, intentID)
	} else {
		// The intent may exist even though the step that created it was
		// never recorded.
		intent, err = o.payments.GetByOrder(ctx, exec.Order.ID)
		if errors.Is(err, payment.ErrIntentNotFound) {
			return true, nil
		}
	}
	if err != nil {
		return false, err
	}

	switch intent.Status {
	case payment.IntentCaptured:
		return o.refund(ctx, exec, intent)
	case payment.IntentCreated:
		if exec.Done(StepVoidPayment, intent.ID) {
			return true, nil
		}
		var after payment.Intent
		step, err := o.runStep(ctx, exec.Order.ID, StepVoidPayment, intent.ID, func(ctx context.Context) (int, Outcome, error) {
			voided, err := o.payments.Void(ctx, intent.ID)
			if err != nil {
				return 1, OutcomeFailed, err
			}
			after = voided
			return 1, OutcomeSucceeded, nil
		})
		if err != nil && ctx.Err() != nil {
			return false, ctx.Err()
		}
		if err == nil && after.Status == payment.IntentCaptured {
			// Captured while we were voiding.
			return o.refund(ctx, exec, after)
		}
		if storeErr := o.store.Compensate(ctx, exec.Order.ID, 0, step); storeErr != nil {
			return false, storeErr
		}
		return err == nil, nil
	default:
		return true, nil
	}
}

func (o *Orchestrator) refund(ctx context.Context, exec Execution, intent payment.Intent) (bool, error) {
	if exec.Done(StepRefundPayment, intent.ID) {
		return true, nil
	}
	step, err := o.runStep(ctx, exec.Order.ID, StepRefundPayment, intent.ID, func(ctx context.Context) (int, Outcome, error) {
		res, attempts, err := o.payments.Refund(ctx, intent.ID, intent.Amount)
		if err != nil {
			return attempts, OutcomeFailed, err
		}
		if res.AlreadyRefunded {
			return attempts, OutcomeSkipped, nil
		}
		return attempts, OutcomeSucceeded, nil
	})
	if err != nil && ctx.Err() != nil {
		return false, ctx.Err()
	}
	forward := 0
	if err == nil {
		forward = exec.forwardSeq(StepCapturePayment, intent.ID)
	} else {
		o.logger.Error("refund compensation failed",
			zap.String("order_id", exec.Order.ID),
			zap.String("intent_id", intent.ID),
			zap.Int("attempt", step.Attempt),
			zap.Error(err),
		)
	}
	if storeErr := o.store.Compensate(ctx, exec.Order.ID, forward, step); storeErr != nil {
		return false, storeErr
	}
	return err == nil, nil
}

func (o *Orchestrator) transition(ctx context.Context, exec Execution, to orders.Status, reason orders.Reason, steps ...Step) error {
	from := exec.Order.Status
	if err := orders.CheckTransition(from, to); err != nil {
		return err
	}
	if err := o.store.Transition(ctx, exec.Order.ID, from, to, reason, o.now().UTC(), steps...); err != nil {
		return err
	}
	o.recorder.ObserveTransition(from, to, reason)
	o.logger.Info("order transitioned",
		zap.String("order_id", exec.Order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("reason", string(reason)),
	)
	o.publish(ctx, exec.Order.ID, from, to, reason)
	return nil
}

func (o *Orchestrator) publish(ctx context.Context, orderID string, from, to orders.Status, reason orders.Reason) {
	if err := o.publisher.Publish(ctx, events.NewStatusChanged(orderID, from, to, reason, o.now())); err != nil {
		o.logger.Warn("publish status event failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

// runStep executes one remote step inside a span and returns its log entry.
func (o *Orchestrator) runStep(ctx context.Context, orderID string, name StepName, detail string, fn func(ctx context.Context) (int, Outcome, error)) (Step, error) {
	ctx, span := tracer.Start(ctx, "saga."+string(name))
	defer span.End()
	span.SetAttributes(attribute.String("order_id", orderID), attribute.String("detail", detail))

	started := o.now().UTC()
	attempts, outcome, err := fn(ctx)
	step := Step{
		Name:       name,
		Detail:     detail,
		Attempt:    attempts,
		StartedAt:  started,
		FinishedAt: o.now().UTC(),
		Outcome:    outcome,
	}
	if err != nil {
		step.Outcome = OutcomeFailed
		step.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("attempt", attempts), attribute.String("outcome", string(step.Outcome)))

	o.recorder.ObserveStep(name, step.Outcome, step.FinishedAt.Sub(started))
	o.logger.Debug("saga step finished",
		zap.String("order_id", orderID),
		zap.String("step", string(name)),
		zap.String("detail", detail),
		zap.Int("attempt", attempts),
		zap.String("outcome", string(step.Outcome)),
		zap.Error(err),
	)
	return step, err
}

// observedStep records a step whose result was learned without a remote
// call, such as a capture reported by webhook.
func (o *Orchestrator) observedStep(name StepName, detail string, outcome Outcome, err error) Step {
	now := o.now().UTC()
	step := Step{Name: name, Detail: detail, StartedAt: now, FinishedAt: now, Outcome: outcome}
	if err != nil {
		step.Error = err.Error()
	}
	o.recorder.ObserveStep(name, outcome, 0)
	return step
}

func reservationKey(orderID, productID string) string {
	return orderID + "/" + productID
}

// settle maps a transition result to loop control: a lost status race means
// the order is reloaded and evaluated again.
func settle(err error) (bool, error) {
	if err == nil || errors.Is(err, ErrStaleTransition) {
		return true, nil
	}
	return false, err
}

func ignoreStale(err error) error {
	if errors.Is(err, ErrStaleTransition) {
		return nil
	}
	return err
}
