package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/avast/retry-go/v4"
)

// RetryPolicy controls retry behavior for outbound calls.
//
// Delay before retry i (0-indexed) is min(MaxDelay, BaseDelay*Multiplier^i)
// scaled by a jitter factor drawn from [0.5, 1.0].
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// AttemptTimeout bounds each individual attempt. Expiry counts as a
	// transient failure.
	AttemptTimeout time.Duration
	IsRetryable    func(error) bool
	Jitter         func(time.Duration) time.Duration
	After          func(time.Duration) <-chan time.Time
	OnRetry        func(attempt int, err error)
}

// Backoff returns the pre-jitter delay for the given 0-indexed retry.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	raw := float64(p.BaseDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && raw > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if raw > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(raw)
}

// Do executes fn with retries according to the policy. It returns the number
// of attempts made alongside the final error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	_, attempts, err := Run(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return attempts, err
}

// Run executes fn with retries and returns its result, the attempt count and
// the last error. Errors are retried only while the parent context is alive,
// the error is not ErrCircuitOpen and IsRetryable accepts it.
func Run[T any](ctx context.Context, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	isRetryable := p.IsRetryable
	if isRetryable == nil {
		isRetryable = IsTransient
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = defaultJitter
	}

	attempts := 0
	attempt := func() (T, error) {
		attempts++
		actx := ctx
		cancel := func() {}
		if p.AttemptTimeout > 0 {
			actx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
		}
		defer cancel()

		res, err := fn(actx)
		if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = Transient(err)
		}
		return res, err
	}

	opts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(uint(maxAttempts)),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil || errors.Is(err, ErrCircuitOpen) {
				return false
			}
			return isRetryable(err)
		}),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			// retry-go numbers the first wait as 1.
			return jitter(p.Backoff(int(n) - 1))
		}),
		retry.OnRetry(func(n uint, err error) {
			if p.OnRetry != nil {
				p.OnRetry(int(n)+1, err)
			}
		}),
	}
	if p.After != nil {
		opts = append(opts, retry.WithTimer(afterFunc(p.After)))
	}

	res, err := retry.DoWithData(attempt, opts...)
	return res, attempts, err
}

type afterFunc func(time.Duration) <-chan time.Time

func (f afterFunc) After(d time.Duration) <-chan time.Time { return f(d) }

func defaultJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
