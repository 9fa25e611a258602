package resilience

import "context"

// Guard composes the reliability controls used for one remote dependency.
// Retries wrap the breaker, so an open breaker ends the retry loop on the
// first rejection.
type Guard struct {
	Retry   RetryPolicy
	Breaker *CircuitBreaker
	Limiter *RateLimiter
}

// Call runs fn under the guard and returns its result and the attempt count.
func Call[T any](ctx context.Context, g Guard, fn func(ctx context.Context) (T, error)) (T, int, error) {
	return Run(ctx, g.Retry, func(ctx context.Context) (T, error) {
		var res T
		if g.Limiter != nil {
			if err := g.Limiter.Wait(ctx); err != nil {
				return res, err
			}
		}
		err := g.Breaker.Execute(func() error {
			var callErr error
			res, callErr = fn(ctx)
			return callErr
		})
		return res, err
	})
}
