// Package retry implements the Retry Executor (spec §4.3): wrap a single
// producer in a fixed/exponential backoff policy. Grounded on the
// teacher's pkg/worker/retry.go retryWithBackoff, simplified to the
// spec's two-strategy policy.
package retry

import (
	"context"
	"time"

	"github.com/jdziat/declarative-pipeline/pkg/core"
)

// Do runs fn, retrying on failure up to policy.MaxAttempts() times,
// waiting policy.WaitFor(k) between attempt k-1 and k. The retry executor
// does not interpret error kinds (§4.3) — every failure is retried
// uniformly. The last error is returned on exhaustion. A nil policy (or
// one with Attempts <= 1) runs fn exactly once with no wait.
func Do(ctx context.Context, policy *core.RetryPolicy, fn func(context.Context) (any, error)) (any, error) {
	attempts := policy.MaxAttempts()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			wait := policy.WaitFor(attempt)
			if wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, lastErr
		}
	}
	return nil, lastErr
}
