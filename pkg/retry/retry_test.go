package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/declarative-pipeline/pkg/core"
	"github.com/jdziat/declarative-pipeline/pkg/retry"
)

func TestDo_NoRetryOnNilPolicy(t *testing.T) {
	calls := 0
	_, err := retry.Do(context.Background(), nil, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	policy := &core.RetryPolicy{Attempts: 3, Backoff: core.BackoffFixed, Delay: time.Millisecond}
	result, err := retry.Do(context.Background(), policy, func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAndSurfacesLastError(t *testing.T) {
	policy := &core.RetryPolicy{Attempts: 2, Backoff: core.BackoffFixed, Delay: time.Millisecond}
	calls := 0
	_, err := retry.Do(context.Background(), policy, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("attempt failed")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "attempt failed")
}

func TestDo_ExponentialBackoffElapsed(t *testing.T) {
	policy := &core.RetryPolicy{Attempts: 3, Backoff: core.BackoffExponential, Delay: 10 * time.Millisecond}
	start := time.Now()
	calls := 0
	_, _ = retry.Do(context.Background(), policy, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("fail")
	})
	// waits are 10ms then 20ms = 30ms minimum between 3 attempts.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestDo_ContextCancellationStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := &core.RetryPolicy{Attempts: 5, Backoff: core.BackoffFixed, Delay: 50 * time.Millisecond}
	calls := 0
	cancel()
	_, err := retry.Do(ctx, policy, func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("fail")
	})
	require.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}
