package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient failure")

func fastPolicy(maxAttempts int) *Policy {
	return &Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Strategy:     StrategyExponential,
	}
}

func TestExecutor_SucceedsFirstAttempt(t *testing.T) {
	e := NewExecutor("test", fastPolicy(3))

	calls := 0
	err := e.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestExecutor_RetriesUntilSuccess(t *testing.T) {
	e := NewExecutor("test", fastPolicy(5))

	calls := 0
	err := e.Execute(context.Background(), func(_ context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecutor_ExhaustionReturnsLastError(t *testing.T) {
	e := NewExecutor("test", fastPolicy(3))

	calls := 0
	lastErr := errors.New("attempt 3 failed")
	err := e.Execute(context.Background(), func(_ context.Context) error {
		calls++
		if calls == 3 {
			return lastErr
		}
		return errTransient
	})

	assert.Equal(t, 3, calls)
	assert.Same(t, lastErr, err)
}

func TestExecutor_ContextCancellationStopsRetries(t *testing.T) {
	e := NewExecutor("test", &Policy{
		MaxAttempts:  10,
		InitialDelay: time.Hour,
		MaxDelay:     time.Hour,
		Strategy:     StrategyExponential,
	})

	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- e.Execute(ctx, func(_ context.Context) error {
			calls++
			return errTransient
		})
	}()

	// The executor is sleeping before the second attempt. Cancel and
	// expect the context error rather than the transient one.
	time.Sleep(10 * time.Millisecond)
	cancel()

	err := <-done
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ValidateNormalizes(t *testing.T) {
	p := &Policy{MaxAttempts: 0, InitialDelay: -1, MaxDelay: 0}
	p.Validate()

	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialDelay)
	assert.Equal(t, 10*time.Second, p.MaxDelay)
	assert.Equal(t, StrategyExponential, p.Strategy)
}
