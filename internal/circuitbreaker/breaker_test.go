package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend failure")

func failingCall(_ context.Context) error { return errBackend }

func succeedingCall(_ context.Context) error { return nil }

func TestBreaker_OpensAfterMaxFailures(t *testing.T) {
	b := New("test", DefaultConfig().WithMaxFailures(3))

	for i := 0; i < 3; i++ {
		err := b.Execute(context.Background(), failingCall)
		require.ErrorIs(t, err, errBackend)
	}

	assert.Equal(t, StateOpen, b.State())

	err := b.Execute(context.Background(), succeedingCall)
	require.Error(t, err)
	assert.True(t, IsOpenError(err))
	assert.Contains(t, err.Error(), `circuit open for backend "test"`)
}

func TestBreaker_RejectionDoesNotInvokeCall(t *testing.T) {
	b := New("test", DefaultConfig().WithMaxFailures(1).WithTimeout(time.Hour))

	require.Error(t, b.Execute(context.Background(), failingCall))
	require.Equal(t, StateOpen, b.State())

	invoked := false
	err := b.Execute(context.Background(), func(_ context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	b := New("test", DefaultConfig().
		WithMaxFailures(1).
		WithTimeout(20*time.Millisecond).
		WithSuccessThreshold(1))

	require.Error(t, b.Execute(context.Background(), failingCall))
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)

	err := b.Execute(context.Background(), succeedingCall)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenAllowsSingleProbe(t *testing.T) {
	b := New("test", DefaultConfig().
		WithMaxFailures(1).
		WithTimeout(10 * time.Millisecond))

	require.Error(t, b.Execute(context.Background(), failingCall))
	time.Sleep(20 * time.Millisecond)

	probeStarted := make(chan struct{})
	release := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Execute(context.Background(), func(_ context.Context) error {
			close(probeStarted)
			<-release
			return nil
		})
	}()

	<-probeStarted
	assert.Equal(t, StateHalfOpen, b.State())

	// A second caller while the probe is in flight is rejected.
	err := b.Execute(context.Background(), succeedingCall)
	require.Error(t, err)
	assert.True(t, IsOpenError(err))

	close(release)
	wg.Wait()
}

func TestBreaker_SuccessThresholdClosesCircuit(t *testing.T) {
	b := New("test", DefaultConfig().
		WithMaxFailures(1).
		WithTimeout(10*time.Millisecond).
		WithSuccessThreshold(2))

	require.Error(t, b.Execute(context.Background(), failingCall))
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Execute(context.Background(), succeedingCall))
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(context.Background(), succeedingCall))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := New("test", DefaultConfig().
		WithMaxFailures(1).
		WithTimeout(10 * time.Millisecond))

	require.Error(t, b.Execute(context.Background(), failingCall))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, b.Execute(context.Background(), failingCall))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_SuccessDecaysFailures(t *testing.T) {
	b := New("test", DefaultConfig().WithMaxFailures(3))

	// Two failures, then a success decaying one of them.
	require.Error(t, b.Execute(context.Background(), failingCall))
	require.Error(t, b.Execute(context.Background(), failingCall))
	require.NoError(t, b.Execute(context.Background(), succeedingCall))
	assert.Equal(t, 1, b.Stats().Failures)

	// Two more failures reach the threshold again.
	require.Error(t, b.Execute(context.Background(), failingCall))
	assert.Equal(t, StateClosed, b.State())
	require.Error(t, b.Execute(context.Background(), failingCall))
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_FailureDecayFlooredAtZero(t *testing.T) {
	b := New("test", DefaultConfig().WithMaxFailures(2))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Execute(context.Background(), succeedingCall))
	}
	assert.Equal(t, 0, b.Stats().Failures)
}

func TestBreaker_WindowFailureRateOpensCircuit(t *testing.T) {
	cfg := DefaultConfig().
		WithMaxFailures(100). // consecutive threshold unreachable
		WithFailureRateThreshold(0.5).
		WithMinSamples(4).
		WithWindowSize(8)
	b := New("test", cfg)

	// Alternate so consecutive failures never accumulate, but the
	// trailing-window ratio reaches one half.
	require.NoError(t, b.Execute(context.Background(), succeedingCall))
	require.Error(t, b.Execute(context.Background(), failingCall))
	require.NoError(t, b.Execute(context.Background(), succeedingCall))
	require.Error(t, b.Execute(context.Background(), failingCall))

	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_StatsSnapshot(t *testing.T) {
	b := New("test", DefaultConfig().WithMaxFailures(5))

	require.Error(t, b.Execute(context.Background(), failingCall))
	require.NoError(t, b.Execute(context.Background(), succeedingCall))

	stats := b.Stats()
	assert.Equal(t, StateClosed, stats.State)
	assert.Equal(t, 2, stats.WindowSamples)
	assert.Equal(t, 1, stats.WindowFailures)
	assert.InDelta(t, 0.5, stats.FailureRatio(), 0.001)
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{State(99), "unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
