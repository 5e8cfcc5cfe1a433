package pool

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport counts closes.
type fakeTransport struct {
	closed atomic.Bool
}

func (f *fakeTransport) Close() error {
	f.closed.Store(true)
	return nil
}

// countingFactory tracks how many transports it has created.
type countingFactory struct {
	created atomic.Int32
	failErr error
}

func (f *countingFactory) factory(_ context.Context) (io.Closer, error) {
	if f.failErr != nil {
		return nil, f.failErr
	}
	f.created.Add(1)
	return &fakeTransport{}, nil
}

func TestPool_AcquireCreatesUpToMax(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 2}, f.factory)
	defer p.Close()

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, c1.ID, c2.ID)
	assert.Equal(t, int32(2), f.created.Load())

	stats := p.Stats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 2, stats.Total)
}

func TestPool_AtCapacityFailsImmediatelyWithoutTimeout(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 2, AcquireTimeout: 0}, f.factory)
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)
	_, err = p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.Contains(t, err.Error(), `backend "test" at capacity (2)`)
}

func TestPool_ThreeCallersTwoSlots(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 2, AcquireTimeout: 0}, f.factory)
	defer p.Close()

	var successes, failures atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Acquire(context.Background()); err != nil {
				failures.Add(1)
			} else {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(2), successes.Load())
	assert.Equal(t, int32(1), failures.Load())
	assert.LessOrEqual(t, p.Stats().Total, 2)
}

func TestPool_ReleaseMakesConnectionReusable(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 1}, f.factory)
	defer p.Close()

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1)

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	assert.Equal(t, c1.ID, c2.ID)
	assert.Equal(t, int32(1), f.created.Load())
}

func TestPool_DoubleReleaseIsNoOp(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 2}, f.factory)
	defer p.Close()

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)

	p.Release(c)
	before := p.Stats()
	p.Release(c)
	after := p.Stats()

	assert.Equal(t, before.Idle, after.Idle)
	assert.Equal(t, before.Total, after.Total)
}

func TestPool_WaiterReceivesReleasedConnection(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 1, AcquireTimeout: time.Second}, f.factory)
	defer p.Close()

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Conn, 1)
	go func() {
		c, err := p.Acquire(context.Background())
		require.NoError(t, err)
		acquired <- c
	}()

	// Give the second acquirer time to register as a waiter, then
	// release and expect a direct handoff.
	time.Sleep(20 * time.Millisecond)
	p.Release(c1)

	select {
	case c2 := <-acquired:
		assert.Equal(t, c1.ID, c2.ID)
	case <-time.After(time.Second):
		t.Fatal("waiter never received the released connection")
	}

	assert.Equal(t, int32(1), f.created.Load())
}

func TestPool_AcquireTimesOutWaiting(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 1, AcquireTimeout: 30 * time.Millisecond}, f.factory)
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPool_AcquireHonorsContextCancellation(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 1, AcquireTimeout: time.Hour}, f.factory)
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPool_DialErrorReleasesSlot(t *testing.T) {
	dialErr := errors.New("connection refused")
	f := &countingFactory{failErr: dialErr}
	p := New("test", Config{MaxSize: 1, AcquireTimeout: 0}, f.factory)
	defer p.Close()

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, dialErr)
	assert.Contains(t, err.Error(), `failed to connect to backend "test"`)

	// The reserved slot must be freed so a later dial can use it.
	f.failErr = nil
	_, err = p.Acquire(context.Background())
	require.NoError(t, err)
}

func TestPool_CloseRejectsAcquire(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 2}, f.factory)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c)

	p.Close()

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolClosed)
	assert.True(t, p.Stats().Closed)
}

func TestPool_CloseDestroysIdleTransports(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 2}, f.factory)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	transport := c.Transport.(*fakeTransport)
	p.Release(c)

	p.Close()
	assert.True(t, transport.closed.Load())
}

func TestPool_ReleaseAfterCloseDestroys(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 2}, f.factory)

	c, err := p.Acquire(context.Background())
	require.NoError(t, err)
	transport := c.Transport.(*fakeTransport)

	p.Close()
	p.Release(c)

	assert.True(t, transport.closed.Load())
	assert.Equal(t, 0, p.Stats().Total)
}

func TestPool_MaintenanceKeepsMinIdle(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{
		MinSize:             2,
		MaxSize:             4,
		MaintenanceInterval: 10 * time.Millisecond,
		ValidationInterval:  time.Hour,
	}, f.factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Start(ctx)
	defer func() {
		p.Stop()
		p.Close()
	}()

	require.Eventually(t, func() bool {
		return p.Stats().Idle >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestPool_StaleIdleConnectionDestroyedOnAcquire(t *testing.T) {
	f := &countingFactory{}
	p := New("test", Config{MaxSize: 2, IdleTimeout: 10 * time.Millisecond}, f.factory)
	defer p.Close()

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(c1)

	time.Sleep(30 * time.Millisecond)

	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, c1.ID, c2.ID)
	assert.Equal(t, int32(2), f.created.Load())
}
