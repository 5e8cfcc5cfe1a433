package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/observability"
)

// Sentinel errors returned by Acquire.
var (
	// ErrPoolClosed is returned when the pool has been closed.
	ErrPoolClosed = errors.New("connection pool is closed")

	// ErrPoolExhausted is returned when no connection became available
	// within the acquire timeout and the pool is at capacity.
	ErrPoolExhausted = errors.New("connection pool exhausted")
)

// Factory dials the backend and returns a transport handle. It is
// called synchronously from Acquire and from the maintenance loop.
type Factory func(ctx context.Context) (io.Closer, error)

// Config configures a pool. Zero durations disable the corresponding
// behavior (no idle timeout, no max lifetime, no waiting).
type Config struct {
	MinSize             int
	MaxSize             int
	AcquireTimeout      time.Duration
	IdleTimeout         time.Duration
	MaxLifetime         time.Duration
	ValidationInterval  time.Duration
	MaintenanceInterval time.Duration
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MinSize:             1,
		MaxSize:             10,
		AcquireTimeout:      5 * time.Second,
		IdleTimeout:         5 * time.Minute,
		MaxLifetime:         30 * time.Minute,
		ValidationInterval:  30 * time.Second,
		MaintenanceInterval: 15 * time.Second,
	}
}

// Validate normalizes out-of-range values.
func (c *Config) Validate() {
	if c.MaxSize < 1 {
		c.MaxSize = 10
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		c.MinSize = 0
	}
	if c.ValidationInterval <= 0 {
		c.ValidationInterval = 30 * time.Second
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 15 * time.Second
	}
}

// waiter receives a connection freed by Release. There is no FIFO
// guarantee among waiters.
type waiter struct {
	ch chan *Conn
}

// Pool is a lifecycle-managed connection pool for one backend. The
// active connection count never exceeds MaxSize at any instant.
type Pool struct {
	backend string
	config  Config
	factory Factory
	logger  observability.Logger

	mu      sync.Mutex
	idle    []*Conn
	active  map[string]*Conn
	total   int
	waiters []*waiter
	closed  bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
	running   bool
}

// Option is a functional option for configuring a pool.
type Option func(*Pool)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New creates a pool for the named backend.
func New(backend string, config Config, factory Factory, opts ...Option) *Pool {
	config.Validate()

	p := &Pool{
		backend:   backend,
		config:    config,
		factory:   factory,
		logger:    observability.NopLogger(),
		active:    make(map[string]*Conn),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Start launches the maintenance and validation loops. Idempotent.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running || p.closed {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop stops the background loops without closing the pool.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.stoppedCh
}

// run drives the maintenance and validation loops on their own tickers.
func (p *Pool) run(ctx context.Context) {
	defer close(p.stoppedCh)

	maintenance := time.NewTicker(p.config.MaintenanceInterval)
	defer maintenance.Stop()

	validation := time.NewTicker(p.config.ValidationInterval)
	defer validation.Stop()

	// Pre-warm to the minimum before the first tick.
	p.topUp(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-maintenance.C:
			p.topUp(ctx)
		case <-validation.C:
			p.validateIdle()
		}
	}
}

// Acquire returns a ready connection. It prefers an idle connection;
// when none exists and the pool is under capacity it dials exactly one
// new connection synchronously. Otherwise it waits up to
// AcquireTimeout for a release, then fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	var timer *time.Timer
	var timeout <-chan time.Time

	for {
		p.mu.Lock()

		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		if c := p.popIdle(); c != nil {
			c.state = StateActive
			c.lastUsed = time.Now()
			p.active[c.ID] = c
			p.mu.Unlock()
			recordAcquire(p.backend, "idle")
			p.updateGauges()
			return c, nil
		}

		if p.total < p.config.MaxSize {
			// Reserve the slot before dialing so concurrent acquires
			// cannot overshoot MaxSize.
			p.total++
			p.mu.Unlock()

			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.notifyOne(nil)
				p.mu.Unlock()
				recordAcquire(p.backend, "dial_error")
				return nil, fmt.Errorf("failed to connect to backend %q: %w", p.backend, err)
			}

			p.mu.Lock()
			c.state = StateActive
			p.active[c.ID] = c
			p.mu.Unlock()
			recordAcquire(p.backend, "created")
			p.updateGauges()
			return c, nil
		}

		if p.config.AcquireTimeout <= 0 {
			p.mu.Unlock()
			recordAcquire(p.backend, "exhausted")
			return nil, fmt.Errorf("backend %q at capacity (%d): %w",
				p.backend, p.config.MaxSize, ErrPoolExhausted)
		}

		w := &waiter{ch: make(chan *Conn, 1)}
		p.waiters = append(p.waiters, w)
		p.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(p.config.AcquireTimeout)
			defer timer.Stop()
			timeout = timer.C
		}

		select {
		case c := <-w.ch:
			if c == nil {
				// The freed slot vanished (close or dial failure);
				// re-evaluate from the top.
				continue
			}
			recordAcquire(p.backend, "handoff")
			p.updateGauges()
			return c, nil
		case <-timeout:
			p.abandonWaiter(w)
			if c := p.drainWaiter(w); c != nil {
				recordAcquire(p.backend, "handoff")
				return c, nil
			}
			recordAcquire(p.backend, "timeout")
			return nil, fmt.Errorf("acquire timed out after %s for backend %q: %w",
				p.config.AcquireTimeout, p.backend, ErrPoolExhausted)
		case <-ctx.Done():
			p.abandonWaiter(w)
			if c := p.drainWaiter(w); c != nil {
				recordAcquire(p.backend, "handoff")
				return c, nil
			}
			return nil, ctx.Err()
		}
	}
}

// Release returns a connection to the pool. When the pool is closing
// the connection is destroyed. Expired or idle-timed-out connections
// are destroyed and the pool is topped back up asynchronously. A
// double release is a logged no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil {
		return
	}

	p.mu.Lock()

	if _, owned := p.active[c.ID]; !owned {
		p.mu.Unlock()
		p.logger.Warn("double release of connection ignored",
			observability.String("backend", p.backend),
			observability.String("conn_id", c.ID),
		)
		recordDoubleRelease(p.backend)
		return
	}
	delete(p.active, c.ID)

	if p.closed {
		p.total--
		p.mu.Unlock()
		p.destroy(c)
		return
	}

	now := time.Now()
	if c.expired(p.config.MaxLifetime, now) || c.idleTimedOut(p.config.IdleTimeout, now) {
		p.total--
		p.notifyOne(nil)
		p.mu.Unlock()
		p.destroy(c)
		go p.topUp(context.Background())
		p.updateGauges()
		return
	}

	c.lastUsed = now

	// Hand off directly to a waiter when one exists.
	if len(p.waiters) > 0 {
		w := p.waiters[len(p.waiters)-1]
		p.waiters = p.waiters[:len(p.waiters)-1]
		c.state = StateActive
		p.active[c.ID] = c
		w.ch <- c
		p.mu.Unlock()
		p.updateGauges()
		return
	}

	c.state = StateIdle
	p.idle = append(p.idle, c)
	p.mu.Unlock()
	recordRelease(p.backend)
	p.updateGauges()
}

// Close destroys every connection and blocks further acquisition.
// Active connections are destroyed when released. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true

	idle := p.idle
	p.idle = nil
	p.total -= len(idle)

	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.ch <- nil
	}
	for _, c := range idle {
		p.destroy(c)
	}

	p.logger.Info("connection pool closed",
		observability.String("backend", p.backend),
	)
	p.updateGauges()
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Backend string
	Idle    int
	Active  int
	Total   int
	Waiters int
	Closed  bool
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Backend: p.backend,
		Idle:    len(p.idle),
		Active:  len(p.active),
		Total:   p.total,
		Waiters: len(p.waiters),
		Closed:  p.closed,
	}
}

// popIdle removes and returns a usable idle connection, destroying
// stale ones it encounters. Callers hold p.mu.
func (p *Pool) popIdle() *Conn {
	now := time.Now()
	for len(p.idle) > 0 {
		c := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if c.expired(p.config.MaxLifetime, now) || c.idleTimedOut(p.config.IdleTimeout, now) {
			p.total--
			go p.destroy(c)
			continue
		}
		return c
	}
	return nil
}

// notifyOne wakes one waiter with c (nil means "slot freed, retry").
// Callers hold p.mu.
func (p *Pool) notifyOne(c *Conn) {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[len(p.waiters)-1]
	p.waiters = p.waiters[:len(p.waiters)-1]
	w.ch <- c
}

// abandonWaiter removes w from the waiter list if still queued.
func (p *Pool) abandonWaiter(w *waiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, queued := range p.waiters {
		if queued == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// drainWaiter collects a connection that raced into the waiter channel
// after timeout or cancellation, so it is not leaked.
func (p *Pool) drainWaiter(w *waiter) *Conn {
	select {
	case c := <-w.ch:
		return c
	default:
		return nil
	}
}

// dial invokes the factory under the acquire timeout.
func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	if p.config.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.AcquireTimeout)
		defer cancel()
	}

	transport, err := p.factory(ctx)
	if err != nil {
		return nil, err
	}

	recordCreate(p.backend)
	return newConn(p.backend, transport), nil
}

// destroy closes the underlying transport.
func (p *Pool) destroy(c *Conn) {
	if c.Transport != nil {
		if err := c.Transport.Close(); err != nil {
			p.logger.Debug("error closing connection transport",
				observability.String("backend", p.backend),
				observability.String("conn_id", c.ID),
				observability.Error(err),
			)
		}
	}
	recordDestroy(p.backend)
}

// topUp creates idle connections until the idle count reaches MinSize,
// without exceeding MaxSize in total.
func (p *Pool) topUp(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || len(p.idle) >= p.config.MinSize || p.total >= p.config.MaxSize {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		c, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.logger.Debug("pool top-up dial failed",
				observability.String("backend", p.backend),
				observability.Error(err),
			)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.total--
			p.mu.Unlock()
			p.destroy(c)
			return
		}
		p.idle = append(p.idle, c)
		p.mu.Unlock()
		p.updateGauges()
	}
}

// validateIdle proactively destroys stale idle connections, even ones
// that were never released since going stale.
func (p *Pool) validateIdle() {
	now := time.Now()

	p.mu.Lock()
	kept := p.idle[:0]
	var stale []*Conn
	for _, c := range p.idle {
		if c.expired(p.config.MaxLifetime, now) || c.idleTimedOut(p.config.IdleTimeout, now) {
			stale = append(stale, c)
			p.total--
		} else {
			kept = append(kept, c)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, c := range stale {
		p.destroy(c)
	}
	if len(stale) > 0 {
		p.logger.Debug("destroyed stale idle connections",
			observability.String("backend", p.backend),
			observability.Int("count", len(stale)),
		)
		p.updateGauges()
	}
}

// updateGauges refreshes the prometheus pool gauges.
func (p *Pool) updateGauges() {
	p.mu.Lock()
	idle, active := len(p.idle), len(p.active)
	p.mu.Unlock()
	setPoolGauges(p.backend, idle, active)
}
