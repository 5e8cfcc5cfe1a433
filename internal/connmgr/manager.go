// Package connmgr composes the per-backend resilience machinery:
// connection pool, circuit breaker, retry executor, and health
// monitoring. It is the single owner of each backend's pool and
// breaker.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/capmesh/capmesh/internal/circuitbreaker"
	"github.com/capmesh/capmesh/internal/config"
	"github.com/capmesh/capmesh/internal/observability"
	"github.com/capmesh/capmesh/internal/pool"
	"github.com/capmesh/capmesh/internal/probe"
	"github.com/capmesh/capmesh/internal/retry"
)

// DefaultHealthInterval is used when a backend omits the probe interval.
const DefaultHealthInterval = 10 * time.Second

// Sentinel errors returned by GetConnection.
var (
	// ErrUnknownBackend is returned for a backend name that was never
	// registered. Configuration errors are never retried.
	ErrUnknownBackend = errors.New("unknown backend")

	// ErrBackendUnhealthy is returned before any acquisition attempt
	// when the health monitor has marked the backend down.
	ErrBackendUnhealthy = errors.New("backend unhealthy")
)

// Dialer builds the pool factory for a backend. Injected in tests.
type Dialer func(backend config.Backend) pool.Factory

// defaultDialer dials a TCP connection to the backend endpoint.
func defaultDialer(backend config.Backend) pool.Factory {
	address := backend.Endpoint
	if i := strings.Index(address, "://"); i >= 0 {
		address = address[i+3:]
	}
	return func(ctx context.Context) (io.Closer, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// backendUnit bundles one backend's resilience machinery.
type backendUnit struct {
	cfg     config.Backend
	pool    *pool.Pool
	breaker *circuitbreaker.Breaker
	retrier *retry.Executor
	prober  probe.Prober
	healthy atomic.Bool

	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// tenantKey identifies a per-backend, per-tenant counter row.
type tenantKey struct {
	backend string
	tenant  string
}

// Counters holds acquire/release/failure counts for one key.
type Counters struct {
	Acquires int64
	Releases int64
	Failures int64
}

// Manager owns the pool, breaker, retry executor, and health flag for
// every configured backend.
type Manager struct {
	logger observability.Logger
	tracer *observability.Tracer
	dialer Dialer

	units map[string]*backendUnit

	countersMu sync.Mutex
	counters   map[tenantKey]*Counters

	started  bool
	startMu  sync.Mutex
	shutdown atomic.Bool
}

// ManagerOption is a functional option for configuring the manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger.
func WithManagerLogger(logger observability.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerTracer sets the tracer.
func WithManagerTracer(tracer *observability.Tracer) ManagerOption {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// WithDialer sets the dialer used to build pool factories.
func WithDialer(dialer Dialer) ManagerOption {
	return func(m *Manager) {
		m.dialer = dialer
	}
}

// WithProber overrides the prober for every backend. Used in tests.
func WithProber(p probe.Prober) ManagerOption {
	return func(m *Manager) {
		for _, unit := range m.units {
			unit.prober = p
		}
	}
}

// NewManager builds a manager from backend descriptors. Duplicate
// names are rejected.
func NewManager(backends []config.Backend, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		logger:   observability.NopLogger(),
		tracer:   observability.NopTracer(),
		dialer:   defaultDialer,
		units:    make(map[string]*backendUnit, len(backends)),
		counters: make(map[tenantKey]*Counters),
	}

	// The dialer option must be visible before pools are built, and
	// the prober option needs the units to exist, so apply options in
	// two passes around unit construction.
	for _, opt := range opts {
		opt(m)
	}

	for _, b := range backends {
		if _, dup := m.units[b.Name]; dup {
			return nil, fmt.Errorf("duplicate backend name %q", b.Name)
		}

		unit := &backendUnit{
			cfg: b,
			pool: pool.New(b.Name, pool.Config{
				MinSize:             b.Pool.MinSize,
				MaxSize:             b.Pool.MaxSize,
				AcquireTimeout:      b.Pool.AcquireTimeout.Duration(),
				IdleTimeout:         b.Pool.IdleTimeout.Duration(),
				MaxLifetime:         b.Pool.MaxLifetime.Duration(),
				ValidationInterval:  b.Pool.ValidationInterval.Duration(),
				MaintenanceInterval: b.Pool.MaintenanceInterval.Duration(),
			}, m.dialer(b), pool.WithLogger(m.logger)),
			breaker: circuitbreaker.New(b.Name, breakerConfig(b.CircuitBreaker),
				circuitbreaker.WithBreakerLogger(m.logger)),
			retrier: retry.NewExecutor(b.Name, retryPolicy(b.Retry),
				retry.WithExecutorLogger(m.logger)),
			prober:    probe.ForBackend(&b),
			stopCh:    make(chan struct{}),
			stoppedCh: make(chan struct{}),
		}
		unit.healthy.Store(true)
		m.units[b.Name] = unit
	}

	// Re-apply options that act on the built units (e.g. WithProber).
	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

// breakerConfig translates configuration into breaker settings.
func breakerConfig(c config.BreakerConfig) *circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	if c.MaxFailures > 0 {
		cfg.MaxFailures = c.MaxFailures
	}
	if c.Timeout.Duration() > 0 {
		cfg.Timeout = c.Timeout.Duration()
	}
	if c.SuccessThreshold > 0 {
		cfg.SuccessThreshold = c.SuccessThreshold
	}
	if c.FailureRateThreshold > 0 {
		cfg.FailureRateThreshold = c.FailureRateThreshold
	}
	if c.MinSamples > 0 {
		cfg.MinSamples = c.MinSamples
	}
	if c.WindowSize > 0 {
		cfg.WindowSize = c.WindowSize
	}
	return cfg
}

// retryPolicy translates configuration into a retry policy.
func retryPolicy(c config.RetryConfig) *retry.Policy {
	p := retry.DefaultPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelay.Duration() > 0 {
		p.InitialDelay = c.InitialDelay.Duration()
	}
	if c.MaxDelay.Duration() > 0 {
		p.MaxDelay = c.MaxDelay.Duration()
	}
	if c.Strategy != "" {
		p.Strategy = c.Strategy
	}
	p.Jitter = c.Jitter
	return p
}

// Start launches pool loops and one health monitor per backend.
// Idempotent.
func (m *Manager) Start(ctx context.Context) {
	m.startMu.Lock()
	defer m.startMu.Unlock()
	if m.started {
		return
	}
	m.started = true

	for _, unit := range m.units {
		unit.pool.Start(ctx)
		go m.monitor(ctx, unit)
	}

	m.logger.Info("connection manager started",
		observability.Int("backends", len(m.units)),
	)
}

// GetConnection acquires a connection to the named backend for a
// tenant. Unknown and unhealthy backends fail fast before any
// acquisition attempt; otherwise acquisition runs under the breaker,
// which runs under the retry executor.
func (m *Manager) GetConnection(ctx context.Context, backend, tenant string) (*pool.Conn, error) {
	ctx, span := m.tracer.Start(ctx, "connmgr.GetConnection",
		trace.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("tenant", tenant),
		))
	defer span.End()

	unit, ok := m.units[backend]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}

	if !unit.healthy.Load() {
		m.bumpCounter(backend, tenant, func(c *Counters) { c.Failures++ })
		recordAcquireResult(backend, tenant, "unhealthy")
		return nil, fmt.Errorf("backend %q is unhealthy: %w", backend, ErrBackendUnhealthy)
	}

	var conn *pool.Conn
	err := unit.retrier.Execute(ctx, func(ctx context.Context) error {
		return unit.breaker.Execute(ctx, func(ctx context.Context) error {
			c, acquireErr := unit.pool.Acquire(ctx)
			if acquireErr != nil {
				return acquireErr
			}
			conn = c
			return nil
		})
	})
	if err != nil {
		m.bumpCounter(backend, tenant, func(c *Counters) { c.Failures++ })
		recordAcquireResult(backend, tenant, "error")
		return nil, err
	}

	m.bumpCounter(backend, tenant, func(c *Counters) { c.Acquires++ })
	recordAcquireResult(backend, tenant, "ok")
	return conn, nil
}

// ReleaseConnection returns a connection to its owning pool.
func (m *Manager) ReleaseConnection(conn *pool.Conn, tenant string) {
	if conn == nil {
		return
	}
	unit, ok := m.units[conn.Backend]
	if !ok {
		m.logger.Warn("release for unknown backend ignored",
			observability.String("backend", conn.Backend),
		)
		return
	}
	unit.pool.Release(conn)
	m.bumpCounter(conn.Backend, tenant, func(c *Counters) { c.Releases++ })
}

// Healthy reports the monitor's current health flag for a backend.
func (m *Manager) Healthy(backend string) bool {
	unit, ok := m.units[backend]
	return ok && unit.healthy.Load()
}

// BackendStatus is a read-only snapshot of one backend.
type BackendStatus struct {
	Name       string
	Capability string
	Healthy    bool
	Breaker    circuitbreaker.State
	Pool       pool.Stats
}

// Status returns a snapshot for every backend. It never blocks on the
// resilience machinery.
func (m *Manager) Status() map[string]BackendStatus {
	out := make(map[string]BackendStatus, len(m.units))
	for name, unit := range m.units {
		out[name] = BackendStatus{
			Name:       name,
			Capability: unit.cfg.Capability,
			Healthy:    unit.healthy.Load(),
			Breaker:    unit.breaker.State(),
			Pool:       unit.pool.Stats(),
		}
	}
	return out
}

// Metrics returns a copy of the per-backend, per-tenant counters.
func (m *Manager) Metrics() map[string]map[string]Counters {
	m.countersMu.Lock()
	defer m.countersMu.Unlock()

	out := make(map[string]map[string]Counters)
	for key, c := range m.counters {
		byTenant, ok := out[key.backend]
		if !ok {
			byTenant = make(map[string]Counters)
			out[key.backend] = byTenant
		}
		byTenant[key.tenant] = *c
	}
	return out
}

// Shutdown cancels all monitor loops and closes all pools. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) {
	if !m.shutdown.CompareAndSwap(false, true) {
		return
	}

	m.startMu.Lock()
	started := m.started
	m.startMu.Unlock()

	for _, unit := range m.units {
		if started {
			close(unit.stopCh)
			<-unit.stoppedCh
		}
		unit.pool.Stop()
		unit.pool.Close()
		if closer, ok := unit.prober.(io.Closer); ok {
			_ = closer.Close()
		}
	}

	m.logger.Info("connection manager shut down")
}

// bumpCounter mutates a counter row under the manager's mutex.
func (m *Manager) bumpCounter(backend, tenant string, fn func(*Counters)) {
	key := tenantKey{backend: backend, tenant: tenant}

	m.countersMu.Lock()
	defer m.countersMu.Unlock()

	c, ok := m.counters[key]
	if !ok {
		c = &Counters{}
		m.counters[key] = c
	}
	fn(c)
}

// monitor probes one backend on its interval, updating the health flag
// and logging only on transitions. Probe errors are absorbed into the
// flag and never escape the loop.
func (m *Manager) monitor(ctx context.Context, unit *backendUnit) {
	defer close(unit.stoppedCh)

	interval := unit.cfg.HealthCheck.Interval.Duration()
	if interval <= 0 {
		interval = DefaultHealthInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.probeOnce(ctx, unit)

	for {
		select {
		case <-ctx.Done():
			return
		case <-unit.stopCh:
			return
		case <-ticker.C:
			m.probeOnce(ctx, unit)
		}
	}
}

// probeOnce runs one probe and applies the result to the health flag.
func (m *Manager) probeOnce(ctx context.Context, unit *backendUnit) {
	err := unit.prober.Probe(ctx)
	healthy := err == nil

	if unit.healthy.Swap(healthy) != healthy {
		if healthy {
			m.logger.Info("backend recovered",
				observability.String("backend", unit.cfg.Name),
			)
		} else {
			m.logger.Warn("backend became unhealthy",
				observability.String("backend", unit.cfg.Name),
				observability.Error(err),
			)
		}
		setHealthGauge(unit.cfg.Name, healthy)
	}
}
