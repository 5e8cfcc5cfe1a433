// Package routing maps capability requests to backends. Each
// capability carries a routing rule that restricts which tenants may
// use it, an optional per-tenant filter set, and a selection strategy
// applied across the healthy candidates.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/config"
	"github.com/capmesh/capmesh/internal/observability"
	"github.com/capmesh/capmesh/internal/probe"
)

// DefaultProbeInterval is used when a backend omits the probe interval.
const DefaultProbeInterval = 10 * time.Second

// Sentinel errors returned by Route.
var (
	ErrUnknownCapability = errors.New("unknown capability")
	ErrTenantNotAllowed  = errors.New("tenant not allowed")
	ErrNoHealthyBackend  = errors.New("no healthy backend")
)

// Request is the routable unit. DomainFilters accumulates the
// per-tenant filters attached during routing; they scope the request,
// they never grant access on their own.
type Request struct {
	ID            string
	Operation     string
	DomainFilters map[string]interface{}
}

// Decision names the backend selected for a request.
type Decision struct {
	Backend    string
	Endpoint   string
	Capability string
	Strategy   string
}

// candidate is one backend entry in a capability's rotation.
type candidate struct {
	backend config.Backend
	prober  probe.Prober
	healthy bool
	active  int
}

// capabilityRoute holds the rule and candidate set for one capability.
type capabilityRoute struct {
	rule       config.RoutingRule
	candidates []*candidate
	next       int
}

// Table routes requests by capability. It runs its own health loop so
// routing decisions stay current even when no connection traffic is
// flowing through the manager.
type Table struct {
	logger observability.Logger

	mu     sync.Mutex
	routes map[string]*capabilityRoute
	byName map[string]*candidate
	rand   *rand.Rand

	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// TableOption is a functional option for configuring the table.
type TableOption func(*Table)

// WithTableLogger sets the logger.
func WithTableLogger(logger observability.Logger) TableOption {
	return func(t *Table) {
		t.logger = logger
	}
}

// WithCandidateProber overrides the prober for every candidate. Used
// in tests.
func WithCandidateProber(p probe.Prober) TableOption {
	return func(t *Table) {
		for _, c := range t.byName {
			c.prober = p
		}
	}
}

// NewTable builds a routing table from rules and backend descriptors.
// When a capability has several rules the highest priority wins.
func NewTable(rules []config.RoutingRule, backends []config.Backend, opts ...TableOption) (*Table, error) {
	t := &Table{
		logger: observability.NopLogger(),
		routes: make(map[string]*capabilityRoute),
		byName: make(map[string]*candidate),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, rule := range rules {
		existing, ok := t.routes[rule.Capability]
		if ok && existing.rule.Priority >= rule.Priority {
			continue
		}
		t.routes[rule.Capability] = &capabilityRoute{rule: rule}
	}

	for i := range backends {
		b := backends[i]
		route, ok := t.routes[b.Capability]
		if !ok {
			// Backends without a rule are reachable through the
			// connection manager but never through routing.
			continue
		}
		if _, dup := t.byName[b.Name]; dup {
			return nil, fmt.Errorf("duplicate backend name %q", b.Name)
		}
		c := &candidate{
			backend: b,
			prober:  probe.ForBackend(&b),
			healthy: true,
		}
		route.candidates = append(route.candidates, c)
		t.byName[b.Name] = c
	}

	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Route selects a backend for the capability on behalf of a tenant.
// The tenant must appear in the rule's allowed set; its filter, if
// any, is merged into the request without overwriting keys the caller
// already set.
func (t *Table) Route(ctx context.Context, capability, tenant string, req *Request) (*Decision, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	route, ok := t.routes[capability]
	if !ok {
		recordRoute(capability, tenant, "unknown_capability")
		return nil, fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}

	if !tenantAllowed(route.rule.AllowedTenants, tenant) {
		recordRoute(capability, tenant, "denied")
		return nil, fmt.Errorf("tenant %q is not allowed to use capability %q: %w",
			tenant, capability, ErrTenantNotAllowed)
	}

	if req != nil {
		mergeFilters(req, route.rule.TenantFilters[tenant])
	}

	var healthy []*candidate
	for _, c := range route.candidates {
		if c.healthy {
			healthy = append(healthy, c)
		}
	}
	if len(healthy) == 0 {
		recordRoute(capability, tenant, "no_healthy_backend")
		return nil, fmt.Errorf("no healthy backend for capability %q: %w",
			capability, ErrNoHealthyBackend)
	}

	strategy := route.rule.Strategy
	if strategy == "" {
		strategy = config.StrategyRoundRobin
	}

	var chosen *candidate
	switch strategy {
	case config.StrategyLeastConnections:
		chosen = healthy[0]
		for _, c := range healthy[1:] {
			if c.active < chosen.active {
				chosen = c
			}
		}
	case config.StrategyRandom:
		chosen = healthy[t.rand.Intn(len(healthy))]
	default:
		chosen = healthy[route.next%len(healthy)]
		route.next++
	}

	chosen.active++
	recordRoute(capability, tenant, "ok")

	return &Decision{
		Backend:    chosen.backend.Name,
		Endpoint:   chosen.backend.Endpoint,
		Capability: capability,
		Strategy:   strategy,
	}, nil
}

// Release returns a routed request's slot, feeding the
// least-connections counters. Unknown backends and counters already at
// zero are logged no-ops.
func (t *Table) Release(backend string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byName[backend]
	if !ok {
		t.logger.Warn("release for unrouted backend ignored",
			observability.String("backend", backend),
		)
		return
	}
	if c.active == 0 {
		t.logger.Warn("release without matching route ignored",
			observability.String("backend", backend),
		)
		return
	}
	c.active--
}

// Healthy reports the table's own health flag for a backend.
func (t *Table) Healthy(backend string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	c, ok := t.byName[backend]
	return ok && c.healthy
}

// SetHealthy overrides a backend's health flag. Used in tests and by
// operators draining a backend.
func (t *Table) SetHealthy(backend string, healthy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.byName[backend]; ok {
		c.healthy = healthy
		setRoutingHealthGauge(backend, healthy)
	}
}

// Capabilities lists the routable capabilities.
func (t *Table) Capabilities() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]string, 0, len(t.routes))
	for capability := range t.routes {
		out = append(out, capability)
	}
	return out
}

// Start launches the health loop. Idempotent.
func (t *Table) Start(ctx context.Context) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.stopCh = make(chan struct{})
	t.stoppedCh = make(chan struct{})
	t.mu.Unlock()

	go t.healthLoop(ctx)
}

// Stop cancels the health loop and waits for it to exit. Idempotent.
func (t *Table) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	stopCh, stoppedCh := t.stopCh, t.stoppedCh
	t.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

// healthLoop probes every candidate on a shared interval. Probe
// failures flip the flag and are otherwise absorbed.
func (t *Table) healthLoop(ctx context.Context) {
	defer close(t.stoppedCh)

	interval := t.probeInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.probeAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.probeAll(ctx)
		}
	}
}

// probeInterval picks the smallest configured backend interval so no
// candidate is probed slower than its own setting asks for.
func (t *Table) probeInterval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	interval := DefaultProbeInterval
	for _, c := range t.byName {
		if d := c.backend.HealthCheck.Interval.Duration(); d > 0 && d < interval {
			interval = d
		}
	}
	return interval
}

func (t *Table) probeAll(ctx context.Context) {
	t.mu.Lock()
	candidates := make([]*candidate, 0, len(t.byName))
	for _, c := range t.byName {
		candidates = append(candidates, c)
	}
	t.mu.Unlock()

	for _, c := range candidates {
		err := c.prober.Probe(ctx)
		healthy := err == nil

		t.mu.Lock()
		changed := c.healthy != healthy
		c.healthy = healthy
		t.mu.Unlock()

		if changed {
			if healthy {
				t.logger.Info("routing candidate recovered",
					observability.String("backend", c.backend.Name),
				)
			} else {
				t.logger.Warn("routing candidate became unhealthy",
					observability.String("backend", c.backend.Name),
					observability.Error(err),
				)
			}
			setRoutingHealthGauge(c.backend.Name, healthy)
		}
	}
}

// tenantAllowed reports membership in a rule's allowed tenant set.
// The shared tenant is only admitted when listed explicitly.
func tenantAllowed(allowed []string, tenant string) bool {
	for _, a := range allowed {
		if a == tenant {
			return true
		}
	}
	return false
}

// mergeFilters adds the tenant's filter entries to the request without
// overwriting keys the caller already set.
func mergeFilters(req *Request, filters map[string]interface{}) {
	if len(filters) == 0 {
		return
	}
	if req.DomainFilters == nil {
		req.DomainFilters = make(map[string]interface{}, len(filters))
	}
	for k, v := range filters {
		if _, exists := req.DomainFilters[k]; !exists {
			req.DomainFilters[k] = v
		}
	}
}
