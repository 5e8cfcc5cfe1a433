// Package registry tracks which backends are allocated to which
// tenants and hands out connection configurations within each
// allocation's capacity. Counts here are the registry's own view;
// they converge with pool counts but are never locked against them.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/capmesh/capmesh/internal/config"
	"github.com/capmesh/capmesh/internal/observability"
)

// DefaultHistorySize bounds the allocation history when unconfigured.
const DefaultHistorySize = 1000

// Sentinel errors returned by the registry.
var (
	ErrDuplicateServer       = errors.New("duplicate server")
	ErrUnknownServer         = errors.New("unknown server")
	ErrExclusiveConflict     = errors.New("exclusive allocation conflict")
	ErrAtCapacity            = errors.New("all allocations at capacity")
	ErrAllocationRateLimited = errors.New("allocation rate limited")
)

// ConnConfig is the merged connection recipe handed to a caller whose
// allocation was granted.
type ConnConfig struct {
	Backend     string
	Endpoint    string
	AccessLevel string
	Timeout     time.Duration
	Filters     map[string]interface{}
	Metadata    map[string]string
}

// HistoryEntry records one allocation grant.
type HistoryEntry struct {
	Time       time.Time
	Tenant     string
	Capability string
	Backend    string
}

// allocationState is one allocation row plus its live counter.
type allocationState struct {
	alloc  config.Allocation
	active int
}

// Registry owns the server set, the tenant allocations, and the
// per-tenant allocation rate limiters.
type Registry struct {
	logger observability.Logger

	mu          sync.Mutex
	servers     map[string]config.Backend
	allocations []*allocationState
	partitions  []config.Partition
	history     []HistoryEntry
	historySize int

	limiters  map[string]*rate.Limiter
	ratePerS  float64
	rateBurst int
}

// RegistryOption is a functional option for configuring the registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger observability.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// New builds a registry from configuration. Servers are registered
// first so allocations can be checked against them.
func New(cfg config.RegistryConfig, servers []config.Backend, allocations []config.Allocation, partitions []config.Partition, opts ...RegistryOption) (*Registry, error) {
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}

	r := &Registry{
		logger:      observability.NopLogger(),
		servers:     make(map[string]config.Backend, len(servers)),
		partitions:  partitions,
		historySize: historySize,
		limiters:    make(map[string]*rate.Limiter),
		ratePerS:    cfg.AllocationRatePerSec,
		rateBurst:   cfg.AllocationBurst,
	}

	for _, opt := range opts {
		opt(r)
	}

	for _, s := range servers {
		if err := r.RegisterServer(s); err != nil {
			return nil, err
		}
	}
	for _, a := range allocations {
		if err := r.AddAllocation(a); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// RegisterServer adds a server descriptor. Names are unique.
func (r *Registry) RegisterServer(server config.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.servers[server.Name]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateServer, server.Name)
	}
	r.servers[server.Name] = server
	return nil
}

// AddAllocation grants a tenant access to a registered server. At most
// one exclusive allocation may exist per (tenant, capability).
func (r *Registry) AddAllocation(alloc config.Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	server, ok := r.servers[alloc.Backend]
	if !ok {
		return fmt.Errorf("%w: allocation references %q", ErrUnknownServer, alloc.Backend)
	}
	if alloc.Capability != "" && alloc.Capability != server.Capability {
		return fmt.Errorf("allocation capability %q does not match server %q capability %q",
			alloc.Capability, server.Name, server.Capability)
	}

	if alloc.AccessLevel == config.AccessExclusive {
		for _, existing := range r.allocations {
			if existing.alloc.AccessLevel == config.AccessExclusive &&
				existing.alloc.Tenant == alloc.Tenant &&
				existing.alloc.Capability == alloc.Capability {
				return fmt.Errorf("%w: tenant %q already holds exclusive %q",
					ErrExclusiveConflict, alloc.Tenant, alloc.Capability)
			}
		}
	}

	r.allocations = append(r.allocations, &allocationState{alloc: alloc})
	return nil
}

// ServersForTenant lists a tenant's allocations, highest priority
// first. An empty capability matches all capabilities.
func (r *Registry) ServersForTenant(tenant, capability string) []config.Allocation {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []config.Allocation
	for _, state := range r.allocations {
		if state.alloc.Tenant != tenant {
			continue
		}
		if capability != "" && state.alloc.Capability != capability {
			continue
		}
		out = append(out, state.alloc)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority > out[j].Priority
	})
	return out
}

// AllocateConnection grants the tenant a connection slot on the
// highest-priority allocation with spare capacity and returns the
// merged connection configuration.
func (r *Registry) AllocateConnection(ctx context.Context, tenant, capability string, meta map[string]string) (*ConnConfig, error) {
	if lim := r.limiter(tenant); lim != nil && !lim.Allow() {
		recordAllocation(tenant, capability, "rate_limited")
		return nil, fmt.Errorf("tenant %q exceeded allocation rate: %w", tenant, ErrAllocationRateLimited)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var eligible []*allocationState
	for _, state := range r.allocations {
		if state.alloc.Tenant == tenant && state.alloc.Capability == capability {
			eligible = append(eligible, state)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].alloc.Priority > eligible[j].alloc.Priority
	})

	for _, state := range eligible {
		maxConns := state.alloc.MaxConnections
		if maxConns > 0 && state.active >= maxConns {
			continue
		}
		state.active++

		server := r.servers[state.alloc.Backend]
		cfg := &ConnConfig{
			Backend:     server.Name,
			Endpoint:    server.Endpoint,
			AccessLevel: state.alloc.AccessLevel,
			Timeout:     state.alloc.Timeout.Duration(),
			Filters:     state.alloc.Filters,
			Metadata:    mergeMetadata(server.Metadata, state.alloc.Metadata, meta),
		}

		r.appendHistory(HistoryEntry{
			Time:       time.Now(),
			Tenant:     tenant,
			Capability: capability,
			Backend:    server.Name,
		})
		recordAllocation(tenant, capability, "ok")
		setActiveAllocations(tenant, server.Name, state.active)
		return cfg, nil
	}

	recordAllocation(tenant, capability, "at_capacity")
	return nil, fmt.Errorf("tenant %q has no allocation with spare capacity for %q: %w",
		tenant, capability, ErrAtCapacity)
}

// ReleaseConnection returns a slot on the tenant's allocation for the
// backend. Releasing below zero is a logged no-op.
func (r *Registry) ReleaseConnection(tenant, backend string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, state := range r.allocations {
		if state.alloc.Tenant != tenant || state.alloc.Backend != backend {
			continue
		}
		if state.active == 0 {
			r.logger.Warn("release without matching allocation ignored",
				observability.String("tenant", tenant),
				observability.String("backend", backend),
			)
			return
		}
		state.active--
		setActiveAllocations(tenant, backend, state.active)
		return
	}

	r.logger.Warn("release for unallocated backend ignored",
		observability.String("tenant", tenant),
		observability.String("backend", backend),
	)
}

// PartitionConfig returns the partition settings for a tenant and
// partition kind.
func (r *Registry) PartitionConfig(tenant, kind string) (config.Partition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.partitions {
		if p.Tenant == tenant && p.Kind == kind {
			return p, true
		}
	}
	return config.Partition{}, false
}

// TenantMetrics aggregates one tenant's live allocation counts.
type TenantMetrics struct {
	Active    int
	ByBackend map[string]int
}

// Metrics returns live counts per tenant.
func (r *Registry) Metrics() map[string]TenantMetrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]TenantMetrics)
	for _, state := range r.allocations {
		m, ok := out[state.alloc.Tenant]
		if !ok {
			m = TenantMetrics{ByBackend: make(map[string]int)}
		}
		m.Active += state.active
		m.ByBackend[state.alloc.Backend] += state.active
		out[state.alloc.Tenant] = m
	}
	return out
}

// ConnectionSummary returns recent allocation history, newest last.
func (r *Registry) ConnectionSummary() []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]HistoryEntry, len(r.history))
	copy(out, r.history)
	return out
}

// limiter returns the tenant's rate limiter, creating it on first use.
// A nil limiter means rate limiting is disabled.
func (r *Registry) limiter(tenant string) *rate.Limiter {
	if r.ratePerS <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	lim, ok := r.limiters[tenant]
	if !ok {
		burst := r.rateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(r.ratePerS), burst)
		r.limiters[tenant] = lim
	}
	return lim
}

// appendHistory records an entry, dropping the oldest past capacity.
// Caller holds r.mu.
func (r *Registry) appendHistory(entry HistoryEntry) {
	r.history = append(r.history, entry)
	if len(r.history) > r.historySize {
		r.history = r.history[len(r.history)-r.historySize:]
	}
}

// mergeMetadata overlays maps left to right; later maps win.
func mergeMetadata(maps ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
