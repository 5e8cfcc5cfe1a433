package config

import (
	"fmt"
)

var validStrategies = map[string]bool{
	StrategyRoundRobin:       true,
	StrategyLeastConnections: true,
	StrategyRandom:           true,
}

var validAccessLevels = map[string]bool{
	AccessExclusive: true,
	AccessShared:    true,
	AccessReadOnly:  true,
}

var validMatrixLevels = map[string]bool{
	"none":    true,
	"read":    true,
	"execute": true,
	"write":   true,
	"full":    true,
}

var validProbeTypes = map[string]bool{
	"":         true, // defaults to tcp
	ProbeHTTP:  true,
	ProbeTCP:   true,
	ProbeRedis: true,
}

// Validate validates the full configuration. Configuration errors are
// synchronous and never retried.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	backends := make(map[string]*Backend, len(cfg.Backends))
	for i := range cfg.Backends {
		b := &cfg.Backends[i]
		if err := validateBackend(b); err != nil {
			return fmt.Errorf("backends[%d]: %w", i, err)
		}
		if _, dup := backends[b.Name]; dup {
			return fmt.Errorf("backends[%d]: duplicate backend name %q", i, b.Name)
		}
		backends[b.Name] = b
	}

	for i := range cfg.Routing {
		if err := validateRoutingRule(&cfg.Routing[i]); err != nil {
			return fmt.Errorf("routing[%d]: %w", i, err)
		}
	}

	if err := validateAllocations(cfg.Allocations, backends); err != nil {
		return err
	}

	if err := validateEnforcer(&cfg.Enforcer); err != nil {
		return fmt.Errorf("enforcer: %w", err)
	}

	return nil
}

func validateBackend(b *Backend) error {
	if b.Name == "" {
		return fmt.Errorf("name is required")
	}
	if b.Capability == "" {
		return fmt.Errorf("capability is required")
	}
	if b.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if b.Pool.MaxSize < 1 {
		return fmt.Errorf("pool.maxSize must be at least 1")
	}
	if b.Pool.MinSize < 0 || b.Pool.MinSize > b.Pool.MaxSize {
		return fmt.Errorf("pool.minSize must be between 0 and pool.maxSize")
	}
	if !validProbeTypes[b.HealthCheck.Type] {
		return fmt.Errorf("unknown health check type %q", b.HealthCheck.Type)
	}
	return nil
}

func validateRoutingRule(r *RoutingRule) error {
	if r.Capability == "" {
		return fmt.Errorf("capability is required")
	}
	if len(r.AllowedTenants) == 0 {
		return fmt.Errorf("allowedTenants must not be empty")
	}
	if !validStrategies[r.Strategy] {
		return fmt.Errorf("unknown strategy %q", r.Strategy)
	}
	for tenant := range r.TenantFilters {
		if !contains(r.AllowedTenants, tenant) {
			return fmt.Errorf("tenant filter for %q but tenant is not allowed", tenant)
		}
	}
	return nil
}

func validateAllocations(allocations []Allocation, backends map[string]*Backend) error {
	exclusive := make(map[string]bool)
	for i := range allocations {
		a := &allocations[i]
		if a.Backend == "" || a.Tenant == "" || a.Capability == "" {
			return fmt.Errorf("allocations[%d]: backend, tenant, and capability are required", i)
		}
		b, ok := backends[a.Backend]
		if !ok {
			return fmt.Errorf("allocations[%d]: unknown backend %q", i, a.Backend)
		}
		if b.Capability != a.Capability {
			return fmt.Errorf("allocations[%d]: backend %q provides %q, not %q",
				i, a.Backend, b.Capability, a.Capability)
		}
		if !validAccessLevels[a.AccessLevel] {
			return fmt.Errorf("allocations[%d]: unknown access level %q", i, a.AccessLevel)
		}
		if a.AccessLevel == AccessExclusive {
			key := a.Tenant + "/" + a.Capability
			if exclusive[key] {
				return fmt.Errorf("allocations[%d]: multiple exclusive allocations for tenant %q capability %q",
					i, a.Tenant, a.Capability)
			}
			exclusive[key] = true
		}
	}
	return nil
}

func validateEnforcer(e *EnforcerConfig) error {
	for role, tenants := range e.AccessMatrix {
		for tenant, level := range tenants {
			if !validMatrixLevels[level] {
				return fmt.Errorf("access matrix %s/%s: unknown level %q", role, tenant, level)
			}
		}
	}
	for op, level := range e.OperationLevels {
		switch level {
		case "read", "execute", "write":
		default:
			return fmt.Errorf("operation %q: required level must be read, execute, or write, got %q", op, level)
		}
	}
	for i, r := range e.Restrictions {
		if r.Name == "" {
			return fmt.Errorf("restrictions[%d]: name is required", i)
		}
		if r.Expression == "" {
			return fmt.Errorf("restrictions[%d]: expression is required", i)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
