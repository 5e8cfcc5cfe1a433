package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Backends: []Backend{
			{
				Name:       "postgres-primary",
				Capability: "database",
				Endpoint:   "localhost:5432",
				Pool:       PoolConfig{MinSize: 1, MaxSize: 10},
			},
			{
				Name:       "redis-cache",
				Capability: "memory",
				Endpoint:   "localhost:6379",
				Pool:       PoolConfig{MaxSize: 5},
				HealthCheck: HealthCheckConfig{
					Type: ProbeRedis,
				},
			},
		},
		Routing: []RoutingRule{
			{
				Capability:     "database",
				AllowedTenants: []string{"technical", "business"},
				Strategy:       StrategyRoundRobin,
			},
		},
		Allocations: []Allocation{
			{
				Backend:     "postgres-primary",
				Capability:  "database",
				Tenant:      "technical",
				AccessLevel: AccessShared,
			},
		},
		Enforcer: EnforcerConfig{
			AccessMatrix: map[string]map[string]string{
				"admin": {"technical": "full", "business": "full"},
			},
			OperationLevels: map[string]string{
				"deploy": "write",
			},
		},
	}
}

func TestValidate_AcceptsValidConfig(t *testing.T) {
	assert.NoError(t, Validate(validConfig()))
}

func TestValidate_NilConfigFails(t *testing.T) {
	assert.Error(t, Validate(nil))
}

func TestValidate_RejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			name:    "missing backend name",
			mutate:  func(c *Config) { c.Backends[0].Name = "" },
			wantMsg: "name is required",
		},
		{
			name:    "missing capability",
			mutate:  func(c *Config) { c.Backends[0].Capability = "" },
			wantMsg: "capability is required",
		},
		{
			name:    "missing endpoint",
			mutate:  func(c *Config) { c.Backends[0].Endpoint = "" },
			wantMsg: "endpoint is required",
		},
		{
			name:    "duplicate backend name",
			mutate:  func(c *Config) { c.Backends[1].Name = "postgres-primary" },
			wantMsg: "duplicate backend name",
		},
		{
			name:    "pool max size zero",
			mutate:  func(c *Config) { c.Backends[0].Pool.MaxSize = 0 },
			wantMsg: "pool.maxSize",
		},
		{
			name:    "pool min above max",
			mutate:  func(c *Config) { c.Backends[0].Pool.MinSize = 20 },
			wantMsg: "pool.minSize",
		},
		{
			name:    "unknown probe type",
			mutate:  func(c *Config) { c.Backends[0].HealthCheck.Type = "icmp" },
			wantMsg: "unknown health check type",
		},
		{
			name:    "empty allowed tenants",
			mutate:  func(c *Config) { c.Routing[0].AllowedTenants = nil },
			wantMsg: "allowedTenants must not be empty",
		},
		{
			name:    "unknown strategy",
			mutate:  func(c *Config) { c.Routing[0].Strategy = "sticky" },
			wantMsg: "unknown strategy",
		},
		{
			name: "filter for disallowed tenant",
			mutate: func(c *Config) {
				c.Routing[0].AllowedTenants = []string{"technical"}
				c.Routing[0].TenantFilters = map[string]map[string]interface{}{
					"business": {"schema": "analytics"},
				}
			},
			wantMsg: "tenant is not allowed",
		},
		{
			name:    "allocation references unknown backend",
			mutate:  func(c *Config) { c.Allocations[0].Backend = "missing" },
			wantMsg: "unknown backend",
		},
		{
			name:    "allocation capability mismatch",
			mutate:  func(c *Config) { c.Allocations[0].Capability = "memory" },
			wantMsg: `provides "database", not "memory"`,
		},
		{
			name:    "unknown access level",
			mutate:  func(c *Config) { c.Allocations[0].AccessLevel = "root" },
			wantMsg: "unknown access level",
		},
		{
			name: "duplicate exclusive allocation",
			mutate: func(c *Config) {
				c.Allocations[0].AccessLevel = AccessExclusive
				c.Allocations = append(c.Allocations, Allocation{
					Backend:     "postgres-primary",
					Capability:  "database",
					Tenant:      "technical",
					AccessLevel: AccessExclusive,
				})
			},
			wantMsg: "multiple exclusive allocations",
		},
		{
			name: "bad matrix level",
			mutate: func(c *Config) {
				c.Enforcer.AccessMatrix["admin"]["technical"] = "superuser"
			},
			wantMsg: "unknown level",
		},
		{
			name: "bad operation level",
			mutate: func(c *Config) {
				c.Enforcer.OperationLevels["deploy"] = "full"
			},
			wantMsg: "required level must be",
		},
		{
			name: "restriction without expression",
			mutate: func(c *Config) {
				c.Enforcer.Restrictions = []RestrictionRule{{Name: "after-hours"}}
			},
			wantMsg: "expression is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}
