// Package config provides configuration loading and validation for capmesh.
package config

// Tenant names. Tenants are organizationally separate consumers of
// backend capability servers; "shared" backends serve both.
const (
	TenantTechnical = "technical"
	TenantBusiness  = "business"
	TenantShared    = "shared"
)

// Load balancing strategy names.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyLeastConnections = "least_connections"
	StrategyRandom           = "random"
)

// Allocation access levels.
const (
	AccessExclusive = "exclusive"
	AccessShared    = "shared"
	AccessReadOnly  = "read_only"
)

// Health probe types.
const (
	ProbeHTTP  = "http"
	ProbeTCP   = "tcp"
	ProbeRedis = "redis"
)

// Config is the top-level capmesh configuration. It is loaded once at
// startup and immutable for the process lifetime.
type Config struct {
	// Logging configures structured logging.
	Logging LoggingConfig `yaml:"logging"`

	// Tracing configures OpenTelemetry tracing.
	Tracing TracingConfig `yaml:"tracing"`

	// Audit configures the audit trail.
	Audit AuditConfig `yaml:"audit"`

	// Backends are the backend capability server descriptors.
	Backends []Backend `yaml:"backends"`

	// Routing are the capability-to-tenant routing rules.
	Routing []RoutingRule `yaml:"routing"`

	// Allocations are the tenant allocations of backends.
	Allocations []Allocation `yaml:"allocations"`

	// Partitions are the tenant resource partitions.
	Partitions []Partition `yaml:"partitions"`

	// Registry configures the server registry.
	Registry RegistryConfig `yaml:"registry"`

	// Enforcer configures domain access enforcement.
	Enforcer EnforcerConfig `yaml:"enforcer"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Enabled creates the audit trail at startup. The enforcer's own
	// auditEnabled toggle controls whether validations are recorded
	// into it.
	Enabled bool `yaml:"enabled"`

	// Output is "stdout", "stderr", a file path, or "" for store-only.
	Output string `yaml:"output"`

	// MaxEntries bounds the in-memory audit store.
	MaxEntries int `yaml:"maxEntries"`
}

// Backend describes a backend capability server. Descriptors are
// immutable after registration.
type Backend struct {
	// Name uniquely identifies the backend.
	Name string `yaml:"name"`

	// Capability is the capability type the backend provides
	// (e.g. "database", "memory", "web_search", "code_analysis").
	Capability string `yaml:"capability"`

	// Endpoint is the network address of the backend.
	Endpoint string `yaml:"endpoint"`

	// Pool configures the connection pool for this backend.
	Pool PoolConfig `yaml:"pool"`

	// HealthCheck configures health probing.
	HealthCheck HealthCheckConfig `yaml:"healthCheck"`

	// CircuitBreaker configures fault isolation.
	CircuitBreaker BreakerConfig `yaml:"circuitBreaker"`

	// Retry configures the retry policy for connection acquisition.
	Retry RetryConfig `yaml:"retry"`

	// Capabilities lists fine-grained capabilities the backend supports.
	Capabilities []string `yaml:"capabilities,omitempty"`

	// Metadata is backend-defined pass-through data.
	Metadata map[string]string `yaml:"metadata,omitempty"`
}

// PoolConfig configures a connection pool.
type PoolConfig struct {
	MinSize             int      `yaml:"minSize"`
	MaxSize             int      `yaml:"maxSize"`
	AcquireTimeout      Duration `yaml:"acquireTimeout"`
	IdleTimeout         Duration `yaml:"idleTimeout"`
	MaxLifetime         Duration `yaml:"maxLifetime"`
	ValidationInterval  Duration `yaml:"validationInterval"`
	MaintenanceInterval Duration `yaml:"maintenanceInterval"`
}

// HealthCheckConfig configures health probing for a backend.
type HealthCheckConfig struct {
	// Type selects the probe: http, tcp, or redis.
	Type string `yaml:"type"`

	// Path is the HTTP health path (http probes only).
	Path string `yaml:"path"`

	// Interval is the probe interval.
	Interval Duration `yaml:"interval"`

	// Timeout bounds a single probe.
	Timeout Duration `yaml:"timeout"`
}

// BreakerConfig configures a circuit breaker.
type BreakerConfig struct {
	MaxFailures          int      `yaml:"maxFailures"`
	Timeout              Duration `yaml:"timeout"`
	SuccessThreshold     int      `yaml:"successThreshold"`
	FailureRateThreshold float64  `yaml:"failureRateThreshold"`
	MinSamples           int      `yaml:"minSamples"`
	WindowSize           int      `yaml:"windowSize"`
}

// RetryConfig configures retry behavior.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"maxAttempts"`
	InitialDelay Duration `yaml:"initialDelay"`
	MaxDelay     Duration `yaml:"maxDelay"`
	Strategy     string   `yaml:"strategy"`
	Jitter       bool     `yaml:"jitter"`
}

// RoutingRule maps a capability type to the tenants allowed to use it,
// with optional per-tenant domain filters. Rules are immutable.
type RoutingRule struct {
	// Capability is the capability type this rule covers.
	Capability string `yaml:"capability"`

	// AllowedTenants is the non-empty set of tenants allowed to route
	// to this capability.
	AllowedTenants []string `yaml:"allowedTenants"`

	// TenantFilters holds per-tenant domain filters attached to routed
	// requests (additive, never authoritative).
	TenantFilters map[string]map[string]interface{} `yaml:"tenantFilters,omitempty"`

	// Strategy selects the load balancing strategy.
	Strategy string `yaml:"strategy"`

	// Priority orders rules for the same capability (higher first).
	Priority int `yaml:"priority"`
}

// Allocation assigns a backend to a tenant at an access level. At most
// one exclusive allocation may exist per (tenant, capability) pair.
type Allocation struct {
	Backend        string                 `yaml:"backend"`
	Capability     string                 `yaml:"capability"`
	Tenant         string                 `yaml:"tenant"`
	AccessLevel    string                 `yaml:"accessLevel"`
	Priority       int                    `yaml:"priority"`
	MaxConnections int                    `yaml:"maxConnections"`
	Timeout        Duration               `yaml:"timeout"`
	Filters        map[string]interface{} `yaml:"filters,omitempty"`
	Metadata       map[string]string      `yaml:"metadata,omitempty"`
}

// Partition describes a tenant resource partition.
type Partition struct {
	Tenant      string                 `yaml:"tenant"`
	Kind        string                 `yaml:"kind"`
	Key         string                 `yaml:"key"`
	Config      map[string]interface{} `yaml:"config,omitempty"`
	AccessRules []string               `yaml:"accessRules,omitempty"`
}

// RegistryConfig configures the server registry.
type RegistryConfig struct {
	// AllocationRatePerSec limits allocations per tenant per second.
	// Zero disables rate limiting.
	AllocationRatePerSec float64 `yaml:"allocationRatePerSec"`

	// AllocationBurst is the rate limiter burst size.
	AllocationBurst int `yaml:"allocationBurst"`

	// HistorySize bounds the in-memory allocation history.
	HistorySize int `yaml:"historySize"`
}

// EnforcerConfig configures domain access enforcement.
type EnforcerConfig struct {
	// AccessMatrix maps role -> tenant -> access level
	// (none, read, execute, write, full).
	AccessMatrix map[string]map[string]string `yaml:"accessMatrix"`

	// OperationLevels maps operation -> required access level
	// (read, execute, write). Unknown operations require execute.
	OperationLevels map[string]string `yaml:"operationLevels"`

	// ExclusiveOperations maps tenant -> operations only that tenant
	// may perform. Requesting one against the other tenant is a
	// violation.
	ExclusiveOperations map[string][]string `yaml:"exclusiveOperations"`

	// Restrictions are resource-path restriction rules with CEL
	// expressions. All unmet restrictions are reported together.
	Restrictions []RestrictionRule `yaml:"restrictions,omitempty"`

	// AuditEnabled toggles the audit trail for validation decisions.
	AuditEnabled bool `yaml:"auditEnabled"`
}

// RestrictionRule is a resource restriction evaluated against every
// request, independent of the access matrix. The expression is a CEL
// program over the variables role, tenant, operation, resource,
// metadata, and now; it must evaluate to true for the request to pass.
type RestrictionRule struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Expression  string `yaml:"expression"`
}
