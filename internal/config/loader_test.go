package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
logging:
  level: debug
  format: console

backends:
  - name: postgres-primary
    capability: database
    endpoint: localhost:5432
    pool:
      minSize: 2
      maxSize: 10
      acquireTimeout: 5s
    healthCheck:
      type: tcp
      interval: 10s
    circuitBreaker:
      maxFailures: 5
      timeout: 30s
    retry:
      maxAttempts: 3
      initialDelay: 1s
      maxDelay: 30s
      strategy: exponential

routing:
  - capability: database
    allowedTenants: [technical, business]
    tenantFilters:
      technical:
        schema: engineering
      business:
        schema: analytics
    strategy: round_robin

allocations:
  - backend: postgres-primary
    capability: database
    tenant: technical
    accessLevel: shared
    priority: 10
    maxConnections: 5
`

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "capmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeTempConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Backends, 1)

	b := cfg.Backends[0]
	assert.Equal(t, "postgres-primary", b.Name)
	assert.Equal(t, "database", b.Capability)
	assert.Equal(t, 10, b.Pool.MaxSize)
	assert.Equal(t, 5*time.Second, b.Pool.AcquireTimeout.Duration())
	assert.Equal(t, 30*time.Second, b.CircuitBreaker.Timeout.Duration())
	assert.Equal(t, "exponential", b.Retry.Strategy)

	require.Len(t, cfg.Routing, 1)
	assert.Equal(t, []string{"technical", "business"}, cfg.Routing[0].AllowedTenants)
	assert.Equal(t, "engineering", cfg.Routing[0].TenantFilters["technical"]["schema"])
}

func TestLoad_MissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/capmesh.yaml")
	assert.Error(t, err)
}

func TestLoadFromReader_InvalidYAMLFails(t *testing.T) {
	_, err := LoadFromReader(strings.NewReader("backends: [not: valid: yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvVarSubstitution(t *testing.T) {
	t.Setenv("CAPMESH_TEST_ENDPOINT", "db.internal:5432")

	cfg, err := LoadFromReader(strings.NewReader(`
backends:
  - name: b1
    capability: database
    endpoint: ${CAPMESH_TEST_ENDPOINT}
    pool:
      maxSize: 1
`))
	require.NoError(t, err)
	assert.Equal(t, "db.internal:5432", cfg.Backends[0].Endpoint)
}

func TestLoad_EnvVarDefaultValue(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
backends:
  - name: b1
    capability: database
    endpoint: ${CAPMESH_UNSET_VAR:-localhost:5432}
    pool:
      maxSize: 1
`))
	require.NoError(t, err)
	assert.Equal(t, "localhost:5432", cfg.Backends[0].Endpoint)
}

func TestLoad_EscapedDollarPreserved(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
logging:
  output: "$$literal"
`))
	require.NoError(t, err)
	assert.Equal(t, "$literal", cfg.Logging.Output)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	cfg, err := LoadFromReader(strings.NewReader(`
backends:
  - name: b1
    capability: database
    endpoint: localhost:5432
    pool:
      maxSize: 1
routing:
  - capability: database
    allowedTenants: [technical]
allocations:
  - backend: b1
    capability: database
    tenant: technical
`))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 10000, cfg.Audit.MaxEntries)
	assert.Equal(t, 1000, cfg.Registry.HistorySize)
	assert.Equal(t, StrategyRoundRobin, cfg.Routing[0].Strategy)
	assert.Equal(t, AccessShared, cfg.Allocations[0].AccessLevel)
	assert.Equal(t, 10, cfg.Allocations[0].MaxConnections)
}
