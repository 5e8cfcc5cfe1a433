// Package probe provides health probes for backend capability servers.
// A probe performs a real request/response check against the backend
// endpoint; probe outcomes feed the health flags of the connection
// manager and the route table.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/capmesh/capmesh/internal/config"
)

// DefaultTimeout bounds a single probe when none is configured.
const DefaultTimeout = 5 * time.Second

// Prober checks whether a backend is reachable and serving.
type Prober interface {
	// Probe returns nil when the backend is healthy.
	Probe(ctx context.Context) error
}

// HTTPProbe performs a GET against a health path and requires a 2xx
// response.
type HTTPProbe struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProbe creates an HTTP probe for endpoint and path.
func NewHTTPProbe(endpoint, path string, timeout time.Duration) *HTTPProbe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if path == "" {
		path = "/health"
	}
	url := endpoint
	if !strings.Contains(url, "://") {
		url = "http://" + url
	}
	return &HTTPProbe{
		url:     strings.TrimSuffix(url, "/") + path,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Probe implements Prober.
func (p *HTTPProbe) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health probe request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// TCPProbe dials the endpoint and closes the connection.
type TCPProbe struct {
	address string
	timeout time.Duration
}

// NewTCPProbe creates a TCP probe for an address.
func NewTCPProbe(address string, timeout time.Duration) *TCPProbe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	// Strip a scheme prefix if the endpoint carries one.
	if i := strings.Index(address, "://"); i >= 0 {
		address = address[i+3:]
	}
	return &TCPProbe{address: address, timeout: timeout}
}

// Probe implements Prober.
func (p *TCPProbe) Probe(ctx context.Context) error {
	dialer := net.Dialer{Timeout: p.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", p.address)
	if err != nil {
		return fmt.Errorf("tcp probe failed: %w", err)
	}
	return conn.Close()
}

// RedisProbe sends PING to a Redis-compatible backend (memory/cache
// capability servers).
type RedisProbe struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisProbe creates a Redis probe for an address.
func NewRedisProbe(address string, timeout time.Duration) *RedisProbe {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if i := strings.Index(address, "://"); i >= 0 {
		address = address[i+3:]
	}
	return &RedisProbe{
		client: redis.NewClient(&redis.Options{
			Addr:        address,
			DialTimeout: timeout,
			ReadTimeout: timeout,
		}),
		timeout: timeout,
	}
}

// Probe implements Prober.
func (p *RedisProbe) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis probe failed: %w", err)
	}
	return nil
}

// Close releases the probe's Redis client.
func (p *RedisProbe) Close() error {
	return p.client.Close()
}

// ForBackend creates the prober selected by the backend's health check
// configuration. The default is a TCP probe.
func ForBackend(b *config.Backend) Prober {
	timeout := b.HealthCheck.Timeout.Duration()
	switch b.HealthCheck.Type {
	case config.ProbeHTTP:
		return NewHTTPProbe(b.Endpoint, b.HealthCheck.Path, timeout)
	case config.ProbeRedis:
		return NewRedisProbe(b.Endpoint, timeout)
	default:
		return NewTCPProbe(b.Endpoint, timeout)
	}
}
