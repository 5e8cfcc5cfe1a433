// Package pool provides a lifecycle-managed connection pool for one
// backend capability server.
package pool

import (
	"io"
	"time"

	"github.com/google/uuid"
)

// ConnState represents the state of a pooled connection.
type ConnState int32

const (
	// StateIdle indicates the connection is in the pool, ready for use.
	StateIdle ConnState = iota

	// StateActive indicates the connection is owned by a caller.
	StateActive
)

// String returns the string representation of the state.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Conn is a pooled connection to a backend. While active it is owned
// by exactly one caller; ownership returns to the pool on Release.
type Conn struct {
	// ID uniquely identifies the connection.
	ID string

	// Backend is the name of the backend this connection belongs to.
	Backend string

	// CreatedAt is when the connection was established.
	CreatedAt time.Time

	// Transport is the underlying transport handle from the factory.
	Transport io.Closer

	// lastUsed and state are guarded by the owning pool's mutex.
	lastUsed time.Time
	state    ConnState
}

// newConn creates a connection record for a freshly dialed transport.
func newConn(backend string, transport io.Closer) *Conn {
	now := time.Now()
	return &Conn{
		ID:        uuid.NewString(),
		Backend:   backend,
		CreatedAt: now,
		Transport: transport,
		lastUsed:  now,
		state:     StateIdle,
	}
}

// LastUsed returns the last time the connection was handed out or
// returned. Callers outside the pool should treat it as advisory.
func (c *Conn) LastUsed() time.Time {
	return c.lastUsed
}

// State returns the connection state at the time of the call.
func (c *Conn) State() ConnState {
	return c.state
}

// expired reports whether the connection outlived maxLifetime.
func (c *Conn) expired(maxLifetime time.Duration, now time.Time) bool {
	return maxLifetime > 0 && now.Sub(c.CreatedAt) >= maxLifetime
}

// idleTimedOut reports whether the connection sat idle past idleTimeout.
func (c *Conn) idleTimedOut(idleTimeout time.Duration, now time.Time) bool {
	return idleTimeout > 0 && now.Sub(c.lastUsed) >= idleTimeout
}
