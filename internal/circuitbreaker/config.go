// Package circuitbreaker provides per-backend fault isolation. It
// implements the circuit breaker pattern to prevent repeated calls to
// a failing backend capability server.
package circuitbreaker

import (
	"time"
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures before the
	// circuit opens.
	MaxFailures int

	// Timeout is the cooldown the circuit stays open before a call may
	// transition it to half-open.
	Timeout time.Duration

	// SuccessThreshold is the number of successes in half-open state
	// needed to close the circuit.
	SuccessThreshold int

	// FailureRateThreshold opens the circuit when the failure ratio of
	// the recent-outcome window reaches this value (0 disables).
	FailureRateThreshold float64

	// MinSamples is the minimum number of recorded outcomes before the
	// failure rate is evaluated.
	MinSamples int

	// WindowSize bounds the recent-outcome window used for the rate
	// computation.
	WindowSize int

	// OnStateChange is called when the circuit breaker state changes.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:          5,
		Timeout:              30 * time.Second,
		SuccessThreshold:     2,
		FailureRateThreshold: 0,
		MinSamples:           10,
		WindowSize:           20,
	}
}

// Validate normalizes out-of-range values.
func (c *Config) Validate() {
	if c.MaxFailures < 1 {
		c.MaxFailures = 5
	}
	if c.Timeout < time.Millisecond {
		c.Timeout = 30 * time.Second
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = 2
	}
	if c.FailureRateThreshold < 0 || c.FailureRateThreshold > 1 {
		c.FailureRateThreshold = 0
	}
	if c.MinSamples < 1 {
		c.MinSamples = 10
	}
	if c.WindowSize < 1 {
		c.WindowSize = 20
	}
}

// WithMaxFailures sets the consecutive failure threshold.
func (c *Config) WithMaxFailures(n int) *Config {
	c.MaxFailures = n
	return c
}

// WithTimeout sets the open-state cooldown.
func (c *Config) WithTimeout(d time.Duration) *Config {
	c.Timeout = d
	return c
}

// WithSuccessThreshold sets the half-open success threshold.
func (c *Config) WithSuccessThreshold(n int) *Config {
	c.SuccessThreshold = n
	return c
}

// WithFailureRateThreshold sets the window failure-rate threshold.
func (c *Config) WithFailureRateThreshold(ratio float64) *Config {
	c.FailureRateThreshold = ratio
	return c
}

// WithMinSamples sets the minimum window fill before the failure rate
// is evaluated.
func (c *Config) WithMinSamples(n int) *Config {
	c.MinSamples = n
	return c
}

// WithWindowSize sets the outcome window size.
func (c *Config) WithWindowSize(n int) *Config {
	c.WindowSize = n
	return c
}

// WithOnStateChange sets the state change callback.
func (c *Config) WithOnStateChange(fn func(name string, from, to State)) *Config {
	c.OnStateChange = fn
	return c
}
