package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/capmesh/capmesh/internal/observability"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed State = iota

	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen

	// StateHalfOpen indicates the circuit is probing whether the
	// backend has recovered.
	StateHalfOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// OpenError is returned when a call is rejected because the circuit is
// open. Its message alone explains the rejection, since dashboards are
// built from reason strings.
type OpenError struct {
	Name      string
	Remaining time.Duration
}

// Error implements error.
func (e *OpenError) Error() string {
	if e.Remaining > 0 {
		return fmt.Sprintf("circuit open for backend %q: retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit open for backend %q", e.Name)
}

// IsOpenError reports whether err is a circuit-open rejection.
func IsOpenError(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// Breaker is a per-backend circuit breaker. Transitions are restricted
// to closed->open, open->half_open, half_open->closed, and
// half_open->open.
type Breaker struct {
	name   string
	config *Config
	logger observability.Logger

	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	lastFailure      time.Time
	lastStateChange  time.Time
	halfOpenInFlight bool

	// window is a bounded ring of recent outcomes (true = failure).
	window    []bool
	windowPos int
	windowLen int
}

// BreakerOption is a functional option for configuring a breaker.
type BreakerOption func(*Breaker)

// WithBreakerLogger sets the logger.
func WithBreakerLogger(logger observability.Logger) BreakerOption {
	return func(b *Breaker) {
		b.logger = logger
	}
}

// New creates a new circuit breaker.
func New(name string, config *Config, opts ...BreakerOption) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.Validate()

	b := &Breaker{
		name:            name,
		config:          config,
		logger:          observability.NopLogger(),
		state:           StateClosed,
		lastStateChange: time.Now(),
		window:          make([]bool, config.WindowSize),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Execute runs fn under circuit breaker protection. When the circuit is
// open and the cooldown has not expired, fn is not invoked and an
// *OpenError is returned. When the cooldown has expired the circuit
// moves to half-open and exactly one call is allowed through; any
// concurrent caller is rejected. The underlying error from fn is always
// returned unchanged after bookkeeping.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}

	err := fn(ctx)

	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}

	return err
}

// allow decides whether a call may proceed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		recordRequest(b.name, true)
		return nil

	case StateOpen:
		elapsed := time.Since(b.lastFailure)
		if elapsed < b.config.Timeout {
			recordRequest(b.name, false)
			return &OpenError{Name: b.name, Remaining: b.config.Timeout - elapsed}
		}
		b.transitionTo(StateHalfOpen)
		b.halfOpenInFlight = true
		recordRequest(b.name, true)
		return nil

	case StateHalfOpen:
		if b.halfOpenInFlight {
			recordRequest(b.name, false)
			return &OpenError{Name: b.name}
		}
		b.halfOpenInFlight = true
		recordRequest(b.name, true)
		return nil

	default:
		recordRequest(b.name, false)
		return &OpenError{Name: b.name}
	}
}

// recordSuccess records a successful call.
func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	recordSuccess(b.name)
	b.pushOutcome(false)

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	case StateClosed:
		// Each success decays one recorded failure, floored at zero.
		if b.failures > 0 {
			b.failures--
		}
	}
}

// recordFailure records a failed call.
func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	recordFailure(b.name)
	b.pushOutcome(true)
	b.lastFailure = time.Now()

	switch b.state {
	case StateHalfOpen:
		b.halfOpenInFlight = false
		b.transitionTo(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.config.MaxFailures || b.windowRateExceeded() {
			b.transitionTo(StateOpen)
		}
	}
}

// windowRateExceeded reports whether the trailing-window failure ratio
// has reached the configured rate threshold.
func (b *Breaker) windowRateExceeded() bool {
	if b.config.FailureRateThreshold <= 0 || b.windowLen < b.config.MinSamples {
		return false
	}
	fails := 0
	for i := 0; i < b.windowLen; i++ {
		if b.window[i] {
			fails++
		}
	}
	return float64(fails)/float64(b.windowLen) >= b.config.FailureRateThreshold
}

// pushOutcome appends an outcome to the bounded ring.
func (b *Breaker) pushOutcome(failure bool) {
	b.window[b.windowPos] = failure
	b.windowPos = (b.windowPos + 1) % len(b.window)
	if b.windowLen < len(b.window) {
		b.windowLen++
	}
}

// transitionTo moves the breaker to a new state. Callers hold b.mu.
func (b *Breaker) transitionTo(newState State) {
	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()

	switch newState {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.halfOpenInFlight = false
	case StateHalfOpen:
		b.successes = 0
	}

	recordStateChange(b.name, oldState, newState)

	b.logger.Info("circuit breaker state changed",
		observability.String("backend", b.name),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
	)

	if b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.name, oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Stats holds a snapshot of breaker counters.
type Stats struct {
	State           State
	Failures        int
	Successes       int
	WindowSamples   int
	WindowFailures  int
	LastFailure     time.Time
	LastStateChange time.Time
}

// Stats returns the current statistics of the circuit breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	fails := 0
	for i := 0; i < b.windowLen; i++ {
		if b.window[i] {
			fails++
		}
	}

	return Stats{
		State:           b.state,
		Failures:        b.failures,
		Successes:       b.successes,
		WindowSamples:   b.windowLen,
		WindowFailures:  fails,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
}

// FailureRatio returns the trailing-window failure ratio.
func (s Stats) FailureRatio() float64 {
	if s.WindowSamples == 0 {
		return 0
	}
	return float64(s.WindowFailures) / float64(s.WindowSamples)
}
