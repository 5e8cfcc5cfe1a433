package retry

import (
	"context"
	"time"

	"github.com/capmesh/capmesh/internal/observability"
)

// Policy configures a retry executor.
type Policy struct {
	// MaxAttempts is the total number of attempts (not retries).
	MaxAttempts int

	// InitialDelay is the base delay for the backoff strategy.
	InitialDelay time.Duration

	// MaxDelay caps every computed delay.
	MaxDelay time.Duration

	// Strategy selects the backoff strategy (exponential, linear,
	// fibonacci, random_jitter).
	Strategy string

	// Jitter adds ±10% uniform noise to non-random strategies.
	Jitter bool
}

// DefaultPolicy returns a Policy with default values.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Strategy:     StrategyExponential,
	}
}

// Validate normalizes out-of-range values.
func (p *Policy) Validate() {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Strategy == "" {
		p.Strategy = StrategyExponential
	}
}

// Executor retries an operation for one backend according to a Policy.
type Executor struct {
	name    string
	policy  *Policy
	backoff Backoff
	logger  observability.Logger
}

// ExecutorOption is a functional option for configuring an executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger observability.Logger) ExecutorOption {
	return func(e *Executor) {
		e.logger = logger
	}
}

// NewExecutor creates a retry executor named after its backend.
func NewExecutor(name string, policy *Policy, opts ...ExecutorOption) *Executor {
	if policy == nil {
		policy = DefaultPolicy()
	}
	policy.Validate()

	e := &Executor{
		name:    name,
		policy:  policy,
		backoff: NewBackoff(policy.Strategy, policy.InitialDelay, policy.MaxDelay, policy.Jitter),
		logger:  observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Execute runs fn up to MaxAttempts times. Between attempts it sleeps
// according to the backoff strategy, honoring ctx cancellation. On
// exhaustion the last real error is returned unwrapped.
func (e *Executor) Execute(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < e.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := e.backoff.Next(attempt - 1)

			e.logger.Debug("retrying",
				observability.String("backend", e.name),
				observability.Int("attempt", attempt+1),
				observability.Int("max_attempts", e.policy.MaxAttempts),
				observability.Duration("delay", delay),
				observability.Error(lastErr),
			)
			recordRetry(e.name)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
	}

	recordExhaustion(e.name)
	return lastErr
}
