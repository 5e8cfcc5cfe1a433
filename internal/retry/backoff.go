// Package retry provides a retry executor with selectable backoff
// strategies for backend connection acquisition.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Strategy names accepted in configuration.
const (
	StrategyExponential  = "exponential"
	StrategyLinear       = "linear"
	StrategyFibonacci    = "fibonacci"
	StrategyRandomJitter = "random_jitter"
)

// jitterFraction is the ±10% noise applied when jitter is enabled.
const jitterFraction = 0.10

// Backoff computes the delay before retry attempt i (0-based).
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff delays initial*2^i, capped at max.
type ExponentialBackoff struct {
	initial time.Duration
	max     time.Duration
}

// NewExponentialBackoff creates an exponential backoff.
func NewExponentialBackoff(initial, max time.Duration) *ExponentialBackoff {
	return &ExponentialBackoff{initial: initial, max: max}
}

// Next implements Backoff.
func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := float64(b.initial) * math.Pow(2, float64(attempt))
	if d > float64(b.max) {
		d = float64(b.max)
	}
	return time.Duration(d)
}

// LinearBackoff delays initial*(i+1), capped at max.
type LinearBackoff struct {
	initial time.Duration
	max     time.Duration
}

// NewLinearBackoff creates a linear backoff.
func NewLinearBackoff(initial, max time.Duration) *LinearBackoff {
	return &LinearBackoff{initial: initial, max: max}
}

// Next implements Backoff.
func (b *LinearBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.initial * time.Duration(attempt+1)
	if d > b.max {
		d = b.max
	}
	return d
}

// FibonacciBackoff delays initial*fib(i) with fib(0)=fib(1)=1, capped
// at max.
type FibonacciBackoff struct {
	initial time.Duration
	max     time.Duration
}

// NewFibonacciBackoff creates a Fibonacci backoff.
func NewFibonacciBackoff(initial, max time.Duration) *FibonacciBackoff {
	return &FibonacciBackoff{initial: initial, max: max}
}

// Next implements Backoff.
func (b *FibonacciBackoff) Next(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.initial * time.Duration(fibonacci(attempt))
	if d > b.max || d < 0 {
		d = b.max
	}
	return d
}

// fibonacci returns fib(n) with fib(0)=fib(1)=1.
func fibonacci(n int) int64 {
	if n <= 1 {
		return 1
	}
	var a, b int64 = 1, 1
	for i := 2; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}

// RandomJitterBackoff delays uniform(initial, max) regardless of the
// attempt index.
type RandomJitterBackoff struct {
	initial time.Duration
	max     time.Duration

	mu   sync.Mutex
	rand *rand.Rand
}

// NewRandomJitterBackoff creates a random jitter backoff.
func NewRandomJitterBackoff(initial, max time.Duration) *RandomJitterBackoff {
	return &RandomJitterBackoff{
		initial: initial,
		max:     max,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // timing, not security
	}
}

// Next implements Backoff.
func (b *RandomJitterBackoff) Next(int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max <= b.initial {
		return b.initial
	}
	return b.initial + time.Duration(b.rand.Int63n(int64(b.max-b.initial)))
}

// jitteredBackoff wraps a deterministic backoff with ±10% uniform
// noise.
type jitteredBackoff struct {
	inner Backoff

	mu   sync.Mutex
	rand *rand.Rand
}

func newJitteredBackoff(inner Backoff) *jitteredBackoff {
	return &jitteredBackoff{
		inner: inner,
		rand:  rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // timing, not security
	}
}

// Next implements Backoff.
func (b *jitteredBackoff) Next(attempt int) time.Duration {
	d := float64(b.inner.Next(attempt))

	b.mu.Lock()
	noise := d * jitterFraction * (2*b.rand.Float64() - 1)
	b.mu.Unlock()

	d += noise
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// NewBackoff creates a Backoff for the given strategy name. Unknown
// strategies fall back to exponential. The jitter flag adds ±10%
// uniform noise to the non-random strategies.
func NewBackoff(strategy string, initial, max time.Duration, jitter bool) Backoff {
	var b Backoff
	switch strategy {
	case StrategyLinear:
		b = NewLinearBackoff(initial, max)
	case StrategyFibonacci:
		b = NewFibonacciBackoff(initial, max)
	case StrategyRandomJitter:
		return NewRandomJitterBackoff(initial, max)
	default:
		b = NewExponentialBackoff(initial, max)
	}
	if jitter {
		return newJitteredBackoff(b)
	}
	return b
}
