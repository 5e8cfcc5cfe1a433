// Package audit records access decisions in a bounded in-memory store
// with an optional JSON line stream. The store is a diagnostics
// surface, not durable compliance storage.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/capmesh/capmesh/internal/observability"
)

// DefaultMaxEntries bounds the store when unconfigured.
const DefaultMaxEntries = 10000

// Outcome values recorded per entry.
const (
	OutcomeAllowed = "allowed"
	OutcomeDenied  = "denied"
)

// Entry is one recorded access decision.
type Entry struct {
	ID        string            `json:"id"`
	Time      time.Time         `json:"time"`
	RequestID string            `json:"request_id,omitempty"`
	Role      string            `json:"role"`
	Tenant    string            `json:"tenant"`
	Operation string            `json:"operation"`
	Outcome   string            `json:"outcome"`
	Reason    string            `json:"reason,omitempty"`
	Violation bool              `json:"violation,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Filter narrows a Query. Zero fields match everything.
type Filter struct {
	Tenant    string
	Role      string
	Outcome   string
	Violation *bool
	Since     time.Time
}

// Config controls the store size and the optional line stream.
type Config struct {
	MaxEntries int
	// Output streams entries as JSON lines: "stdout", "stderr", a
	// file path, or empty to disable.
	Output string
}

// Logger is the bounded audit store.
type Logger struct {
	logger observability.Logger

	mu      sync.Mutex
	entries []Entry
	max     int
	out     *os.File
	ownsOut bool
}

// Option is a functional option for configuring the audit logger.
type Option func(*Logger)

// WithLogger sets the diagnostic logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Logger) {
		l.logger = logger
	}
}

// New builds an audit logger. Opening the output file is the only way
// construction can fail.
func New(cfg Config, opts ...Option) (*Logger, error) {
	max := cfg.MaxEntries
	if max <= 0 {
		max = DefaultMaxEntries
	}

	l := &Logger{
		logger: observability.NopLogger(),
		max:    max,
	}
	for _, opt := range opts {
		opt(l)
	}

	switch cfg.Output {
	case "":
	case "stdout":
		l.out = os.Stdout
	case "stderr":
		l.out = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening audit output %q: %w", cfg.Output, err)
		}
		l.out = f
		l.ownsOut = true
	}

	return l, nil
}

// Record stores an entry, assigning an ID and timestamp when absent,
// and returns the stored entry.
func (l *Logger) Record(entry Entry) Entry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Time.IsZero() {
		entry.Time = time.Now()
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.max {
		l.entries = l.entries[len(l.entries)-l.max:]
	}
	out := l.out
	l.mu.Unlock()

	recordEntry(entry.Tenant, entry.Outcome, entry.Violation)

	if out != nil {
		line, err := json.Marshal(entry)
		if err != nil {
			l.logger.Warn("failed to encode audit entry", observability.Error(err))
			return entry
		}
		if _, err := out.Write(append(line, '\n')); err != nil {
			l.logger.Warn("failed to write audit entry", observability.Error(err))
		}
	}

	return entry
}

// Query returns entries matching the filter, oldest first.
func (l *Logger) Query(filter Filter) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if filter.Tenant != "" && e.Tenant != filter.Tenant {
			continue
		}
		if filter.Role != "" && e.Role != filter.Role {
			continue
		}
		if filter.Outcome != "" && e.Outcome != filter.Outcome {
			continue
		}
		if filter.Violation != nil && e.Violation != *filter.Violation {
			continue
		}
		if !filter.Since.IsZero() && e.Time.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Len returns the number of stored entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Clear removes entries older than the horizon and reports how many
// were removed. A zero horizon clears everything.
func (l *Logger) Clear(olderThan time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if olderThan.IsZero() {
		removed := len(l.entries)
		l.entries = nil
		return removed
	}

	kept := l.entries[:0]
	for _, e := range l.entries {
		if !e.Time.Before(olderThan) {
			kept = append(kept, e)
		}
	}
	removed := len(l.entries) - len(kept)
	l.entries = kept
	return removed
}

// Close releases the output file when the logger owns it.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.out != nil && l.ownsOut {
		err := l.out.Close()
		l.out = nil
		return err
	}
	return nil
}
