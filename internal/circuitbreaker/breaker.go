// Package circuitbreaker tracks consecutive failures per RPC endpoint with
// closed → open → half-open state transitions. Callers report outcomes; the
// state feeds metrics and health reporting.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/mbd888/preflight/internal/metrics"
)

// Defaults used when New is given non-positive values.
const (
	DefaultThreshold    = 3
	DefaultOpenDuration = 30 * time.Second
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // endpoint answering
	StateOpen                  // threshold consecutive failures
	StateHalfOpen              // open window elapsed, next outcome decides
)

// String returns the state name.
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

type entry struct {
	state       State
	failures    int
	lastFailure time.Time
}

// Breaker is a per-endpoint circuit breaker. It trips open after threshold
// consecutive failures and reads as half-open once openDuration has passed
// since the last failure. The next recorded outcome closes or reopens it.
type Breaker struct {
	mu           sync.Mutex
	entries      map[string]*entry
	threshold    int
	openDuration time.Duration
	now          func() time.Time
}

// New creates a breaker. Non-positive arguments take the defaults.
func New(threshold int, openDuration time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if openDuration <= 0 {
		openDuration = DefaultOpenDuration
	}
	return &Breaker{
		entries:      make(map[string]*entry),
		threshold:    threshold,
		openDuration: openDuration,
		now:          time.Now,
	}
}

// RecordSuccess resets the failure count and closes a half-open circuit.
func (b *Breaker) RecordSuccess(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[endpoint]
	if !ok {
		return
	}
	if e.state != StateClosed {
		b.transition(e, endpoint, StateClosed)
	}
	e.failures = 0
}

// RecordFailure counts a failed call. A failure while half-open reopens the
// circuit.
func (b *Breaker) RecordFailure(endpoint string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[endpoint]
	if !ok {
		e = &entry{state: StateClosed}
		b.entries[endpoint] = e
	}

	e.failures++
	e.lastFailure = b.now()

	switch {
	case e.state == StateHalfOpen:
		b.transition(e, endpoint, StateOpen)
	case e.state == StateClosed && e.failures >= b.threshold:
		b.transition(e, endpoint, StateOpen)
	}
}

// State returns the state for endpoint; unknown endpoints are closed.
func (b *Breaker) State(endpoint string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(endpoint)
}

// OpenEndpoints returns the endpoints whose circuit is open, in the given
// order.
func (b *Breaker) OpenEndpoints(endpoints []string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var open []string
	for _, url := range endpoints {
		if b.stateLocked(url) == StateOpen {
			open = append(open, url)
		}
	}
	return open
}

// stateLocked moves an expired open circuit to half-open; caller holds b.mu.
func (b *Breaker) stateLocked(endpoint string) State {
	e, ok := b.entries[endpoint]
	if !ok {
		return StateClosed
	}
	if e.state == StateOpen && b.now().Sub(e.lastFailure) >= b.openDuration {
		b.transition(e, endpoint, StateHalfOpen)
	}
	return e.state
}

// transition changes state; caller holds b.mu.
func (b *Breaker) transition(e *entry, endpoint string, to State) {
	from := e.state
	if from == to {
		return
	}
	e.state = to
	metrics.BreakerTransitionsTotal.WithLabelValues(endpoint, from.String(), to.String()).Inc()
}
