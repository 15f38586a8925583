// Package circuitbreaker stops calls to the advertising API during an
// outage. After a run of consecutive server-side failures the breaker opens
// and calls fail fast until the cooldown elapses; one probe call then
// decides whether it closes again.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// Closed: calls go through.
	Closed State = iota
	// Open: calls fail fast with *OpenError.
	Open
	// HalfOpen: a single probe call is in flight.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 5
	defaultCooldown  = time.Minute
)

// OpenError is returned by Do while the breaker rejects calls.
type OpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s circuit open, retry in %s", e.Name, e.RetryIn.Round(time.Second))
}

// ErrorClass labels rejected calls in step logs and metrics.
func (e *OpenError) ErrorClass() string { return "circuit_open" }

// Breaker is safe for concurrent use.
type Breaker struct {
	name string

	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	openedAt         time.Time
	onStateChange    func(from, to State)
	isFailure        func(error) bool

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the number of consecutive failures that open the
// breaker. The default is 5.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before it lets a probe
// through. The default is one minute.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a callback that fires on every transition.
// It runs with the breaker's mutex held and must not call back into it.
func WithOnStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// WithFailureFilter decides which errors count against the breaker. Errors
// it rejects are returned to the caller but reset the failure run, like a
// success. By default every non-nil error except context cancellation
// counts.
func WithFailureFilter(fn func(error) bool) Option {
	return func(b *Breaker) {
		if fn != nil {
			b.isFailure = fn
		}
	}
}

// New creates a Closed breaker. name appears in OpenError messages.
func New(name string, opts ...Option) *Breaker {
	b := &Breaker{
		name:             name,
		state:            Closed,
		failureThreshold: defaultThreshold,
		cooldown:         defaultCooldown,
		isFailure:        defaultIsFailure,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

// Do runs fn unless the breaker is open and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && b.isFailure(err) {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

// allow admits a call in Closed state, and a single probe once the
// cooldown of an Open breaker has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return nil
	case Open:
		elapsed := b.nowFunc().Sub(b.openedAt)
		if elapsed >= b.cooldown {
			b.setState(HalfOpen)
			return nil
		}
		return &OpenError{Name: b.name, RetryIn: b.cooldown - elapsed}
	default:
		// A probe is already in flight.
		return &OpenError{Name: b.name, RetryIn: b.cooldown}
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold {
			b.trip()
		}
	case HalfOpen:
		b.trip()
	}
}

// trip opens the breaker. Caller must hold b.mu.
func (b *Breaker) trip() {
	b.openedAt = b.nowFunc()
	b.setState(Open)
}

// CurrentState returns the state without advancing an elapsed cooldown.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(from, to)
	}
}
