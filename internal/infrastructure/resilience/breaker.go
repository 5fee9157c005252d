package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests while half-open")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Settings configures the circuit breaker behavior
type Settings struct {
	// MaxProbes is the number of calls let through while half-open. That
	// many consecutive successes close the breaker again.
	MaxProbes uint32
	// Interval is how often counts are cleared while closed
	Interval time.Duration
	// Cooldown is how long the breaker stays open before probing
	Cooldown time.Duration
	// ShouldTrip decides, after a failure while closed, whether to open
	ShouldTrip func(counts Counts) bool
	// IsFailure classifies a call's error. Errors it rejects count as
	// successes, which keeps answers like "not found" from tripping.
	IsFailure func(err error) bool
	// OnStateChange is called after a transition, outside the lock
	OnStateChange func(name string, from, to State)
}

// Counts holds the statistics for the current window
type Counts struct {
	Calls                uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

// Breaker guards calls to one remote endpoint
type Breaker struct {
	name     string
	settings Settings

	mu         sync.Mutex
	state      State
	counts     Counts
	generation uint64
	expiry     time.Time
	now        func() time.Time
}

// New creates a breaker. Zero settings fall back to defaults.
func New(name string, settings Settings) *Breaker {
	if settings.MaxProbes == 0 {
		settings.MaxProbes = 1
	}
	if settings.Interval <= 0 {
		settings.Interval = time.Minute
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.ShouldTrip == nil {
		settings.ShouldTrip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool { return err != nil }
	}

	b := &Breaker{name: name, settings: settings, now: time.Now}
	b.expiry = b.now().Add(settings.Interval)
	return b
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	state, _, change := b.current(b.now())
	b.mu.Unlock()
	b.notify(change)
	return state
}

// Counts returns a copy of the current window's counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn if the breaker admits it and records the outcome. A rejected
// call returns an error wrapping ErrCircuitOpen or ErrTooManyRequests.
func (b *Breaker) Do(fn func() error) error {
	generation, err := b.admit()
	if err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}

	defer func() {
		if r := recover(); r != nil {
			b.record(generation, true)
			panic(r)
		}
	}()

	err = fn()
	b.record(generation, b.settings.IsFailure(err))
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	state, generation, change := b.current(b.now())
	defer b.notify(change)
	defer b.mu.Unlock()

	switch {
	case state == StateOpen:
		return generation, ErrCircuitOpen
	case state == StateHalfOpen && b.counts.Calls >= b.settings.MaxProbes:
		return generation, ErrTooManyRequests
	}
	b.counts.Calls++
	return generation, nil
}

func (b *Breaker) record(before uint64, failed bool) {
	b.mu.Lock()
	now := b.now()
	state, generation, change := b.current(now)
	if generation != before {
		b.mu.Unlock()
		b.notify(change)
		return
	}

	var next *transition
	if failed {
		next = b.onFailure(state, now)
	} else {
		next = b.onSuccess(state, now)
	}
	b.mu.Unlock()

	b.notify(change)
	b.notify(next)
}

func (b *Breaker) onSuccess(state State, now time.Time) *transition {
	b.counts.Successes++
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.MaxProbes {
		return b.setState(StateClosed, now)
	}
	return nil
}

func (b *Breaker) onFailure(state State, now time.Time) *transition {
	switch state {
	case StateClosed:
		b.counts.Failures++
		b.counts.ConsecutiveFailures++
		b.counts.ConsecutiveSuccesses = 0
		if b.settings.ShouldTrip(b.counts) {
			return b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		return b.setState(StateOpen, now)
	}
	return nil
}

type transition struct{ from, to State }

// current advances time-based transitions. Callers hold mu.
func (b *Breaker) current(now time.Time) (State, uint64, *transition) {
	var change *transition
	switch b.state {
	case StateClosed:
		if b.expiry.Before(now) {
			b.newWindow(now.Add(b.settings.Interval))
		}
	case StateOpen:
		if b.expiry.Before(now) {
			change = b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation, change
}

// setState moves to state and starts a new window. Callers hold mu.
func (b *Breaker) setState(state State, now time.Time) *transition {
	if b.state == state {
		return nil
	}
	prev := b.state
	b.state = state

	var expiry time.Time
	switch state {
	case StateClosed:
		expiry = now.Add(b.settings.Interval)
	case StateOpen:
		expiry = now.Add(b.settings.Cooldown)
	}
	b.newWindow(expiry)
	return &transition{from: prev, to: state}
}

func (b *Breaker) newWindow(expiry time.Time) {
	b.generation++
	b.counts = Counts{}
	b.expiry = expiry
}

func (b *Breaker) notify(t *transition) {
	if t != nil && b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, t.from, t.to)
	}
}
