// Package breaker implements a per-dependency circuit breaker with a
// closed/open/half-open state machine and a rolling failure window, plus a
// registry aggregating breakers by dependency name.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrOpen is returned by Execute when the breaker rejects a call without
// attempting it. Callers distinguish it from downstream failures with
// errors.Is.
var ErrOpen = errors.New("circuit breaker is open")

// State of the breaker.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Options tune a single breaker. Zero values get defaults.
type Options struct {
	// FailureThreshold is the window failure count that opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the consecutive successes needed to close from half-open.
	SuccessThreshold int
	// VolumeThreshold is the minimum window call volume before failures count.
	VolumeThreshold int
	// Timeout is how long the breaker stays open before trialing half-open.
	Timeout time.Duration
	// Window bounds how far back samples influence the open decision.
	Window time.Duration

	Observer Observer
}

func (o *Options) defaults() {
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 5
	}
	if o.SuccessThreshold <= 0 {
		o.SuccessThreshold = 2
	}
	if o.VolumeThreshold <= 0 {
		o.VolumeThreshold = 10
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.Window <= 0 {
		o.Window = time.Minute
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
}

// Observer receives breaker signals. Implementations must be safe for
// concurrent use. State-change signals may fire while the breaker's lock is
// held, so observers must not call back into the breaker.
type Observer interface {
	CallSucceeded(name string, d time.Duration)
	CallFailed(name string, d time.Duration, err error)
	CallRejected(name string)
	StateChanged(name string, from, to State)
}

// NopObserver discards all signals.
type NopObserver struct{}

func (NopObserver) CallSucceeded(string, time.Duration)     {}
func (NopObserver) CallFailed(string, time.Duration, error) {}
func (NopObserver) CallRejected(string)                     {}
func (NopObserver) StateChanged(string, State, State)       {}

type sample struct {
	at time.Time
	ok bool
}

// Snapshot is a point-in-time view of a breaker for inspection.
type Snapshot struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	FailureCount         int        `json:"failure_count"`
	SuccessCount         int        `json:"success_count"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastFailureTime      *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime      *time.Time `json:"last_success_time,omitempty"`
	OpenedAt             *time.Time `json:"opened_at,omitempty"`
}

// Breaker guards calls to a single named dependency.
type Breaker struct {
	name string
	opts Options

	mu                   sync.Mutex
	state                State
	window               []sample
	failureCount         int
	successCount         int
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailure          time.Time
	lastSuccess          time.Time
	openedAt             time.Time
	// forced pins the state against threshold-driven transitions until Reset.
	forced bool
}

// New builds a closed breaker for the named dependency.
func New(name string, opts Options) *Breaker {
	opts.defaults()
	return &Breaker{name: name, opts: opts, state: StateClosed}
}

func (b *Breaker) Name() string { return b.name }

// Execute runs fn through the breaker. When open it returns ErrOpen without
// invoking fn. Otherwise the call's outcome is recorded against the rolling
// window and may transition the state.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		b.opts.Observer.CallRejected(b.name)
		return ErrOpen
	}

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		b.recordFailure()
		b.opts.Observer.CallFailed(b.name, elapsed, err)
		return err
	}
	b.recordSuccess()
	b.opts.Observer.CallSucceeded(b.name, elapsed)
	return nil
}

// allow reports whether a call may proceed, moving open -> half-open once
// the open timeout has elapsed.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if !b.forced && time.Since(b.openedAt) >= b.opts.Timeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false
	}
	return true
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.successCount++
	b.consecutiveSuccesses++
	b.consecutiveFailures = 0
	b.lastSuccess = now
	b.window = append(b.window, sample{at: now, ok: true})
	b.prune(now)

	if b.forced {
		return
	}
	switch b.state {
	case StateHalfOpen:
		if b.consecutiveSuccesses >= b.opts.SuccessThreshold {
			b.transition(StateClosed)
			b.window = nil
		}
	case StateClosed:
		// A success can be the call that pushes the window volume over the
		// threshold while earlier failures already exceed theirs.
		volume, failures := b.windowCounts()
		if volume >= b.opts.VolumeThreshold && failures >= b.opts.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failureCount++
	b.consecutiveFailures++
	b.consecutiveSuccesses = 0
	b.lastFailure = now
	b.window = append(b.window, sample{at: now, ok: false})
	b.prune(now)

	if b.forced {
		return
	}
	switch b.state {
	case StateHalfOpen:
		// Any failure during the trial re-opens immediately.
		b.transition(StateOpen)
	case StateClosed:
		volume, failures := b.windowCounts()
		if volume >= b.opts.VolumeThreshold && failures >= b.opts.FailureThreshold {
			b.transition(StateOpen)
		}
	}
}

// prune drops samples older than the monitoring window so open decisions
// reflect recent behavior only.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.opts.Window)
	i := 0
	for i < len(b.window) && b.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.window = append(b.window[:0], b.window[i:]...)
	}
}

func (b *Breaker) windowCounts() (volume, failures int) {
	for _, s := range b.window {
		volume++
		if !s.ok {
			failures++
		}
	}
	return volume, failures
}

// transition must be called with the lock held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openedAt = time.Now()
	case StateHalfOpen, StateClosed:
		b.consecutiveSuccesses = 0
	}
	log.Info().Str("breaker", b.name).Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker state change")
	b.opts.Observer.StateChanged(b.name, from, to)
}

// ForceOpen pins the breaker open, bypassing thresholds, until Reset or
// ForceClose.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
	b.transition(StateOpen)
}

// ForceClose pins the breaker closed, bypassing thresholds, until Reset.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = true
	b.transition(StateClosed)
}

// Reset returns the breaker to a pristine closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forced = false
	b.window = nil
	b.failureCount = 0
	b.successCount = 0
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.transition(StateClosed)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot captures the breaker's counters for inspection.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := Snapshot{
		Name:                 b.name,
		State:                b.state,
		FailureCount:         b.failureCount,
		SuccessCount:         b.successCount,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		snap.LastFailureTime = &t
	}
	if !b.lastSuccess.IsZero() {
		t := b.lastSuccess
		snap.LastSuccessTime = &t
	}
	if b.state == StateOpen && !b.openedAt.IsZero() {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	return snap
}
