// Package circuitbreaker guards calls to a dependency that may be down.
// The scanner runs one in front of the event collector: once posting
// keeps failing the breaker opens and batches fall through to the disk
// spool immediately instead of burning a retry cycle each.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without running the call while the breaker is open.
	ErrOpen = errors.New("circuit open")
	// ErrThrottled is returned when the half-open probe quota is in flight.
	ErrThrottled = errors.New("circuit half-open, probe in flight")
)

// Config tunes a Breaker. Zero fields take the defaults in New.
type Config struct {
	// Threshold is the minimum calls in a window before the failure
	// ratio is evaluated.
	Threshold uint32

	// FailureRatio opens the breaker once failures/calls reaches it.
	FailureRatio float64

	// Timeout is how long the breaker stays open before probes are
	// allowed through.
	Timeout time.Duration

	// Interval ages out closed-state counters so a burst of old
	// failures does not trip the breaker minutes later.
	Interval time.Duration

	// MaxProbes caps concurrent calls while half-open.
	MaxProbes uint32

	// OnStateChange observes transitions. It runs synchronously and
	// must not call back into the breaker.
	OnStateChange func(from, to State)
}

// Breaker is a single circuit breaker. The zero value is not usable;
// construct with New.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	calls       uint32
	failures    uint32
	probes      uint32
	openedAt    time.Time
	windowStart time.Time
}

func New(cfg Config) *Breaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = 5
	}
	if cfg.FailureRatio == 0 {
		cfg.FailureRatio = 0.5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Interval == 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	return &Breaker{cfg: cfg, windowStart: time.Now()}
}

// Execute runs fn if the breaker allows it and records the outcome.
// ErrOpen and ErrThrottled mean fn never ran.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil)
	return err
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		if now.Sub(b.windowStart) > b.cfg.Interval {
			b.calls, b.failures = 0, 0
			b.windowStart = now
		}
		return nil
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cfg.Timeout {
			b.transition(StateHalfOpen)
			b.probes = 1
			return nil
		}
		return ErrOpen
	default:
		if b.probes >= b.cfg.MaxProbes {
			return ErrThrottled
		}
		b.probes++
		return nil
	}
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.calls++
		if !success {
			b.failures++
		}
		if b.calls >= b.cfg.Threshold &&
			float64(b.failures)/float64(b.calls) >= b.cfg.FailureRatio {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		if b.probes > 0 {
			b.probes--
		}
		if success {
			// One good probe is enough: the collector answering at
			// all means the outage is over.
			b.calls, b.failures = 0, 0
			b.windowStart = time.Now()
			b.transition(StateClosed)
		} else {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// State reports the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Counts reports calls and failures in the current closed-state window.
func (b *Breaker) Counts() (calls, failures uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls, b.failures
}
