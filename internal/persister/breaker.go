package persister

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Execute while writes are being shed.
var ErrBreakerOpen = errors.New("breaker open: database writes suspended")

// BreakerState enumerates the breaker's three positions.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // writes flow to the database
	BreakerOpen                         // writes are shed until the cooldown passes
	BreakerHalfOpen                     // one trial write decides open vs closed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker keeps a struggling database from being hammered by the
// flush loop. maxFailures consecutive write errors trip it open, and
// flushes fail fast with ErrBreakerOpen instead of burning their
// retry budget. Once resetTimeout has passed, a single trial write is
// admitted; its outcome decides whether the breaker closes again.
type Breaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu          sync.Mutex
	state       BreakerState
	failures    int
	lastFailure time.Time

	// OnStateChange, when set, observes every transition. Called with
	// the breaker's lock held, so it must not call back in.
	OnStateChange func(from, to BreakerState)
}

// NewBreaker builds a closed breaker that trips after maxFailures
// consecutive errors and cools down for resetTimeout before probing.
func NewBreaker(maxFailures int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        BreakerClosed,
	}
}

// Execute runs fn and feeds its outcome into the trip logic. While
// the breaker is open and the cooldown has not elapsed, fn is not run
// and ErrBreakerOpen is returned instead.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn()
	b.record(err)
	return err
}

// allow decides whether a call may proceed, moving an open breaker to
// half-open once its cooldown has elapsed.
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen {
		if time.Since(b.lastFailure) <= b.resetTimeout {
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil {
		if b.state == BreakerHalfOpen {
			b.transition(BreakerClosed)
		}
		b.failures = 0
		return
	}

	b.failures++
	b.lastFailure = time.Now()
	// A failed trial write reopens immediately regardless of the
	// failure count.
	if b.state == BreakerHalfOpen || b.failures >= b.maxFailures {
		b.transition(BreakerOpen)
	}
}

// CurrentState reports the breaker's position.
func (b *Breaker) CurrentState() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
