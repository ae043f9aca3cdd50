package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/finsentry/finsentry/internal/config"
)

// ErrCircuitOpen is returned when the breaker refuses a call outright. It is
// a transient condition: the delivery stays retryable.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is the breaker's current mode.
type BreakerState int

const (
	// BreakerClosed passes all calls through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen admits a single trial call.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker is a per-provider circuit breaker. Consecutive failures trip it
// open; after a cooldown it admits one trial call at a time, and a run of
// trial successes closes it again.
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	cooldown         time.Duration
	successThreshold int
	now              func() time.Time

	state         BreakerState
	failures      int
	successes     int
	openedAt      time.Time
	trialInFlight bool
}

// NewBreaker constructs a breaker from config, applying defaults for unset
// fields.
func NewBreaker(cfg config.BreakerConfig, now func() time.Time) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		failureThreshold: cfg.FailureThreshold,
		cooldown:         cfg.Cooldown,
		successThreshold: cfg.SuccessThreshold,
		now:              now,
	}
}

// Allow reports whether a call may proceed. Callers that get true must
// report the outcome via Success or Failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.successes = 0
		b.trialInFlight = true
		return true
	case BreakerHalfOpen:
		// One trial at a time.
		if b.trialInFlight {
			return false
		}
		b.trialInFlight = true
		return true
	}
	return false
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// Failure records a failed call.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		// A failed trial reopens immediately.
		b.trialInFlight = false
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.failures = 0
	b.successes = 0
}

// State returns the breaker's current mode.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
