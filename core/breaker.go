package core

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the state of a Breaker guarding a remote backend.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen is returned by Allow while the backend is considered down.
var ErrBreakerOpen = errors.New("backend circuit open")

// BreakerConfig controls when a Breaker trips and when it probes again.
type BreakerConfig struct {
	// MaxFailures consecutive failures open the circuit.
	MaxFailures uint32
	// Cooldown is how long the circuit stays open before a single probe is let through.
	Cooldown time.Duration
}

// Validate checks the configuration.
func (c BreakerConfig) Validate() error {
	if c.MaxFailures == 0 {
		return errors.New("MaxFailures must be greater than 0")
	}
	if c.Cooldown <= 0 {
		return errors.New("Cooldown must be greater than 0")
	}
	return nil
}

// DefaultBreakerConfig trips after 5 failures and probes every 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxFailures: 5, Cooldown: 30 * time.Second}
}

// Breaker stops calls to a failing backend so callers go straight to their fallback
// instead of paying a network timeout per request.
type Breaker struct {
	config   BreakerConfig
	now      func() time.Time
	mu       sync.Mutex
	state    BreakerState
	failures uint32
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker. now may be nil.
func NewBreaker(config BreakerConfig, now func() time.Time) (*Breaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid breaker configuration: %w", err)
	}
	if now == nil {
		now = time.Now
	}
	return &Breaker{config: config, now: now, state: BreakerClosed}, nil
}

// Allow reports whether a call may go to the backend. Once the cooldown elapses one
// probe is admitted; everything else keeps failing fast until that probe reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.config.Cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() (oldState, newState BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState = b.state
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
	return oldState, b.state
}

// RecordFailure counts a failure and opens the circuit when the threshold is reached
// or when a half-open probe fails.
func (b *Breaker) RecordFailure() (oldState, newState BreakerState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState = b.state
	b.failures++
	b.probing = false

	if b.state == BreakerHalfOpen || b.failures >= b.config.MaxFailures {
		b.state = BreakerOpen
		b.openedAt = b.now()
	}
	return oldState, b.state
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
