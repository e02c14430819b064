package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the position of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed passes calls through and counts consecutive failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen holds calls back until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets trial calls through to decide whether to close.
	BreakerHalfOpen
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

// ErrBreakerOpen is returned when the caller gave up waiting for an open
// breaker to cool down.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerSettings configures a Breaker. Zero values fall back to defaults.
type BreakerSettings struct {
	FailureThreshold int
	SuccessThreshold int
	Cooldown         time.Duration
}

// Breaker trips after FailureThreshold consecutive outages, then holds calls
// for Cooldown before letting a trial call through. It is safe for
// concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	openedAt  time.Time
	settings  BreakerSettings
	now       func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(s BreakerSettings) *Breaker {
	if s.FailureThreshold < 1 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold < 1 {
		s.SuccessThreshold = 1
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	return &Breaker{settings: s, now: time.Now}
}

// Wait blocks while the breaker is open and returns nil once a call may go
// through. If ctx ends first the error wraps ErrBreakerOpen and ctx.Err().
func (b *Breaker) Wait(ctx context.Context) error {
	for {
		b.mu.Lock()
		b.advance()
		if b.state != BreakerOpen {
			b.mu.Unlock()
			return nil
		}
		remaining := b.settings.Cooldown - b.now().Sub(b.openedAt)
		b.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ErrBreakerOpen, ctx.Err())
		case <-timer.C:
		}
	}
}

// RecordSuccess notes a successful downstream call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.settings.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure notes a failed downstream call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.trip()
		}
	case BreakerHalfOpen:
		b.trip()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance()
	return b.state
}

// idle reports whether the breaker holds no failure history.
func (b *Breaker) idle() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == BreakerClosed && b.failures == 0
}

// advance moves Open to HalfOpen once the cool-down has passed. Caller holds mu.
func (b *Breaker) advance() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.settings.Cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}

// trip opens the breaker. Caller holds mu.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.successes = 0
}
