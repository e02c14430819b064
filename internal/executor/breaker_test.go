package executor

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newTestBreaker(s BreakerSettings) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(s)
	b.now = clk.now
	return b, clk
}

func TestBreaker_startsClosed(t *testing.T) {
	b, _ := newTestBreaker(BreakerSettings{FailureThreshold: 3})

	if s := b.State(); s != BreakerClosed {
		t.Errorf("initial state = %v, want closed", s)
	}
	if err := b.Wait(context.Background()); err != nil {
		t.Errorf("Wait() error = %v", err)
	}
	if !b.idle() {
		t.Error("new breaker should be idle")
	}
}

func TestBreaker_opensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(BreakerSettings{FailureThreshold: 3})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess() // resets the streak
	b.RecordFailure()
	b.RecordFailure()
	if s := b.State(); s != BreakerClosed {
		t.Fatalf("state = %v, want closed after reset", s)
	}
	if b.idle() {
		t.Error("breaker with failures should not be idle")
	}

	b.RecordFailure()
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state = %v, want open", s)
	}
}

func TestBreaker_halfOpenAfterCooldown(t *testing.T) {
	b, clk := newTestBreaker(BreakerSettings{FailureThreshold: 1, SuccessThreshold: 2, Cooldown: time.Minute})

	b.RecordFailure()
	clk.t = clk.t.Add(59 * time.Second)
	if s := b.State(); s != BreakerOpen {
		t.Fatalf("state before cooldown = %v, want open", s)
	}

	clk.t = clk.t.Add(time.Second)
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}

	b.RecordSuccess()
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state after 1 trial = %v, want half-open", s)
	}
	b.RecordSuccess()
	if s := b.State(); s != BreakerClosed {
		t.Errorf("state after 2 trials = %v, want closed", s)
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(BreakerSettings{FailureThreshold: 1, Cooldown: time.Second})

	b.RecordFailure()
	clk.t = clk.t.Add(2 * time.Second)
	if s := b.State(); s != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", s)
	}
	b.RecordFailure()

	if s := b.State(); s != BreakerOpen {
		t.Errorf("state = %v, want open", s)
	}
}

func TestBreaker_waitOutlastsCooldown(t *testing.T) {
	b := NewBreaker(BreakerSettings{FailureThreshold: 1, Cooldown: 30 * time.Millisecond})
	b.RecordFailure()

	start := time.Now()
	if err := b.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if waited := time.Since(start); waited < 25*time.Millisecond {
		t.Errorf("Wait() returned after %v, want the cooldown", waited)
	}
	if s := b.State(); s != BreakerHalfOpen {
		t.Errorf("state = %v, want half-open", s)
	}
}

func TestBreaker_waitHonoursCancellation(t *testing.T) {
	b, _ := newTestBreaker(BreakerSettings{FailureThreshold: 1, Cooldown: time.Hour})
	b.RecordFailure()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := b.Wait(ctx)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("error = %v, want ErrBreakerOpen", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestBreakerState_String(t *testing.T) {
	cases := map[BreakerState]string{
		BreakerClosed:    "closed",
		BreakerOpen:      "open",
		BreakerHalfOpen:  "half-open",
		BreakerState(99): "unknown",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", s, got, want)
		}
	}
}
