package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pitabwire/flowpipe/internal/action"
)

// DefaultTimeout bounds a downstream call when no per-kind timeout is set.
const DefaultTimeout = 30 * time.Second

type entry struct {
	exec     Executor
	timeout  time.Duration
	settings BreakerSettings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// breaker returns the breaker for credentialID, creating it on first use.
func (e *entry) breaker(credentialID string) *Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[credentialID]
	if !ok {
		b = NewBreaker(e.settings)
		e.breakers[credentialID] = b
	}
	return b
}

// release drops b once it carries no failure history, so the map only holds
// credentials that are failing.
func (e *entry) release(credentialID string, b *Breaker) {
	if !b.idle() {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.breakers[credentialID] == b {
		delete(e.breakers, credentialID)
	}
}

// worst returns the most severe state across the kind's breakers.
func (e *entry) worst() BreakerState {
	e.mu.Lock()
	defer e.mu.Unlock()
	state := BreakerClosed
	for _, b := range e.breakers {
		switch b.State() {
		case BreakerOpen:
			return BreakerOpen
		case BreakerHalfOpen:
			state = BreakerHalfOpen
		}
	}
	return state
}

// Registry dispatches executions by action kind. Registration happens at
// startup; Execute is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	entries  map[action.Kind]*entry
	breakers BreakerSettings
}

// NewRegistry creates an empty registry. Breakers are built from settings,
// one per kind and credential.
func NewRegistry(settings BreakerSettings) *Registry {
	return &Registry{
		entries:  make(map[action.Kind]*entry),
		breakers: settings,
	}
}

// Register adds an executor under its Kind. A non-positive timeout uses
// DefaultTimeout. Panics on duplicate registration, which is a wiring bug.
func (r *Registry) Register(e Executor, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[e.Kind()]; exists {
		panic(fmt.Sprintf("executor: %q already registered", e.Kind()))
	}
	r.entries[e.Kind()] = &entry{
		exec:     e,
		timeout:  timeout,
		settings: r.breakers,
		breakers: make(map[string]*Breaker),
	}
}

// Kinds returns the registered kinds.
func (r *Registry) Kinds() []action.Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]action.Kind, 0, len(r.entries))
	for _, k := range action.Kinds() {
		if _, ok := r.entries[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// BreakerState reports the most severe breaker position among kind's
// credentials.
func (r *Registry) BreakerState(kind action.Kind) (BreakerState, bool) {
	r.mu.RLock()
	e, ok := r.entries[kind]
	r.mu.RUnlock()
	if !ok {
		return BreakerClosed, false
	}
	return e.worst(), true
}

// Execute runs req through the executor for kind under its timeout. While
// the breaker for req.CredentialID is open the call waits out the cool-down;
// if ctx ends first the error wraps ErrBreakerOpen. Only outages count
// against the breaker. A panic inside the executor is returned as an error.
func (r *Registry) Execute(ctx context.Context, kind action.Kind, req Request) (out Outcome, err error) {
	r.mu.RLock()
	e, ok := r.entries[kind]
	r.mu.RUnlock()
	if !ok {
		return Outcome{}, fmt.Errorf("%w: no executor registered for %q", action.ErrUnknownKind, kind)
	}

	brk := e.breaker(req.CredentialID)
	if err := brk.Wait(ctx); err != nil {
		return Outcome{}, fmt.Errorf("%s: %w", kind, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("executor %s panicked: %v\n%s", kind, rec, debug.Stack())
			out = Outcome{}
		}
		switch {
		case err == nil:
			brk.RecordSuccess()
			e.release(req.CredentialID, brk)
		case IsOutage(err):
			brk.RecordFailure()
		}
	}()

	out, err = e.exec.Execute(callCtx, req)
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s: %w", e.timeout, err)
	}
	return out, err
}
