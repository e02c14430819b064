// Package executor runs the side effect of a single action stage against a
// downstream platform. Each kind has one Executor; the Registry dispatches
// to them with timeouts and a circuit breaker per kind and credential.
package executor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pitabwire/flowpipe/internal/action"
	"github.com/pitabwire/flowpipe/internal/template"
)

// Request is everything an executor needs for one attempt.
type Request struct {
	// CredentialID names the stored credential behind Credential. Breakers
	// are kept per kind and credential.
	CredentialID string
	Credential   action.Secret
	Metadata     action.Metadata
	// Render resolves templated metadata fields against the run context.
	Render template.Renderer
}

// Outcome is the result of a successful execution. Output is nil for kinds
// that produce nothing for later stages.
type Outcome struct {
	Output map[string]any
}

// Executor performs one kind of action.
type Executor interface {
	Kind() action.Kind
	Execute(ctx context.Context, req Request) (Outcome, error)
}

// ErrRequestMismatch is returned when an executor receives metadata or a
// credential of another kind.
var ErrRequestMismatch = errors.New("request does not match executor kind")

// IsTemplateError reports whether err came from rendering a metadata
// template rather than from the downstream call.
func IsTemplateError(err error) bool {
	var fe *template.FieldError
	return errors.As(err, &fe)
}

// ErrUnavailable marks a failure of the downstream platform itself: it was
// unreachable, overloaded or answered with a server error.
var ErrUnavailable = errors.New("platform unavailable")

// IsOutage reports whether err says the platform is failing rather than
// that this request was refused. Only outages count against a breaker.
func IsOutage(err error) bool {
	if errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// unavailableError tags err with ErrUnavailable without changing its text.
type unavailableError struct{ err error }

func (e unavailableError) Error() string   { return e.err.Error() }
func (e unavailableError) Unwrap() []error { return []error{e.err, ErrUnavailable} }

func unavailable(err error) error { return unavailableError{err: err} }

func mismatch(kind action.Kind, got any) error {
	return fmt.Errorf("%w: %s executor got %T", ErrRequestMismatch, kind, got)
}

// renderAll resolves each (field, template) pair in order, stopping at the
// first failure.
func renderAll(r template.Renderer, pairs ...string) ([]string, error) {
	out := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		s, err := r.Render(pairs[i], pairs[i+1])
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
