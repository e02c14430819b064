package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/pitabwire/flowpipe/internal/action"
	"github.com/pitabwire/flowpipe/internal/template"
)

type funcExecutor struct {
	kind action.Kind
	fn   func(ctx context.Context, req Request) (Outcome, error)
}

func (f funcExecutor) Kind() action.Kind { return f.kind }

func (f funcExecutor) Execute(ctx context.Context, req Request) (Outcome, error) {
	return f.fn(ctx, req)
}

func TestRegistry_dispatchesByKind(t *testing.T) {
	r := NewRegistry(BreakerSettings{})
	r.Register(funcExecutor{kind: action.KindGemini, fn: func(context.Context, Request) (Outcome, error) {
		return Outcome{Output: map[string]any{"aiResponse": "ok"}}, nil
	}}, 0)

	out, err := r.Execute(context.Background(), action.KindGemini, Request{})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if out.Output["aiResponse"] != "ok" {
		t.Errorf("Output = %v", out.Output)
	}
}

func TestRegistry_unregisteredKind(t *testing.T) {
	r := NewRegistry(BreakerSettings{})
	_, err := r.Execute(context.Background(), action.KindSolana, Request{})
	if !errors.Is(err, action.ErrUnknownKind) {
		t.Errorf("error = %v, want ErrUnknownKind", err)
	}
}

func TestRegistry_duplicatePanics(t *testing.T) {
	r := NewRegistry(BreakerSettings{})
	e := funcExecutor{kind: action.KindEmail}
	r.Register(e, 0)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	r.Register(e, 0)
}

func TestRegistry_timeoutIsFailure(t *testing.T) {
	r := NewRegistry(BreakerSettings{})
	r.Register(funcExecutor{kind: action.KindTelegram, fn: func(ctx context.Context, _ Request) (Outcome, error) {
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}}, 20*time.Millisecond)

	_, err := r.Execute(context.Background(), action.KindTelegram, Request{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
	if !strings.Contains(err.Error(), "timed out after") {
		t.Errorf("error = %q", err)
	}
}

func TestRegistry_recoversPanic(t *testing.T) {
	r := NewRegistry(BreakerSettings{})
	r.Register(funcExecutor{kind: action.KindEmail, fn: func(context.Context, Request) (Outcome, error) {
		panic("boom")
	}}, 0)

	_, err := r.Execute(context.Background(), action.KindEmail, Request{})
	if err == nil || !strings.Contains(err.Error(), "panicked: boom") {
		t.Errorf("error = %v, want recovered panic", err)
	}
}

func TestRegistry_breakerIsPerCredential(t *testing.T) {
	calls := map[string]int{}
	r := NewRegistry(BreakerSettings{FailureThreshold: 2, Cooldown: time.Hour})
	r.Register(funcExecutor{kind: action.KindGemini, fn: func(_ context.Context, req Request) (Outcome, error) {
		calls[req.CredentialID]++
		if req.CredentialID == "cred-revoked" {
			return Outcome{}, unavailable(errors.New("status 503"))
		}
		return Outcome{}, nil
	}}, 0)

	for i := 0; i < 2; i++ {
		r.Execute(context.Background(), action.KindGemini, Request{CredentialID: "cred-revoked"})
	}
	if s, _ := r.BreakerState(action.KindGemini); s != BreakerOpen {
		t.Fatalf("state = %v, want open", s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := r.Execute(ctx, action.KindGemini, Request{CredentialID: "cred-healthy"}); err != nil {
		t.Fatalf("healthy credential error = %v, want nil", err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err := r.Execute(short, action.KindGemini, Request{CredentialID: "cred-revoked"})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("error = %v, want ErrBreakerOpen", err)
	}
	if calls["cred-revoked"] != 2 || calls["cred-healthy"] != 1 {
		t.Errorf("calls = %v, want 2 revoked and 1 healthy", calls)
	}
}

func TestRegistry_refusalsDoNotTrip(t *testing.T) {
	calls := 0
	r := NewRegistry(BreakerSettings{FailureThreshold: 1, Cooldown: time.Hour})
	r.Register(funcExecutor{kind: action.KindTelegram, fn: func(context.Context, Request) (Outcome, error) {
		calls++
		return Outcome{}, errors.New("telegram: status 401: Unauthorized")
	}}, 0)

	for i := 0; i < 3; i++ {
		r.Execute(context.Background(), action.KindTelegram, Request{CredentialID: "cred-1"})
	}
	if s, _ := r.BreakerState(action.KindTelegram); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRegistry_openBreakerDelaysThenCalls(t *testing.T) {
	calls := 0
	r := NewRegistry(BreakerSettings{FailureThreshold: 1, Cooldown: 30 * time.Millisecond})
	r.Register(funcExecutor{kind: action.KindTelegram, fn: func(context.Context, Request) (Outcome, error) {
		calls++
		if calls == 1 {
			return Outcome{}, unavailable(errors.New("status 502"))
		}
		return Outcome{}, nil
	}}, 0)

	r.Execute(context.Background(), action.KindTelegram, Request{CredentialID: "cred-1"})

	start := time.Now()
	if _, err := r.Execute(context.Background(), action.KindTelegram, Request{CredentialID: "cred-1"}); err != nil {
		t.Fatalf("Execute() after cooldown error = %v", err)
	}
	if waited := time.Since(start); waited < 25*time.Millisecond {
		t.Errorf("second call ran after %v, want it held for the cooldown", waited)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if s, _ := r.BreakerState(action.KindTelegram); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestIsOutage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", unavailable(errors.New("status 500")), true},
		{"wrapped unavailable", fmt.Errorf("failed to send message: %w", unavailable(errors.New("eof"))), true},
		{"deadline", fmt.Errorf("timed out: %w", context.DeadlineExceeded), true},
		{"network", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"refusal", errors.New("status 403"), false},
		{"canceled", context.Canceled, false},
		{"template", &template.FieldError{Field: "message", Err: template.ErrUnterminatedPlaceholder}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsOutage(tc.err); got != tc.want {
				t.Errorf("IsOutage(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestUnavailable_keepsMessage(t *testing.T) {
	err := unavailable(errors.New("telegram: status 502"))
	if err.Error() != "telegram: status 502" {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, ErrUnavailable) {
		t.Error("errors.Is(ErrUnavailable) = false")
	}
}

func TestRegistry_templateErrorsDoNotTrip(t *testing.T) {
	r := NewRegistry(BreakerSettings{FailureThreshold: 1})
	r.Register(funcExecutor{kind: action.KindTelegram, fn: func(context.Context, Request) (Outcome, error) {
		return Outcome{}, &template.FieldError{Field: "message", Err: template.ErrUnterminatedPlaceholder}
	}}, 0)

	for i := 0; i < 3; i++ {
		r.Execute(context.Background(), action.KindTelegram, Request{})
	}
	if s, _ := r.BreakerState(action.KindTelegram); s != BreakerClosed {
		t.Errorf("state = %v, want closed", s)
	}
}

func TestRegistry_kindsInStableOrder(t *testing.T) {
	r := NewRegistry(BreakerSettings{})
	r.Register(funcExecutor{kind: action.KindSolana}, 0)
	r.Register(funcExecutor{kind: action.KindEmail}, 0)

	got := r.Kinds()
	if len(got) != 2 || got[0] != action.KindEmail || got[1] != action.KindSolana {
		t.Errorf("Kinds() = %v", got)
	}
}
