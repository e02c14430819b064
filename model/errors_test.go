package model

import (
	"fmt"
	"testing"
)

func TestErrorEnvelope_Error(t *testing.T) {
	e := &ErrorEnvelope{Code: ErrNotFound, Message: "run not found"}
	want := "NOT_FOUND: run not found"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorEnvelope_implements_error(t *testing.T) {
	var _ error = (*ErrorEnvelope)(nil)
}

func TestNewNotFoundError(t *testing.T) {
	e := NewNotFoundError("resource missing")
	if e.Code != ErrNotFound {
		t.Errorf("Code = %q, want %q", e.Code, ErrNotFound)
	}
	if e.Message != "resource missing" {
		t.Errorf("Message = %q, want %q", e.Message, "resource missing")
	}
}

func TestNewValidationError(t *testing.T) {
	details := []FieldError{
		{Field: "to", Code: "REQUIRED", Message: "to is required"},
	}
	e := NewValidationError(details)
	if e.Code != ErrValidationError {
		t.Errorf("Code = %q, want %q", e.Code, ErrValidationError)
	}
	if len(e.Details) != 1 {
		t.Fatalf("Details length = %d, want 1", len(e.Details))
	}
	if e.Details[0].Field != "to" {
		t.Errorf("Details[0].Field = %q, want %q", e.Details[0].Field, "to")
	}
}

func TestNewInternalError(t *testing.T) {
	e := NewInternalError()
	if e.Code != ErrInternalError {
		t.Errorf("Code = %q, want %q", e.Code, ErrInternalError)
	}
}

func TestIsNotFound_wrapped(t *testing.T) {
	err := fmt.Errorf("load run: %w", NewNotFoundError("run \"r-1\" not found"))
	if !IsNotFound(err) {
		t.Error("IsNotFound(wrapped) = false, want true")
	}
	if IsNotFound(fmt.Errorf("plain")) {
		t.Error("IsNotFound(plain) = true, want false")
	}
	if HasCode(NewConflictError("x"), ErrNotFound) {
		t.Error("HasCode(conflict, NOT_FOUND) = true")
	}
}
