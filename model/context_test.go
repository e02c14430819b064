package model

import (
	"context"
	"testing"
)

func TestRunScope_roundTrip(t *testing.T) {
	ctx := WithRunScope(context.Background(), RunScope{
		WorkflowRunID: "run-1",
		WorkflowID:    "wf-1",
		Stage:         2,
		ActionKind:    "telegram",
	})

	s := RunScopeFrom(ctx)
	if s == nil {
		t.Fatal("RunScopeFrom() = nil")
	}
	if s.WorkflowRunID != "run-1" || s.Stage != 2 || s.ActionKind != "telegram" {
		t.Errorf("scope = %+v", *s)
	}
}

func TestRunScopeFrom_empty(t *testing.T) {
	if s := RunScopeFrom(context.Background()); s != nil {
		t.Errorf("RunScopeFrom(empty) = %+v, want nil", *s)
	}
}

func TestRunBundle_lookups(t *testing.T) {
	b := RunBundle{
		Actions: []Action{
			{SortingOrder: 0, ActionKind: "gemini"},
			{SortingOrder: 1, ActionKind: "telegram"},
		},
		Credentials: []Credential{
			{ID: "c-1", Platform: "gemini"},
			{ID: "c-2", Platform: "gemini"},
		},
	}

	if a, ok := b.ActionAt(1); !ok || a.ActionKind != "telegram" {
		t.Errorf("ActionAt(1) = %+v, %v", a, ok)
	}
	if _, ok := b.ActionAt(2); ok {
		t.Error("ActionAt(2) found, want missing")
	}
	if b.LastStage() != 1 {
		t.Errorf("LastStage() = %d, want 1", b.LastStage())
	}
	if c, ok := b.Credential("c-2"); !ok || c.ID != "c-2" {
		t.Errorf("Credential(c-2) = %+v, %v", c, ok)
	}
	if _, ok := b.Credential(""); ok {
		t.Error("Credential(\"\") found, want missing")
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	if RunStatusRunning.Terminal() {
		t.Error("Running.Terminal() = true")
	}
	if !RunStatusError.Terminal() || !RunStatusComplete.Terminal() {
		t.Error("Error/Complete should be terminal")
	}
}
