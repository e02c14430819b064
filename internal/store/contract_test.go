package store

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/flowpipe/model"
)

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	wfID, err := s.CreateWorkflow(ctx, "user-1", []model.Action{
		{SortingOrder: 1, ActionKind: "telegram", Metadata: map[string]any{"chatId": "1", "message": "AI said: {aiResponse}"}},
		{SortingOrder: 0, ActionKind: "gemini", Metadata: map[string]any{"message": "Hello {name}", "credentialId": "cred-g"}},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow() error = %v", err)
	}
	if _, err := s.PutCredential(ctx, "user-1", model.Credential{ID: "cred-g", Platform: "gemini", Keys: map[string]any{"apiKey": "k"}}); err != nil {
		t.Fatalf("PutCredential() error = %v", err)
	}
	if _, err := s.PutCredential(ctx, "user-2", model.Credential{ID: "cred-other", Platform: "gemini", Keys: map[string]any{"apiKey": "x"}}); err != nil {
		t.Fatalf("PutCredential() error = %v", err)
	}
	if _, err := s.PutCredential(ctx, "user-1", model.Credential{ID: "cred-g", Platform: "gemini"}); !model.IsConflict(err) {
		t.Errorf("duplicate PutCredential() error = %v, want CONFLICT", err)
	}

	t.Run("CreateRun writes run and outbox", func(t *testing.T) {
		runID, err := s.CreateRun(ctx, wfID, map[string]any{"name": "Ann"})
		if err != nil {
			t.Fatalf("CreateRun() error = %v", err)
		}

		run, err := s.GetRun(ctx, runID)
		if err != nil {
			t.Fatalf("GetRun() error = %v", err)
		}
		if run.Status != model.RunStatusRunning {
			t.Errorf("Status = %q, want Running", run.Status)
		}
		if run.MetaData["name"] != "Ann" {
			t.Errorf("MetaData = %v", run.MetaData)
		}

		pending, err := s.PendingOutbox(ctx, 10)
		if err != nil {
			t.Fatalf("PendingOutbox() error = %v", err)
		}
		found := false
		for _, e := range pending {
			if e.WorkflowRunID == runID {
				found = true
			}
		}
		if !found {
			t.Errorf("outbox %v has no entry for run %s", pending, runID)
		}
	})

	t.Run("WorkflowOwner", func(t *testing.T) {
		owner, err := s.WorkflowOwner(ctx, wfID)
		if err != nil || owner != "user-1" {
			t.Errorf("WorkflowOwner() = %q, %v; want user-1", owner, err)
		}
		if _, err := s.WorkflowOwner(ctx, "no-such-workflow"); !model.IsNotFound(err) {
			t.Errorf("unknown workflow error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("CreateRun unknown workflow", func(t *testing.T) {
		if _, err := s.CreateRun(ctx, "no-such-workflow", nil); !model.IsNotFound(err) {
			t.Errorf("error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("LoadRun bundles chain and owner credentials", func(t *testing.T) {
		runID, _ := s.CreateRun(ctx, wfID, map[string]any{"name": "Ann"})

		b, err := s.LoadRun(ctx, runID)
		if err != nil {
			t.Fatalf("LoadRun() error = %v", err)
		}
		if len(b.Actions) != 2 || b.Actions[0].ActionKind != "gemini" || b.Actions[1].SortingOrder != 1 {
			t.Errorf("Actions = %+v, want ordered chain", b.Actions)
		}
		if b.Actions[0].Metadata["message"] != "Hello {name}" {
			t.Errorf("metadata = %v", b.Actions[0].Metadata)
		}
		if len(b.Credentials) != 1 || b.Credentials[0].ID != "cred-g" {
			t.Errorf("Credentials = %+v, want only user-1's", b.Credentials)
		}
		if b.Credentials[0].Keys["apiKey"] != "k" {
			t.Errorf("keys = %v", b.Credentials[0].Keys)
		}
	})

	t.Run("LoadRun unknown", func(t *testing.T) {
		if _, err := s.LoadRun(ctx, "missing"); !model.IsNotFound(err) {
			t.Errorf("error = %v, want NOT_FOUND", err)
		}
		if _, err := s.RunStatus(ctx, "missing"); !model.IsNotFound(err) {
			t.Errorf("RunStatus error = %v, want NOT_FOUND", err)
		}
	})

	t.Run("MergeRunContext overwrites keys", func(t *testing.T) {
		runID, _ := s.CreateRun(ctx, wfID, map[string]any{"name": "Ann", "aiResponse": "old"})

		if err := s.MergeRunContext(ctx, runID, map[string]any{"aiResponse": "new"}); err != nil {
			t.Fatalf("MergeRunContext() error = %v", err)
		}
		run, _ := s.GetRun(ctx, runID)
		if run.MetaData["aiResponse"] != "new" || run.MetaData["name"] != "Ann" {
			t.Errorf("MetaData = %v", run.MetaData)
		}
	})

	t.Run("MarkError is terminal", func(t *testing.T) {
		runID, _ := s.CreateRun(ctx, wfID, nil)

		if err := s.MarkError(ctx, runID, "No gemini credentials found for the user"); err != nil {
			t.Fatalf("MarkError() error = %v", err)
		}
		run, _ := s.GetRun(ctx, runID)
		if run.Status != model.RunStatusError {
			t.Errorf("Status = %q, want Error", run.Status)
		}
		if run.ErrorMessage() != "No gemini credentials found for the user" {
			t.Errorf("ErrorMessage() = %q", run.ErrorMessage())
		}

		if err := s.MarkComplete(ctx, runID, time.Now()); !model.IsConflict(err) {
			t.Errorf("MarkComplete on Error run = %v, want CONFLICT", err)
		}
		if err := s.MergeRunContext(ctx, runID, map[string]any{"x": 1}); !model.IsConflict(err) {
			t.Errorf("MergeRunContext on Error run = %v, want CONFLICT", err)
		}
		if st, _ := s.RunStatus(ctx, runID); st != model.RunStatusError {
			t.Errorf("status = %q after rejected writes", st)
		}
	})

	t.Run("MarkComplete sets finishedAt once", func(t *testing.T) {
		runID, _ := s.CreateRun(ctx, wfID, nil)
		at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

		if err := s.MarkComplete(ctx, runID, at); err != nil {
			t.Fatalf("MarkComplete() error = %v", err)
		}
		if err := s.MarkComplete(ctx, runID, at.Add(time.Hour)); !model.IsConflict(err) {
			t.Errorf("second MarkComplete() = %v, want CONFLICT", err)
		}
		run, _ := s.GetRun(ctx, runID)
		if run.FinishedAt == nil || !run.FinishedAt.Equal(at) {
			t.Errorf("FinishedAt = %v, want %v", run.FinishedAt, at)
		}
		if err := s.MarkError(ctx, runID, "late"); !model.IsConflict(err) {
			t.Errorf("MarkError on Complete run = %v, want CONFLICT", err)
		}
	})

	t.Run("DeleteOutbox", func(t *testing.T) {
		pending, _ := s.PendingOutbox(ctx, 100)
		ids := make([]string, len(pending))
		for i, e := range pending {
			ids[i] = e.ID
		}
		if err := s.DeleteOutbox(ctx, append(ids, "unknown-id")); err != nil {
			t.Fatalf("DeleteOutbox() error = %v", err)
		}
		left, _ := s.PendingOutbox(ctx, 100)
		if len(left) != 0 {
			t.Errorf("PendingOutbox() after delete = %v", left)
		}
		if err := s.DeleteOutbox(ctx, nil); err != nil {
			t.Errorf("DeleteOutbox(nil) error = %v", err)
		}
	})

	t.Run("CreateWorkflow rejects sparse chain", func(t *testing.T) {
		_, err := s.CreateWorkflow(ctx, "user-1", []model.Action{{SortingOrder: 0}, {SortingOrder: 2}})
		if !model.HasCode(err, model.ErrValidationError) {
			t.Errorf("error = %v, want VALIDATION_ERROR", err)
		}
	})

	if err := s.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}
