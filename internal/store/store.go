// Package store persists workflow runs, their outbox entries, and the
// workflow definitions and credentials the pipeline reads.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/flowpipe/model"
)

// RunStore is the stage executor's view of storage.
type RunStore interface {
	// LoadRun reads the run, its workflow's action chain ordered by
	// sortingOrder, and the owning user's credentials in one consistent
	// read. Returns NOT_FOUND for an unknown run.
	LoadRun(ctx context.Context, runID string) (model.RunBundle, error)

	// RunStatus returns the current status of a run.
	RunStatus(ctx context.Context, runID string) (model.RunStatus, error)

	// MarkError moves a Running run to Error with the given message.
	// Returns CONFLICT if the run is no longer Running.
	MarkError(ctx context.Context, runID, message string) error

	// MarkComplete moves a Running run to Complete and sets finishedAt.
	// Returns CONFLICT if the run is no longer Running.
	MarkComplete(ctx context.Context, runID string, finishedAt time.Time) error

	// MergeRunContext shallow-merges output into the run's metaData. Later
	// keys overwrite earlier ones.
	MergeRunContext(ctx context.Context, runID string, output map[string]any) error
}

// OutboxStore is the relay's view of storage.
type OutboxStore interface {
	// PendingOutbox returns up to limit entries, oldest first.
	PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error)

	// DeleteOutbox removes the given entries. Unknown ids are ignored.
	DeleteOutbox(ctx context.Context, ids []string) error
}

// Store is the full storage surface.
type Store interface {
	RunStore
	OutboxStore

	// CreateRun inserts a Running run seeded with metaData and its outbox
	// entry in one transaction, returning the run id.
	CreateRun(ctx context.Context, workflowID string, metaData map[string]any) (string, error)

	// CreateWorkflow stores a workflow owned by userID with its action chain.
	CreateWorkflow(ctx context.Context, userID string, actions []model.Action) (string, error)

	// PutCredential stores a credential for userID, returning its id.
	PutCredential(ctx context.Context, userID string, cred model.Credential) (string, error)

	// WorkflowOwner returns the id of the user owning a workflow.
	WorkflowOwner(ctx context.Context, workflowID string) (string, error)

	// GetRun returns a run by id.
	GetRun(ctx context.Context, runID string) (model.WorkflowRun, error)

	// HealthCheck reports whether the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// validateChain checks that sorting orders are dense from 0 and unique.
func validateChain(actions []model.Action) error {
	if len(actions) == 0 {
		return model.NewValidationError([]model.FieldError{{
			Field: "actions", Code: "REQUIRED", Message: "a workflow needs at least one action",
		}})
	}
	seen := make([]bool, len(actions))
	for _, a := range actions {
		if a.SortingOrder < 0 || a.SortingOrder >= len(actions) || seen[a.SortingOrder] {
			return model.NewValidationError([]model.FieldError{{
				Field:   "sortingOrder",
				Code:    "INVALID",
				Message: fmt.Sprintf("sorting order %d is not dense from 0 and unique", a.SortingOrder),
			}})
		}
		seen[a.SortingOrder] = true
	}
	return nil
}

func workflowNotFound(workflowID string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow %q not found", workflowID))
}

func runNotFound(runID string) error {
	return model.NewNotFoundError(fmt.Sprintf("workflow run %q not found", runID))
}

func runNotRunning(runID string, status model.RunStatus) error {
	return model.NewConflictError(fmt.Sprintf("workflow run %q is %s", runID, status))
}
