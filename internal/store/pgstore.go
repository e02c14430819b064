package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/flowpipe/model"
)

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a store over an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// CreateWorkflow inserts the workflow row and its actions in one transaction.
func (s *PgStore) CreateWorkflow(ctx context.Context, userID string, actions []model.Action) (string, error) {
	if err := validateChain(actions); err != nil {
		return "", err
	}

	id := uuid.NewString()
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO workflows (id, user_id) VALUES ($1, $2)`, id, userID,
		); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}

		for _, a := range actions {
			mdJSON, err := json.Marshal(nonNil(a.Metadata))
			if err != nil {
				return fmt.Errorf("marshal action metadata: %w", err)
			}
			actionID := a.ID
			if actionID == "" {
				actionID = uuid.NewString()
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO actions (id, workflow_id, sorting_order, action_kind, metadata)
				VALUES ($1, $2, $3, $4, $5)`,
				actionID, id, a.SortingOrder, a.ActionKind, mdJSON,
			); err != nil {
				return fmt.Errorf("insert action %d: %w", a.SortingOrder, err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// PutCredential inserts a credential row.
func (s *PgStore) PutCredential(ctx context.Context, userID string, cred model.Credential) (string, error) {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	keysJSON, err := json.Marshal(nonNil(cred.Keys))
	if err != nil {
		return "", fmt.Errorf("marshal credential keys: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO credentials (id, user_id, platform, keys)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		cred.ID, userID, cred.Platform, keysJSON,
	)
	if err != nil {
		return "", fmt.Errorf("insert credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", model.NewConflictError(fmt.Sprintf("credential %q already exists", cred.ID))
	}
	return cred.ID, nil
}

// CreateRun inserts the run and its outbox row in one transaction.
func (s *PgStore) CreateRun(ctx context.Context, workflowID string, metaData map[string]any) (string, error) {
	mdJSON, err := json.Marshal(nonNil(metaData))
	if err != nil {
		return "", fmt.Errorf("marshal run metadata: %w", err)
	}

	runID := uuid.NewString()
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM workflows WHERE id = $1)`, workflowID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check workflow: %w", err)
		}
		if !exists {
			return workflowNotFound(workflowID)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO workflow_runs (id, workflow_id, meta_data, status)
			VALUES ($1, $2, $3, $4)`,
			runID, workflowID, mdJSON, string(model.RunStatusRunning),
		); err != nil {
			return fmt.Errorf("insert workflow run: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO workflow_run_outbox (id, workflow_run_id) VALUES ($1, $2)`,
			uuid.NewString(), runID,
		); err != nil {
			return fmt.Errorf("insert outbox entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return runID, nil
}

const selectRun = `
	SELECT id, workflow_id, meta_data, status, error_metadata, finished_at, created_at
	FROM workflow_runs
	WHERE id = $1`

func scanRun(row pgx.Row) (model.WorkflowRun, error) {
	var (
		run               model.WorkflowRun
		status            string
		mdJSON, errMDJSON []byte
	)
	if err := row.Scan(
		&run.ID, &run.WorkflowID, &mdJSON, &status, &errMDJSON, &run.FinishedAt, &run.CreatedAt,
	); err != nil {
		return model.WorkflowRun{}, err
	}
	run.Status = model.RunStatus(status)

	if mdJSON != nil {
		if err := json.Unmarshal(mdJSON, &run.MetaData); err != nil {
			return model.WorkflowRun{}, fmt.Errorf("unmarshal meta_data: %w", err)
		}
	}
	if errMDJSON != nil {
		if err := json.Unmarshal(errMDJSON, &run.ErrorMetadata); err != nil {
			return model.WorkflowRun{}, fmt.Errorf("unmarshal error_metadata: %w", err)
		}
	}
	return run, nil
}

// WorkflowOwner returns the workflow's user_id.
func (s *PgStore) WorkflowOwner(ctx context.Context, workflowID string) (string, error) {
	var userID string
	err := s.pool.QueryRow(ctx, `SELECT user_id FROM workflows WHERE id = $1`, workflowID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", workflowNotFound(workflowID)
	}
	if err != nil {
		return "", fmt.Errorf("query workflow owner: %w", err)
	}
	return userID, nil
}

// GetRun returns a run by id.
func (s *PgStore) GetRun(ctx context.Context, runID string) (model.WorkflowRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, selectRun, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowRun{}, runNotFound(runID)
	}
	if err != nil {
		return model.WorkflowRun{}, fmt.Errorf("query workflow run: %w", err)
	}
	return run, nil
}

// LoadRun reads the run bundle inside one read-only repeatable-read
// transaction so the three reads see the same snapshot.
func (s *PgStore) LoadRun(ctx context.Context, runID string) (model.RunBundle, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return model.RunBundle{}, fmt.Errorf("begin load run: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	run, err := scanRun(tx.QueryRow(ctx, selectRun, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RunBundle{}, runNotFound(runID)
	}
	if err != nil {
		return model.RunBundle{}, fmt.Errorf("query workflow run: %w", err)
	}

	var userID string
	err = tx.QueryRow(ctx, `SELECT user_id FROM workflows WHERE id = $1`, run.WorkflowID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.RunBundle{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", run.WorkflowID))
	}
	if err != nil {
		return model.RunBundle{}, fmt.Errorf("query workflow owner: %w", err)
	}

	actions, err := queryActions(ctx, tx, run.WorkflowID)
	if err != nil {
		return model.RunBundle{}, err
	}
	creds, err := queryCredentials(ctx, tx, userID)
	if err != nil {
		return model.RunBundle{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return model.RunBundle{}, fmt.Errorf("commit load run: %w", err)
	}
	return model.RunBundle{Run: run, Actions: actions, Credentials: creds}, nil
}

func queryActions(ctx context.Context, tx pgx.Tx, workflowID string) ([]model.Action, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, workflow_id, sorting_order, action_kind, metadata
		FROM actions
		WHERE workflow_id = $1
		ORDER BY sorting_order`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	var actions []model.Action
	for rows.Next() {
		var a model.Action
		var mdJSON []byte
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.SortingOrder, &a.ActionKind, &mdJSON); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		if mdJSON != nil {
			if err := json.Unmarshal(mdJSON, &a.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal action metadata: %w", err)
			}
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

func queryCredentials(ctx context.Context, tx pgx.Tx, userID string) ([]model.Credential, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, platform, keys FROM credentials WHERE user_id = $1`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		var c model.Credential
		var keysJSON []byte
		if err := rows.Scan(&c.ID, &c.Platform, &keysJSON); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		if keysJSON != nil {
			if err := json.Unmarshal(keysJSON, &c.Keys); err != nil {
				return nil, fmt.Errorf("unmarshal credential keys: %w", err)
			}
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// RunStatus returns the run's current status.
func (s *PgStore) RunStatus(ctx context.Context, runID string) (model.RunStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM workflow_runs WHERE id = $1`, runID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", runNotFound(runID)
	}
	if err != nil {
		return "", fmt.Errorf("query run status: %w", err)
	}
	return model.RunStatus(status), nil
}

// MarkError moves a Running run to Error.
func (s *PgStore) MarkError(ctx context.Context, runID, message string) error {
	errJSON, err := json.Marshal(map[string]any{model.ErrorMessageKey: message})
	if err != nil {
		return fmt.Errorf("marshal error metadata: %w", err)
	}
	return s.transition(ctx, runID, `
		UPDATE workflow_runs SET status = 'Error', error_metadata = $2
		WHERE id = $1 AND status = 'Running'`,
		errJSON,
	)
}

// MarkComplete moves a Running run to Complete.
func (s *PgStore) MarkComplete(ctx context.Context, runID string, finishedAt time.Time) error {
	return s.transition(ctx, runID, `
		UPDATE workflow_runs SET status = 'Complete', finished_at = $2
		WHERE id = $1 AND status = 'Running'`,
		finishedAt.UTC(),
	)
}

// MergeRunContext shallow-merges output into meta_data with jsonb ||.
func (s *PgStore) MergeRunContext(ctx context.Context, runID string, output map[string]any) error {
	outJSON, err := json.Marshal(nonNil(output))
	if err != nil {
		return fmt.Errorf("marshal run output: %w", err)
	}
	return s.transition(ctx, runID, `
		UPDATE workflow_runs SET meta_data = COALESCE(meta_data, '{}'::jsonb) || $2::jsonb
		WHERE id = $1 AND status = 'Running'`,
		outJSON,
	)
}

// transition runs a status-guarded update and maps zero affected rows to
// NOT_FOUND or CONFLICT.
func (s *PgStore) transition(ctx context.Context, runID, sql string, arg any) error {
	tag, err := s.pool.Exec(ctx, sql, runID, arg)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	status, err := s.RunStatus(ctx, runID)
	if err != nil {
		return err
	}
	return runNotRunning(runID, status)
}

// PendingOutbox returns up to limit entries, oldest first.
func (s *PgStore) PendingOutbox(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_run_id
		FROM workflow_run_outbox
		ORDER BY created_at, id
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []model.OutboxEntry
	for rows.Next() {
		var e model.OutboxEntry
		if err := rows.Scan(&e.ID, &e.WorkflowRunID); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteOutbox removes entries by id.
func (s *PgStore) DeleteOutbox(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM workflow_run_outbox WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete outbox entries: %w", err)
	}
	return nil
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
