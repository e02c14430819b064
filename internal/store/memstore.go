package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/flowpipe/model"
)

type memWorkflow struct {
	userID  string
	actions []model.Action
}

type memOutbox struct {
	entry model.OutboxEntry
	seq   int
}

// MemoryStore is an in-memory Store for tests and single-process runs.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]memWorkflow        // key: workflow ID
	credentials map[string][]model.Credential // key: user ID
	runs        map[string]model.WorkflowRun  // key: run ID
	outbox      map[string]memOutbox          // key: outbox ID
	seq         int
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string]memWorkflow),
		credentials: make(map[string][]model.Credential),
		runs:        make(map[string]model.WorkflowRun),
		outbox:      make(map[string]memOutbox),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateWorkflow stores a workflow and its action chain.
func (s *MemoryStore) CreateWorkflow(_ context.Context, userID string, actions []model.Action) (string, error) {
	if err := validateChain(actions); err != nil {
		return "", err
	}

	id := uuid.NewString()
	chain := make([]model.Action, len(actions))
	for i, a := range actions {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		a.WorkflowID = id
		a.Metadata = maps.Clone(a.Metadata)
		chain[i] = a
	}
	sort.Slice(chain, func(i, j int) bool { return chain[i].SortingOrder < chain[j].SortingOrder })

	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[id] = memWorkflow{userID: userID, actions: chain}
	return id, nil
}

// PutCredential stores a credential for userID.
func (s *MemoryStore) PutCredential(_ context.Context, userID string, cred model.Credential) (string, error) {
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	cred.Keys = maps.Clone(cred.Keys)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, creds := range s.credentials {
		for _, c := range creds {
			if c.ID == cred.ID {
				return "", model.NewConflictError(fmt.Sprintf("credential %q already exists", cred.ID))
			}
		}
	}
	s.credentials[userID] = append(s.credentials[userID], cred)
	return cred.ID, nil
}

// CreateRun inserts a run and its outbox entry atomically.
func (s *MemoryStore) CreateRun(_ context.Context, workflowID string, metaData map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[workflowID]; !ok {
		return "", workflowNotFound(workflowID)
	}

	md := maps.Clone(metaData)
	if md == nil {
		md = map[string]any{}
	}
	run := model.WorkflowRun{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		MetaData:   md,
		Status:     model.RunStatusRunning,
		CreatedAt:  s.now(),
	}
	s.runs[run.ID] = run

	s.seq++
	entry := model.OutboxEntry{ID: uuid.NewString(), WorkflowRunID: run.ID}
	s.outbox[entry.ID] = memOutbox{entry: entry, seq: s.seq}
	return run.ID, nil
}

// WorkflowOwner returns the user id the workflow was created for.
func (s *MemoryStore) WorkflowOwner(_ context.Context, workflowID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return "", workflowNotFound(workflowID)
	}
	return wf.userID, nil
}

// GetRun returns a copy of the run.
func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return model.WorkflowRun{}, runNotFound(runID)
	}
	return cloneRun(run), nil
}

// LoadRun returns the run bundle under a single read lock.
func (s *MemoryStore) LoadRun(_ context.Context, runID string) (model.RunBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return model.RunBundle{}, runNotFound(runID)
	}
	wf, ok := s.workflows[run.WorkflowID]
	if !ok {
		return model.RunBundle{}, model.NewNotFoundError(fmt.Sprintf("workflow %q not found", run.WorkflowID))
	}

	actions := make([]model.Action, len(wf.actions))
	for i, a := range wf.actions {
		a.Metadata = maps.Clone(a.Metadata)
		actions[i] = a
	}
	creds := make([]model.Credential, len(s.credentials[wf.userID]))
	for i, c := range s.credentials[wf.userID] {
		c.Keys = maps.Clone(c.Keys)
		creds[i] = c
	}

	return model.RunBundle{Run: cloneRun(run), Actions: actions, Credentials: creds}, nil
}

// RunStatus returns the run's status.
func (s *MemoryStore) RunStatus(_ context.Context, runID string) (model.RunStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return "", runNotFound(runID)
	}
	return run.Status, nil
}

// MarkError records the failure on a Running run.
func (s *MemoryStore) MarkError(_ context.Context, runID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runningLocked(runID)
	if err != nil {
		return err
	}
	run.Status = model.RunStatusError
	run.ErrorMetadata = map[string]any{model.ErrorMessageKey: message}
	s.runs[runID] = run
	return nil
}

// MarkComplete finishes a Running run.
func (s *MemoryStore) MarkComplete(_ context.Context, runID string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runningLocked(runID)
	if err != nil {
		return err
	}
	at := finishedAt.UTC()
	run.Status = model.RunStatusComplete
	run.FinishedAt = &at
	s.runs[runID] = run
	return nil
}

// MergeRunContext overwrites top-level metaData keys with output.
func (s *MemoryStore) MergeRunContext(_ context.Context, runID string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.runningLocked(runID)
	if err != nil {
		return err
	}
	md := maps.Clone(run.MetaData)
	if md == nil {
		md = make(map[string]any, len(output))
	}
	maps.Copy(md, output)
	run.MetaData = md
	s.runs[runID] = run
	return nil
}

// PendingOutbox returns the oldest entries first.
func (s *MemoryStore) PendingOutbox(_ context.Context, limit int) ([]model.OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pending := slices.Collect(maps.Values(s.outbox))
	sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	out := make([]model.OutboxEntry, len(pending))
	for i, p := range pending {
		out[i] = p.entry
	}
	return out, nil
}

// DeleteOutbox removes entries by id.
func (s *MemoryStore) DeleteOutbox(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		delete(s.outbox, id)
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// runningLocked returns the run if it exists and is Running. Caller holds mu.
func (s *MemoryStore) runningLocked(runID string) (model.WorkflowRun, error) {
	run, ok := s.runs[runID]
	if !ok {
		return model.WorkflowRun{}, runNotFound(runID)
	}
	if run.Status != model.RunStatusRunning {
		return model.WorkflowRun{}, runNotRunning(runID, run.Status)
	}
	return run, nil
}

func cloneRun(r model.WorkflowRun) model.WorkflowRun {
	r.MetaData = maps.Clone(r.MetaData)
	r.ErrorMetadata = maps.Clone(r.ErrorMetadata)
	if r.FinishedAt != nil {
		at := *r.FinishedAt
		r.FinishedAt = &at
	}
	return r
}
