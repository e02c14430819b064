package model

import "time"

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

// Workflow run status constants. Running is the implicit initial state;
// Complete and Error are terminal.
const (
	RunStatusRunning  RunStatus = "Running"
	RunStatusComplete RunStatus = "Complete"
	RunStatusError    RunStatus = "Error"
)

// Terminal reports whether no further transitions are defined out of s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusError
}

// ErrorMessageKey is the key under which a run's failure message is stored
// in its error metadata.
const ErrorMessageKey = "errorMessage"

// WorkflowRun is one execution of a workflow's action chain.
type WorkflowRun struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflowId"`
	MetaData      map[string]any `json:"metaData,omitempty"`
	Status        RunStatus      `json:"status"`
	ErrorMetadata map[string]any `json:"errorMetadata,omitempty"`
	FinishedAt    *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// ErrorMessage returns the stored failure message, or "" if the run has not
// errored.
func (r WorkflowRun) ErrorMessage() string {
	msg, _ := r.ErrorMetadata[ErrorMessageKey].(string)
	return msg
}

// OutboxEntry announces a freshly created run to the relay. It carries no
// state beyond its existence.
type OutboxEntry struct {
	ID            string `json:"id"`
	WorkflowRunID string `json:"workflowRunId"`
}

// Action is one member of a workflow's ordered action chain.
type Action struct {
	ID           string `json:"id"`
	WorkflowID   string `json:"workflowId"`
	SortingOrder int    `json:"sortingOrder"`
	ActionKind   string `json:"actionKind"`
	// Metadata is the raw per-kind JSON object: field templates plus a
	// credentialId reference.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Credential is a user's secret bundle for one platform.
type Credential struct {
	ID       string         `json:"id"`
	Platform string         `json:"platform"`
	Keys     map[string]any `json:"keys,omitempty"`
}

// StageMessage is the broker payload that drives a run forward by one stage.
type StageMessage struct {
	WorkflowRunID string `json:"workflowRunId"`
	Stage         int    `json:"stage"`
}

// RunBundle is everything the stage executor needs to process one stage,
// loaded in a single consistent read.
type RunBundle struct {
	Run WorkflowRun
	// Actions is the workflow's chain ordered by SortingOrder.
	Actions []Action
	// Credentials is the owning user's full credential set.
	Credentials []Credential
}

// ActionAt returns the action whose SortingOrder equals stage.
func (b RunBundle) ActionAt(stage int) (Action, bool) {
	for _, a := range b.Actions {
		if a.SortingOrder == stage {
			return a, true
		}
	}
	return Action{}, false
}

// LastStage returns the sorting order of the final action in the chain.
func (b RunBundle) LastStage() int {
	return len(b.Actions) - 1
}

// Credential returns the credential with the given id.
func (b RunBundle) Credential(id string) (Credential, bool) {
	if id == "" {
		return Credential{}, false
	}
	for _, c := range b.Credentials {
		if c.ID == id {
			return c, true
		}
	}
	return Credential{}, false
}
