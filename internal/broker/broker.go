// Package broker carries stage messages between the outbox relay and the
// stage workers. Messages for one run share a key and therefore a partition,
// which keeps a run's stages in order.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pitabwire/flowpipe/model"
)

// Publisher sends stage messages keyed by run id.
type Publisher interface {
	Publish(ctx context.Context, msgs ...model.StageMessage) error
	Close() error
}

// Record is one fetched broker message.
type Record struct {
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64

	// ref is the transport's own message handle, used to commit.
	ref any
}

// Consumer fetches records from a consumer group. Records are committed
// explicitly once handled.
type Consumer interface {
	Fetch(ctx context.Context) (Record, error)
	Commit(ctx context.Context, recs ...Record) error
	Close() error
}

// ErrMalformedMessage is returned when a payload is not a valid stage
// message.
var ErrMalformedMessage = errors.New("malformed stage message")

type wireStageMessage struct {
	WorkflowRunID *string `json:"workflowRunId"`
	Stage         *int    `json:"stage"`
}

// EncodeStageMessage renders m as {"workflowRunId": ..., "stage": ...}.
func EncodeStageMessage(m model.StageMessage) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeStageMessage parses a payload. Both fields are required, the run id
// must be non-empty and the stage a non-negative integer.
func DecodeStageMessage(b []byte) (model.StageMessage, error) {
	var w wireStageMessage
	if err := json.Unmarshal(b, &w); err != nil {
		return model.StageMessage{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if w.WorkflowRunID == nil || *w.WorkflowRunID == "" {
		return model.StageMessage{}, fmt.Errorf("%w: missing workflowRunId", ErrMalformedMessage)
	}
	if w.Stage == nil {
		return model.StageMessage{}, fmt.Errorf("%w: missing stage", ErrMalformedMessage)
	}
	if *w.Stage < 0 {
		return model.StageMessage{}, fmt.Errorf("%w: negative stage %d", ErrMalformedMessage, *w.Stage)
	}
	return model.StageMessage{WorkflowRunID: *w.WorkflowRunID, Stage: *w.Stage}, nil
}
