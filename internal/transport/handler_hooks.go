package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/flowpipe/internal/observability"
	"github.com/pitabwire/flowpipe/model"
)

// DefaultMaxBodyBytes bounds a webhook payload when no limit is configured.
const DefaultMaxBodyBytes = 1 << 20

type hookHandlers struct {
	runs    RunIntake
	metrics *observability.Metrics
	logger  *zap.Logger
	maxBody int64
}

// HookResponse acknowledges a caught webhook.
type HookResponse struct {
	Message       string `json:"message"`
	WorkflowRunID string `json:"workflowRunId"`
}

// catch starts a run of the user's workflow seeded with the request body.
// The run and its outbox entry are written together; the relay picks the
// run up from there.
func (h hookHandlers) catch(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	workflowID := chi.URLParam(r, "workflowId")
	logger := observability.LoggerFrom(r.Context(), h.logger).With(
		zap.String("workflow_id", workflowID),
	)

	payload, err := h.readPayload(w, r)
	if err != nil {
		WriteError(w, err)
		return
	}

	owner, err := h.runs.WorkflowOwner(r.Context(), workflowID)
	if err != nil && !model.IsNotFound(err) {
		logger.Error("webhook owner lookup failed", zap.Error(err))
		WriteError(w, err)
		return
	}
	if err != nil || owner != userID {
		// Another user's workflow is indistinguishable from a missing one.
		WriteNotFound(w, "workflow not found")
		return
	}

	runID, err := h.runs.CreateRun(r.Context(), workflowID, payload)
	if err != nil {
		logger.Error("webhook run creation failed", zap.Error(err))
		WriteError(w, err)
		return
	}

	h.metrics.RecordRunTransition(string(model.RunStatusRunning))
	logger.Info("webhook received", zap.String("workflow_run_id", runID))
	WriteJSON(w, http.StatusOK, HookResponse{Message: "Webhook received", WorkflowRunID: runID})
}

// readPayload decodes the body as a JSON object. An empty body is an empty
// run context.
func (h hookHandlers) readPayload(w http.ResponseWriter, r *http.Request) (map[string]any, error) {
	limit := h.maxBody
	if limit <= 0 {
		limit = DefaultMaxBodyBytes
	}
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, model.NewBadRequestError("request body too large")
		}
		return nil, model.NewBadRequestError("unreadable request body")
	}

	payload := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, model.NewBadRequestError("request body must be a JSON object")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	return payload, nil
}

// getRun reports a run's status, context and failure message.
func (h hookHandlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.runs.GetRun(r.Context(), chi.URLParam(r, "runId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}
