// Package stage walks a workflow run through its action chain one broker
// message at a time.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowpipe/internal/action"
	"github.com/pitabwire/flowpipe/internal/broker"
	"github.com/pitabwire/flowpipe/internal/executor"
	"github.com/pitabwire/flowpipe/internal/observability"
	"github.com/pitabwire/flowpipe/internal/store"
	"github.com/pitabwire/flowpipe/internal/template"
	"github.com/pitabwire/flowpipe/model"
)

// DefaultStageDelay is the pause after every action attempt, successful or
// not, before its outcome is recorded.
const DefaultStageDelay = time.Second

// Discard reasons, recorded in metrics and logs.
const (
	reasonMalformed     = "malformed"
	reasonRunNotFound   = "run_not_found"
	reasonRunErrored    = "run_errored"
	reasonRunComplete   = "run_complete"
	reasonActionMissing = "action_missing"
	reasonUnknownKind   = "unknown_kind"
	reasonRunTerminal   = "run_terminal"
)

// Executor runs one action. *executor.Registry satisfies it.
type Executor interface {
	Execute(ctx context.Context, kind action.Kind, req executor.Request) (executor.Outcome, error)
}

// Throttle paces calls per platform. *throttle.Limiter satisfies it.
type Throttle interface {
	Wait(ctx context.Context, key string) error
}

// Processor applies one stage message to its run.
type Processor struct {
	store      store.RunStore
	publisher  broker.Publisher
	executors  Executor
	throttle   Throttle
	logger     *zap.Logger
	metrics    *observability.Metrics
	stageDelay time.Duration
	strict     bool
	now        func() time.Time
}

// Option configures a Processor.
type Option func(*Processor)

// WithThrottle paces executor calls through t.
func WithThrottle(t Throttle) Option {
	return func(p *Processor) { p.throttle = t }
}

// WithMetrics records stage outcomes on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Processor) { p.metrics = m }
}

// WithStageDelay overrides DefaultStageDelay. Zero disables the pause.
func WithStageDelay(d time.Duration) Option {
	return func(p *Processor) { p.stageDelay = d }
}

// WithStrictTemplates fails a stage whose templates reference missing keys.
func WithStrictTemplates(strict bool) Option {
	return func(p *Processor) { p.strict = strict }
}

// WithClock sets the source of finishedAt timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// NewProcessor creates a Processor.
func NewProcessor(st store.RunStore, pub broker.Publisher, exec Executor, logger *zap.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:      st,
		publisher:  pub,
		executors:  exec,
		logger:     logger,
		stageDelay: DefaultStageDelay,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	return p
}

// result is what one Handle call did to its run.
type result struct {
	kind    action.Kind
	outcome string
}

func discarded(kind action.Kind) result {
	return result{kind: kind, outcome: observability.OutcomeDiscarded}
}

// Handle processes one raw stage message. A nil return means the message is
// finished with and may be committed, whether the run advanced, completed,
// failed or the message was discarded. A non-nil return is an
// infrastructure failure; the message must not be committed.
func (p *Processor) Handle(ctx context.Context, payload []byte) (err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, observability.SpanStageHandle)

	var res result
	defer func() {
		span.SetAttributes(observability.AttrOutcome.String(res.outcome))
		observability.EndSpanWithError(span, err)
		if err == nil {
			p.metrics.RecordStage(string(res.kind), res.outcome, time.Since(start))
		}
	}()

	msg, derr := broker.DecodeStageMessage(payload)
	if derr != nil {
		p.logger.Warn("discarding malformed stage message",
			zap.Error(derr),
			zap.Int("payload_bytes", len(payload)),
		)
		p.metrics.RecordDiscard(reasonMalformed)
		res = discarded("")
		return nil
	}

	span.SetAttributes(
		observability.AttrWorkflowRunID.String(msg.WorkflowRunID),
		observability.AttrStage.Int(msg.Stage),
	)
	ctx = model.WithRunScope(ctx, model.RunScope{WorkflowRunID: msg.WorkflowRunID, Stage: msg.Stage})

	res, err = p.handle(ctx, msg)
	return err
}

func (p *Processor) handle(ctx context.Context, msg model.StageMessage) (result, error) {
	log := observability.RunLogger(ctx, p.logger)

	bundle, err := p.store.LoadRun(ctx, msg.WorkflowRunID)
	if err != nil {
		if model.IsNotFound(err) {
			log.Warn("discarding stage message for unknown run")
			p.metrics.RecordDiscard(reasonRunNotFound)
			return discarded(""), nil
		}
		return result{}, fmt.Errorf("load run %s: %w", msg.WorkflowRunID, err)
	}

	switch bundle.Run.Status {
	case model.RunStatusError:
		p.metrics.RecordDiscard(reasonRunErrored)
		return discarded(""), nil
	case model.RunStatusComplete:
		log.Debug("discarding stage message for completed run")
		p.metrics.RecordDiscard(reasonRunComplete)
		return discarded(""), nil
	}

	act, ok := bundle.ActionAt(msg.Stage)
	if !ok {
		log.Warn("discarding stage message with no action at stage",
			zap.String("workflow_id", bundle.Run.WorkflowID),
			zap.Int("chain_length", len(bundle.Actions)),
		)
		p.metrics.RecordDiscard(reasonActionMissing)
		return discarded(""), nil
	}

	ctx = model.WithRunScope(ctx, model.RunScope{
		WorkflowRunID: msg.WorkflowRunID,
		WorkflowID:    bundle.Run.WorkflowID,
		Stage:         msg.Stage,
		ActionKind:    act.ActionKind,
	})
	log = observability.RunLogger(ctx, p.logger)

	kind, err := action.ParseKind(act.ActionKind)
	if err != nil {
		log.Warn("discarding stage message for unsupported action kind", zap.Error(err))
		p.metrics.RecordDiscard(reasonUnknownKind)
		return discarded(""), nil
	}

	return p.runAction(ctx, bundle, act, kind, msg.Stage)
}

// runAction validates, executes and advances one resolved stage.
func (p *Processor) runAction(ctx context.Context, bundle model.RunBundle, act model.Action, kind action.Kind, stage int) (result, error) {
	log := observability.RunLogger(ctx, p.logger)
	runID := bundle.Run.ID

	credID := action.CredentialID(act.Metadata)
	cred, ok := bundle.Credential(credID)
	if !ok {
		log.Debug("credential not found", zap.String("credential_id", credID))
		return p.fail(ctx, runID, kind, action.MissingCredentialMessage(kind))
	}
	secret, err := action.ParseCredential(kind, cred.Keys)
	if err != nil {
		log.Debug("credential has the wrong shape", zap.String("credential_id", credID), zap.Error(err))
		return p.fail(ctx, runID, kind, action.MissingCredentialMessage(kind))
	}

	md, err := action.ParseMetadata(kind, act.Metadata)
	if err != nil {
		var missing *action.MissingFieldsError
		if errors.As(err, &missing) {
			return p.fail(ctx, runID, kind, missing.Error())
		}
		return p.fail(ctx, runID, kind, fmt.Sprintf("%s Action metadata is invalid: %v", kind.DisplayName(), err))
	}

	if p.throttle != nil {
		waitStart := time.Now()
		if err := p.throttle.Wait(ctx, string(kind)); err != nil {
			return result{}, fmt.Errorf("throttle %s: %w", kind, err)
		}
		p.metrics.RecordThrottleWait(string(kind), time.Since(waitStart))
	}

	out, err := p.execute(ctx, kind, executor.Request{
		CredentialID: credID,
		Credential:   secret,
		Metadata:     md,
		Render:       template.NewRenderer(bundle.Run.MetaData, p.strict),
	})
	if errors.Is(err, executor.ErrBreakerOpen) {
		return result{}, fmt.Errorf("execute %s: %w", kind, err)
	}
	if serr := sleep(ctx, p.stageDelay); serr != nil {
		return result{}, serr
	}
	if err != nil {
		if executor.IsTemplateError(err) {
			return p.fail(ctx, runID, kind, fmt.Sprintf("%s Action metadata has an invalid template: %v", kind.DisplayName(), err))
		}
		return p.fail(ctx, runID, kind, fmt.Sprintf("%s action failed: %v", kind.DisplayName(), err))
	}

	if kind.WritesContext() && len(out.Output) > 0 {
		if err := p.store.MergeRunContext(ctx, runID, out.Output); err != nil {
			if terminal(err) {
				log.Warn("run left Running during execution, output dropped", zap.Error(err))
				p.metrics.RecordDiscard(reasonRunTerminal)
				return discarded(kind), nil
			}
			return result{}, fmt.Errorf("merge run context %s: %w", runID, err)
		}
		log.Debug("merged action output into run context",
			zap.Any("run_context", observability.RedactBody(out.Output, nil)),
		)
	}

	return p.advance(ctx, bundle, kind, stage)
}

func (p *Processor) execute(ctx context.Context, kind action.Kind, req executor.Request) (executor.Outcome, error) {
	ctx, span := observability.StartSpan(ctx, observability.ExecutorSpanName(string(kind)),
		observability.AttrActionKind.String(string(kind)),
	)
	start := time.Now()
	out, err := p.executors.Execute(ctx, kind, req)
	p.metrics.RecordExecutorCall(string(kind), err, time.Since(start))
	observability.EndSpanWithError(span, err)
	return out, err
}

// advance re-reads the run status and either completes the run or enqueues
// the next stage.
func (p *Processor) advance(ctx context.Context, bundle model.RunBundle, kind action.Kind, stage int) (result, error) {
	log := observability.RunLogger(ctx, p.logger)
	runID := bundle.Run.ID

	status, err := p.store.RunStatus(ctx, runID)
	if err != nil {
		return result{}, fmt.Errorf("re-read run status %s: %w", runID, err)
	}
	if status != model.RunStatusRunning {
		log.Warn("run left Running during execution, not advancing", zap.String("status", string(status)))
		p.metrics.RecordDiscard(reasonRunTerminal)
		return discarded(kind), nil
	}

	if stage >= bundle.LastStage() {
		if err := p.store.MarkComplete(ctx, runID, p.now()); err != nil {
			if terminal(err) {
				log.Warn("run already terminal, not completing", zap.Error(err))
				p.metrics.RecordDiscard(reasonRunTerminal)
				return discarded(kind), nil
			}
			return result{}, fmt.Errorf("mark run %s complete: %w", runID, err)
		}
		log.Info("workflow run complete")
		p.metrics.RecordRunTransition(string(model.RunStatusComplete))
		return result{kind: kind, outcome: observability.OutcomeCompleted}, nil
	}

	next := model.StageMessage{WorkflowRunID: runID, Stage: stage + 1}
	if err := p.publisher.Publish(ctx, next); err != nil {
		return result{}, fmt.Errorf("publish stage %d for %s: %w", next.Stage, runID, err)
	}
	log.Info("workflow run advanced", zap.Int("next_stage", next.Stage))
	return result{kind: kind, outcome: observability.OutcomeAdvanced}, nil
}

// fail records message as the run's terminal error. A run that already left
// Running is left untouched.
func (p *Processor) fail(ctx context.Context, runID string, kind action.Kind, message string) (result, error) {
	log := observability.RunLogger(ctx, p.logger)

	if err := p.store.MarkError(ctx, runID, message); err != nil {
		if terminal(err) {
			log.Warn("run already terminal, error not recorded", zap.String("error_message", message), zap.Error(err))
			p.metrics.RecordDiscard(reasonRunTerminal)
			return discarded(kind), nil
		}
		return result{}, fmt.Errorf("mark run %s error: %w", runID, err)
	}
	log.Warn("workflow run failed", zap.String("error_message", message))
	p.metrics.RecordRunTransition(string(model.RunStatusError))
	return result{kind: kind, outcome: observability.OutcomeFailed}, nil
}

// terminal reports whether a guarded status write found the run already
// out of Running, or gone.
func terminal(err error) bool {
	return model.IsConflict(err) || model.IsNotFound(err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
