// Package outbox relays freshly created runs from the store's outbox table
// to the broker as stage 0 messages.
package outbox

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowpipe/internal/broker"
	"github.com/pitabwire/flowpipe/internal/observability"
	"github.com/pitabwire/flowpipe/internal/store"
	"github.com/pitabwire/flowpipe/model"
)

// Defaults for a Relay.
const (
	DefaultBatchSize = 10
	DefaultInterval  = time.Second
)

// Relay moves outbox entries to the broker. Entries are deleted only after
// a successful publish, so a crash in between publishes them again.
type Relay struct {
	store     store.OutboxStore
	publisher broker.Publisher
	batchSize int
	interval  time.Duration
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// Option configures a Relay.
type Option func(*Relay)

// WithBatchSize bounds how many entries one iteration reads.
func WithBatchSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

// WithInterval sets the pause after an empty or failed iteration.
func WithInterval(d time.Duration) Option {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithMetrics records relay iterations on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// NewRelay creates a Relay.
func NewRelay(st store.OutboxStore, pub broker.Publisher, logger *zap.Logger, opts ...Option) *Relay {
	r := &Relay{
		store:     st,
		publisher: pub,
		batchSize: DefaultBatchSize,
		interval:  DefaultInterval,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// RelayOnce publishes up to one batch of pending entries in a single
// publish call and then deletes them. It returns the number published.
func (r *Relay) RelayOnce(ctx context.Context) (n int, err error) {
	ctx, span := observability.StartSpan(ctx, observability.SpanOutboxRelay)
	defer func() {
		span.SetAttributes(observability.AttrBatchSize.Int(n))
		observability.EndSpanWithError(span, err)
	}()

	entries, err := r.store.PendingOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	msgs := make([]model.StageMessage, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		msgs[i] = model.StageMessage{WorkflowRunID: e.WorkflowRunID, Stage: 0}
		ids[i] = e.ID
	}

	if err := r.publisher.Publish(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("publish %d stage 0 messages: %w", len(msgs), err)
	}
	if err := r.store.DeleteOutbox(ctx, ids); err != nil {
		return len(entries), fmt.Errorf("delete %d published outbox entries: %w", len(ids), err)
	}

	r.logger.Info("relayed outbox batch", zap.Int("published", len(entries)))
	return len(entries), nil
}

// Run relays until ctx is cancelled. A full batch is followed immediately
// by the next; an empty or failed one waits for the interval. Errors are
// logged and never stop the loop.
func (r *Relay) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		n, err := r.RelayOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		r.metrics.RecordRelayBatch(n, err)
		if err != nil {
			r.logger.Error("outbox relay iteration failed", zap.Int("published", n), zap.Error(err))
		}

		next := r.interval
		if err == nil && n >= r.batchSize {
			next = 0
		}
		timer.Reset(next)
	}
}
