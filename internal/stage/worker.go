package stage

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/flowpipe/internal/broker"
)

// laneBuffer is how many fetched records a lane holds while it is busy, so a
// slow stage on one partition does not stall dispatch to the other lanes.
const laneBuffer = 16

// Handler processes one raw message. *Processor satisfies it.
type Handler interface {
	Handle(ctx context.Context, payload []byte) error
}

// Worker consumes stage messages and hands each to a lane chosen by its
// partition, so one run's messages are always handled in order by one
// goroutine. A record is committed only after its handler returns nil.
type Worker struct {
	consumer broker.Consumer
	handler  Handler
	lanes    int
	logger   *zap.Logger
}

// NewWorker creates a worker with the given number of lanes (at least 1).
func NewWorker(consumer broker.Consumer, handler Handler, lanes int, logger *zap.Logger) *Worker {
	if lanes < 1 {
		lanes = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{consumer: consumer, handler: handler, lanes: lanes, logger: logger}
}

// Run consumes until ctx is cancelled or a handler, fetch or commit fails.
// Cancellation lets every lane finish the message it holds and returns nil.
// Any other failure stops all lanes and is returned; uncommitted records
// are redelivered to the next consumer.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	queues := make([]chan broker.Record, w.lanes)
	for i := range queues {
		q := make(chan broker.Record, laneBuffer)
		queues[i] = q
		g.Go(func() error { return w.lane(ctx, gctx, i, q) })
	}

	g.Go(func() error {
		defer func() {
			for _, q := range queues {
				close(q)
			}
		}()
		for {
			rec, err := w.consumer.Fetch(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("fetch stage message: %w", err)
			}
			select {
			case queues[w.laneFor(rec.Partition)] <- rec:
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		w.logger.Error("stage worker stopped", zap.Error(err))
		return err
	}
	return nil
}

func (w *Worker) laneFor(partition int) int {
	if partition < 0 {
		partition = -partition
	}
	return partition % w.lanes
}

// lane handles its queue sequentially. In-flight work runs on a context
// detached from cancellation so a shutdown never interrupts a stage midway.
func (w *Worker) lane(ctx, gctx context.Context, id int, q <-chan broker.Record) error {
	work := context.WithoutCancel(ctx)
	for rec := range q {
		if gctx.Err() != nil {
			continue
		}
		if err := w.handler.Handle(work, rec.Value); err != nil {
			return fmt.Errorf("lane %d: partition %d offset %d: %w", id, rec.Partition, rec.Offset, err)
		}
		if err := w.consumer.Commit(work, rec); err != nil {
			return fmt.Errorf("lane %d: commit partition %d offset %d: %w", id, rec.Partition, rec.Offset, err)
		}
	}
	return nil
}
