package broker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/pitabwire/flowpipe/model"
)

// ErrClosed is returned by a closed MemoryBroker.
var ErrClosed = errors.New("broker closed")

// MemoryBroker is an in-process partitioned log with one consumer group.
// Keys hash to partitions; each partition keeps a committed offset, and
// Rewind redelivers everything past it the way a restarted consumer would.
type MemoryBroker struct {
	mu        sync.Mutex
	parts     [][]Record
	committed []int64 // next offset to deliver after a rewind
	fetched   []int64 // next offset to deliver
	next      int     // partition to try first on the next fetch
	closed    bool
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryBroker creates a broker with n partitions (at least 1).
func NewMemoryBroker(n int) *MemoryBroker {
	if n < 1 {
		n = 1
	}
	return &MemoryBroker{
		parts:     make([][]Record, n),
		committed: make([]int64, n),
		fetched:   make([]int64, n),
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (b *MemoryBroker) partitionFor(key []byte) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(len(b.parts)))
}

// Publish appends msgs keyed by run id.
func (b *MemoryBroker) Publish(_ context.Context, msgs ...model.StageMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	for _, m := range msgs {
		value, err := EncodeStageMessage(m)
		if err != nil {
			return fmt.Errorf("encode stage message: %w", err)
		}
		b.appendLocked([]byte(m.WorkflowRunID), value)
	}
	b.wake()
	return nil
}

// PublishRaw appends an arbitrary payload, for exercising malformed input.
func (b *MemoryBroker) PublishRaw(key, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(key, value)
	b.wake()
}

func (b *MemoryBroker) appendLocked(key, value []byte) {
	p := b.partitionFor(key)
	b.parts[p] = append(b.parts[p], Record{
		Key:       key,
		Value:     value,
		Partition: p,
		Offset:    int64(len(b.parts[p])),
	})
}

func (b *MemoryBroker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Fetch returns the next undelivered record, blocking until one exists.
func (b *MemoryBroker) Fetch(ctx context.Context) (Record, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return Record{}, ErrClosed
		}
		n := len(b.parts)
		for i := 0; i < n; i++ {
			p := (b.next + i) % n
			if off := b.fetched[p]; off < int64(len(b.parts[p])) {
				rec := b.parts[p][off]
				b.fetched[p] = off + 1
				b.next = (p + 1) % n
				b.mu.Unlock()
				return rec, nil
			}
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Record{}, ctx.Err()
		case <-b.done:
			return Record{}, ErrClosed
		case <-b.notify:
		}
	}
}

// Commit advances each record's partition past its offset.
func (b *MemoryBroker) Commit(_ context.Context, recs ...Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range recs {
		if r.Partition < 0 || r.Partition >= len(b.parts) {
			return fmt.Errorf("commit: unknown partition %d", r.Partition)
		}
		if r.Offset+1 > b.committed[r.Partition] {
			b.committed[r.Partition] = r.Offset + 1
		}
	}
	return nil
}

// Rewind makes every uncommitted record deliverable again.
func (b *MemoryBroker) Rewind() {
	b.mu.Lock()
	defer b.mu.Unlock()
	copy(b.fetched, b.committed)
	b.wake()
}

// Lag returns the number of published records not yet committed.
func (b *MemoryBroker) Lag() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	var lag int
	for p := range b.parts {
		lag += len(b.parts[p]) - int(b.committed[p])
	}
	return lag
}

// Messages returns every decodable stage message published so far, in
// per-partition order.
func (b *MemoryBroker) Messages() []model.StageMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []model.StageMessage
	for _, part := range b.parts {
		for _, r := range part {
			if m, err := DecodeStageMessage(r.Value); err == nil {
				out = append(out, m)
			}
		}
	}
	return out
}

// Close stops delivery; blocked fetches return ErrClosed.
func (b *MemoryBroker) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()
		close(b.done)
	})
	return nil
}
