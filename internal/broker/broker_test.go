package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/flowpipe/model"
)

func TestStageMessageCodec(t *testing.T) {
	b, err := EncodeStageMessage(model.StageMessage{WorkflowRunID: "run-1", Stage: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"workflowRunId":"run-1","stage":2}`, string(b))

	m, err := DecodeStageMessage(b)
	require.NoError(t, err)
	assert.Equal(t, model.StageMessage{WorkflowRunID: "run-1", Stage: 2}, m)
}

func TestDecodeStageMessage_rejects(t *testing.T) {
	for _, raw := range []string{
		``,
		`not json`,
		`{"stage":0}`,
		`{"workflowRunId":"","stage":0}`,
		`{"workflowRunId":"r"}`,
		`{"workflowRunId":"r","stage":-1}`,
		`{"workflowRunId":"r","stage":1.5}`,
		`{"workflowRunId":7,"stage":0}`,
	} {
		_, err := DecodeStageMessage([]byte(raw))
		assert.True(t, errors.Is(err, ErrMalformedMessage), "payload %q: err = %v", raw, err)
	}
}

func TestMemoryBroker_sameKeySamePartitionInOrder(t *testing.T) {
	b := NewMemoryBroker(4)
	ctx := context.Background()

	for stage := 0; stage < 3; stage++ {
		require.NoError(t, b.Publish(ctx, model.StageMessage{WorkflowRunID: "run-a", Stage: stage}))
	}

	var partition = -1
	for want := 0; want < 3; want++ {
		rec, err := b.Fetch(ctx)
		require.NoError(t, err)
		m, err := DecodeStageMessage(rec.Value)
		require.NoError(t, err)
		assert.Equal(t, want, m.Stage)
		assert.Equal(t, "run-a", string(rec.Key))
		if partition >= 0 {
			assert.Equal(t, partition, rec.Partition)
		}
		partition = rec.Partition
	}
}

func TestMemoryBroker_fetchBlocksUntilPublish(t *testing.T) {
	b := NewMemoryBroker(1)
	got := make(chan Record, 1)
	go func() {
		rec, err := b.Fetch(context.Background())
		if err == nil {
			got <- rec
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Publish(context.Background(), model.StageMessage{WorkflowRunID: "r", Stage: 0}))

	select {
	case rec := <-got:
		assert.Equal(t, int64(0), rec.Offset)
	case <-time.After(time.Second):
		t.Fatal("Fetch did not return after Publish")
	}
}

func TestMemoryBroker_fetchHonoursContext(t *testing.T) {
	b := NewMemoryBroker(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := b.Fetch(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestMemoryBroker_rewindRedeliversUncommitted(t *testing.T) {
	b := NewMemoryBroker(1)
	ctx := context.Background()
	require.NoError(t, b.Publish(ctx,
		model.StageMessage{WorkflowRunID: "r", Stage: 0},
		model.StageMessage{WorkflowRunID: "r", Stage: 1},
	))

	first, _ := b.Fetch(ctx)
	require.NoError(t, b.Commit(ctx, first))
	second, _ := b.Fetch(ctx)
	assert.Equal(t, int64(1), second.Offset)
	assert.Equal(t, 1, b.Lag())

	b.Rewind()
	again, err := b.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Offset, "uncommitted record is redelivered")
}

func TestMemoryBroker_close(t *testing.T) {
	b := NewMemoryBroker(1)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err := b.Fetch(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	assert.True(t, errors.Is(b.Publish(context.Background(), model.StageMessage{WorkflowRunID: "r"}), ErrClosed))
}

func TestMemoryBroker_messagesSkipsMalformed(t *testing.T) {
	b := NewMemoryBroker(2)
	b.PublishRaw([]byte("k"), []byte("garbage"))
	require.NoError(t, b.Publish(context.Background(), model.StageMessage{WorkflowRunID: "r", Stage: 0}))

	assert.Equal(t, []model.StageMessage{{WorkflowRunID: "r", Stage: 0}}, b.Messages())
}
