package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/pitabwire/flowpipe/model"
)

// KafkaConfig locates the topic and consumer group.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	GroupID      string
	BatchTimeout time.Duration
}

// KafkaPublisher writes stage messages with a hash balancer so each run id
// maps to a fixed partition.
type KafkaPublisher struct {
	w *kafka.Writer
}

// NewKafkaPublisher creates a publisher for cfg.Topic. Writes wait for all
// in-sync replicas.
func NewKafkaPublisher(cfg KafkaConfig) *KafkaPublisher {
	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = 10 * time.Millisecond
	}
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           batchTimeout,
		AllowAutoTopicCreation: true,
	}}
}

// Publish writes all msgs in one batch.
func (p *KafkaPublisher) Publish(ctx context.Context, msgs ...model.StageMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		value, err := EncodeStageMessage(m)
		if err != nil {
			return fmt.Errorf("encode stage message: %w", err)
		}
		out = append(out, kafka.Message{Key: []byte(m.WorkflowRunID), Value: value})
	}
	if err := p.w.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// KafkaConsumer reads the topic as a member of cfg.GroupID with manual
// commits.
type KafkaConsumer struct {
	r *kafka.Reader
}

// NewKafkaConsumer joins the consumer group. A group with no committed
// offsets starts from the earliest message.
func NewKafkaConsumer(cfg KafkaConfig) *KafkaConsumer {
	return &KafkaConsumer{r: kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
	})}
}

// Fetch blocks for the next message without committing it.
func (c *KafkaConsumer) Fetch(ctx context.Context) (Record, error) {
	m, err := c.r.FetchMessage(ctx)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Key:       m.Key,
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		ref:       m,
	}, nil
}

// Commit marks recs as processed for the group.
func (c *KafkaConsumer) Commit(ctx context.Context, recs ...Record) error {
	msgs := make([]kafka.Message, 0, len(recs))
	for _, rec := range recs {
		m, ok := rec.ref.(kafka.Message)
		if !ok {
			return fmt.Errorf("commit: record at %d/%d was not fetched from kafka", rec.Partition, rec.Offset)
		}
		msgs = append(msgs, m)
	}
	return c.r.CommitMessages(ctx, msgs...)
}

// Close leaves the group.
func (c *KafkaConsumer) Close() error {
	return c.r.Close()
}
