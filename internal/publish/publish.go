// Package publish emits priced records to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/atmx/black76-engine/internal/metrics"
	"github.com/atmx/black76-engine/internal/model"
)

// Publisher delivers a completed batch downstream.
type Publisher interface {
	Publish(ctx context.Context, batch *model.Batch, records []model.PricedRecord) error
	Close() error
}

// Nop discards everything. Used when no broker is configured.
type Nop struct{}

func (Nop) Publish(context.Context, *model.Batch, []model.PricedRecord) error { return nil }
func (Nop) Close() error                                                     { return nil }

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per priced record, keyed by unique_id so
// that a record's updates land on one partition. The batch ID travels in a
// header.
type KafkaPublisher struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaPublisher creates a publisher for a comma-separated broker list.
func NewKafkaPublisher(brokers, topic string, logger *slog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:                   kafka.TCP(strings.Split(brokers, ",")...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireAll,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Zstd,
	}
	return newKafkaPublisher(w, logger)
}

func newKafkaPublisher(w messageWriter, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{writer: w, logger: logger}
}

// Publish writes every record of the batch in a single call.
func (p *KafkaPublisher) Publish(ctx context.Context, batch *model.Batch, records []model.PricedRecord) error {
	if len(records) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			// NaN inputs cannot be encoded; skip the record, not the batch.
			metrics.PublishErrors.Inc()
			p.logger.Warn("skipping unencodable record", "batch_id", batch.ID, "unique_id", r.UniqueID, "err", err)
			continue
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(r.UniqueID),
			Value: data,
			Headers: []kafka.Header{
				{Key: "batch_id", Value: []byte(batch.ID)},
				{Key: "status", Value: []byte(batch.Status)},
			},
			Time: batch.CreatedAt,
		})
	}

	if len(msgs) == 0 {
		return nil
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		metrics.PublishErrors.Add(float64(len(msgs)))
		return fmt.Errorf("publish batch %s: %w", batch.ID, err)
	}
	p.logger.Debug("batch published", "batch_id", batch.ID, "messages", len(msgs))
	return nil
}

// Close flushes and closes the underlying writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
