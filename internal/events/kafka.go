package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
	"github.com/liuyunc/mkviewer/pkg/protocol"
)

// messageWriter is the part of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes sync events as JSON to a Kafka topic, keyed by
// event type.
type KafkaSink struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

// NewKafkaSink creates a synchronous writer for topic.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireOne,
	}
	return newKafkaSink(w, topic)
}

func newKafkaSink(w messageWriter, topic string) *KafkaSink {
	return &KafkaSink{
		writer: w,
		topic:  topic,
		logger: logging.Named("kafka").With(zap.String("topic", topic)),
	}
}

// Publish writes one event.
func (k *KafkaSink) Publish(ctx context.Context, event protocol.SyncEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.Type),
		Value: value,
	})
	metrics.RecordEventPublished("kafka", err == nil)
	if err != nil {
		return fmt.Errorf("publish to kafka topic %s: %w", k.topic, err)
	}
	k.logger.Debug("event published", zap.String("type", event.Type), zap.Int("value_size", len(value)))
	return nil
}

// Close flushes pending writes and closes the writer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
