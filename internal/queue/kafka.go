package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds Kafka producer configuration.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// messageWriter is satisfied by *kafka.Writer.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes queued events to one topic, keyed by pair (prices)
// or pool (swaps) so each series stays on one partition.
type KafkaSink struct {
	writer messageWriter
	topic  string
}

// NewKafkaSink creates a producer for cfg.Topic.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           50 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return &KafkaSink{writer: writer, topic: cfg.Topic}
}

// Name implements Sink.
func (k *KafkaSink) Name() string { return "kafka:" + k.topic }

// Deliver implements Sink.
func (k *KafkaSink) Deliver(ctx context.Context, batch []Item) error {
	msgs := make([]kafka.Message, 0, len(batch))
	for _, it := range batch {
		value, err := it.Encode()
		if err != nil {
			return fmt.Errorf("kafka encode %s: %w", it.ID, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:     []byte(it.Key()),
			Value:   value,
			Time:    it.EnqueuedAt,
			Headers: []kafka.Header{{Key: "type", Value: []byte(it.Type)}},
		})
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

// Close flushes and closes the producer.
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
