package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"dexohlc/internal/queue"
)

// StreamSink delivers queued events to Redis Streams, one stream per event
// type, through a circuit breaker. While the breaker is open Deliver fails
// fast and the consumer's retry policy applies.
type StreamSink struct {
	client *goredis.Client
	cb     *CircuitBreaker
	maxLen int64
}

// NewStreamSink creates a sink trimming each stream to about maxLen entries.
func NewStreamSink(client *goredis.Client, cb *CircuitBreaker, maxLen int64) *StreamSink {
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &StreamSink{client: client, cb: cb, maxLen: maxLen}
}

// Name implements queue.Sink.
func (s *StreamSink) Name() string { return "redis-streams" }

// Deliver implements queue.Sink.
func (s *StreamSink) Deliver(ctx context.Context, batch []queue.Item) error {
	args, err := s.xaddArgs(batch)
	if err != nil {
		return err
	}
	return s.cb.Execute(func() error {
		pipe := s.client.Pipeline()
		for _, a := range args {
			pipe.XAdd(ctx, a)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("redis xadd (%d events): %w", len(args), err)
		}
		return nil
	})
}

func (s *StreamSink) xaddArgs(batch []queue.Item) ([]*goredis.XAddArgs, error) {
	args := make([]*goredis.XAddArgs, 0, len(batch))
	for _, it := range batch {
		data, err := it.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", it.ID, err)
		}
		args = append(args, &goredis.XAddArgs{
			Stream: eventStreamKey(string(it.Type)),
			MaxLen: s.maxLen,
			Approx: true,
			Values: map[string]interface{}{
				"id":   it.ID,
				"key":  it.Key(),
				"data": string(data),
			},
		})
	}
	return args, nil
}
