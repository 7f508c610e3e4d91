package redis

import (
	"context"
	"fmt"

	goredis "github.com/go-redis/redis/v8"

	"dexohlc/internal/model"
)

// BarPublisher is the write surface used by the pipeline.
type BarPublisher interface {
	PublishBars(ctx context.Context, bars []model.Bar) error
	PublishPrice(ctx context.Context, p model.PricePoint) error
}

// Publisher writes completed bars (XADD + SET latest + PUBLISH) and price
// points (SET latest + PUBLISH), one pipeline per call.
type Publisher struct {
	client *goredis.Client
}

// NewPublisher wraps an established client.
func NewPublisher(client *goredis.Client) *Publisher {
	return &Publisher{client: client}
}

// PublishBars writes a batch of completed bars in one round trip.
func (p *Publisher) PublishBars(ctx context.Context, bars []model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	pipe := p.client.Pipeline()
	for i := range bars {
		b := &bars[i]
		iv := b.Interval.String()
		data := string(b.JSON())

		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: barStreamKey(iv, b.Pair),
			MaxLen: barStreamMaxLen(b.Interval.Seconds()),
			Approx: true,
			Values: map[string]interface{}{"data": data},
		})
		pipe.Set(ctx, barLatestKey(iv, b.Pair), data, defaultLatestTTL)
		pipe.Publish(ctx, barChannel(iv, b.Pair), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis bar pipeline (%d bars): %w", len(bars), err)
	}
	return nil
}

// PublishPrice writes one price point.
func (p *Publisher) PublishPrice(ctx context.Context, pp model.PricePoint) error {
	data := string(pp.JSON())
	pipe := p.client.Pipeline()
	pipe.Set(ctx, priceLatestKey(pp.Pair), data, defaultLatestTTL)
	pipe.Publish(ctx, priceChannel(pp.Pair), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis price pipeline %s: %w", pp.Pair, err)
	}
	return nil
}
