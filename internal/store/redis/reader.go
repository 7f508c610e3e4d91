package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"

	"dexohlc/internal/model"
)

// Reader reads the latest published bars and prices.
type Reader struct {
	client *goredis.Client
}

// NewReader wraps an established client.
func NewReader(client *goredis.Client) *Reader {
	return &Reader{client: client}
}

// LatestBar returns the last completed bar, or nil if none is cached.
func (r *Reader) LatestBar(ctx context.Context, pair string, iv model.Interval) (*model.Bar, error) {
	var b model.Bar
	ok, err := r.getJSON(ctx, barLatestKey(iv.String(), pair), &b)
	if err != nil || !ok {
		return nil, err
	}
	return &b, nil
}

// LatestPrice returns the last price point, or nil if none is cached.
func (r *Reader) LatestPrice(ctx context.Context, pair string) (*model.PricePoint, error) {
	var p model.PricePoint
	ok, err := r.getJSON(ctx, priceLatestKey(pair), &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

// SubscribePrices forwards published price points for every pair until
// ctx is cancelled. Undecodable messages are skipped.
func (r *Reader) SubscribePrices(ctx context.Context, out chan<- model.PricePoint) error {
	pubsub := r.client.PSubscribe(ctx, priceChannel("*"))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe prices: %w", err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var p model.PricePoint
			if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (r *Reader) getJSON(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}
