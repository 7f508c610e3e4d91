// Package redis publishes completed bars and live prices to Redis and
// provides a Redis Streams sink for the downstream queue.
//
// Key layout:
//
//	candle:{interval}:{pair}          stream of completed bars
//	candle:{interval}:latest:{pair}   last completed bar
//	pub:candle:{interval}:{pair}      pub/sub for completed bars
//	price:latest:{pair}               last price point
//	pub:price:{pair}                  pub/sub for price points
//	events:{type}                     queued swap/price events
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"
)

const defaultLatestTTL = 30 * time.Minute

// Config configures the Redis connection.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Dial connects and pings the server.
func Dial(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func barStreamKey(iv, pair string) string { return "candle:" + iv + ":" + pair }
func barLatestKey(iv, pair string) string { return "candle:" + iv + ":latest:" + pair }
func barChannel(iv, pair string) string   { return "pub:candle:" + iv + ":" + pair }
func priceLatestKey(pair string) string   { return "price:latest:" + pair }
func priceChannel(pair string) string     { return "pub:price:" + pair }
func eventStreamKey(t string) string      { return "events:" + t }

// barStreamMaxLen keeps roughly three days of bars per series.
func barStreamMaxLen(seconds int64) int64 {
	n := 3*86400/seconds + 100
	if n < 200 {
		n = 200
	}
	return n
}
