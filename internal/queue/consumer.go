// Package queue is the bounded downstream queue between ingestion and
// external consumers. Enqueue never blocks: a full queue sheds the event.
// A single worker drains the queue in batches and delivers each batch to
// every configured Sink.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotRunning is returned by Flush when the worker is stopped.
var ErrNotRunning = errors.New("queue: consumer not running")

// Sink receives delivered batches. Deliver must be safe to retry and must
// not retain batch after returning.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, batch []Item) error
}

// Config holds consumer settings.
type Config struct {
	MaxSize        int           // default 10000
	BatchSize      int           // default 100
	FlushInterval  time.Duration // default 1s
	MaxAttempts    int           // per sink per batch, default 3
	RetryDelay     time.Duration // first retry delay, doubles per attempt, default 100ms
	DeliverTimeout time.Duration // per attempt, default 10s
}

func (c *Config) defaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 10000
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 10 * time.Second
	}
}

// Status reports queue occupancy and counters.
type Status struct {
	QueueSize    int   `json:"queueSize"`
	MaxQueueSize int   `json:"maxQueueSize"`
	Processing   bool  `json:"processing"`
	Running      bool  `json:"running"`
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	Dropped      int64 `json:"dropped"`
}

// Consumer owns the queue and its worker.
type Consumer struct {
	cfg   Config
	sinks []Sink
	log   zerolog.Logger

	ch       chan Item
	flushReq chan chan error

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	processing atomic.Bool
	processed  atomic.Int64
	failed     atomic.Int64
	dropped    atomic.Int64

	// Optional hooks
	OnProcessed func(it Item)
	OnDropped   func(t EventType)
	OnDeliver   func(sink string, items int, took time.Duration, err error)
}

// New creates a consumer delivering to sinks.
func New(cfg Config, log zerolog.Logger, sinks ...Sink) *Consumer {
	cfg.defaults()
	return &Consumer{
		cfg:      cfg,
		sinks:    sinks,
		log:      log,
		ch:       make(chan Item, cfg.MaxSize),
		flushReq: make(chan chan error),
	}
}

// Enqueue adds an event without blocking. Returns false when the queue is
// full and the event was dropped.
func (c *Consumer) Enqueue(t EventType, payload interface{}) bool {
	select {
	case c.ch <- newItem(t, payload):
		return true
	default:
		c.dropped.Add(1)
		if c.OnDropped != nil {
			c.OnDropped(t)
		}
		return false
	}
}

// Start launches the worker.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.running = true
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(runCtx, c.done)

	names := make([]string, len(c.sinks))
	for i, s := range c.sinks {
		names[i] = s.Name()
	}
	c.log.Info().Int("max_size", c.cfg.MaxSize).Strs("sinks", names).Msg("started")
	return nil
}

// Stop halts the worker after it delivers whatever is still queued.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
	c.log.Info().Int64("processed", c.processed.Load()).Int64("failed", c.failed.Load()).Msg("stopped")
}

// Flush forces an immediate delivery cycle and waits for it.
func (c *Consumer) Flush(ctx context.Context) error {
	c.mu.Lock()
	running, done := c.running, c.done
	c.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	reply := make(chan error, 1)
	select {
	case c.flushReq <- reply:
	case <-done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Healthy reports a running worker with a queue below 90% occupancy.
func (c *Consumer) Healthy() bool {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	return running && len(c.ch)*10 < cap(c.ch)*9
}

// Status returns a snapshot of the queue.
func (c *Consumer) Status() Status {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()
	return Status{
		QueueSize:    len(c.ch),
		MaxQueueSize: cap(c.ch),
		Processing:   c.processing.Load(),
		Running:      running,
		Processed:    c.processed.Load(),
		Failed:       c.failed.Load(),
		Dropped:      c.dropped.Load(),
	}
}

func (c *Consumer) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]Item, 0, c.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			batch = c.drain(batch)
			// Final delivery gets its own deadline; ctx is already cancelled.
			c.deliver(context.Background(), batch)
			return

		case it := <-c.ch:
			batch = append(batch, it)
			if len(batch) >= c.cfg.BatchSize {
				c.deliver(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				c.deliver(ctx, batch)
				batch = batch[:0]
			}

		case reply := <-c.flushReq:
			batch = c.drain(batch)
			reply <- c.deliver(ctx, batch)
			batch = batch[:0]
		}
	}
}

// drain moves everything currently queued into batch.
func (c *Consumer) drain(batch []Item) []Item {
	for {
		select {
		case it := <-c.ch:
			batch = append(batch, it)
		default:
			return batch
		}
	}
}

// deliver sends items to every sink in chunks of BatchSize. Returns the
// last sink error, if any.
func (c *Consumer) deliver(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	c.processing.Store(true)
	defer c.processing.Store(false)

	var lastErr error
	for start := 0; start < len(items); start += c.cfg.BatchSize {
		end := start + c.cfg.BatchSize
		if end > len(items) {
			end = len(items)
		}
		chunk := items[start:end]

		ok := true
		for _, s := range c.sinks {
			if err := c.deliverTo(ctx, s, chunk); err != nil {
				ok = false
				lastErr = err
			}
		}
		if !ok {
			c.failed.Add(int64(len(chunk)))
			continue
		}
		c.processed.Add(int64(len(chunk)))
		if c.OnProcessed != nil {
			for _, it := range chunk {
				c.OnProcessed(it)
			}
		}
	}
	return lastErr
}

func (c *Consumer) deliverTo(ctx context.Context, s Sink, chunk []Item) error {
	delay := c.cfg.RetryDelay
	var err error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.DeliverTimeout)
		began := time.Now()
		err = s.Deliver(attemptCtx, chunk)
		cancel()
		if c.OnDeliver != nil {
			c.OnDeliver(s.Name(), len(chunk), time.Since(began), err)
		}
		if err == nil {
			return nil
		}
		c.log.Warn().Err(err).Str("sink", s.Name()).Int("attempt", attempt).Int("items", len(chunk)).Msg("delivery failed")
		if attempt == c.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(delay):
		}
		delay *= 2
	}
	c.log.Error().Err(err).Str("sink", s.Name()).Int("items", len(chunk)).Msg("giving up on batch")
	return err
}
