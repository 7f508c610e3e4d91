package redis

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"dexohlc/internal/model"
)

// BufferedPublisher routes writes through a circuit breaker. While the
// breaker is open, completed bars are buffered locally (oldest dropped
// when full) and replayed once the breaker closes. Prices are transient
// and are not buffered.
type BufferedPublisher struct {
	next BarPublisher
	cb   *CircuitBreaker
	ctx  context.Context
	log  zerolog.Logger

	mu     sync.Mutex
	buffer []model.Bar
	maxBuf int

	flushWG sync.WaitGroup

	OnBuffer  func()
	OnDropped func()
	OnFlush   func(count int)
}

// NewBufferedPublisher wraps next. ctx bounds replays triggered by the
// breaker closing.
func NewBufferedPublisher(ctx context.Context, next BarPublisher, cb *CircuitBreaker, maxBufferSize int, log zerolog.Logger) *BufferedPublisher {
	if maxBufferSize <= 0 {
		maxBufferSize = 10000
	}
	bp := &BufferedPublisher{
		next:   next,
		cb:     cb,
		ctx:    ctx,
		log:    log,
		buffer: make([]model.Bar, 0, 256),
		maxBuf: maxBufferSize,
	}

	prev := cb.OnStateChange
	cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		log.Warn().Stringer("from", from).Stringer("to", to).Msg("redis circuit state change")
		if to == StateClosed {
			bp.flushWG.Add(1)
			go func() {
				defer bp.flushWG.Done()
				bp.flush()
			}()
		}
	}
	return bp
}

// PublishBars implements BarPublisher.
func (bp *BufferedPublisher) PublishBars(ctx context.Context, bars []model.Bar) error {
	err := bp.cb.Execute(func() error { return bp.next.PublishBars(ctx, bars) })
	if err == ErrCircuitOpen {
		bp.bufferBars(bars)
		return nil
	}
	if err != nil {
		// Failed attempts are kept too; the breaker decides when to retry.
		bp.bufferBars(bars)
	}
	return err
}

// PublishPrice implements BarPublisher.
func (bp *BufferedPublisher) PublishPrice(ctx context.Context, p model.PricePoint) error {
	err := bp.cb.Execute(func() error { return bp.next.PublishPrice(ctx, p) })
	if err == ErrCircuitOpen {
		return nil
	}
	return err
}

func (bp *BufferedPublisher) bufferBars(bars []model.Bar) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for _, b := range bars {
		if len(bp.buffer) >= bp.maxBuf {
			bp.buffer = bp.buffer[1:]
			if bp.OnDropped != nil {
				bp.OnDropped()
			}
		}
		bp.buffer = append(bp.buffer, b)
		if bp.OnBuffer != nil {
			bp.OnBuffer()
		}
	}
}

func (bp *BufferedPublisher) flush() {
	bp.mu.Lock()
	if len(bp.buffer) == 0 {
		bp.mu.Unlock()
		return
	}
	pending := bp.buffer
	bp.buffer = make([]model.Bar, 0, 256)
	bp.mu.Unlock()

	if err := bp.PublishBars(bp.ctx, pending); err != nil {
		bp.log.Error().Err(err).Int("bars", len(pending)).Msg("replay of buffered bars failed")
		return
	}
	bp.log.Info().Int("bars", len(pending)).Msg("replayed buffered bars")
	if bp.OnFlush != nil {
		bp.OnFlush(len(pending))
	}
}

// PendingCount returns the number of buffered bars.
func (bp *BufferedPublisher) PendingCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.buffer)
}

// Wait blocks until in-flight replays finish.
func (bp *BufferedPublisher) Wait() {
	bp.flushWG.Wait()
}
