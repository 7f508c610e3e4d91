// Package pipeline wires the event source, the downstream queue, the
// candle aggregator and the query API into one lifecycle.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"dexohlc/internal/candles"
	"dexohlc/internal/chain/source"
	"dexohlc/internal/metrics"
	"dexohlc/internal/model"
	"dexohlc/internal/queue"
)

// ErrNotRunning is returned by operations that need a started pipeline.
var ErrNotRunning = errors.New("pipeline: not running")

// Ingestion is the chain event source.
type Ingestion interface {
	Start(ctx context.Context) error
	Stop()
	IsHealthy() bool
	Status() source.Status
}

// Consumer is the downstream queue.
type Consumer interface {
	Start(ctx context.Context) error
	Stop()
	Enqueue(t queue.EventType, payload interface{}) bool
	Flush(ctx context.Context) error
	Healthy() bool
	Status() queue.Status
}

// Aggregator is the candle aggregator.
type Aggregator interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Update(p model.PricePoint) error
	Stats() candles.Stats
}

// Server is the query API.
type Server interface {
	Start() error
	Stop(ctx context.Context) error
}

// TradeRecorder keeps recent trades.
type TradeRecorder interface {
	Add(t model.Trade)
}

// PricePublisher forwards live prices to an external channel.
type PricePublisher interface {
	PublishPrice(ctx context.Context, p model.PricePoint) error
}

// Components are the collaborators owned by the manager. Consumer,
// Aggregator and NewIngestion are required.
type Components struct {
	Consumer   Consumer
	Aggregator Aggregator
	API        Server
	Trades     TradeRecorder
	Prices     PricePublisher
	Liveness   *metrics.Liveness

	// NewIngestion builds the event source with the manager as its handler.
	NewIngestion func(h source.Handler) Ingestion
}

// Config holds manager settings.
type Config struct {
	RestartDelay   time.Duration // pause between stop and start on restart, default 1s
	PublishTimeout time.Duration // per live price publish, default 2s
	BusBuffer      int           // per subscriber, default 256
	ReplaySize     int           // live points kept for stream backfill, default 1000
}

func (c *Config) defaults() {
	if c.RestartDelay <= 0 {
		c.RestartDelay = time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.BusBuffer <= 0 {
		c.BusBuffer = 256
	}
	if c.ReplaySize <= 0 {
		c.ReplaySize = 1000
	}
}

// Report is the rolled-up health of the pipeline.
type Report struct {
	Status        model.HealthLevel              `json:"status"`
	Running       bool                           `json:"running"`
	Uptime        string                         `json:"uptime,omitempty"`
	Ingestion     source.Status                  `json:"ingestion"`
	Queue         queue.Status                   `json:"queue"`
	Aggregator    candles.Stats                  `json:"aggregator"`
	Dependencies  map[string]metrics.ProbeResult `json:"dependencies,omitempty"`
	EmergencyStop string                         `json:"emergencyStop,omitempty"`
	Subscribers   int                            `json:"subscribers"`
	LastSeq       uint64                         `json:"lastSeq"`
	IngestLatency metrics.LatencySummary         `json:"ingestLatency"`
}

// Manager owns the pipeline lifecycle and routes source events.
type Manager struct {
	cfg       Config
	comp      Components
	ingestion Ingestion
	bus       *PriceBus
	replay    *ReplayBuffer
	latency   *metrics.LatencyTracker
	seq       atomic.Uint64
	emergency *EmergencyStop
	log       zerolog.Logger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	runCtx    context.Context
	cancel    context.CancelFunc
	pubDone   chan struct{}

	restartMu sync.Mutex
	fatalOnce sync.Once
}

// New creates a manager and registers its Stop with emergency.
func New(cfg Config, comp Components, emergency *EmergencyStop, log zerolog.Logger) (*Manager, error) {
	if comp.Consumer == nil || comp.Aggregator == nil || comp.NewIngestion == nil {
		return nil, errors.New("pipeline: consumer, aggregator and ingestion are required")
	}
	if emergency == nil {
		return nil, errors.New("pipeline: emergency stop is required")
	}
	cfg.defaults()
	m := &Manager{
		cfg:       cfg,
		comp:      comp,
		bus:       NewPriceBus(cfg.BusBuffer),
		replay:    NewReplayBuffer(cfg.ReplaySize),
		latency:   metrics.NewLatencyTracker(10000),
		emergency: emergency,
		log:       log,
	}
	m.ingestion = comp.NewIngestion(m)
	emergency.Register("pipeline", m.Stop)
	return m, nil
}

// Bus returns the live price bus.
func (m *Manager) Bus() *PriceBus { return m.bus }

// Start brings components up in order consumer, aggregator, API,
// ingestion. A failing step stops whatever was already started.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)

	var started []func(context.Context)
	rollback := func(err error) error {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		for i := len(started) - 1; i >= 0; i-- {
			started[i](stopCtx)
		}
		cancel()
		return err
	}

	if err := m.comp.Consumer.Start(runCtx); err != nil {
		return rollback(fmt.Errorf("start consumer: %w", err))
	}
	started = append(started, func(context.Context) { m.comp.Consumer.Stop() })

	if err := m.comp.Aggregator.Start(runCtx); err != nil {
		return rollback(fmt.Errorf("start aggregator: %w", err))
	}
	started = append(started, func(c context.Context) { m.comp.Aggregator.Stop(c) })

	if m.comp.API != nil {
		if err := m.comp.API.Start(); err != nil {
			return rollback(fmt.Errorf("start api: %w", err))
		}
		started = append(started, func(c context.Context) { m.comp.API.Stop(c) })
	}

	if err := m.ingestion.Start(runCtx); err != nil {
		return rollback(fmt.Errorf("start ingestion: %w", err))
	}

	m.pubDone = nil
	if m.comp.Prices != nil {
		m.pubDone = make(chan struct{})
		ch, unsubscribe := m.bus.Subscribe("publisher")
		go m.publishPrices(runCtx, ch, unsubscribe, m.pubDone)
	}

	m.running = true
	m.startedAt = time.Now()
	m.runCtx = runCtx
	m.cancel = cancel
	m.log.Info().Msg("pipeline started")
	return nil
}

// Stop tears components down in reverse start order. It is safe to call
// more than once.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel, pubDone := m.cancel, m.pubDone
	m.mu.Unlock()

	m.log.Info().Msg("pipeline stopping")
	m.ingestion.Stop()

	var errs []error
	if m.comp.API != nil {
		if err := m.comp.API.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop api: %w", err))
		}
	}
	if err := m.comp.Aggregator.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop aggregator: %w", err))
	}
	m.comp.Consumer.Stop()

	cancel()
	if pubDone != nil {
		<-pubDone
	}
	m.log.Info().Msg("pipeline stopped")
	return errors.Join(errs...)
}

// Running reports whether Start succeeded and Stop has not been called.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// HandleSwap implements source.Handler.
func (m *Manager) HandleSwap(ev model.SwapEvent) {
	if !m.comp.Consumer.Enqueue(queue.EventSwap, ev) {
		m.log.Warn().Str("event", ev.ID()).Msg("queue full, swap event dropped")
	}
}

// HandlePrice implements source.Handler.
func (m *Manager) HandlePrice(p model.PricePoint) {
	p.Seq = m.seq.Add(1)
	if !p.Timestamp.IsZero() {
		m.latency.Observe(time.Since(p.Timestamp))
	}
	if !m.comp.Consumer.Enqueue(queue.EventPrice, p) {
		m.log.Warn().Str("pair", p.Pair).Msg("queue full, price update dropped")
	}
	if err := m.comp.Aggregator.Update(p); err != nil {
		m.log.Warn().Err(err).Str("pair", p.Pair).Float64("price", p.Price).Msg("price rejected by aggregator")
	}
	if m.comp.Trades != nil {
		m.comp.Trades.Add(model.TradeFromPrice(p))
	}
	m.replay.Push(p)
	m.bus.Publish(p)
}

// HandleFatal implements source.Handler. Only the first error is reported.
// The stop runs on its own goroutine because the caller is the source's
// connection goroutine, which the stop waits for.
func (m *Manager) HandleFatal(err error) {
	m.fatalOnce.Do(func() {
		reason := "ingestion failed: " + err.Error()
		go m.emergency.Trigger(reason)
	})
}

// Healthy reports a running pipeline whose ingestion, consumer and
// aggregator are all healthy.
func (m *Manager) Healthy() bool {
	return m.Running() &&
		m.ingestion.IsHealthy() &&
		m.comp.Consumer.Healthy() &&
		m.comp.Aggregator.Running()
}

// Health returns the detailed report.
func (m *Manager) Health() Report {
	m.mu.Lock()
	running, startedAt := m.running, m.startedAt
	m.mu.Unlock()

	r := Report{
		Running:     running,
		Ingestion:   m.ingestion.Status(),
		Queue:       m.comp.Consumer.Status(),
		Aggregator:  m.comp.Aggregator.Stats(),
		Subscribers: m.bus.Len(),
		LastSeq:     m.seq.Load(),
	}
	r.IngestLatency = m.latency.Summary()
	if running {
		r.Uptime = time.Since(startedAt).Round(time.Second).String()
	}

	level := r.Ingestion.Health
	if !m.comp.Consumer.Healthy() {
		level = level.Worse(model.HealthDegraded)
	}
	if !r.Aggregator.Running || !running {
		level = model.HealthUnhealthy
	}
	if m.comp.Liveness != nil {
		r.Dependencies = m.comp.Liveness.Results()
		level = level.Worse(m.comp.Liveness.Level())
	}
	if fired, reason := m.emergency.Triggered(); fired {
		r.EmergencyStop = reason
		level = model.HealthUnhealthy
	}
	r.Status = level
	return r
}

// RestartIngestion stops the event source, waits the restart delay and
// starts it again. Candles and the queue keep running.
func (m *Manager) RestartIngestion(ctx context.Context) error {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()

	m.mu.Lock()
	running, runCtx := m.running, m.runCtx
	m.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	m.log.Info().Msg("restarting ingestion")
	m.ingestion.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-runCtx.Done():
		return ErrNotRunning
	case <-time.After(m.cfg.RestartDelay):
	}
	if err := m.ingestion.Start(runCtx); err != nil {
		return fmt.Errorf("restart ingestion: %w", err)
	}
	return nil
}

// FlushConsumer forces an immediate delivery of queued events.
func (m *Manager) FlushConsumer(ctx context.Context) error {
	if !m.Running() {
		return ErrNotRunning
	}
	return m.comp.Consumer.Flush(ctx)
}

// EmergencyStop triggers the emergency stop on its own goroutine.
func (m *Manager) EmergencyStop(reason string) {
	go m.emergency.Trigger(reason)
}

// Replay returns retained live points with from <= Seq <= to (to == 0 for
// no upper bound).
func (m *Manager) Replay(from, to uint64) []model.PricePoint {
	return m.replay.Range(from, to)
}

// Subscribe registers a live price subscriber.
func (m *Manager) Subscribe(name string) (<-chan model.PricePoint, func()) {
	return m.bus.Subscribe(name)
}

func (m *Manager) publishPrices(ctx context.Context, ch <-chan model.PricePoint, unsubscribe func(), done chan struct{}) {
	defer close(done)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
			if err := m.comp.Prices.PublishPrice(pubCtx, p); err != nil {
				m.log.Debug().Err(err).Str("pair", p.Pair).Msg("live price publish failed")
			}
			cancel()
		}
	}
}
