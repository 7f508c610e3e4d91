package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	goredis "github.com/go-redis/redis/v8"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"dexohlc/config"
	"dexohlc/internal/api"
	"dexohlc/internal/candles"
	"dexohlc/internal/chain/decoder"
	"dexohlc/internal/chain/source"
	"dexohlc/internal/logger"
	"dexohlc/internal/metrics"
	"dexohlc/internal/model"
	"dexohlc/internal/notification"
	"dexohlc/internal/pipeline"
	"dexohlc/internal/queue"
	chstore "dexohlc/internal/store/clickhouse"
	redisstore "dexohlc/internal/store/redis"
	sqlitestore "dexohlc/internal/store/sqlite"
)

const (
	livenessInterval = 10 * time.Second
	gaugeInterval    = 5 * time.Second
	publishTimeout   = 5 * time.Second
)

// app holds every long-lived component of the daemon.
type app struct {
	cfg *config.Config
	log zerolog.Logger

	metrics    *metrics.Metrics
	metricsSrv *metrics.Server
	liveness   *metrics.Liveness

	store     model.BarStore
	redis     *goredis.Client
	publisher *redisstore.BufferedPublisher
	kafka     *queue.KafkaSink
	eth       *ethclient.Client
	decoder   *decoder.Decoder

	consumer  *queue.Consumer
	agg       *candles.Aggregator
	manager   *pipeline.Manager
	emergency *pipeline.EmergencyStop

	bg sync.WaitGroup
}

func build(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)
	a.metrics = m

	// ---- Candle store ----
	storeProbe, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	probes := []metrics.Probe{storeProbe}

	// ---- Redis (optional, degraded without it) ----
	var sinks []queue.Sink
	if cfg.RedisAddr != "" {
		client, err := redisstore.Dial(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Warn().Err(err).Msg("redis unavailable, continuing without live publishing")
		} else {
			a.redis = client
			cb := redisstore.NewCircuitBreaker(cfg.RedisMaxFailures, cfg.RedisResetTimeout)
			cb.OnStateChange = func(_, to redisstore.State) {
				m.RedisCircuitBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					m.RedisCircuitBreakerTrips.Inc()
				}
			}
			a.publisher = redisstore.NewBufferedPublisher(ctx, redisstore.NewPublisher(client), cb,
				cfg.RedisBufferSize, logger.Component(log, "redis"))
			a.publisher.OnBuffer = m.RedisBufferedBars.Inc
			sinks = append(sinks, redisstore.NewStreamSink(client, cb, cfg.RedisStreamMaxLen))
			probes = append(probes, metrics.Probe{Name: "redis", Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}})
		}
	}

	// ---- Kafka (optional) ----
	if len(cfg.KafkaBrokers) > 0 {
		a.kafka = queue.NewKafkaSink(queue.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		sinks = append(sinks, a.kafka)
	}

	// ---- Queue consumer ----
	a.consumer = queue.New(queue.Config{
		MaxSize:       cfg.QueueSize,
		BatchSize:     cfg.QueueBatchSize,
		FlushInterval: cfg.QueueFlushInterval,
	}, logger.Component(log, "queue"), sinks...)
	a.consumer.OnProcessed = func(queue.Item) { m.QueueProcessed.Inc() }
	a.consumer.OnDropped = func(t queue.EventType) { m.QueueDropped.WithLabelValues(string(t)).Inc() }
	a.consumer.OnDeliver = func(sink string, _ int, took time.Duration, err error) {
		m.SinkDuration.WithLabelValues(sink).Observe(took.Seconds())
		if err != nil {
			m.SinkErrors.WithLabelValues(sink).Inc()
		}
	}

	// ---- Aggregator ----
	a.agg = candles.New(a.store, candles.Config{FlushInterval: cfg.FlushInterval}, logger.Component(log, "candles"))
	a.agg.OnBarCompleted = a.barCompleted
	a.agg.OnLatePoint = func(model.PricePoint, model.Interval) { m.LatePoints.Inc() }
	a.agg.OnFlush = func(_ int, took time.Duration, err error) {
		m.FlushDuration.Observe(took.Seconds())
		if err != nil {
			m.FlushErrors.Inc()
		}
	}
	trades := candles.NewTradeBook(candles.MaxTrades)

	// ---- Decoder ----
	eth, err := ethclient.DialContext(ctx, cfg.NodeRPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial node rpc: %w", err)
	}
	a.eth = eth
	a.decoder = decoder.New(eth, decoder.Config{FallbackPricing: cfg.FallbackPricing}, logger.Component(log, "decoder"))
	a.decoder.OnTimestampFallback = func(uint64, error) { m.TimestampFallbacks.Inc() }
	probes = append(probes, metrics.Probe{Name: "node", Check: func(ctx context.Context) error {
		_, err := eth.BlockNumber(ctx)
		return err
	}})

	// ---- API ----
	apiSrv := api.New(api.Config{Addr: cfg.HTTPAddr, AdminTOTPSecret: cfg.AdminTOTPSecret}, a.agg, trades, logger.Component(log, "api"))
	apiSrv.Hub().OnClientCount = func(n int) { m.WSClients.Set(float64(n)) }

	// ---- Alerts & emergency stop ----
	notifiers := notification.Multi{notification.NewLogNotifier(logger.Component(log, "alerts"))}
	if cfg.AlertWebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.AlertWebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	a.emergency = pipeline.NewEmergencyStop(notifiers, cfg.Service, 30*time.Second, logger.Component(log, "emergency"))

	// ---- Pipeline ----
	a.liveness = metrics.NewLiveness(m, probes...)
	comp := pipeline.Components{
		Consumer:     a.consumer,
		Aggregator:   a.agg,
		API:          apiSrv,
		Trades:       trades,
		Liveness:     a.liveness,
		NewIngestion: a.newSource,
	}
	if a.publisher != nil {
		comp.Prices = a.publisher
	}
	a.manager, err = pipeline.New(pipeline.Config{RestartDelay: cfg.IngestionRestartDelay}, comp, a.emergency, logger.Component(log, "pipeline"))
	if err != nil {
		return nil, err
	}
	a.manager.Bus().OnDrop = func(name string) {
		m.FanoutDropsTotal.WithLabelValues(subscriberLabel(name)).Inc()
	}
	apiSrv.SetController(a.manager)

	a.metricsSrv = metrics.NewServer(cfg.MetricsAddr, reg, http.HandlerFunc(a.handleHealth), log)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (metrics.Probe, error) {
	switch a.cfg.StoreBackend {
	case "clickhouse":
		st, err := chstore.New(ctx, chstore.Config{
			Addr:     a.cfg.ClickHouseAddr,
			Database: a.cfg.ClickHouseDatabase,
			Username: a.cfg.ClickHouseUsername,
			Password: a.cfg.ClickHousePassword,
			Timeout:  a.cfg.ClickHouseTimeout,
		}, logger.Component(a.log, "clickhouse"))
		if err != nil {
			return metrics.Probe{}, fmt.Errorf("open clickhouse: %w", err)
		}
		a.store = st
		return metrics.Probe{Name: "clickhouse", Check: st.Ping}, nil
	default:
		st, err := sqlitestore.New(sqlitestore.Config{DBPath: a.cfg.SQLitePath}, logger.Component(a.log, "sqlite"))
		if err != nil {
			return metrics.Probe{}, fmt.Errorf("open sqlite: %w", err)
		}
		a.store = st
		return metrics.Probe{Name: "sqlite", Check: st.Ping}, nil
	}
}

// newSource builds the chain event source for h. Called by the manager.
func (a *app) newSource(h source.Handler) pipeline.Ingestion {
	m := a.metrics
	src := source.New(source.Config{
		URL:                  a.cfg.NodeWSURL,
		Pools:                a.cfg.PoolAddresses(),
		Topic:                a.cfg.Topic(),
		DedupCapacity:        a.cfg.DedupCapacity,
		ReconnectBaseDelay:   a.cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    a.cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: a.cfg.MaxReconnectAttempts,
		ConnectTimeout:       a.cfg.ConnectTimeout,
	}, a.decoder, instrumented{Handler: h, m: m}, logger.Component(a.log, "source"))
	src.OnLog = m.LogsReceived.Inc
	src.OnDuplicate = m.DuplicateLogs.Inc
	src.OnRemoved = m.RemovedLogs.Inc
	src.OnReconnect = func(int) { m.Reconnects.Inc() }
	src.OnDecodeError = func(err error) {
		var metaErr *decoder.MetadataError
		kind := "decode"
		if errors.As(err, &metaErr) {
			kind = "metadata"
		}
		m.DecodeErrors.WithLabelValues(kind).Inc()
	}
	return src
}

// barCompleted publishes a closed bar. The buffered publisher keeps it
// while Redis is down.
func (a *app) barCompleted(b model.Bar) {
	a.metrics.BarsCompleted.WithLabelValues(string(b.Interval)).Inc()
	if a.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := a.publisher.PublishBars(ctx, []model.Bar{b}); err != nil {
		a.log.Warn().Err(err).Str("pair", b.Pair).Str("interval", string(b.Interval)).Msg("bar publish failed")
	}
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	report := a.manager.Health()
	status := http.StatusOK
	if report.Status == model.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	body, _ := json.Marshal(report)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func (a *app) start(ctx context.Context) error {
	a.metricsSrv.Start()

	a.bg.Add(2)
	go func() {
		defer a.bg.Done()
		a.liveness.Run(ctx, livenessInterval)
	}()
	go func() {
		defer a.bg.Done()
		a.updateGauges(ctx)
	}()

	return a.manager.Start(ctx)
}

// updateGauges samples component status into gauges until ctx ends.
func (a *app) updateGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeInterval)
	defer ticker.Stop()
	m := a.metrics
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r := a.manager.Health()
			m.SourceState.Set(float64(r.Ingestion.State))
			m.ActiveSubscriptions.Set(float64(r.Ingestion.ActiveSubscriptions))
			m.DedupOccupancy.Set(float64(r.Ingestion.DedupSize))
			m.QueueDepth.Set(float64(r.Queue.QueueSize))
			m.LiveBars.Set(float64(r.Aggregator.LiveBars))
			pairs, tokens := a.decoder.CacheSizes()
			m.MetadataCacheSize.WithLabelValues("pairs").Set(float64(pairs))
			m.MetadataCacheSize.WithLabelValues("tokens").Set(float64(tokens))
		}
	}
}

func (a *app) stop(ctx context.Context) error {
	var errs []error
	if err := a.manager.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if a.publisher != nil {
		a.publisher.Wait()
	}
	if err := a.metricsSrv.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop metrics: %w", err))
	}
	a.bg.Wait()
	return errors.Join(errs...)
}

func (a *app) close() {
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.log.Warn().Err(err).Msg("kafka close")
		}
	}
	if a.redis != nil {
		a.redis.Close()
	}
	if a.eth != nil {
		a.eth.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("store close")
		}
	}
}

// instrumented counts decoded events before handing them on.
type instrumented struct {
	source.Handler
	m *metrics.Metrics
}

func (h instrumented) HandleSwap(ev model.SwapEvent) {
	h.m.SwapsDecoded.Inc()
	h.Handler.HandleSwap(ev)
}

func (h instrumented) HandlePrice(p model.PricePoint) {
	h.m.PricePoints.WithLabelValues(string(p.Source)).Inc()
	if !p.Timestamp.IsZero() {
		h.m.IngestLatency.Observe(time.Since(p.Timestamp).Seconds())
	}
	h.Handler.HandlePrice(p)
}

// subscriberLabel keeps per-connection subscriber names out of metric
// labels: "ws:10.0.0.1:5123" becomes "ws".
func subscriberLabel(name string) string {
	if i := strings.IndexByte(name, ':'); i > 0 {
		return name[:i]
	}
	return name
}
