// Package source maintains the live log subscription against an Ethereum
// node: one websocket connection, one eth_subscribe per monitored pool,
// dedup of redelivered logs and automatic reconnection with exponential
// backoff. Decoded events are handed to a Handler.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dexohlc/internal/chain/decoder"
	"dexohlc/internal/logger"
	"dexohlc/internal/model"
)

// State is the connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for st := Disconnected; st <= Reconnecting; st++ {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("source: unknown state %q", b)
}

// Handler receives decoded output. Calls are made from the source's read
// goroutine in arrival order.
type Handler interface {
	HandleSwap(ev model.SwapEvent)
	HandlePrice(p model.PricePoint)
	// HandleFatal is called once when reconnect attempts are exhausted.
	HandleFatal(err error)
}

// Decoder turns raw logs into domain events.
type Decoder interface {
	Decode(ctx context.Context, lg types.Log) (*model.SwapEvent, *model.PricePoint, error)
}

// TransportError is a connection-level failure. It drives reconnection.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "transport " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// ErrNoSubscriptions means every eth_subscribe on a connection was rejected.
var ErrNoSubscriptions = errors.New("source: every subscription was rejected")

// Config holds source configuration.
type Config struct {
	URL                  string
	Pools                []common.Address
	Topic                common.Hash
	DedupCapacity        int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	ConnectTimeout       time.Duration
	// PingInterval is how often a websocket ping is sent. The connection is
	// considered dead after two intervals without any frame.
	PingInterval time.Duration
}

func (c *Config) defaults() {
	if c.Topic == (common.Hash{}) {
		c.Topic = decoder.SwapTopic
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = 1000
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = time.Second
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = time.Minute
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
}

// Status is a point-in-time view of the source.
type Status struct {
	State                State             `json:"state"`
	ActiveSubscriptions  int               `json:"activeSubscriptions"`
	ReconnectAttempts    int               `json:"reconnectAttempts"`
	MaxReconnectAttempts int               `json:"maxReconnectAttempts"`
	DedupSize            int               `json:"dedupSize"`
	DedupCapacity        int               `json:"dedupCapacity"`
	Health               model.HealthLevel `json:"health"`
}

// Source is the chain event source.
type Source struct {
	cfg     Config
	dec     Decoder
	handler Handler
	log     zerolog.Logger
	dedup   *Dedup
	nextID  atomic.Uint64

	mu         sync.Mutex
	state      State
	attempts   int
	fatalFired bool
	running    bool
	conn       *websocket.Conn
	subs       map[string]common.Address // subscription id → pool
	pending    map[uint64]common.Address // subscribe request id → pool
	cancel     context.CancelFunc
	done       chan struct{}

	writeMu sync.Mutex

	// Optional metrics hooks
	OnDuplicate   func()
	OnReconnect   func(attempt int)
	OnDecodeError func(err error)
	OnLog         func()
	OnRemoved     func()
}

// New creates a source. It does not connect until Start.
func New(cfg Config, dec Decoder, handler Handler, log zerolog.Logger) *Source {
	cfg.defaults()
	return &Source{
		cfg:     cfg,
		dec:     dec,
		handler: handler,
		log:     log,
		dedup:   NewDedup(cfg.DedupCapacity),
		subs:    make(map[string]common.Address),
		pending: make(map[uint64]common.Address),
	}
}

// Start launches the connection goroutine. It is a no-op while the source
// is already running.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if len(s.cfg.Pools) == 0 {
		return errors.New("source: no pools to subscribe")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.fatalFired = false
	s.attempts = 0
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(runCtx, s.done)
	s.log.Info().Stringer("config", s.cfg).Msg("starting")
	return nil
}

// Stop unsubscribes every pool, closes the connection and waits for the
// connection goroutine to exit. Dedup and subscription state are cleared.
func (s *Source) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if conn != nil {
		for _, id := range ids {
			if err := s.send(conn, "eth_unsubscribe", id); err != nil {
				s.log.Debug().Err(err).Str("subscription", id).Msg("unsubscribe failed")
			}
		}
	}
	cancel()
	<-done

	s.mu.Lock()
	s.running = false
	s.state = Disconnected
	s.attempts = 0
	s.subs = make(map[string]common.Address)
	s.pending = make(map[uint64]common.Address)
	s.mu.Unlock()
	s.dedup.Reset()
	s.log.Info().Msg("stopped")
}

// IsHealthy reports a live connection with at least one active subscription.
func (s *Source) IsHealthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Connected && len(s.subs) > 0
}

// Status reports connection state, subscriptions, reconnect attempts and
// dedup occupancy.
func (s *Source) Status() Status {
	s.mu.Lock()
	st := Status{
		State:                s.state,
		ActiveSubscriptions:  len(s.subs),
		ReconnectAttempts:    s.attempts,
		MaxReconnectAttempts: s.cfg.MaxReconnectAttempts,
	}
	fatal := s.fatalFired
	s.mu.Unlock()

	st.DedupSize = s.dedup.Len()
	st.DedupCapacity = s.dedup.Cap()

	switch {
	case fatal || st.State == Disconnected:
		st.Health = model.HealthUnhealthy
	case st.State == Connected && st.ActiveSubscriptions > 0 && st.ReconnectAttempts == 0:
		st.Health = model.HealthHealthy
	default:
		st.Health = model.HealthDegraded
	}
	return st
}

func (s *Source) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.log.Info().Stringer("from", prev).Stringer("to", st).Msg("state change")
	}
}

// run owns the connection lifecycle until ctx is cancelled or reconnect
// attempts are exhausted.
func (s *Source) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			s.setState(Disconnected)
			return
		}

		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if attempt > s.cfg.MaxReconnectAttempts {
			s.setState(Disconnected)
			s.fatal(fmt.Errorf("source: giving up after %d reconnect attempts: %w", s.cfg.MaxReconnectAttempts, err))
			return
		}

		s.setState(Reconnecting)
		delay := Backoff(s.cfg.ReconnectBaseDelay, s.cfg.ReconnectMaxDelay, attempt-1)
		s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("disconnected, reconnecting")
		if s.OnReconnect != nil {
			s.OnReconnect(attempt)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(Disconnected)
			return
		case <-timer.C:
		}
	}
}

func (s *Source) fatal(err error) {
	s.mu.Lock()
	if s.fatalFired {
		s.mu.Unlock()
		return
	}
	s.fatalFired = true
	s.mu.Unlock()

	s.log.Error().Err(err).Msg("ingestion failed permanently")
	if s.handler != nil {
		s.handler.HandleFatal(err)
	}
}

// runOnce makes one connection, subscribes every pool and reads until the
// connection fails or ctx is cancelled.
func (s *Source) runOnce(ctx context.Context) error {
	s.setState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.URL, nil)
	cancel()
	if err != nil {
		return &TransportError{Op: "dial", Err: err}
	}

	connDone := make(chan struct{})
	defer func() {
		close(connDone)
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.subs = make(map[string]common.Address)
		s.pending = make(map[uint64]common.Address)
		s.mu.Unlock()
	}()

	// Close the connection on cancellation so ReadMessage unblocks.
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-connDone:
		}
	}()

	deadline := 2 * s.cfg.PingInterval
	conn.SetReadDeadline(time.Now().Add(deadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	})
	go s.pinger(conn, connDone)

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for _, pool := range s.cfg.Pools {
		filter := LogFilter{Address: pool, Topics: []common.Hash{s.cfg.Topic}}
		id := s.nextID.Add(1)
		s.mu.Lock()
		s.pending[id] = pool
		s.mu.Unlock()
		if err := s.write(conn, Request{JSONRPC: "2.0", ID: id, Method: "eth_subscribe", Params: []interface{}{"logs", filter}}); err != nil {
			return &TransportError{Op: "subscribe", Err: err}
		}
	}

	s.setState(Connected)
	s.log.Info().Str("url", s.cfg.URL).Int("pools", len(s.cfg.Pools)).Msg("connected")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return &TransportError{Op: "read", Err: err}
		}
		conn.SetReadDeadline(time.Now().Add(deadline))
		if err := s.handleFrame(ctx, raw); err != nil {
			return err
		}
	}
}

func (s *Source) pinger(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}

// handleFrame dispatches one frame. A non-nil error ends the connection.
func (s *Source) handleFrame(ctx context.Context, raw []byte) error {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.log.Warn().Err(err).Int("bytes", len(raw)).Msg("malformed frame dropped")
		return nil
	}

	switch {
	case msg.ID != nil:
		return s.handleResponse(*msg.ID, msg)
	case msg.Method == "eth_subscription" && msg.Params != nil:
		s.mu.Lock()
		_, known := s.subs[msg.Params.Subscription]
		s.mu.Unlock()
		if !known {
			s.log.Debug().Str("subscription", msg.Params.Subscription).Msg("notification for unknown subscription")
			return nil
		}
		var wl WireLog
		if err := json.Unmarshal(msg.Params.Result, &wl); err != nil {
			s.log.Warn().Err(err).Msg("malformed log dropped")
			return nil
		}
		s.handleLog(ctx, wl.ToLog())
	default:
		s.log.Debug().Str("method", msg.Method).Msg("ignored frame")
	}
	return nil
}

// handleResponse records a subscribe ack. The reconnect counter resets on
// the first accepted subscription; a connection where every subscribe was
// rejected is a transport failure.
func (s *Source) handleResponse(id uint64, msg Message) error {
	s.mu.Lock()
	pool, ok := s.pending[id]
	delete(s.pending, id)
	s.mu.Unlock()
	if !ok {
		return nil // unsubscribe acks
	}

	var subID string
	switch {
	case msg.Error != nil:
		s.log.Error().Str("pool", pool.Hex()).Int("code", msg.Error.Code).Str("error", msg.Error.Message).Msg("subscribe rejected")
	case json.Unmarshal(msg.Result, &subID) != nil || subID == "":
		subID = ""
		s.log.Error().Str("pool", pool.Hex()).Msg("subscribe ack without id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if subID != "" {
		s.subs[subID] = pool
		s.attempts = 0
		s.log.Info().Str("pool", pool.Hex()).Str("subscription", subID).Msg("subscribed")
		return nil
	}
	if len(s.pending) == 0 && len(s.subs) == 0 {
		return &TransportError{Op: "subscribe", Err: ErrNoSubscriptions}
	}
	return nil
}

func (s *Source) handleLog(ctx context.Context, lg types.Log) {
	if s.OnLog != nil {
		s.OnLog()
	}
	if lg.Removed {
		s.log.Debug().Str("tx", lg.TxHash.Hex()).Msg("removed log dropped")
		if s.OnRemoved != nil {
			s.OnRemoved()
		}
		return
	}
	id := model.EventID(lg.TxHash, lg.Index)
	if s.dedup.Seen(id) {
		if s.OnDuplicate != nil {
			s.OnDuplicate()
		}
		return
	}

	ctx = logger.WithTraceID(ctx, id)
	ev, pp, err := s.dec.Decode(ctx, lg)
	if err != nil {
		if errors.Is(err, decoder.ErrNotApplicable) {
			return
		}
		l := logger.Trace(ctx, s.log)
		l.Warn().Err(err).Str("pool", lg.Address.Hex()).Msg("log skipped")
		if s.OnDecodeError != nil {
			s.OnDecodeError(err)
		}
		return
	}
	if s.handler == nil {
		return
	}
	s.handler.HandleSwap(*ev)
	if pp != nil {
		s.handler.HandlePrice(*pp)
	}
}

func (s *Source) send(conn *websocket.Conn, method string, params ...interface{}) error {
	return s.write(conn, Request{JSONRPC: "2.0", ID: s.nextID.Add(1), Method: method, Params: params})
}

func (s *Source) write(conn *websocket.Conn, req Request) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// String is used in log lines.
func (c Config) String() string {
	pools := make([]string, len(c.Pools))
	for i, p := range c.Pools {
		pools[i] = p.Hex()
	}
	return fmt.Sprintf("url=%s pools=[%s]", c.URL, strings.Join(pools, ","))
}
