// Package api serves the read-only candle query API, the live price
// stream and the TOTP-guarded admin endpoints.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dexohlc/internal/model"
	"dexohlc/internal/pipeline"
)

// CandleService answers candle queries.
type CandleService interface {
	Candles(ctx context.Context, pair string, iv model.Interval, start, end time.Time, limit int) ([]model.Bar, error)
	Latest(ctx context.Context, pair string, iv model.Interval) (model.Bar, error)
	Summary(ctx context.Context, pair string) (model.Summary, error)
	Summaries(ctx context.Context) ([]model.Summary, error)
	Pairs(ctx context.Context) ([]string, error)
	HasPair(ctx context.Context, pair string) (bool, error)
}

// TradeSource returns recent trades, newest first.
type TradeSource interface {
	Recent(pair string, limit int) []model.Trade
}

// Controller is the pipeline surface used by health, admin and the live
// stream.
type Controller interface {
	Health() pipeline.Report
	RestartIngestion(ctx context.Context) error
	FlushConsumer(ctx context.Context) error
	EmergencyStop(reason string)
	Subscribe(name string) (<-chan model.PricePoint, func())
	Replay(from, to uint64) []model.PricePoint
}

// Config holds API settings.
type Config struct {
	Addr            string
	AdminTOTPSecret string // empty disables the admin endpoints
	ReadTimeout     time.Duration
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	candles CandleService
	trades  TradeSource
	log     zerolog.Logger
	hub     *Hub
	handler http.Handler
	now     func() time.Time

	mu       sync.Mutex
	ctrl     Controller
	srv      *http.Server
	listener net.Listener
}

// New creates the server. The controller is attached with SetController
// because the pipeline that owns the server is built after it.
func New(cfg Config, candles CandleService, trades TradeSource, log zerolog.Logger) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		candles: candles,
		trades:  trades,
		log:     log,
		hub:     NewHub(log),
		now:     time.Now,
	}
	s.handler = s.routes()
	return s
}

// SetController attaches the pipeline.
func (s *Server) SetController(c Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl = c
}

func (s *Server) controller() Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctrl
}

// Hub returns the live stream hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Start binds the listen address and serves in the background. No
// server-wide write timeout is set so websocket connections stay open.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.handler, ReadHeaderTimeout: s.cfg.ReadTimeout}

	s.mu.Lock()
	s.listener = ln
	s.srv = srv
	s.mu.Unlock()

	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("api listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("api server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop closes live-stream clients and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.mu.Unlock()

	s.hub.Close()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
