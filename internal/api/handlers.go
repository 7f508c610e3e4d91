package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"dexohlc/internal/candles"
	"dexohlc/internal/model"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/candles", s.handleCandles)
	mux.HandleFunc("GET /api/v1/ticker", s.handleTicker)
	mux.HandleFunc("GET /api/v1/pairs", s.handlePairs)
	mux.HandleFunc("GET /api/v1/summary", s.handleSummary)
	mux.HandleFunc("GET /api/v1/trades", s.handleTrades)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/v1/admin/ingestion/restart", s.admin(s.handleRestart))
	mux.HandleFunc("POST /api/v1/admin/queue/flush", s.admin(s.handleFlush))
	mux.HandleFunc("POST /api/v1/admin/emergency-stop", s.admin(s.handleEmergencyStop))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.writeError(w, http.StatusNotFound, "route not found")
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Ticker is the latest view of one pair.
type Ticker struct {
	Pair      string         `json:"pair"`
	LastPrice float64        `json:"lastPrice"`
	Bar       model.Bar      `json:"bar"`
	Summary   *model.Summary `json:"summary,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pair := q.Get("pair")
	if pair == "" {
		s.writeError(w, http.StatusBadRequest, "pair is required")
		return
	}
	iv, err := parseInterval(q.Get("interval"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	start, err := parseTime(q.Get("start"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid start: "+err.Error())
		return
	}
	end, err := parseTime(q.Get("end"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid end: "+err.Error())
		return
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		s.writeError(w, http.StatusBadRequest, "end is before start")
		return
	}
	limit, err := parseLimit(q.Get("limit"), candles.DefaultCandles, candles.MaxCandles)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.requirePair(w, r, pair) {
		return
	}

	bars, err := s.candles.Candles(r.Context(), pair, iv, start, end, limit)
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pair":     pair,
		"interval": iv,
		"count":    len(bars),
		"candles":  bars,
	})
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		s.writeError(w, http.StatusBadRequest, "pair is required")
		return
	}
	if !s.requirePair(w, r, pair) {
		return
	}

	bar, err := s.candles.Latest(r.Context(), pair, model.Interval1m)
	if errors.Is(err, candles.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no candles for pair "+pair)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	t := Ticker{Pair: pair, LastPrice: bar.Close, Bar: bar, Timestamp: s.now().UTC()}
	if sum, err := s.candles.Summary(r.Context(), pair); err == nil {
		t.Summary = &sum
	} else if !errors.Is(err, candles.ErrNotFound) {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handlePairs(w http.ResponseWriter, r *http.Request) {
	pairs, err := s.candles.Pairs(r.Context())
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pairs": pairs, "count": len(pairs)})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	pair := r.URL.Query().Get("pair")
	if pair == "" {
		all, err := s.candles.Summaries(r.Context())
		if err != nil {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"summaries": all, "count": len(all)})
		return
	}
	if !s.requirePair(w, r, pair) {
		return
	}
	sum, err := s.candles.Summary(r.Context(), pair)
	if errors.Is(err, candles.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no hourly candles for pair "+pair)
		return
	}
	if err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), 50, candles.MaxTrades)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pair := q.Get("pair")
	if pair != "" && !s.requirePair(w, r, pair) {
		return
	}
	trades := s.trades.Recent(pair, limit)
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades, "count": len(trades)})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctrl := s.controller()
	if ctrl == nil {
		s.writeError(w, http.StatusServiceUnavailable, "pipeline not attached")
		return
	}
	report := ctrl.Health()
	status := http.StatusOK
	if report.Status == model.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// requirePair answers 404 and returns false when pair is unknown.
func (s *Server) requirePair(w http.ResponseWriter, r *http.Request, pair string) bool {
	ok, err := s.candles.HasPair(r.Context(), pair)
	if err != nil {
		s.internalError(w, r, err)
		return false
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "unknown pair "+pair)
		return false
	}
	return true
}

func parseInterval(v string) (model.Interval, error) {
	if v == "" {
		return model.Interval1m, nil
	}
	return model.ParseInterval(v)
}

// parseTime accepts Unix seconds or RFC 3339. Empty means unbounded.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, v)
}

// parseLimit returns def for an empty value and clamps to max.
func parseLimit(v string, def, max int) (int, error) {
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > max {
		n = max
	}
	return n, nil
}
