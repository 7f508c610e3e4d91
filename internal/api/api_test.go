package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexohlc/internal/candles"
	"dexohlc/internal/chain/source"
	"dexohlc/internal/model"
	"dexohlc/internal/pipeline"
)

const testSecret = "JBSWY3DPEHPK3PXP"

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeCandles struct {
	bars    map[string][]model.Bar
	err     error
	lastLim int
}

func (f *fakeCandles) Candles(_ context.Context, pair string, iv model.Interval, _, _ time.Time, limit int) ([]model.Bar, error) {
	f.lastLim = limit
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Bar
	for _, b := range f.bars[pair] {
		if b.Interval == iv {
			out = append(out, b)
		}
	}
	return out, nil
}

func (f *fakeCandles) Latest(ctx context.Context, pair string, iv model.Interval) (model.Bar, error) {
	bars, err := f.Candles(ctx, pair, iv, time.Time{}, time.Time{}, 1)
	if err != nil {
		return model.Bar{}, err
	}
	if len(bars) == 0 {
		return model.Bar{}, candles.ErrNotFound
	}
	return bars[len(bars)-1], nil
}

func (f *fakeCandles) Summary(_ context.Context, pair string) (model.Summary, error) {
	for _, b := range f.bars[pair] {
		if b.Interval == model.Interval1h {
			return model.Summary{Pair: pair, LastPrice: b.Close, Bars: 1}, nil
		}
	}
	return model.Summary{}, candles.ErrNotFound
}

func (f *fakeCandles) Summaries(ctx context.Context) ([]model.Summary, error) {
	var out []model.Summary
	for p := range f.bars {
		if s, err := f.Summary(ctx, p); err == nil {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeCandles) Pairs(context.Context) ([]string, error) {
	var out []string
	for p := range f.bars {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeCandles) HasPair(_ context.Context, pair string) (bool, error) {
	_, ok := f.bars[pair]
	return ok, nil
}

type fakeTrades struct{ trades []model.Trade }

func (f *fakeTrades) Recent(pair string, limit int) []model.Trade {
	var out []model.Trade
	for _, t := range f.trades {
		if pair == "" || t.Pair == pair {
			out = append(out, t)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

type fakeController struct {
	bus    *pipeline.PriceBus
	replay *pipeline.ReplayBuffer

	mu        sync.Mutex
	report    pipeline.Report
	restarts  int
	flushes   int
	stopped   string
	restartEr error
}

func (f *fakeController) Health() pipeline.Report {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report
}

func (f *fakeController) RestartIngestion(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.restartEr
}

func (f *fakeController) FlushConsumer(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeController) EmergencyStop(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = reason
}

func (f *fakeController) Replay(from, to uint64) []model.PricePoint {
	return f.replay.Range(from, to)
}

func (f *fakeController) Subscribe(name string) (<-chan model.PricePoint, func()) {
	return f.bus.Subscribe(name)
}

func bar(pair string, iv model.Interval, start time.Time, o, h, l, c float64) model.Bar {
	return model.Bar{Pair: pair, Interval: iv, Start: start, Open: o, High: h, Low: l, Close: c, Volume: 1, TradeCount: 1}
}

func newTestServer(t *testing.T) (*Server, *fakeCandles, *fakeController, *httptest.Server) {
	t.Helper()
	fc := &fakeCandles{bars: map[string][]model.Bar{
		"WBNB/USDT": {
			bar("WBNB/USDT", model.Interval1m, t0, 300, 305, 298, 298),
			bar("WBNB/USDT", model.Interval1m, t0.Add(time.Minute), 298, 301, 297, 301),
			bar("WBNB/USDT", model.Interval1h, t0, 300, 305, 297, 301),
		},
		"CAKE/WBNB": {},
	}}
	ft := &fakeTrades{trades: []model.Trade{
		{Pair: "WBNB/USDT", Price: 301, Side: model.SideBuy},
		{Pair: "CAKE/WBNB", Price: 0.01, Side: model.SideSell},
	}}
	ctrl := &fakeController{
		bus:    pipeline.NewPriceBus(8),
		replay: pipeline.NewReplayBuffer(16),
		report: pipeline.Report{Status: model.HealthHealthy, Running: true},
	}
	s := New(Config{Addr: "127.0.0.1:0", AdminTOTPSecret: testSecret}, fc, ft, zerolog.New(io.Discard))
	s.now = func() time.Time { return t0 }
	s.SetController(ctrl)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return s, fc, ctrl, srv
}

func getJSON(t *testing.T, url string, v interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if v != nil {
		require.NoError(t, json.Unmarshal(body, v), string(body))
	}
	return resp.StatusCode
}

func TestCandles(t *testing.T) {
	_, fc, _, srv := newTestServer(t)

	var out struct {
		Pair     string      `json:"pair"`
		Interval string      `json:"interval"`
		Count    int         `json:"count"`
		Candles  []model.Bar `json:"candles"`
	}
	code := getJSON(t, srv.URL+"/api/v1/candles?pair=WBNB/USDT&interval=1m&limit=5000", &out)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, out.Count)
	assert.Equal(t, 305.0, out.Candles[0].High)
	assert.Equal(t, candles.MaxCandles, fc.lastLim)
}

func TestCandles_Errors(t *testing.T) {
	_, fc, _, srv := newTestServer(t)

	cases := []struct {
		query string
		code  int
		msg   string
	}{
		{"", http.StatusBadRequest, "pair is required"},
		{"pair=WBNB/USDT&interval=2m", http.StatusBadRequest, "unsupported interval"},
		{"pair=WBNB/USDT&limit=abc", http.StatusBadRequest, "limit"},
		{"pair=WBNB/USDT&start=yesterday", http.StatusBadRequest, "invalid start"},
		{"pair=WBNB/USDT&start=200&end=100", http.StatusBadRequest, "end is before start"},
		{"pair=DOGE/USDT", http.StatusNotFound, "unknown pair"},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			var body ErrorBody
			code := getJSON(t, srv.URL+"/api/v1/candles?"+tc.query, &body)
			assert.Equal(t, tc.code, code)
			assert.Equal(t, tc.code, body.StatusCode)
			assert.Contains(t, body.Error, tc.msg)
			assert.True(t, t0.Equal(body.Timestamp))
		})
	}

	fc.err = errors.New("database is locked")
	var body ErrorBody
	code := getJSON(t, srv.URL+"/api/v1/candles?pair=WBNB/USDT", &body)
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal server error", body.Error)
}

func TestTickerSummaryPairsTrades(t *testing.T) {
	_, _, _, srv := newTestServer(t)

	var tk Ticker
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/ticker?pair=WBNB/USDT", &tk))
	assert.Equal(t, 301.0, tk.LastPrice)
	require.NotNil(t, tk.Summary)

	var body ErrorBody
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/v1/ticker?pair=CAKE/WBNB", &body))

	var sum model.Summary
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/summary?pair=WBNB/USDT", &sum))
	assert.Equal(t, 301.0, sum.LastPrice)

	var all struct {
		Count int `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/summary", &all))
	assert.Equal(t, 1, all.Count)

	var pairs struct {
		Pairs []string `json:"pairs"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/pairs", &pairs))
	assert.ElementsMatch(t, []string{"WBNB/USDT", "CAKE/WBNB"}, pairs.Pairs)

	var trades struct {
		Trades []model.Trade `json:"trades"`
		Count  int           `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/trades?pair=CAKE/WBNB", &trades))
	assert.Equal(t, 1, trades.Count)
	assert.Equal(t, model.SideSell, trades.Trades[0].Side)
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/api/v1/trades?limit=1", &trades))
	assert.Equal(t, 1, trades.Count)
}

func TestHealth(t *testing.T) {
	_, _, ctrl, srv := newTestServer(t)

	var r pipeline.Report
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &r))
	assert.Equal(t, model.HealthHealthy, r.Status)

	ctrl.mu.Lock()
	ctrl.report.Status = model.HealthDegraded
	ctrl.report.Ingestion = source.Status{State: source.Reconnecting, ReconnectAttempts: 2, Health: model.HealthDegraded}
	ctrl.mu.Unlock()
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", &r))
	assert.Equal(t, model.HealthDegraded, r.Status)
	assert.Equal(t, source.Reconnecting, r.Ingestion.State)
	assert.Equal(t, 2, r.Ingestion.ReconnectAttempts)

	ctrl.mu.Lock()
	ctrl.report.Status = model.HealthUnhealthy
	ctrl.mu.Unlock()
	assert.Equal(t, http.StatusServiceUnavailable, getJSON(t, srv.URL+"/healthz", &r))
}

func TestUnknownRoute(t *testing.T) {
	_, _, _, srv := newTestServer(t)
	var body ErrorBody
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/api/v1/orders", &body))
	assert.Equal(t, 404, body.StatusCode)
}

func postAdmin(t *testing.T, url, code, body string) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if code != "" {
		req.Header.Set(totpHeader, code)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestAdmin_RequiresTOTP(t *testing.T) {
	_, _, ctrl, srv := newTestServer(t)

	assert.Equal(t, http.StatusUnauthorized, postAdmin(t, srv.URL+"/api/v1/admin/queue/flush", "", ""))
	assert.Equal(t, http.StatusUnauthorized, postAdmin(t, srv.URL+"/api/v1/admin/queue/flush", "000000", ""))

	code, err := totp.GenerateCode(testSecret, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, postAdmin(t, srv.URL+"/api/v1/admin/queue/flush", code, ""))
	assert.Equal(t, http.StatusOK, postAdmin(t, srv.URL+"/api/v1/admin/ingestion/restart", code, ""))
	assert.Equal(t, http.StatusAccepted, postAdmin(t, srv.URL+"/api/v1/admin/emergency-stop", code, `{"reason":"bad pool"}`))
	assert.Equal(t, http.StatusBadRequest, postAdmin(t, srv.URL+"/api/v1/admin/emergency-stop", code, `{`))

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, 1, ctrl.flushes)
	assert.Equal(t, 1, ctrl.restarts)
	assert.Equal(t, "bad pool", ctrl.stopped)
}

func TestAdmin_RestartFailureIs500(t *testing.T) {
	_, _, ctrl, srv := newTestServer(t)
	ctrl.restartEr = pipeline.ErrNotRunning

	code, err := totp.GenerateCode(testSecret, time.Now())
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, postAdmin(t, srv.URL+"/api/v1/admin/ingestion/restart", code, ""))
}

func TestAdmin_DisabledWithoutSecret(t *testing.T) {
	s := New(Config{}, &fakeCandles{}, &fakeTrades{}, zerolog.New(io.Discard))
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	assert.Equal(t, http.StatusForbidden, postAdmin(t, srv.URL+"/api/v1/admin/queue/flush", "123456", ""))
}
