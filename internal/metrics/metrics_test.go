package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dexohlc/internal/model"
)

func TestLiveness_RecordsProbes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	l := NewLiveness(m,
		Probe{Name: "redis", Check: func(context.Context) error { return nil }},
		Probe{Name: "sqlite", Check: func(context.Context) error { return errors.New("disk I/O error") }},
	)
	assert.Equal(t, model.HealthHealthy, l.Level())

	l.CheckNow(context.Background())
	res := l.Results()
	require.Len(t, res, 2)
	assert.True(t, res["redis"].Up)
	assert.False(t, res["sqlite"].Up)
	assert.Equal(t, "disk I/O error", res["sqlite"].Error)
	assert.Equal(t, model.HealthDegraded, l.Level())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DependencyUp.WithLabelValues("redis")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.DependencyUp.WithLabelValues("sqlite")))
}

func TestServer_ExposesMetricsAndHealth(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SwapsDecoded.Add(3)
	m.BarsCompleted.WithLabelValues("1m").Inc()

	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(NewServer(":0", reg, health, zerolog.New(io.Discard)).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "dexohlc_swaps_decoded_total 3")
	assert.Contains(t, string(body), `dexohlc_bars_completed_total{interval="1m"} 1`)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
