package clickhouse

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dexohlc/internal/model"
)

func TestBuildQuery(t *testing.T) {
	q, args := buildQuery(model.BarQuery{Pair: "WBNB/USDT", Interval: model.Interval1h})
	assert.Equal(t, "SELECT pair, tf, ts, open, high, low, close, volume, trade_count FROM candles FINAL WHERE pair = ? AND tf = ? ORDER BY ts DESC", q)
	assert.Equal(t, []interface{}{"WBNB/USDT", "1h"}, args)

	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	q, args = buildQuery(model.BarQuery{Pair: "A/B", Interval: model.Interval1m, Start: start, End: end, Limit: 50})
	assert.Contains(t, q, "ts >= fromUnixTimestamp(?) AND ts <= fromUnixTimestamp(?)")
	assert.Contains(t, q, "FINAL")
	assert.Contains(t, q, "LIMIT 50")
	assert.Equal(t, []interface{}{"A/B", "1m", start.Unix(), end.Unix()}, args)
}
