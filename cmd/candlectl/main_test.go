package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dexohlc/internal/model"
	sqlitestore "dexohlc/internal/store/sqlite"
)

func TestRenderStats(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	renderStats(&buf, []sqlitestore.SeriesStats{
		{Pair: "WBNB/USDT", Interval: model.Interval1m, Bars: 3, First: ts, Last: ts.Add(2 * time.Minute)},
		{Pair: "WBNB/USDT", Interval: model.Interval5m, Bars: 1, First: ts, Last: ts},
	})
	out := buf.String()
	assert.Contains(t, out, "WBNB/USDT")
	assert.Contains(t, out, "2024-05-01 12:02:00")
	assert.Contains(t, out, "TOTAL")
	assert.Contains(t, out, "4")
}

func TestRenderBars(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	renderBars(&buf, []model.Bar{
		{Pair: "WBNB/USDT", Interval: model.Interval1m, Start: ts, Open: 300, High: 305, Low: 298, Close: 298, Volume: 3.5, TradeCount: 3},
	})
	out := buf.String()
	assert.Contains(t, out, "2024-05-01 12:00:00")
	assert.Contains(t, out, "305")
	assert.Contains(t, out, "3.5000")
}
