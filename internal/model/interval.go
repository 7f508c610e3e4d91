package model

import (
	"fmt"
	"time"
)

// Interval is a candle width. Only the six values below are supported.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Intervals lists every supported interval, narrowest first.
var Intervals = []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}

var intervalSeconds = map[Interval]int64{
	Interval1m:  60,
	Interval5m:  300,
	Interval15m: 900,
	Interval1h:  3600,
	Interval4h:  14400,
	Interval1d:  86400,
}

// ParseInterval validates s and returns it as an Interval.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if !iv.Valid() {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return iv, nil
}

// Valid reports whether i is one of the supported intervals.
func (i Interval) Valid() bool {
	_, ok := intervalSeconds[i]
	return ok
}

// Seconds returns the interval width in seconds (0 for unknown intervals).
func (i Interval) Seconds() int64 {
	return intervalSeconds[i]
}

// Duration returns the interval width.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Seconds()) * time.Second
}

// Truncate floors t to the start of its bucket: bucket = ts - ts%width,
// which keeps every interval aligned to UTC boundaries.
func (i Interval) Truncate(t time.Time) time.Time {
	width := i.Seconds()
	if width == 0 {
		return t.UTC()
	}
	ts := t.Unix()
	rem := ts % width
	if rem < 0 {
		rem += width
	}
	return time.Unix(ts-rem, 0).UTC()
}

func (i Interval) String() string { return string(i) }
