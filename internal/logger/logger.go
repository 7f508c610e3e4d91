// Package logger provides structured logging on top of zerolog.
// It sets up a JSON logger with service-level context and provides
// trace ID propagation through context.Context.
package logger

import (
	"context"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

type ctxKey string

const traceIDKey ctxKey = "trace_id"

// Init creates and returns a structured logger for the given service.
// Output is JSON on stdout unless pretty is set (console writer for local runs).
func Init(service, level string, pretty bool) zerolog.Logger {
	var out io.Writer = os.Stdout
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	return New(out, service, level)
}

// New builds a logger writing to w. Unknown levels fall back to info.
func New(w io.Writer, service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}

// WithTraceID stores a trace ID in the context for downstream propagation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceID extracts the trace ID from context. Returns "" if not set.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// GenerateTraceID builds a trace ID from a transaction hash and log index.
// Format: "{txHash}-{logIndex}", the same identity used for dedup.
func GenerateTraceID(txHash string, logIndex uint) string {
	return txHash + "-" + strconv.FormatUint(uint64(logIndex), 10)
}

// Trace returns l with the context's trace ID attached, if any.
func Trace(ctx context.Context, l zerolog.Logger) zerolog.Logger {
	tid := TraceID(ctx)
	if tid == "" {
		return l
	}
	return l.With().Str("trace_id", tid).Logger()
}
