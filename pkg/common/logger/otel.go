package logger

import (
	"io"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
)

// NewWithOTel constructs a logger that writes JSON to w and mirrors every
// record into the globally registered OpenTelemetry log provider.
func NewWithOTel(
	w io.Writer,
	minLevel Level,
	serviceName string,
	traceIDFn TraceIDFn,
	events Events,
	metadata map[string]string,
) *Logger {
	local := newLogger(w, minLevel, serviceName, traceIDFn, events, metadata)
	bridge := otelslog.NewHandler(serviceName)
	return &Logger{
		handler:   NewFanoutHandler(local.handler, bridge),
		traceIDFn: traceIDFn,
	}
}

var _ slog.Handler = (*fanoutHandler)(nil)
