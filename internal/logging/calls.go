// Package logging provides structured call logging for dispatched D-Bus
// method calls.
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog for structured call logging.
type Logger struct {
	*slog.Logger
	service string
}

// New creates a call logger that writes JSON to stderr.
func New(level slog.Level, service string) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger:  slog.New(handler),
		service: service,
	}
}

// NewWith wraps an existing slog logger, tagging records with the service name.
func NewWith(logger *slog.Logger, service string) *Logger {
	return &Logger{Logger: logger, service: service}
}

// LogCall logs a dispatched D-Bus method call with its result.
func (l *Logger) LogCall(ctx context.Context, method string, attrs map[string]any, result string, err error) {
	logAttrs := []slog.Attr{
		slog.String("service", l.service),
		slog.String("method", method),
		slog.String("result", result),
	}
	for k, v := range attrs {
		logAttrs = append(logAttrs, slog.Any(k, v))
	}
	if err != nil {
		logAttrs = append(logAttrs, slog.String("error", err.Error()))
	}

	l.LogAttrs(ctx, slog.LevelInfo, "dbus_call", logAttrs...)
}
