package logger

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// New returns a JSON logger on stdout at the given level ("debug", "info",
// "warn", "error"). Unknown levels fall back to info.
func New(level ...string) *slog.Logger {
	lvl := slog.LevelInfo
	if len(level) > 0 {
		lvl = ParseLevel(level[0])
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ForProject returns a child logger tagged with the project id.
func ForProject(logger *slog.Logger, projectID string) *slog.Logger {
	return logger.With("project_id", projectID)
}

// withTrace appends trace_id and span_id when ctx carries a valid span.
func withTrace(ctx context.Context, args []any) []any {
	spanCtx := trace.SpanContextFromContext(ctx)
	if spanCtx.IsValid() {
		args = append(args,
			"trace_id", spanCtx.TraceID().String(),
			"span_id", spanCtx.SpanID().String(),
		)
	}
	return args
}

// Info logs with trace correlation.
func Info(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.InfoContext(ctx, msg, withTrace(ctx, args)...)
}

// Warn logs with trace correlation.
func Warn(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.WarnContext(ctx, msg, withTrace(ctx, args)...)
}

// Error logs with trace correlation.
func Error(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.ErrorContext(ctx, msg, withTrace(ctx, args)...)
}
