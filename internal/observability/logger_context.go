package observability

import (
	"context"
	"log/slog"
)

// loggerContextKey is the private context key used to store a *slog.Logger.
type loggerContextKey struct{}

// ContextWithLogger attaches a non-nil logger to the context. Engines use
// it to carry a logger already enriched with correlation and request id
// fields into middleware and handlers.
func ContextWithLogger(ctx context.Context, lg *slog.Logger) context.Context {
	if ctx == nil || lg == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey{}, lg)
}

// LoggerFromContext returns the logger stored in the context or the
// default slog logger when none is present.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return slog.Default()
	}
	if v := ctx.Value(loggerContextKey{}); v != nil {
		if lg, ok := v.(*slog.Logger); ok && lg != nil {
			return lg
		}
	}
	return slog.Default()
}

// RequestLogger builds a logger carrying the request-scoped correlation
// fields, for attachment via ContextWithLogger.
func RequestLogger(base *slog.Logger, serviceName, correlationID string, requestID int64) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(
		slog.String("soa_service", serviceName),
		slog.String("correlation_id", correlationID),
		slog.Int64("request_id", requestID),
	)
}
