// Package logging carries a structured logger and correlation ids (request,
// trace, span, try-on session) on the context.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey string

const (
	loggerKey    ctxKey = "logger"
	requestIDKey ctxKey = "requestID"
	traceIDKey   ctxKey = "traceID"
	spanIDKey    ctxKey = "spanID"
	sessionIDKey ctxKey = "sessionID"
)

func withString(ctx context.Context, key ctxKey, value string) context.Context {
	if ctx == nil || value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key ctxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// WithLogger stores the provided logger on the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if ctx == nil || logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the scoped logger or falls back to slog.Default().
func FromContext(ctx context.Context) *slog.Logger {
	return FromContextOr(ctx, nil)
}

// FromContextOr returns the logger stored on ctx, or fallback when none was
// stored.
func FromContextOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}

// WithSession scopes the context logger to one try-on session. Calling it
// again for the same session leaves the logger unchanged.
func WithSession(ctx context.Context, fallback *slog.Logger, sessionID string) (context.Context, *slog.Logger) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := FromContextOr(ctx, fallback)
	if SessionIDFromContext(ctx) == sessionID {
		return WithLogger(ctx, logger), logger
	}
	logger = logger.With(slog.String("sessionId", sessionID))
	ctx = withString(ctx, sessionIDKey, sessionID)
	return WithLogger(ctx, logger), logger
}

// SessionIDFromContext returns the session the context was scoped to.
func SessionIDFromContext(ctx context.Context) string { return stringFrom(ctx, sessionIDKey) }

// WithRequestID stores a request identifier on the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return withString(ctx, requestIDKey, requestID)
}

// RequestIDFromContext retrieves a previously stored request identifier.
func RequestIDFromContext(ctx context.Context) string { return stringFrom(ctx, requestIDKey) }

// WithTraceID stores a trace identifier on the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withString(ctx, traceIDKey, traceID)
}

// TraceIDFromContext retrieves the trace identifier from the context.
func TraceIDFromContext(ctx context.Context) string { return stringFrom(ctx, traceIDKey) }

func withSpanID(ctx context.Context, spanID string) context.Context {
	return withString(ctx, spanIDKey, spanID)
}

func spanIDFrom(ctx context.Context) string { return stringFrom(ctx, spanIDKey) }
