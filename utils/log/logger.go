package log

import (
	"context"
	"os"

	"go.uber.org/zap"
)

type ctxKey string

const (
	sessionIDKey  ctxKey = "session_id"
	credentialKey ctxKey = "credential"
	transportKey  ctxKey = "transport"
)

var logger *zap.Logger

func init() {
	if os.Getenv("DEBUG") == "true" {
		logger, _ = zap.NewDevelopment()
	} else {
		logger, _ = zap.NewProduction()
	}
}

// WithSession tags ctx so every log line written through WithCtx carries the session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithCredential tags ctx with a credential fingerprint, never the raw token.
func WithCredential(ctx context.Context, fingerprint string) context.Context {
	return context.WithValue(ctx, credentialKey, fingerprint)
}

func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportKey, transport)
}

func WithCtx(ctx context.Context) *zap.Logger {
	fields := []zap.Field{}

	if v := ctx.Value(sessionIDKey); v != nil {
		fields = append(fields, zap.Any("session_id", v))
	}
	if v := ctx.Value(credentialKey); v != nil {
		fields = append(fields, zap.Any("credential", v))
	}
	if v := ctx.Value(transportKey); v != nil {
		fields = append(fields, zap.Any("transport", v))
	}

	return logger.With(fields...)
}

func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}

// Sync flushes buffered log entries; main calls it on shutdown.
func Sync() {
	_ = logger.Sync()
}
