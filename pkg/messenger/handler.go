package messenger

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/wehubfusion/Iris/pkg/frames"
	"go.uber.org/zap"
)

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware recovers from panics in handlers so one broken
// handler cannot stop a context's delivery loop.
func RecoveryMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload json.RawMessage, sender frames.ContextRef, respond Responder) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Handler panicked",
						zap.Any("panic", r),
						zap.String("sender", string(sender)),
						zap.ByteString("stack", debug.Stack()))
				}
			}()
			next(ctx, payload, sender, respond)
		}
	}
}

// LoggingMiddleware logs every delivery of command at debug level
func LoggingMiddleware(logger *zap.Logger, command string) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, payload json.RawMessage, sender frames.ContextRef, respond Responder) {
			logger.Debug("Handling command",
				zap.String("command", command),
				zap.String("sender", string(sender)),
				zap.Int("payload_size", len(payload)),
				zap.Bool("expects_response", respond != nil))
			next(ctx, payload, sender, respond)
		}
	}
}
