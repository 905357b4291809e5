// Package logging carries a request scoped logger on the context.
//
// Core packages never construct loggers; they log through the context they
// were handed, which the server scopes per RPC or HTTP request:
//
//	logging.Infow(ctx, "token issued", "client", clientID)
package logging

import "context"

// Logger is the structured subset of zap's SugaredLogger that warden uses.
type Logger interface {
	Debugw(msg string, keysAndValues ...any)
	Infow(msg string, keysAndValues ...any)
	Warnw(msg string, keysAndValues ...any)
	Errorw(msg string, keysAndValues ...any)

	// Named returns a child logger with name appended to the logger name.
	Named(name string) Logger

	// With returns a child logger carrying field on every entry.
	With(field string, value any) Logger

	Sync() error
}

// scope is stored by pointer so Track can grow the logger in place.
type scope struct {
	logger Logger
}

type scopeKey struct{}

// With returns a context whose scope logs through logger. Scopes nest:
//
//	for _, c := range clients {
//	  ctx := logging.With(ctx, logger.Named(c.ID))
//	  seed(ctx, c)
//	}
func With(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, scopeKey{}, &scope{logger: logger})
}

// FromContext returns the scoped logger, or a no-op logger when the context
// carries none.
func FromContext(ctx context.Context) Logger {
	if s, ok := ctx.Value(scopeKey{}).(*scope); ok {
		return s.logger
	}
	return nop
}

// Track adds a field to the current scope. The field shows up on everything
// logged through the scope afterwards, including the completion line written
// by Interceptor or Middleware, but not in a parent scope. Open a new scope
// with With before tracking inside loops.
func Track(ctx context.Context, field string, value any) {
	if s, ok := ctx.Value(scopeKey{}).(*scope); ok {
		s.logger = s.logger.With(field, value)
	}
}

func Debugw(ctx context.Context, msg string, fields ...any) {
	FromContext(ctx).Debugw(msg, fields...)
}

func Infow(ctx context.Context, msg string, fields ...any) {
	FromContext(ctx).Infow(msg, fields...)
}

func Warnw(ctx context.Context, msg string, fields ...any) {
	FromContext(ctx).Warnw(msg, fields...)
}

func Errorw(ctx context.Context, msg string, fields ...any) {
	FromContext(ctx).Errorw(msg, fields...)
}
