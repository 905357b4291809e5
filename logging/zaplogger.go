package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var nop Logger = NewZapLogger(zap.NewNop())

// Nop returns a logger that discards everything.
func Nop() Logger {
	return nop
}

// New builds a zap logger. Format "prod" selects zap's production JSON
// config, anything else the development console config. An empty level keeps
// the config's default.
func New(format, level string) (Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	if format == "prod" {
		cfg = zap.NewProductionConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	// Skip ZapLogger's method and the package-level helper.
	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return nil, err
	}
	return NewZapLogger(l), nil
}

// NewZapLogger adapts an existing zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	return &ZapLogger{s: l.Sugar()}
}

// ZapLogger implements Logger on a zap SugaredLogger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

func (z *ZapLogger) Debugw(msg string, kv ...any) { z.s.Debugw(msg, kv...) }
func (z *ZapLogger) Infow(msg string, kv ...any)  { z.s.Infow(msg, kv...) }
func (z *ZapLogger) Warnw(msg string, kv ...any)  { z.s.Warnw(msg, kv...) }
func (z *ZapLogger) Errorw(msg string, kv ...any) { z.s.Errorw(msg, kv...) }

func (z *ZapLogger) Named(name string) Logger {
	return &ZapLogger{s: z.s.Named(name)}
}

func (z *ZapLogger) With(field string, value any) Logger {
	return &ZapLogger{s: z.s.With(field, value)}
}

func (z *ZapLogger) Sync() error {
	return z.s.Sync()
}

// withoutStacktrace only attaches zap stack traces at panic level. Errors
// carry their own trimmed stack as a field.
func (z *ZapLogger) withoutStacktrace() *ZapLogger {
	return &ZapLogger{s: z.s.Desugar().WithOptions(zap.AddStacktrace(zapcore.PanicLevel)).Sugar()}
}
