// Package log provides a context-scoped zap logger.  Every context handed around troverepo is
// expected to carry a logger; log.Debug(ctx, ...), log.Info(ctx, ...), and log.Error(ctx, ...)
// find it.  Contexts without one still log (to the global logger) but report a DPanic first.
package log

import (
	"context"
	stdlog "log"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a typed log field.
type Field = zap.Field

type loggerKey struct{}

// troveEncoder is the production JSON encoding.
var troveEncoder = zapcore.EncoderConfig{
	TimeKey:        "time",
	EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
	LevelKey:       "severity",
	EncodeLevel:    zapcore.LowercaseLevelEncoder,
	MessageKey:     "message",
	NameKey:        "logger",
	CallerKey:      "caller",
	FunctionKey:    zapcore.OmitKey,
	StacktraceKey:  "stacktrace",
	LineEnding:     zapcore.DefaultLineEnding,
	EncodeDuration: zapcore.SecondsDurationEncoder,
	EncodeCaller:   zapcore.ShortCallerEncoder,
}

// InitLogger installs the global logger.  In development mode, logs are human-readable and DPanic
// panics.
func InitLogger(development bool, level zapcore.Level) {
	enc := zapcore.NewJSONEncoder(troveEncoder)
	opts := []zap.Option{zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if development {
		enc = zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
		opts = append(opts, zap.Development())
	}
	l := zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level)), opts...)
	zap.ReplaceGlobals(l)
	zap.RedirectStdLog(l)
}

func extractLogger(ctx context.Context) *zap.Logger {
	if ctx == nil {
		zap.L().WithOptions(zap.AddCallerSkip(2)).DPanic("log: internal error: nil context provided to ExtractLogger")
		return zap.L()
	}
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	zap.L().WithOptions(zap.AddCallerSkip(2)).DPanic("log: internal error: no logger in provided context")
	return zap.L()
}

func withLogger(ctx context.Context, l *zap.Logger) context.Context {
	if l == nil {
		zap.L().WithOptions(zap.AddCallerSkip(1)).DPanic("log: internal error: nil logger provided to withLogger")
		l = zap.L()
	}
	return context.WithValue(ctx, loggerKey{}, l)
}

// AddLogger adds the global logger to a context.  Use it at the root of a process.
func AddLogger(ctx context.Context) context.Context {
	return withLogger(ctx, zap.L())
}

// LogOption modifies the logger carried by a child context.
type LogOption func(l *zap.Logger) *zap.Logger

// WithServerID adds a random server ID to every log line.
func WithServerID() LogOption {
	return WithFields(zap.String("server-id", uuid.NewString()[:8]))
}

// WithFields adds fields to every log line.
func WithFields(fields ...Field) LogOption {
	return func(l *zap.Logger) *zap.Logger { return l.With(fields...) }
}

// WithOptions applies zap options to the logger.
func WithOptions(opts ...zap.Option) LogOption {
	return func(l *zap.Logger) *zap.Logger { return l.WithOptions(opts...) }
}

// ChildLogger returns a context whose logger is named name (appended to the parent's name) and
// modified by opts.  The name may be empty.
func ChildLogger(ctx context.Context, name string, opts ...LogOption) context.Context {
	l := extractLogger(ctx)
	if name != "" {
		l = l.Named(name)
	}
	for _, opt := range opts {
		l = opt(l)
	}
	return withLogger(ctx, l)
}

// Debug logs a message at DebugLevel.
func Debug(ctx context.Context, msg string, fields ...Field) {
	extractLogger(ctx).WithOptions(zap.AddCallerSkip(1)).Debug(msg, fields...)
}

// Info logs a message at InfoLevel.
func Info(ctx context.Context, msg string, fields ...Field) {
	extractLogger(ctx).WithOptions(zap.AddCallerSkip(1)).Info(msg, fields...)
}

// Error logs a message at ErrorLevel.  Most errors should be returned, not logged.
func Error(ctx context.Context, msg string, fields ...Field) {
	extractLogger(ctx).WithOptions(zap.AddCallerSkip(1)).Error(msg, fields...)
}

// ContextInfo is a Field describing the deadline and cancellation state of ctx.
func ContextInfo(ctx context.Context) Field {
	if ctx == nil {
		return zap.Skip()
	}
	if err := ctx.Err(); err != nil {
		return zap.NamedError("contextErr", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		return zap.Duration("deadline", time.Until(dl))
	}
	return zap.Skip()
}

// NewStdLogAt returns a *log.Logger from the standard library that logs to the logger in ctx.
func NewStdLogAt(ctx context.Context, lvl Level) *stdlog.Logger {
	l, err := zap.NewStdLogAt(extractLogger(ctx), lvl.coreLevel())
	if err != nil {
		Error(ctx, "cannot create standard logger; using default", zap.Error(err))
		return stdlog.Default()
	}
	return l
}
