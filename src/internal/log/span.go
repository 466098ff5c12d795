package log

import (
	"context"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the level a span logs at.
type Level int

const (
	DebugLevel Level = 1
	InfoLevel  Level = 2
	ErrorLevel Level = 3
)

func (l Level) coreLevel() zapcore.Level {
	switch l {
	case InfoLevel:
		return zapcore.InfoLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	}
	return zapcore.DebugLevel
}

// EndSpanFunc ends a span, logging its duration and any fields passed.
type EndSpanFunc = func(fields ...Field)

// errorpType marks a field built by Errorp; it is resolved when the span
// ends and never written as is.
const errorpType = zapcore.InlineMarshalerType + 100

// Errorp is a Field for an EndSpanFunc that fails the span if *err is
// non-nil when the span ends.  It is meant for named error returns:
//
//	ctx, end := log.SpanContext(ctx, "commitJob")
//	defer end(log.Errorp(&retErr))
func Errorp(err *error) Field {
	return zapcore.Field{Key: "error", Type: errorpType, Interface: err}
}

const (
	spanStart  = "span start"
	spanOK     = "span finished ok"
	spanFailed = "span failed"
)

// SpanContext starts a span at debug level.  See SpanContextL.
func SpanContext(rctx context.Context, event string, fields ...Field) (context.Context, EndSpanFunc) {
	return spanContext(rctx, event, DebugLevel, fields)
}

// SpanContextL logs the start of event at level and returns a context whose
// logger is named for event and carries fields, plus the function that ends
// the span.  A span ends failed when the end function gets an error field
// (zap.Error or Errorp) holding a non-nil error.
func SpanContextL(rctx context.Context, event string, level Level, fields ...Field) (context.Context, EndSpanFunc) {
	return spanContext(rctx, event, level, fields)
}

func spanContext(rctx context.Context, event string, level Level, fields []Field) (context.Context, EndSpanFunc) {
	l := extractLogger(rctx).Named(event).With(fields...)
	if e := l.WithOptions(zap.AddCallerSkip(1)).Check(level.coreLevel(), event+": "+spanStart); e != nil {
		e.Write(ContextInfo(rctx))
	}
	ctx := withLogger(rctx, l)
	start := time.Now()
	return ctx, func(endFields ...Field) {
		out := []Field{zap.Duration("spanDuration", time.Since(start))}
		status := spanOK
		for _, f := range endFields {
			switch {
			case f.Type == errorpType:
				if errp, ok := f.Interface.(*error); ok && *errp != nil {
					status = spanFailed
					out = append(out, zap.Error(*errp))
				}
			case f.Type == zapcore.ErrorType && f.Interface != nil:
				status = spanFailed
				out = append(out, f)
			default:
				out = append(out, f)
			}
		}
		if e := l.Check(level.coreLevel(), event+": "+status); e != nil {
			e.Write(append(out, ContextInfo(ctx))...)
		}
	}
}
