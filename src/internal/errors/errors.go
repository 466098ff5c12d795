// Package errors wraps github.com/pkg/errors and the standard library errors package so that every
// error produced by troverepo carries a stack trace.
package errors

import (
	stderrors "errors"
	"fmt"
	"io"
	"runtime"

	"github.com/pkg/errors"
)

// New returns an error with the supplied message and a stack trace.
func New(message string) error {
	return errors.New(message)
}

// Errorf formats according to a format specifier and returns the string as a value that satisfies
// error, recording the stack trace at the point it was called.  %w is supported.
func Errorf(format string, args ...interface{}) error {
	return errors.WithStack(fmt.Errorf(format, args...))
}

// Wrap returns an error annotating err with a stack trace and the supplied message.  If err is nil,
// Wrap returns nil.
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf is Wrap with a format specifier.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// WithStack annotates err with a stack trace at the point WithStack was called.
func WithStack(err error) error {
	return errors.WithStack(err)
}

// EnsureStack adds a stack trace to err if it does not already have one.
func EnsureStack(err error) error {
	if err == nil {
		return nil
	}
	var st StackTracer
	if As(err, &st) {
		return err
	}
	return errors.WithStack(err)
}

// StackTracer is implemented by errors that carry a stack trace.
type StackTracer interface {
	StackTrace() errors.StackTrace
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Unwrap returns the result of calling the Unwrap method on err, if any.
func Unwrap(err error) error {
	return stderrors.Unwrap(err)
}

// Join returns an error that wraps the given errors.
func Join(errs ...error) error {
	return stderrors.Join(errs...)
}

// ForEachStackFrame calls f on each runtime.Frame in the stack trace of the innermost error in
// err's chain that has one.
func ForEachStackFrame(err error, f func(runtime.Frame)) {
	var st StackTracer
	var found StackTracer
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if stderrors.As(e, &st) {
			found = st
		}
	}
	if found == nil {
		return
	}
	pcs := make([]uintptr, 0, len(found.StackTrace()))
	for _, fr := range found.StackTrace() {
		pcs = append(pcs, uintptr(fr))
	}
	frames := runtime.CallersFrames(pcs)
	for {
		fr, more := frames.Next()
		f(fr)
		if !more {
			return
		}
	}
}

// JoinInto joins err into *dst.  It is a no-op when err is nil.
func JoinInto(dst *error, err error) {
	if err == nil {
		return
	}
	if *dst == nil {
		*dst = err
		return
	}
	*dst = stderrors.Join(*dst, err)
}

// Close closes c and joins any resulting error, annotated with the formatted message, into *dst.
// It is meant to be deferred.
func Close(dst *error, c io.Closer, format string, args ...any) {
	Invoke(dst, c.Close, format, args...)
}

// Invoke calls f and joins any resulting error, annotated with the formatted message, into *dst.
func Invoke(dst *error, f func() error, format string, args ...any) {
	if err := f(); err != nil {
		JoinInto(dst, errors.Wrapf(err, format, args...))
	}
}
