package log

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap"
)

func TestBasics(t *testing.T) {
	ctx, h := TestWithCapture(t)
	var want []string
	Debug(ctx, "hello")
	want = append(want, "debug: hello")
	Info(ctx, "hello")
	want = append(want, "info: hello")
	Error(ctx, "hello")
	want = append(want, "error: hello")
	log.Println("this is the builtin go logging")
	want = append(want, "info: this is the builtin go logging")

	if diff := cmp.Diff(formatLogs(h.Logs(), simple), want); diff != "" {
		t.Errorf("logs (-got +want):\n%s", diff)
	}
}

func TestPanics(t *testing.T) {
	testData := []struct {
		name string
		f    func(l *zap.Logger) // A scenario that should panic in development, but warn in production.
	}{
		{
			name: "nil context",
			f:    func(_ *zap.Logger) { Debug(nil, "this should panic") }, //nolint:SA1012 // intentionally testing nil context
		},
		{
			name: "empty context",
			f: func(_ *zap.Logger) {
				Debug(context.Background(), "this should also panic")
			},
		},
		{
			name: "nil logger",
			f:    func(_ *zap.Logger) { withLogger(context.Background(), nil) },
		},
	}

	for _, test := range testData {
		t.Run(test.name, func(t *testing.T) {
			var msg string
			func() {
				l, _ := newTestLogger(t, false, zap.Development())
				defer zap.ReplaceGlobals(l)()
				defer func() {
					err := recover()
					if e, ok := err.(string); ok {
						msg = e
					}
				}()
				test.f(l)
			}()
			if msg == "" {
				t.Errorf("should have panicked in development")
			}
			func() {
				l, h := newTestLogger(t, false)
				defer zap.ReplaceGlobals(l)()
				test.f(l)
				if testing.Verbose() {
					for _, msg := range h.Logs() {
						t.Logf("captured log <%s: %s>", msg.Severity, msg.Message)
					}
				}
			}()
		})
	}
}

func TestNoPanicsInProduction(t *testing.T) {
	_, h := TestWithCapture(t)
	Debug(nil, "this should use the global logger") //nolint:SA1012 // Intentional nil to test error handling.
	want := []string{
		"dpanic: log: internal error: nil context provided to ExtractLogger",
		"debug: this should use the global logger",
	}
	if diff := cmp.Diff(formatLogs(h.Logs(), simple), want); diff != "" {
		t.Errorf("logs (-got +want):\n%s", diff)
	}
}

func TestWrappedContext(t *testing.T) {
	rootCtx, h := testWithCaptureParallel(t, zap.Development())
	timeCtx, tc := context.WithTimeout(rootCtx, time.Minute)
	t.Cleanup(tc)
	ctx, cc := context.WithCancel(timeCtx)
	t.Cleanup(cc)
	Debug(ctx, "this should not panic")

	want := []string{"debug: this should not panic"}
	if diff := cmp.Diff(formatLogs(h.Logs(), simple), want); diff != "" {
		t.Errorf("logs (-got +want):\n%s", diff)
	}
}

func TestChildLogger(t *testing.T) {
	rctx, h := TestWithCapture(t)
	ctx := ChildLogger(rctx, "commit", WithFields(zap.String("job", "1")))
	Info(ctx, "started")
	Info(ChildLogger(ctx, "restore"), "done")
	want := []string{"commit: info: started", "commit.restore: info: done"}
	if diff := cmp.Diff(formatLogs(h.Logs(), simple), want); diff != "" {
		t.Errorf("logs (-got +want):\n%s", diff)
	}
	if got := h.Logs()[1].Keys["job"]; got != "1" {
		t.Errorf("child should inherit fields; job=%v", got)
	}
}

func TestSpan(t *testing.T) {
	rctx, h := TestWithCapture(t)
	func() (retErr error) {
		ctx, end := SpanContext(rctx, "apply")
		defer end(Errorp(&retErr))
		Debug(ctx, "working")
		return errors.New("nope")
	}()
	func() {
		_, end := SpanContextL(rctx, "ok", InfoLevel, zap.String("method", "commitChangeSet"))
		defer end(zap.Error(nil))
	}()
	want := []string{
		"apply: debug: apply: span start",
		"apply: debug: working",
		"apply: debug: apply: span failed",
		"ok: info: ok: span start",
		"ok: info: ok: span finished ok",
	}
	if diff := cmp.Diff(formatLogs(h.Logs(), simple), want); diff != "" {
		t.Errorf("logs (-got +want):\n%s", diff)
	}
}

// simple formats a message as "logger: severity: message".
func simple(m *RawMessage) string {
	if m.Logger != "" {
		return m.Logger + ": " + m.Severity + ": " + m.Message
	}
	return m.Severity + ": " + m.Message
}

func formatLogs(msgs []*RawMessage, f func(*RawMessage) string) []string {
	result := make([]string, 0, len(msgs))
	for _, m := range msgs {
		result = append(result, f(m))
	}
	return result
}

func TestEmptyContext(t *testing.T) {
	_, h := TestWithCapture(t)
	ctx := context.Background() // intentionally the wrong context
	var want []string
	Debug(ctx, "this is a debug log")
	want = append(want,
		"dpanic: log: internal error: no logger in provided context",
		"debug: this is a debug log")
	if diff := cmp.Diff(formatLogs(h.Logs(), simple), want); diff != "" {
		t.Errorf("logs (-got +want):\n%s", diff)
	}
}
