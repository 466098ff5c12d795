package log

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

// RawMessage is a captured log message.
type RawMessage struct {
	Logger   string
	Severity string
	Message  string
	Caller   string
	Keys     map[string]interface{}
}

// String formats the message for test output.
func (m *RawMessage) String() string {
	var b strings.Builder
	if m.Logger != "" {
		b.WriteString(m.Logger + ": ")
	}
	b.WriteString(m.Severity + ": " + m.Message)
	keys := make([]string, 0, len(m.Keys))
	for k := range m.Keys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, m.Keys[k])
	}
	return b.String()
}

// History is a record of captured logs.
type History struct {
	mu  sync.Mutex
	obs *observer.ObservedLogs
}

// Logs returns every message logged so far.
func (h *History) Logs() []*RawMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	var result []*RawMessage
	for _, e := range h.obs.All() {
		result = append(result, &RawMessage{
			Logger:   e.LoggerName,
			Severity: e.Level.String(),
			Message:  e.Message,
			Caller:   e.Caller.TrimmedPath(),
			Keys:     e.ContextMap(),
		})
	}
	return result
}

// HasALog fails the test if nothing has been logged.
func (h *History) HasALog(t testing.TB) {
	t.Helper()
	if len(h.Logs()) == 0 {
		t.Fatal("expected at least one log line, got none")
	}
}

func newTestLogger(t testing.TB, parallel bool, opts ...zap.Option) (*zap.Logger, *History) {
	t.Helper()
	core, obs := observer.New(zapcore.DebugLevel)
	tl := zaptest.NewLogger(t, zaptest.Level(zapcore.DebugLevel))
	l := zap.New(zapcore.NewTee(core, tl.Core()), append([]zap.Option{zap.AddCaller()}, opts...)...)
	if !parallel {
		t.Cleanup(zap.ReplaceGlobals(l))
		t.Cleanup(zap.RedirectStdLog(l))
	}
	return l, &History{obs: obs}
}

// Test returns a context with a logger that logs to the test's output.
func Test(t testing.TB, opts ...zap.Option) context.Context {
	ctx, _ := TestWithCapture(t, opts...)
	return ctx
}

// TestWithCapture returns a context with a logger that logs to the test's output and records
// every message.  The global logger is replaced for the duration of the test, so the test must
// not be run in parallel.
func TestWithCapture(t testing.TB, opts ...zap.Option) (context.Context, *History) {
	t.Helper()
	l, h := newTestLogger(t, false, opts...)
	return withLogger(context.Background(), l), h
}

// testWithCaptureParallel is TestWithCapture without touching the global logger.
func testWithCaptureParallel(t testing.TB, opts ...zap.Option) (context.Context, *History) {
	t.Helper()
	l, h := newTestLogger(t, true, opts...)
	return withLogger(context.Background(), l), h
}
