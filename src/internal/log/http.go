package log

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type requestIDKey struct{}

// maxErrorBody is how much of an error response is kept for the log.
const maxErrorBody = 1000

// response is what the logging middleware learned about a reply.
type response struct {
	status  int
	written int64
	errBody []byte
}

func (c *response) started() {
	if c.status == 0 {
		c.status = http.StatusOK
	}
}

// capture wraps w so that the status, size and the start of any error body
// are recorded in the returned response.  The wrapper keeps w's optional
// interfaces (Flusher, ReaderFrom, Hijacker).
func capture(w http.ResponseWriter) (http.ResponseWriter, *response) {
	c := &response{}
	return httpsnoop.Wrap(w, httpsnoop.Hooks{
		WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
			return func(code int) {
				if c.status == 0 {
					c.status = code
				}
				next(code)
			}
		},
		Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
			return func(b []byte) (int, error) {
				c.started()
				if c.status >= 400 && len(c.errBody) < maxErrorBody {
					c.errBody = append(c.errBody, b[:min(len(b), maxErrorBody-len(c.errBody))]...)
				}
				n, err := next(b)
				c.written += int64(n)
				return n, err
			}
		},
		ReadFrom: func(next httpsnoop.ReadFromFunc) httpsnoop.ReadFromFunc {
			return func(src io.Reader) (int64, error) {
				c.started()
				n, err := next(src)
				c.written += n
				return n, err
			}
		},
	}), c
}

// AddLoggerToHTTPServer mutates the provided *http.Server so that (*http.Request).Context() returns
// a context that can be logged to, and so that every request is logged with its x-request-id.
func AddLoggerToHTTPServer(rctx context.Context, name string, s *http.Server) {
	ctx := ChildLogger(rctx, name, WithServerID())
	s.BaseContext = func(l net.Listener) context.Context {
		return ctx
	}
	s.ErrorLog = NewStdLogAt(ctx, DebugLevel)
	if s.Handler == nil {
		return
	}
	orig := s.Handler
	s.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := r.Header.Values("x-request-id")
		if len(requestID) == 0 {
			requestID = append(requestID, uuid.NewString())
		}
		id := zap.Strings("x-request-id", requestID)
		quiet := r.URL.Path == "/healthz" || r.URL.Path == "/metrics"

		url := r.URL.Path
		if len(url) > 16384 {
			url = url[:16384] + fmt.Sprintf("... (%d bytes)", len(r.URL.Path))
		}
		if !quiet {
			Debug(ctx, "incoming http request", zap.String("path", url), zap.String("method", r.Method), zap.String("host", r.Host), zap.String("peer", r.RemoteAddr), id)
		}

		ctx = ChildLogger(ctx, "", WithFields(id))
		ctx = context.WithValue(ctx, requestIDKey{}, requestID)
		r = r.WithContext(ctx)
		start := time.Now()
		cw, resp := capture(w)
		orig.ServeHTTP(cw, r)
		if !quiet {
			Info(ctx, "http response",
				zap.String("method", r.Method),
				zap.String("path", url),
				zap.String("peer", r.RemoteAddr),
				id,
				zap.Int("status-code", resp.status),
				Size("written", resp.written),
				zap.Duration("duration", time.Since(start)),
				zap.ByteString("error-msg", resp.errBody))
		}
	})
}

// RequestID returns the RequestID associated with this HTTP request.  This is added by the
// middleware above.
func RequestID(ctx context.Context) string {
	if parts, ok := ctx.Value(requestIDKey{}).([]string); ok {
		return strings.Join(parts, ";")
	}
	return ""
}
