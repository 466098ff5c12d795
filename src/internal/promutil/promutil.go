// Package promutil contains utilities for collecting Prometheus metrics.
package promutil

import (
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pachyderm/troverepo/src/internal/errors"
	"github.com/pachyderm/troverepo/src/internal/log"
)

var (
	inFlightMetric = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "troverepo",
		Name:      "http_client_in_flight_requests",
		Help:      "A gauge of in-flight requests being made against an HTTP API, by client.",
	}, []string{"client"})

	requestCountMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troverepo",
		Name:      "http_client_requests_total",
		Help:      "A summary of requests made against an HTTP API, by client, status code, and request method.",
	}, []string{"client", "code", "method"})

	requestTimeMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "troverepo",
		Name:      "http_client_request_duration_seconds",
		Help:      "A histogram of request timing against an HTTP API, by client and request method.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.1, 1, 10, 30, 60},
	}, []string{"client", "method"})

	rpcCountMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "troverepo",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Repository calls served, by method and result kind.",
	}, []string{"method", "result"})

	rpcTimeMetric = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "troverepo",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "Time spent serving repository calls, by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	// ChangesetBytesServed counts changeset bytes sent to clients.
	ChangesetBytesServed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "troverepo",
		Subsystem: "changeset",
		Name:      "served_bytes_total",
		Help:      "Bytes of changesets downloaded by clients.",
	})

	// ChangesetBytesReceived counts changeset bytes uploaded by clients.
	ChangesetBytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "troverepo",
		Subsystem: "changeset",
		Name:      "received_bytes_total",
		Help:      "Bytes of changesets uploaded by clients.",
	})
)

type loggingRT struct {
	name       string
	underlying http.RoundTripper
}

func (rt *loggingRT) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	ctx := req.Context()
	fields := []log.Field{zap.String("name", rt.name), zap.String("method", req.Method), zap.String("host", req.URL.Host)}

	// Log the start of long HTTP requests.
	timer := time.AfterFunc(10*time.Second, func() {
		f := append(fields, zap.Duration("duration", time.Since(start)))
		if dl, ok := ctx.Deadline(); ok {
			f = append(f, zap.Duration("deadline", time.Until(dl)))
		}
		log.Info(ctx, "ongoing long http request", f...)
	})
	defer timer.Stop()

	res, err := rt.underlying.RoundTrip(req)
	if err != nil {
		log.Info(ctx, "outgoing http request completed with error", append(fields, zap.Error(err))...)
		return res, errors.EnsureStack(err)
	}
	if res != nil {
		log.Debug(ctx, "outgoing http request complete", append(fields, zap.Duration("duration", time.Since(start)), zap.String("status", res.Status))...)
	}
	return res, nil
}

// InstrumentRoundTripper returns an http.RoundTripper that collects Prometheus metrics; delegating
// to the underlying RoundTripper to actually make requests.
func InstrumentRoundTripper(name string, rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	ls := prometheus.Labels{"client": name}
	return promhttp.InstrumentRoundTripperInFlight(
		inFlightMetric.With(ls),
		promhttp.InstrumentRoundTripperDuration(
			requestTimeMetric.MustCurryWith(ls),
			promhttp.InstrumentRoundTripperCounter(
				requestCountMetric.MustCurryWith(ls),
				&loggingRT{name: name, underlying: rt})))
}

// ObserveRPC records one served call.  result is "ok" or the error kind.
func ObserveRPC(method, result string, start time.Time) {
	rpcCountMetric.WithLabelValues(method, result).Inc()
	rpcTimeMetric.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

// Adder is something that can be added to.
type Adder interface {
	Add(float64) // Implemented by prometheus.Counter.
}

var _ Adder = prometheus.NewCounter(prometheus.CounterOpts{})

// CountingReader exports a count of bytes read from an underlying io.Reader.
type CountingReader struct {
	io.Reader
	Counter Adder
}

// Read implements io.Reader.
func (r *CountingReader) Read(p []byte) (n int, err error) {
	n, err = r.Reader.Read(p)
	r.Counter.Add(float64(n))
	return
}

// CountingWriter exports a count of bytes written to an underlying io.Writer.
type CountingWriter struct {
	io.Writer
	Counter Adder
}

// Write implements io.Writer.
func (w *CountingWriter) Write(p []byte) (n int, err error) {
	n, err = w.Writer.Write(p)
	w.Counter.Add(float64(n))
	return
}
