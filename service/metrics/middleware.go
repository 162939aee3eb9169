package metrics

import (
	"log/slog"
	"net/http"
	"time"
)

// RouteObserver instruments the routes of one HTTP server. Requests are
// labelled with a fixed route name such as "split_webhook" rather than their
// path, so split addresses in stream paths never become label values.
type RouteObserver struct {
	metrics       *Metrics // optional
	logger        *slog.Logger
	correlationID func(*http.Request) string
}

// NewRouteObserver returns an observer. m may be nil; correlationID extracts the
// request's correlation id for log lines and may be nil.
func NewRouteObserver(m *Metrics, logger *slog.Logger, correlationID func(*http.Request) string) *RouteObserver {
	if correlationID == nil {
		correlationID = func(*http.Request) string { return "" }
	}
	return &RouteObserver{metrics: m, logger: logger, correlationID: correlationID}
}

// Wrap records count, latency and in-flight requests for route. 5xx responses
// are logged with the correlation id so a failed webhook delivery can be traced.
func (o *RouteObserver) Wrap(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if o.metrics != nil {
			o.metrics.httpRequestsInFlight.WithLabelValues(route).Inc()
			defer o.metrics.httpRequestsInFlight.WithLabelValues(route).Dec()
		}

		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		duration := time.Since(start).Seconds()
		if o.metrics != nil {
			o.metrics.RecordHTTPRequest(route, r.Method, rw.status, duration)
		}
		if rw.status >= http.StatusInternalServerError && o.logger != nil {
			o.logger.Warn("request failed",
				"route", route,
				"method", r.Method,
				"status", rw.status,
				"duration_ms", int64(duration*1000),
				"correlation_id", o.correlationID(r),
			)
		}
	})
}

// statusRecorder captures the response status. It forwards Flush so the
// ledger stream can be observed like any other route.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusRecorder) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		w.wroteHeader = true
		f.Flush()
	}
}

func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Timer returns a func that reports the seconds elapsed since start, for use with defer.
func Timer(start time.Time, recordFunc func(float64)) func() {
	return func() {
		recordFunc(time.Since(start).Seconds())
	}
}
