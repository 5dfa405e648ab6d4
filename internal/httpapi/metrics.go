package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"diffusiond/internal/manager"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "diffusiond",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "diffusiond",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "status"},
	)

	httpInflight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "diffusiond",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "In-flight HTTP requests",
		},
		[]string{"method"},
	)

	backpressureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "diffusiond",
			Subsystem: "http",
			Name:      "backpressure_total",
			Help:      "Total backpressure rejections (429)",
		},
		[]string{"reason"},
	)

	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "diffusiond",
			Subsystem: "manager",
			Name:      "loads_total",
			Help:      "Model loads by outcome",
		},
		[]string{"outcome"},
	)

	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "diffusiond",
			Subsystem: "manager",
			Name:      "generations_total",
			Help:      "Generations by outcome",
		},
		[]string{"outcome"},
	)

	generationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "diffusiond",
			Subsystem: "manager",
			Name:      "generation_duration_seconds",
			Help:      "Duration of generations that reached a terminal event",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	progressDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "diffusiond",
			Subsystem: "manager",
			Name:      "progress_dropped_total",
			Help:      "Progress callbacks discarded as stale or out of order",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal, httpRequestDuration, httpInflight, backpressureTotal,
		loadsTotal, generationsTotal, generationDuration, progressDroppedTotal)
}

// statusRecorder wraps http.ResponseWriter to capture status code. It keeps
// streaming (Flush) and websocket (Hijack) working through the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func wrapRecorder(w http.ResponseWriter) *statusRecorder {
	if sr, ok := w.(*statusRecorder); ok {
		return sr
	}
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wrote {
		sr.status = code
		sr.wrote = true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wrote = true
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	sr.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (sr *statusRecorder) Unwrap() http.ResponseWriter { return sr.ResponseWriter }

// MetricsMiddleware instruments requests for Prometheus
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := wrapRecorder(w)
		start := time.Now()
		httpInflight.WithLabelValues(r.Method).Inc()
		next.ServeHTTP(sr, r)
		httpInflight.WithLabelValues(r.Method).Dec()
		// the route pattern is only known after routing
		path := routePatternOrPath(r)
		statusLabel := strconv.Itoa(sr.status)
		httpRequestsTotal.WithLabelValues(path, r.Method, statusLabel).Inc()
		httpRequestDuration.WithLabelValues(path, r.Method, statusLabel).Observe(time.Since(start).Seconds())
	})
}

// routePatternOrPath returns the chi route pattern if available, otherwise
// falls back to URL path. This avoids high-cardinality label values.
func routePatternOrPath(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// IncrementBackpressure is called when returning 429 to the client
func IncrementBackpressure(reason string) {
	if reason == "" {
		reason = "unspecified"
	}
	backpressureTotal.WithLabelValues(reason).Inc()
}

// MetricsPublisher turns manager events into Prometheus series.
type MetricsPublisher struct{}

var _ manager.EventPublisher = MetricsPublisher{}

// Publish implements manager.EventPublisher.
func (MetricsPublisher) Publish(e manager.Event) {
	switch e.Name {
	case manager.EventLoadReady:
		loadsTotal.WithLabelValues("ready").Inc()
	case manager.EventLoadError:
		loadsTotal.WithLabelValues("error").Inc()
	case manager.EventLoadSuperseded:
		loadsTotal.WithLabelValues("superseded").Inc()
	case manager.EventGenerateDone:
		generationsTotal.WithLabelValues("completed").Inc()
		observeDuration(e)
	case manager.EventGenerateFailed:
		outcome := "failed"
		if code, _ := e.Fields["code"].(string); code == manager.CodeIncompleteGeneration {
			outcome = "incomplete"
		}
		generationsTotal.WithLabelValues(outcome).Inc()
		observeDuration(e)
	case manager.EventGenerateCancelled:
		generationsTotal.WithLabelValues("cancelled").Inc()
	case manager.EventProgressDropped:
		progressDroppedTotal.Inc()
	}
}

func observeDuration(e manager.Event) {
	if ms, ok := e.Fields["dur_ms"].(int64); ok {
		generationDuration.Observe(float64(ms) / 1000)
	}
}
