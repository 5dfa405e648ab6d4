package httpapi

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"diffusiond/internal/manager"
)

func TestIncrementBackpressure(t *testing.T) {
	baseline := testutil.ToFloat64(backpressureTotal.WithLabelValues("busy"))
	IncrementBackpressure("busy")
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("busy")); got != baseline+1 {
		t.Fatalf("busy=%v want %v", got, baseline+1)
	}
	before := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified"))
	IncrementBackpressure("")
	if got := testutil.ToFloat64(backpressureTotal.WithLabelValues("unspecified")); got != before+1 {
		t.Fatalf("unspecified=%v want %v", got, before+1)
	}
}

func TestMetricsPublisher(t *testing.T) {
	var p MetricsPublisher
	ready := testutil.ToFloat64(loadsTotal.WithLabelValues("ready"))
	incomplete := testutil.ToFloat64(generationsTotal.WithLabelValues("incomplete"))
	dropped := testutil.ToFloat64(progressDroppedTotal)

	p.Publish(manager.Event{Name: manager.EventLoadReady})
	p.Publish(manager.Event{Name: manager.EventGenerateFailed, Fields: map[string]any{
		"code": manager.CodeIncompleteGeneration, "dur_ms": int64(1500),
	}})
	p.Publish(manager.Event{Name: manager.EventProgressDropped})
	p.Publish(manager.Event{Name: manager.EventGenerateStart})

	if got := testutil.ToFloat64(loadsTotal.WithLabelValues("ready")); got != ready+1 {
		t.Fatalf("loads ready=%v", got)
	}
	if got := testutil.ToFloat64(generationsTotal.WithLabelValues("incomplete")); got != incomplete+1 {
		t.Fatalf("incomplete=%v", got)
	}
	if got := testutil.ToFloat64(progressDroppedTotal); got != dropped+1 {
		t.Fatalf("dropped=%v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t, 0)
	_ = e.do(http.MethodGet, "/models", "")
	w := e.do(http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), `diffusiond_http_requests_total{method="GET",path="/models",status="200"}`) {
		t.Fatalf("route pattern series missing")
	}
}

func TestStatusRecorderKeepsFlusher(t *testing.T) {
	var flushed bool
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Fatalf("writer lost http.Flusher")
		}
		w.WriteHeader(http.StatusTeapot)
		f.Flush()
		flushed = true
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	if !flushed || !w.Flushed || w.Code != http.StatusTeapot {
		t.Fatalf("flushed=%v recorder=%v code=%d", flushed, w.Flushed, w.Code)
	}
}
