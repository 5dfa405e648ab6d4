package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"diffusiond/internal/gallery"
	"diffusiond/internal/manager"
	"diffusiond/internal/pipeline"
	"diffusiond/internal/prefs"
	"diffusiond/internal/registry"
)

type testEnv struct {
	h       http.Handler
	mgr     *manager.Manager
	gallery *gallery.Store
	prefs   *prefs.Store
}

func newTestEnv(t *testing.T, stepDelay time.Duration) *testEnv {
	t.Helper()
	root := t.TempDir()
	for _, id := range []string{"m1", "m2"} {
		dir := filepath.Join(root, id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "model.bin"), []byte("weights"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	reg, err := registry.NewDir(root)
	if err != nil {
		t.Fatal(err)
	}
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Registry:  reg,
		Backend:   pipeline.New(pipeline.Options{Width: 8, Height: 8, StepDelay: stepDelay}),
		Publisher: MetricsPublisher{},
	})
	gal := gallery.New(gallery.Options{ExportDir: t.TempDir()})
	pr, err := prefs.Open("")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go gal.Collect(ctx, mgr.Subscribe())
	t.Cleanup(func() {
		cancel()
		c, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = mgr.Close(c)
	})
	h := NewMux(Deps{Engine: mgr, Models: reg, Gallery: gal, Prefs: pr})
	return &testEnv{h: h, mgr: mgr, gallery: gal, prefs: pr}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func (e *testEnv) loadModel(t *testing.T, id string) {
	t.Helper()
	w := e.do(http.MethodPost, "/models/load", `{"model":"`+id+`"}`)
	if w.Code != http.StatusAccepted && w.Code != http.StatusOK {
		t.Fatalf("load status=%d body=%s", w.Code, w.Body.String())
	}
	waitFor(t, func() bool {
		p := e.mgr.Phase()
		return p.Kind == manager.PhaseReady && p.ModelID == id
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
