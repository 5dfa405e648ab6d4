package manager

import (
	"context"
	"errors"
	"image"
	"io/fs"
	"sync"
	"testing"
	"time"

	"diffusiond/internal/registry"
)

// fakeRegistry serves a fixed set of ids; broken ids fail with a storage error
// other than not-exist so that Load accepts them and the worker reports it.
type fakeRegistry struct {
	ids    []string
	broken map[string]bool
}

func (r *fakeRegistry) List() ([]string, error) { return append([]string(nil), r.ids...), nil }

func (r *fakeRegistry) Resolve(id string) (registry.Location, error) {
	p := "/models/" + id
	if r.broken[id] {
		return registry.Location{}, &registry.StorageError{Op: "stat", Path: p, Err: fs.ErrPermission}
	}
	for _, known := range r.ids {
		if known == id {
			return registry.Location{ID: id, Path: p}, nil
		}
	}
	return registry.Location{}, &registry.StorageError{Op: "stat", Path: p, Err: fs.ErrNotExist}
}

type genFunc func(ctx context.Context, req BackendRequest, sink ProgressSink) ([]image.Image, error)

// fakeBackend records loads and generations. Loads of gated ids block until
// the gate closes or (unless stubborn) the load context is cancelled.
type fakeBackend struct {
	mu        sync.Mutex
	loadErr   map[string]error
	gates     map[string]chan struct{}
	stubborn  map[string]bool
	loads     []string
	models    map[string]*fakeModel
	gen       genFunc
	calls     int
	active    int
	maxActive int
	lastReq   BackendRequest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		loadErr:  map[string]error{},
		gates:    map[string]chan struct{}{},
		stubborn: map[string]bool{},
		models:   map[string]*fakeModel{},
	}
}

func (b *fakeBackend) Load(ctx context.Context, loc registry.Location, _ LoadConfig) (LoadedModel, error) {
	b.mu.Lock()
	b.loads = append(b.loads, loc.ID)
	gate, stubborn, err := b.gates[loc.ID], b.stubborn[loc.ID], b.loadErr[loc.ID]
	b.mu.Unlock()
	if gate != nil {
		if stubborn {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if err != nil {
		return nil, err
	}
	fm := &fakeModel{id: loc.ID, b: b}
	b.mu.Lock()
	b.models[loc.ID] = fm
	b.mu.Unlock()
	return fm, nil
}

func (b *fakeBackend) setGen(fn genFunc) {
	b.mu.Lock()
	b.gen = fn
	b.mu.Unlock()
}

func (b *fakeBackend) model(id string) *fakeModel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.models[id]
}

func (b *fakeBackend) loadCalls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.loads...)
}

func (b *fakeBackend) stats() (calls, maxActive int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls, b.maxActive
}

type fakeModel struct {
	id string
	b  *fakeBackend

	mu     sync.Mutex
	closed int
}

func (fm *fakeModel) Generate(ctx context.Context, req BackendRequest, sink ProgressSink) ([]image.Image, error) {
	b := fm.b
	b.mu.Lock()
	b.calls++
	b.active++
	if b.active > b.maxActive {
		b.maxActive = b.active
	}
	b.lastReq = req
	fn := b.gen
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.active--
		b.mu.Unlock()
	}()
	if fn == nil {
		fn = stepsGen
	}
	return fn(ctx, req, sink)
}

func (fm *fakeModel) Close() error {
	fm.mu.Lock()
	fm.closed++
	fm.mu.Unlock()
	return nil
}

func (fm *fakeModel) closeCount() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return fm.closed
}

// stepsGen reports every step and returns ImageCount images.
func stepsGen(ctx context.Context, req BackendRequest, sink ProgressSink) ([]image.Image, error) {
	for i := 0; i < req.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sink.Report(Progress{Step: i, TotalSteps: req.Steps})
	}
	return makeImages(req.ImageCount), nil
}

func makeImages(n int) []image.Image {
	out := make([]image.Image, n)
	for i := range out {
		out[i] = image.NewRGBA(image.Rect(0, 0, 2, 2))
	}
	return out
}

// gatedGen blocks until gate closes, ignoring cancellation, then behaves like stepsGen.
func gatedGen(gate <-chan struct{}) genFunc {
	return func(_ context.Context, req BackendRequest, sink ProgressSink) ([]image.Image, error) {
		<-gate
		sink.Report(Progress{Step: 0})
		return makeImages(req.ImageCount), nil
	}
}

func newTestManager(t *testing.T, cfg ManagerConfig, ids ...string) (*Manager, *fakeBackend) {
	t.Helper()
	b := newFakeBackend()
	reg, _ := cfg.Registry.(*fakeRegistry)
	if reg == nil {
		reg = &fakeRegistry{broken: map[string]bool{}}
	}
	reg.ids = append(reg.ids, ids...)
	cfg.Registry = reg
	cfg.Backend = b
	m := NewWithConfig(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return m, b
}

func validRequest() GenerationRequest {
	return GenerationRequest{
		Prompt:     "discworld the truth",
		Scheduler:  SchedulerDPMPP,
		Steps:      3,
		ImageCount: 2,
		Guidance:   7.5,
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// recorder keeps every phase a subscription delivered.
type recorder struct {
	t   *testing.T
	sub interface {
		Next(context.Context) (Phase, error)
		Close()
	}
	seen []Phase
}

func record(t *testing.T, m *Manager) *recorder {
	t.Helper()
	s := m.Subscribe()
	t.Cleanup(s.Close)
	return &recorder{t: t, sub: s}
}

// until reads phases until match returns true and returns the matching phase.
func (r *recorder) until(match func(Phase) bool) Phase {
	r.t.Helper()
	ctx := testCtx(r.t)
	for {
		p, err := r.sub.Next(ctx)
		if err != nil {
			r.t.Fatalf("waiting for phase: %v (seen %v)", err, r.kinds())
		}
		r.seen = append(r.seen, p)
		if match(p) {
			return p
		}
	}
}

func (r *recorder) kinds() []string {
	out := make([]string, len(r.seen))
	for i, p := range r.seen {
		out[i] = string(p.Kind)
		if p.ModelID != "" {
			out[i] += ":" + p.ModelID
		}
	}
	return out
}

func isKind(k PhaseKind) func(Phase) bool {
	return func(p Phase) bool { return p.Kind == k }
}

func readyWith(id string) func(Phase) bool {
	return func(p Phase) bool { return p.Kind == PhaseReady && p.ModelID == id }
}

func loadAndWait(t *testing.T, m *Manager, id string) {
	t.Helper()
	rec := record(t, m)
	if _, err := m.Load(id); err != nil {
		t.Fatalf("load %s: %v", id, err)
	}
	rec.until(readyWith(id))
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var errBoom = errors.New("boom")
