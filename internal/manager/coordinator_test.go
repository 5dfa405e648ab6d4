package manager

import (
	"context"
	"errors"
	"image"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"diffusiond/internal/state"
)

func TestSubmit_NoModel(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{}, "a")
	if _, err := m.Submit(validRequest()); !IsNoModel(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestSubmit_InvalidBeforeState(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{}, "a")
	req := validRequest()
	req.Steps = 0
	if _, err := m.Submit(req); !IsInvalidRequest(err) {
		t.Fatalf("err=%v", err)
	}
}

func TestSubmit_BusyWhileLoading(t *testing.T) {
	m, b := newTestManager(t, ManagerConfig{}, "a")
	b.gates["a"] = make(chan struct{})
	m.Load("a")
	if _, err := m.Submit(validRequest()); !IsBusy(err) {
		t.Fatalf("err=%v", err)
	}
	close(b.gates["a"])
}

func TestSubmit_BusyWhileRunning(t *testing.T) {
	m, b := newTestManager(t, ManagerConfig{}, "a")
	loadAndWait(t, m, "a")
	gate := make(chan struct{})
	b.setGen(gatedGen(gate))
	rec := record(t, m)
	if _, err := m.Submit(validRequest()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := m.Submit(validRequest()); !IsBusy(err) {
		t.Fatalf("second submit err=%v", err)
	}
	close(gate)
	rec.until(isKind(PhaseCompleted))
}

func TestSubmit_CompletedThenReady(t *testing.T) {
	pub := NewMemoryPublisher()
	m, b := newTestManager(t, ManagerConfig{Publisher: pub, SeedSource: func() int64 { return 99 }}, "a")
	loadAndWait(t, m, "a")
	rec := record(t, m)
	tk, err := m.Submit(validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if tk.Seed != 99 || tk.RequestID == "" {
		t.Fatalf("ticket %+v", tk)
	}
	done := rec.until(isKind(PhaseCompleted))
	next := rec.until(func(Phase) bool { return true })
	if next.Kind != PhaseReady || next.ModelID != "a" {
		t.Fatalf("after completed: %+v", next)
	}
	res := done.Result
	if res == nil || res.RequestID != tk.RequestID || res.ModelID != "a" || res.Seed != 99 {
		t.Fatalf("result %+v", res)
	}
	if len(res.Images) != 2 || res.Images[0].Index != 0 || res.Images[1].Index != 1 {
		t.Fatalf("images %+v", res.Images)
	}
	if res.Request.Seed == nil || *res.Request.Seed != 99 {
		t.Fatalf("request seed not frozen")
	}
	b.mu.Lock()
	got := b.lastReq
	b.mu.Unlock()
	if got.ID != tk.RequestID || got.Seed != 99 {
		t.Fatalf("backend request %+v", got)
	}
	if !slices.Contains(pub.Names(), EventGenerateDone) {
		t.Fatalf("events %v", pub.Names())
	}
	if st := m.Status(); st.GenerationsTotal != 1 || st.LoadsTotal != 1 {
		t.Fatalf("status %+v", st)
	}
}

func TestSubmit_ExplicitSeedWins(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{SeedSource: func() int64 { return 1 }}, "a")
	loadAndWait(t, m, "a")
	rec := record(t, m)
	req := validRequest()
	seed := int64(1234)
	req.Seed = &seed
	tk, err := m.Submit(req)
	if err != nil || tk.Seed != 1234 {
		t.Fatalf("ticket %+v err=%v", tk, err)
	}
	if p := rec.until(isKind(PhaseCompleted)); p.Result.Seed != 1234 {
		t.Fatalf("seed %d", p.Result.Seed)
	}
}

func TestSubmit_RandomSeedsAreNonNegative(t *testing.T) {
	for i := 0; i < 100; i++ {
		if s := RandomSeed(); s < 0 {
			t.Fatalf("negative seed %d", s)
		}
	}
}

func TestGenerate_Failures(t *testing.T) {
	cases := []struct {
		name string
		gen  genFunc
		code string
	}{
		{"missing_images", func(_ context.Context, req BackendRequest, _ ProgressSink) ([]image.Image, error) {
			imgs := makeImages(req.ImageCount)
			imgs[1] = nil
			return imgs, nil
		}, CodeIncompleteGeneration},
		{"extra_images", func(_ context.Context, req BackendRequest, _ ProgressSink) ([]image.Image, error) {
			return makeImages(req.ImageCount + 1), nil
		}, CodeIncompleteGeneration},
		{"backend_error", func(context.Context, BackendRequest, ProgressSink) ([]image.Image, error) {
			return nil, errBoom
		}, CodeGeneration},
		{"backend_panic", func(context.Context, BackendRequest, ProgressSink) ([]image.Image, error) {
			panic("kaboom")
		}, CodeGeneration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, b := newTestManager(t, ManagerConfig{}, "a")
			loadAndWait(t, m, "a")
			b.setGen(tc.gen)
			rec := record(t, m)
			tk, err := m.Submit(validRequest())
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			p := rec.until(isKind(PhaseFailed))
			if p.Code != tc.code || p.RequestID != tk.RequestID || p.Err == "" {
				t.Fatalf("failed phase %+v", p)
			}
			if next := rec.until(func(Phase) bool { return true }); next.Kind != PhaseReady {
				t.Fatalf("after failed: %s", next.Kind)
			}
			// The coordinator is usable again.
			b.setGen(nil)
			if _, err := m.Submit(validRequest()); err != nil {
				t.Fatalf("resubmit: %v", err)
			}
			rec.until(isKind(PhaseCompleted))
		})
	}
}

func TestProgress_DropsRegressions(t *testing.T) {
	pub := NewMemoryPublisher()
	m, b := newTestManager(t, ManagerConfig{Publisher: pub}, "a")
	loadAndWait(t, m, "a")
	b.setGen(func(_ context.Context, req BackendRequest, sink ProgressSink) ([]image.Image, error) {
		for _, s := range []int{0, 2, 1, 2, 3} {
			sink.Report(Progress{Step: s})
		}
		return makeImages(req.ImageCount), nil
	})
	rec := record(t, m)
	req := validRequest()
	req.Steps = 4
	tk, _ := m.Submit(req)
	rec.until(isKind(PhaseCompleted))

	last := -1
	for _, p := range rec.seen {
		if p.Kind != PhaseRunning || p.Progress == nil {
			continue
		}
		if p.Progress.Step < last {
			t.Fatalf("step went backwards: %d after %d", p.Progress.Step, last)
		}
		if p.Progress.RequestID != tk.RequestID || p.Progress.TotalSteps != 4 {
			t.Fatalf("progress %+v", *p.Progress)
		}
		last = p.Progress.Step
	}
	dropped := 0
	for _, e := range pub.Events() {
		if e.Name == EventProgressDropped {
			dropped++
		}
	}
	if dropped != 1 {
		t.Fatalf("dropped=%d", dropped)
	}
}

func TestCancel_RetiresIdentity(t *testing.T) {
	pub := NewMemoryPublisher()
	m, b := newTestManager(t, ManagerConfig{Publisher: pub}, "a")
	loadAndWait(t, m, "a")
	b.setGen(func(ctx context.Context, req BackendRequest, sink ProgressSink) ([]image.Image, error) {
		<-ctx.Done()
		sink.Report(Progress{Step: 5})
		return makeImages(req.ImageCount), nil
	})
	rec := record(t, m)
	tk, err := m.Submit(validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if m.Cancel("not-" + tk.RequestID) {
		t.Fatalf("cancel with wrong id succeeded")
	}
	if !m.Cancel(tk.RequestID) {
		t.Fatalf("cancel failed")
	}
	if m.Cancel(tk.RequestID) {
		t.Fatalf("second cancel succeeded")
	}
	if p := m.Phase(); p.Kind != PhaseReady || p.ModelID != "a" || p.RequestID != tk.RequestID {
		t.Fatalf("phase after cancel %+v", p)
	}
	if m.Running() != "" {
		t.Fatalf("run still registered")
	}
	if err := m.Close(testCtx(t)); err != nil {
		t.Fatalf("close: %v", err)
	}
	for {
		p, err := rec.sub.Next(testCtx(t))
		if err != nil {
			break
		}
		if p.Kind == PhaseCompleted || p.Kind == PhaseFailed {
			t.Fatalf("terminal event after cancel: %+v", p)
		}
		if p.Kind == PhaseRunning && p.Progress != nil {
			t.Fatalf("late progress published: %+v", p.Progress)
		}
	}
	names := pub.Names()
	if !slices.Contains(names, EventGenerateCancelled) || !slices.Contains(names, EventProgressDropped) {
		t.Fatalf("events %v", names)
	}
	if slices.Contains(names, EventGenerateDone) {
		t.Fatalf("late result was accepted: %v", names)
	}
}

func TestCancel_LateSubscriberSeesTaggedReady(t *testing.T) {
	m, b := newTestManager(t, ManagerConfig{}, "a")
	loadAndWait(t, m, "a")
	b.setGen(func(ctx context.Context, _ BackendRequest, _ ProgressSink) ([]image.Image, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rec := record(t, m)
	tk, err := m.Submit(validRequest())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !m.Cancel(tk.RequestID) {
		t.Fatalf("cancel failed")
	}
	// Nothing was read before the cancel, so Running has been replaced.
	p := rec.until(func(p Phase) bool { return p.RequestID == tk.RequestID })
	if p.Kind != PhaseReady || p.ModelID != "a" {
		t.Fatalf("first phase for request %+v (seen %v)", p, rec.kinds())
	}
}

func TestSlowSubscriberKeepsCompletedPhases(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{SubscriberBacklog: 1}, "a")
	loadAndWait(t, m, "a")
	slow := record(t, m)
	fast := record(t, m)
	var want []string
	for range 3 {
		tk, err := m.Submit(validRequest())
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		want = append(want, tk.RequestID)
		fast.until(isKind(PhaseCompleted))
	}
	var got []string
	for len(got) < len(want) {
		got = append(got, slow.until(isKind(PhaseCompleted)).RequestID)
	}
	if !slices.Equal(got, want) {
		t.Fatalf("completed %v want %v", got, want)
	}
}

func TestCancel_NextRunWaitsForStraggler(t *testing.T) {
	m, b := newTestManager(t, ManagerConfig{}, "a")
	loadAndWait(t, m, "a")
	straggle := make(chan struct{})
	var n atomic.Int32
	b.setGen(func(ctx context.Context, req BackendRequest, sink ProgressSink) ([]image.Image, error) {
		if n.Add(1) == 1 {
			<-straggle
			return makeImages(req.ImageCount), nil
		}
		return stepsGen(ctx, req, sink)
	})
	rec := record(t, m)
	first, _ := m.Submit(validRequest())
	eventually(t, func() bool { c, _ := b.stats(); return c == 1 })
	m.Cancel(first.RequestID)

	second, err := m.Submit(validRequest())
	if err != nil {
		t.Fatalf("submit after cancel: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if c, _ := b.stats(); c != 1 {
		t.Fatalf("backend called while straggler in flight (calls=%d)", c)
	}
	close(straggle)
	p := rec.until(isKind(PhaseCompleted))
	if p.RequestID != second.RequestID {
		t.Fatalf("completed %s want %s", p.RequestID, second.RequestID)
	}
	if _, maxActive := b.stats(); maxActive != 1 {
		t.Fatalf("max concurrent backend calls=%d", maxActive)
	}
}

func TestClose_EndsSubscriptionsAndReleasesModel(t *testing.T) {
	m, b := newTestManager(t, ManagerConfig{}, "a")
	loadAndWait(t, m, "a")
	b.setGen(func(ctx context.Context, _ BackendRequest, _ ProgressSink) ([]image.Image, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	sub := m.Subscribe()
	defer sub.Close()
	if _, err := m.Submit(validRequest()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := m.Close(testCtx(t)); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Close(testCtx(t)); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := m.Submit(validRequest()); !errors.Is(err, ErrClosed) {
		t.Fatalf("submit after close err=%v", err)
	}
	if n := b.model("a").closeCount(); n != 1 {
		t.Fatalf("model closed %d times", n)
	}
	ctx := testCtx(t)
	for {
		if _, err := sub.Next(ctx); err != nil {
			if !errors.Is(err, state.ErrClosed) {
				t.Fatalf("next err=%v", err)
			}
			break
		}
	}
	if m.Ready() {
		t.Fatalf("closed manager reports ready")
	}
}

func TestClose_TimeoutLeavesModelToLastWorker(t *testing.T) {
	m, b := newTestManager(t, ManagerConfig{}, "a")
	loadAndWait(t, m, "a")
	gate := make(chan struct{})
	b.setGen(gatedGen(gate))
	if _, err := m.Submit(validRequest()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	eventually(t, func() bool { c, _ := b.stats(); return c == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("close err=%v", err)
	}
	if n := b.model("a").closeCount(); n != 0 {
		t.Fatalf("model closed while in use (%d)", n)
	}
	close(gate)
	eventually(t, func() bool { return b.model("a").closeCount() == 1 })
}
