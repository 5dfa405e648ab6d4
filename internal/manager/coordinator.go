package manager

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
)

// genRun is the single in-flight generation. Its identity is the pointer:
// once m.run no longer points at it, every late callback and result is dropped.
type genRun struct {
	id       string
	req      GenerationRequest
	seed     int64
	model    *modelHandle
	cancel   context.CancelFunc
	started  time.Time
	lastStep int
	dropped  int
}

// Submit validates req and starts a generation against the current model.
// It never blocks on the backend; progress and the outcome are published to
// the observable state.
func (m *Manager) Submit(req GenerationRequest) (Ticket, error) {
	if err := m.limits.Validate(req); err != nil {
		return Ticket{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return Ticket{}, ErrClosed
	case m.run != nil:
		return Ticket{}, busyError{what: "generation"}
	case m.load != nil:
		return Ticket{}, busyError{what: "model load"}
	case m.model == nil:
		return Ticket{}, noModelError{}
	}
	seed := m.resolveSeed(req)
	ctx, cancel := context.WithCancel(m.baseCtx)
	r := &genRun{
		id:       uuid.NewString(),
		req:      req.frozen(seed),
		seed:     seed,
		model:    m.acquireLocked(),
		cancel:   cancel,
		started:  time.Now(),
		lastStep: -1,
	}
	m.run = r
	m.publishLocked(Phase{Kind: PhaseRunning, ModelID: r.model.info.ID, RequestID: r.id})
	m.log.Info().Str("model", r.model.info.ID).Str("request_id", r.id).
		Int("steps", req.Steps).Int("images", req.ImageCount).Int64("seed", seed).
		Msg("manager event=generate_start")
	m.publisher.Publish(Event{Name: EventGenerateStart, ModelID: r.model.info.ID, RequestID: r.id})
	m.wg.Add(1)
	go m.generate(ctx, r)
	return Ticket{RequestID: r.id, Seed: seed}, nil
}

// Cancel retires the running request if its id matches and returns the
// coordinator to Ready. The backend call is asked to stop; whatever it
// produces afterwards is discarded.
func (m *Manager) Cancel(requestID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.run
	if r == nil || r.id != requestID {
		return false
	}
	m.run = nil
	r.cancel()
	// The Ready carries the retired id so observers can attribute the cancel.
	m.publishLocked(Phase{Kind: PhaseReady, ModelID: m.currentIDLocked(), RequestID: r.id})
	m.log.Info().Str("request_id", r.id).Msg("manager event=generate_cancelled")
	m.publisher.Publish(Event{Name: EventGenerateCancelled, ModelID: r.model.info.ID, RequestID: r.id})
	m.startPendingLocked()
	return true
}

// Running returns the id of the in-flight request, or "".
func (m *Manager) Running() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run == nil {
		return ""
	}
	return m.run.id
}

func (m *Manager) generate(ctx context.Context, r *genRun) {
	defer m.wg.Done()
	defer r.cancel()
	// A cancelled run may still be inside the backend; wait for it.
	select {
	case m.genSlot <- struct{}{}:
	case <-ctx.Done():
		m.finish(r, nil, ctx.Err())
		return
	}
	imgs, err := m.callBackend(ctx, r)
	<-m.genSlot
	m.finish(r, imgs, err)
}

func (m *Manager) callBackend(ctx context.Context, r *genRun) (imgs []image.Image, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error().Interface("panic", rec).Str("request_id", r.id).Msg("manager event=backend_panic")
			imgs, err = nil, fmt.Errorf("backend panic: %v", rec)
		}
	}()
	breq := BackendRequest{ID: r.id, GenerationRequest: r.req, Seed: r.seed}
	return r.model.model.Generate(ctx, breq, runSink{m: m, id: r.id})
}

func (m *Manager) finish(r *genRun, raw []image.Image, err error) {
	m.mu.Lock()
	toClose := m.releaseLocked(r.model)
	closeID := r.model.info.ID
	if m.run != r {
		m.mu.Unlock()
		m.log.Debug().Str("request_id", r.id).Err(err).Msg("manager event=generate_discarded")
		m.closeModel(closeID, toClose)
		return
	}
	m.run = nil
	dur := time.Since(r.started)
	modelID := r.model.info.ID

	imgs := compactImages(raw)
	if err == nil && len(imgs) != r.req.ImageCount {
		err = fmt.Errorf("%w: got %d images instead of %d", ErrIncompleteGeneration, len(imgs), r.req.ImageCount)
	}
	if err != nil {
		code := CodeGeneration
		ev := m.log.Error()
		if IsIncompleteGeneration(err) {
			code = CodeIncompleteGeneration
			ev = m.log.Warn()
		}
		gerr := &GenerationError{RequestID: r.id, Code: code, Err: err}
		m.publishLocked(Phase{Kind: PhaseFailed, ModelID: modelID, RequestID: r.id, Err: gerr.Error(), Code: code})
		ev.Err(err).Str("request_id", r.id).Str("code", code).Msg("manager event=generate_failed")
		m.publisher.Publish(Event{Name: EventGenerateFailed, ModelID: modelID, RequestID: r.id, Fields: map[string]any{"code": code, "dur_ms": dur.Milliseconds()}})
	} else {
		res := &GenerationResult{RequestID: r.id, ModelID: modelID, Request: r.req, Seed: r.seed, Duration: dur}
		res.Images = make([]Image, len(imgs))
		for i, img := range imgs {
			res.Images[i] = Image{Index: i, Image: img}
		}
		m.generationsTotal++
		m.publishLocked(Phase{Kind: PhaseCompleted, ModelID: modelID, RequestID: r.id, Result: res})
		m.log.Info().Str("request_id", r.id).Dur("dur", dur).Int("images", len(imgs)).Msg("manager event=generate_done")
		m.publisher.Publish(Event{Name: EventGenerateDone, ModelID: modelID, RequestID: r.id, Fields: map[string]any{"dur_ms": dur.Milliseconds(), "images": len(imgs)}})
	}
	m.publishLocked(Phase{Kind: PhaseReady, ModelID: m.currentIDLocked()})
	m.startPendingLocked()
	m.mu.Unlock()
	m.closeModel(closeID, toClose)
}

// runSink tags backend progress with the request it was created for.
type runSink struct {
	m  *Manager
	id string
}

func (s runSink) Report(p Progress) { s.m.onProgress(s.id, p) }

func (m *Manager) onProgress(id string, p Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.run
	if r == nil || r.id != id || p.Step < r.lastStep {
		m.publisher.Publish(Event{Name: EventProgressDropped, RequestID: id, Fields: map[string]any{"step": p.Step}})
		if r != nil && r.id == id {
			r.dropped++
		}
		return
	}
	r.lastStep = p.Step
	p.RequestID = id
	if p.TotalSteps <= 0 {
		p.TotalSteps = r.req.Steps
	}
	m.publishLocked(Phase{Kind: PhaseRunning, ModelID: r.model.info.ID, RequestID: id, Progress: &p})
}

func (m *Manager) currentIDLocked() string {
	if m.model == nil {
		return ""
	}
	return m.model.info.ID
}

func compactImages(in []image.Image) []image.Image {
	out := make([]image.Image, 0, len(in))
	for _, img := range in {
		if img != nil {
			out = append(out, img)
		}
	}
	return out
}
