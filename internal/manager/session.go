package manager

import (
	"context"
	"errors"
	"io/fs"
	"strings"
	"time"

	"diffusiond/internal/registry"
)

// LoadStatus tells the caller what Load did with the request.
type LoadStatus string

const (
	// LoadStarted means a load began and Loading was published.
	LoadStarted LoadStatus = "loading"
	// LoadQueued means the target waits for in-flight work (latest wins).
	LoadQueued LoadStatus = "queued"
	// LoadCurrent means the model is already loaded and ready.
	LoadCurrent LoadStatus = "current"
)

// modelHandle is the session's reference-counted ownership of a LoadedModel.
// The model is closed when it is retired and no generation borrows it.
type modelHandle struct {
	info    ModelInfo
	model   LoadedModel
	refs    int
	retired bool
}

type loadOp struct {
	id      string
	cancel  context.CancelFunc
	started time.Time
}

// Load begins an asynchronous load of model id and returns immediately.
//
// With LoadLatest a request that arrives while a load is in flight supersedes
// it, and one that arrives during a generation is deferred until that
// generation ends; only the newest target is kept. With LoadReject both cases
// fail with a Busy error.
func (m *Manager) Load(id string) (LoadStatus, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", ErrModelNotFound("(unspecified)")
	}
	if m.registry != nil {
		// The worker resolves again; this only rejects ids that name nothing.
		if _, err := m.registry.Resolve(id); errors.Is(err, registry.ErrInvalidID) || errors.Is(err, fs.ErrNotExist) {
			return "", ErrModelNotFound(id)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrClosed
	}
	if m.load == nil && m.run == nil && m.model != nil && m.model.info.ID == id &&
		m.state.Current().Kind == PhaseReady {
		return LoadCurrent, nil
	}
	if m.load != nil || m.run != nil {
		if m.policy == LoadReject {
			if m.run != nil {
				return "", busyError{what: "generation"}
			}
			return "", busyError{what: "model load"}
		}
		if m.load != nil {
			m.load.cancel()
		}
		target := id
		m.pending = &target
		m.log.Info().Str("model", id).Msg("manager event=load_queued")
		m.publisher.Publish(Event{Name: EventLoadQueued, ModelID: id})
		return LoadQueued, nil
	}
	m.startLoadLocked(id)
	return LoadStarted, nil
}

// Current returns the active model, or nil if none has loaded successfully.
func (m *Manager) Current() *ModelInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.model == nil {
		return nil
	}
	info := m.model.info
	return &info
}

// PendingLoad returns the deferred load target, if any.
func (m *Manager) PendingLoad() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return ""
	}
	return *m.pending
}

func (m *Manager) startLoadLocked(id string) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	op := &loadOp{id: id, cancel: cancel, started: time.Now()}
	m.load = op
	m.publishLocked(Phase{Kind: PhaseLoading, ModelID: id})
	m.log.Info().Str("model", id).Msg("manager event=load_start")
	m.publisher.Publish(Event{Name: EventLoadStart, ModelID: id})
	m.wg.Add(1)
	go m.runLoad(ctx, op)
}

// startPendingLocked starts a deferred load once nothing else is in flight.
func (m *Manager) startPendingLocked() {
	if m.pending == nil || m.load != nil || m.run != nil || m.closed {
		return
	}
	id := *m.pending
	m.pending = nil
	if m.model != nil && m.model.info.ID == id && m.state.Current().Kind == PhaseReady {
		return
	}
	m.startLoadLocked(id)
}

func (m *Manager) runLoad(ctx context.Context, op *loadOp) {
	defer m.wg.Done()
	defer op.cancel()
	loc, lm, err := m.loadModel(ctx, op.id)
	dur := time.Since(op.started)

	m.mu.Lock()
	m.load = nil
	var toClose LoadedModel
	closeID := op.id
	switch {
	case m.pending != nil || m.closed:
		toClose = lm
		m.log.Info().Str("model", op.id).Err(err).Msg("manager event=load_superseded")
		m.publisher.Publish(Event{Name: EventLoadSuperseded, ModelID: op.id})
	case err != nil:
		code := CodeLoad
		if registry.IsStorageError(err) {
			code = CodeStorage
		}
		m.publishLocked(Phase{Kind: PhaseError, ModelID: op.id, Err: err.Error(), Code: code})
		m.log.Error().Err(err).Str("model", op.id).Str("code", code).Msg("manager event=load_error")
		m.publisher.Publish(Event{Name: EventLoadError, ModelID: op.id, Fields: map[string]any{"error": err.Error(), "code": code}})
	default:
		old := m.model
		m.model = &modelHandle{info: ModelInfo{ID: op.id, Path: loc.Path}, model: lm}
		m.loadsTotal++
		m.publishLocked(Phase{Kind: PhaseReady, ModelID: op.id})
		if old != nil {
			old.retired = true
			if old.refs == 0 {
				toClose, closeID = old.model, old.info.ID
			}
		}
		m.log.Info().Str("model", op.id).Dur("dur", dur).Msg("manager event=load_ready")
		m.publisher.Publish(Event{Name: EventLoadReady, ModelID: op.id, Fields: map[string]any{"dur_ms": dur.Milliseconds()}})
	}
	m.startPendingLocked()
	m.mu.Unlock()

	m.closeModel(closeID, toClose)
}

func (m *Manager) loadModel(ctx context.Context, id string) (registry.Location, LoadedModel, error) {
	if m.registry == nil {
		return registry.Location{}, nil, ErrDependencyUnavailable("model registry not configured")
	}
	if m.backend == nil {
		return registry.Location{}, nil, ErrDependencyUnavailable("generation backend not configured")
	}
	loc, err := m.registry.Resolve(id)
	if err != nil {
		return loc, nil, err
	}
	lm, err := m.backend.Load(ctx, loc, m.loadCfg)
	if err != nil {
		return loc, nil, &LoadError{ModelID: id, Err: err}
	}
	return loc, lm, nil
}

// acquireLocked lends the current model to a generation.
func (m *Manager) acquireLocked() *modelHandle {
	h := m.model
	h.refs++
	return h
}

// releaseLocked returns a borrowed model and reports the model to close, if any.
func (m *Manager) releaseLocked(h *modelHandle) LoadedModel {
	h.refs--
	if h.retired && h.refs == 0 {
		return h.model
	}
	return nil
}
