package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"diffusiond/internal/state"
)

// Manager owns the loaded model, serializes generations against it and
// publishes every lifecycle transition to its observable state.
type Manager struct {
	mu        sync.Mutex
	registry  Registry
	backend   Backend
	loadCfg   LoadConfig
	policy    LoadPolicy
	limits    Limits
	log       zerolog.Logger
	publisher EventPublisher
	seedFn    func() int64

	state *state.Observable[Phase]

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	closed    bool
	startTime time.Time

	// session
	model   *modelHandle
	load    *loadOp
	pending *string

	// coordinator
	run     *genRun
	genSlot chan struct{} // size 1: single backend call in flight

	loadsTotal       uint64
	generationsTotal uint64
}

// New builds a Manager with default limits and the latest-wins load policy.
func New(reg Registry, backend Backend) *Manager {
	return NewWithConfig(ManagerConfig{Registry: reg, Backend: backend})
}

// SetEventPublisher replaces the event sink. Call before any Load or Submit.
func (m *Manager) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = noopPublisher{}
	}
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// Phase returns the current lifecycle phase without blocking.
func (m *Manager) Phase() Phase { return m.state.Current() }

// Subscribe returns an independent cursor over phase updates starting at the
// current phase. Callers must Close it.
func (m *Manager) Subscribe() *state.Subscription[Phase] { return m.state.Subscribe() }

// Ready reports whether a model is loaded and usable.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.model != nil && !m.closed
}

// ListModels returns the registry's model ids.
func (m *Manager) ListModels() ([]string, error) {
	if m.registry == nil {
		return nil, ErrDependencyUnavailable("model registry not configured")
	}
	return m.registry.List()
}

// LoadPolicy returns the configured load policy.
func (m *Manager) LoadPolicy() LoadPolicy { return m.policy }

// Limits returns the effective request limits.
func (m *Manager) Limits() Limits { return m.limits }

// Close cancels in-flight work, waits for workers (bounded by ctx), releases
// the current model and ends every subscription. Idempotent. When ctx ends
// first, a model still in use is closed once its last generation returns.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.pending = nil
	if m.run != nil {
		m.run.cancel()
	}
	if m.load != nil {
		m.load.cancel()
	}
	m.mu.Unlock()
	m.cancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	// A model still borrowed by a worker is closed by that worker's release.
	m.mu.Lock()
	h := m.model
	m.model = nil
	var toClose LoadedModel
	if h != nil {
		h.retired = true
		if h.refs == 0 {
			toClose = h.model
		}
	}
	m.mu.Unlock()
	if h != nil {
		m.closeModel(h.info.ID, toClose)
	}
	m.state.Close()
	if err != nil {
		m.log.Warn().Err(err).Msg("manager event=closed_with_workers_running")
		return err
	}
	m.log.Info().Msg("manager event=closed")
	return nil
}

// publishLocked must be called with m.mu held so that publish order matches
// transition order.
func (m *Manager) publishLocked(p Phase) {
	if m.closed {
		return
	}
	m.state.Publish(p)
}

func (m *Manager) closeModel(id string, lm LoadedModel) {
	if lm == nil {
		return
	}
	if err := lm.Close(); err != nil {
		m.log.Warn().Err(err).Str("model", id).Msg("manager event=model_close_error")
		return
	}
	m.log.Debug().Str("model", id).Msg("manager event=model_closed")
}
