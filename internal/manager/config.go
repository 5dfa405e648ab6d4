package manager

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"diffusiond/internal/state"
)

// Defaults applied when corresponding ManagerConfig fields are unset.
const (
	defaultMaxSteps      = 300
	defaultMaxImageCount = 8
	defaultMaxGuidance   = 15.0
)

// Limits bounds accepted generation parameters.
type Limits struct {
	MaxSteps      int
	MaxImageCount int
	MaxGuidance   float64
}

// ManagerConfig encapsulates all tunables for Manager construction.
type ManagerConfig struct {
	Registry   Registry
	Backend    Backend
	LoadConfig LoadConfig
	LoadPolicy LoadPolicy
	Limits     Limits
	// Logger defaults to a no-op logger.
	Logger    *zerolog.Logger
	Publisher EventPublisher
	// SubscriberBacklog caps queued phase transitions per subscriber.
	SubscriberBacklog int
	// SeedSource picks seeds for requests without one. Defaults to RandomSeed.
	SeedSource func() int64
}

// NewWithConfig constructs a Manager from ManagerConfig. The returned Manager
// is the single owner of the loaded model and must be released with Close.
func NewWithConfig(cfg ManagerConfig) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		registry:  cfg.Registry,
		backend:   cfg.Backend,
		loadCfg:   cfg.LoadConfig,
		policy:    cfg.LoadPolicy,
		limits:    cfg.Limits,
		publisher: cfg.Publisher,
		seedFn:    cfg.SeedSource,
		baseCtx:   ctx,
		cancelAll: cancel,
		genSlot:   make(chan struct{}, 1),
		startTime: time.Now(),
	}
	if cfg.Logger != nil {
		m.log = cfg.Logger.With().Str("component", "manager").Logger()
	} else {
		m.log = zerolog.Nop()
	}
	if m.policy == "" {
		m.policy = LoadLatest
	}
	if m.limits.MaxSteps <= 0 {
		m.limits.MaxSteps = defaultMaxSteps
	}
	if m.limits.MaxImageCount <= 0 {
		m.limits.MaxImageCount = defaultMaxImageCount
	}
	if m.limits.MaxGuidance <= 0 {
		m.limits.MaxGuidance = defaultMaxGuidance
	}
	if m.publisher == nil {
		m.publisher = noopPublisher{}
	}
	if m.seedFn == nil {
		m.seedFn = RandomSeed
	}
	if m.loadCfg.ComputeUnits == "" {
		m.loadCfg.ComputeUnits = ComputeCPUAndGPU
	}
	m.state = state.New(Phase{Kind: PhaseUninitialized},
		state.WithLossy(func(p Phase) bool { return p.Kind == PhaseRunning }),
		state.WithRetained(func(p Phase) bool { return p.Terminal() || (p.Kind == PhaseReady && p.RequestID != "") }),
		state.WithBacklog[Phase](cfg.SubscriberBacklog),
	)
	return m
}
