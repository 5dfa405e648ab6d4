package manager

import (
	"image"
	"time"

	"diffusiond/internal/registry"
)

// PhaseKind is the externally observable lifecycle state.
type PhaseKind string

const (
	PhaseUninitialized PhaseKind = "uninitialized"
	PhaseLoading       PhaseKind = "loading"
	// PhaseReady doubles as the coordinator's idle state.
	PhaseReady     PhaseKind = "ready"
	PhaseRunning   PhaseKind = "running"
	PhaseCompleted PhaseKind = "completed"
	PhaseFailed    PhaseKind = "failed"
	PhaseError     PhaseKind = "error"
)

// Phase is one published lifecycle update.
type Phase struct {
	Kind PhaseKind
	// ModelID is the model being loaded, or the model serving the request.
	ModelID string
	// RequestID names the run a phase belongs to. On Ready it is set only
	// when the run was cancelled.
	RequestID string
	// Progress is nil for a run that has not reported a step yet.
	Progress *Progress
	// Result is set only on PhaseCompleted.
	Result *GenerationResult
	// Err carries the message for PhaseFailed and PhaseError.
	Err  string
	Code string
}

// Busy reports whether the phase blocks new submissions.
func (p Phase) Busy() bool { return p.Kind == PhaseLoading || p.Kind == PhaseRunning }

// Terminal reports whether the phase ends a generation.
func (p Phase) Terminal() bool { return p.Kind == PhaseCompleted || p.Kind == PhaseFailed }

// Progress is a point-in-time report of one generation.
type Progress struct {
	RequestID string
	// Step is 0-based.
	Step       int
	TotalSteps int
	// Aux is backend-defined (e.g. a preview image).
	Aux any
}

// Scheduler selects the denoising scheduler.
type Scheduler string

const (
	SchedulerPNDM  Scheduler = "pndm"
	SchedulerDPMPP Scheduler = "dpmpp"
)

// Schedulers lists the supported scheduler variants.
func Schedulers() []Scheduler { return []Scheduler{SchedulerPNDM, SchedulerDPMPP} }

// GenerationRequest is immutable once submitted.
type GenerationRequest struct {
	Prompt         string
	NegativePrompt string
	Scheduler      Scheduler
	Steps          int
	ImageCount     int
	Guidance       float64
	SafetyChecker  bool
	// Seed is optional; nil lets the coordinator pick one.
	Seed *int64
}

// BackendRequest is what a LoadedModel receives: the request with its
// identity and resolved seed.
type BackendRequest struct {
	ID string
	GenerationRequest
	Seed int64
}

// Image is one produced image and its batch position.
type Image struct {
	Index int
	Image image.Image
}

// GenerationResult is handed to observers once; the coordinator keeps no reference.
type GenerationResult struct {
	RequestID string
	ModelID   string
	Request   GenerationRequest
	Seed      int64
	Images    []Image
	Duration  time.Duration
}

// Ticket acknowledges an accepted submission.
type Ticket struct {
	RequestID string
	Seed      int64
}

// ModelInfo is a minimal view of the current model.
type ModelInfo struct {
	ID   string
	Path string
}

// Registry is the model discovery boundary consumed by the manager.
type Registry interface {
	List() ([]string, error)
	Resolve(id string) (registry.Location, error)
}

// LoadPolicy decides what happens to a load requested while work is in flight.
type LoadPolicy string

const (
	// LoadLatest keeps only the newest requested target.
	LoadLatest LoadPolicy = "latest"
	// LoadReject fails the request with Busy.
	LoadReject LoadPolicy = "reject"
)

// ParseLoadPolicy maps config strings to a LoadPolicy; empty means LoadLatest.
func ParseLoadPolicy(s string) (LoadPolicy, bool) {
	switch LoadPolicy(s) {
	case "", LoadLatest, "latest-wins", "queue":
		return LoadLatest, true
	case LoadReject:
		return LoadReject, true
	}
	return "", false
}
