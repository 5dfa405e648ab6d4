package manager

import (
	"context"
	"image"

	"diffusiond/internal/registry"
)

// Backend loads model assets into runnable pipelines.
type Backend interface {
	// Load prepares the model at loc. Implementations should return promptly
	// once ctx is canceled; the manager cancels superseded loads.
	Load(ctx context.Context, loc registry.Location, cfg LoadConfig) (LoadedModel, error)
}

// LoadedModel owns backend resources for one model.
type LoadedModel interface {
	// Generate runs one request to completion. It may call sink.Report zero or
	// more times before returning and should stop early when ctx is canceled.
	Generate(ctx context.Context, req BackendRequest, sink ProgressSink) ([]image.Image, error)
	// Close releases the model. It is called once, after the last borrower returns.
	Close() error
}

// ProgressSink receives step reports for the request it was created for.
type ProgressSink interface {
	Report(Progress)
}

// ComputeUnits hints which devices a backend may use.
type ComputeUnits string

const (
	ComputeCPUOnly   ComputeUnits = "cpu_only"
	ComputeCPUAndGPU ComputeUnits = "cpu_and_gpu"
	ComputeAll       ComputeUnits = "all"
)

// LoadConfig is passed to Backend.Load unchanged.
type LoadConfig struct {
	ComputeUnits ComputeUnits
	// DisableSafety skips loading the safety checker entirely.
	DisableSafety bool
}
