// Package pipeline provides a deterministic synthetic diffusion backend.
//
// It renders seeded procedural images instead of running a neural network so
// the daemon and CLI work end to end on machines without native diffusion
// libraries. The same (model, prompt, seed, index) always yields the same image.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"diffusiond/internal/manager"
	"diffusiond/internal/registry"
)

// Sentinel errors for pipeline operations.
var (
	ErrModelMissing = errors.New("pipeline: model directory not found")
	ErrModelEmpty   = errors.New("pipeline: model directory has no files")
	ErrClosed       = errors.New("pipeline: model closed")
)

// Default output size, matching Stable Diffusion 1.x.
const (
	DefaultWidth  = 512
	DefaultHeight = 512
)

// Options configures a Synthetic backend.
type Options struct {
	Width  int
	Height int
	// StepDelay is slept after every denoising step to mimic real timing.
	StepDelay time.Duration
	Logger    *zerolog.Logger
}

// Synthetic implements manager.Backend.
type Synthetic struct {
	width, height int
	delay         time.Duration
	log           zerolog.Logger
}

var _ manager.Backend = (*Synthetic)(nil)

// New returns a Synthetic backend with defaults applied.
func New(opts Options) *Synthetic {
	s := &Synthetic{width: opts.Width, height: opts.Height, delay: opts.StepDelay}
	if s.width <= 0 {
		s.width = DefaultWidth
	}
	if s.height <= 0 {
		s.height = DefaultHeight
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "pipeline").Logger()
	} else {
		s.log = zerolog.Nop()
	}
	return s
}

// Load checks that the model directory holds at least one regular file.
func (s *Synthetic) Load(ctx context.Context, loc registry.Location, cfg manager.LoadConfig) (manager.LoadedModel, error) {
	fi, err := os.Stat(loc.Path)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrModelMissing, loc.Path)
	}
	files := 0
	err = filepath.WalkDir(loc.Path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.Type().IsRegular() {
			files++
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if files == 0 {
		return nil, fmt.Errorf("%w: %s", ErrModelEmpty, loc.Path)
	}
	s.log.Info().Str("model", loc.ID).Str("compute_units", string(cfg.ComputeUnits)).
		Bool("safety", !cfg.DisableSafety).Msg("pipeline event=loaded")
	return &model{s: s, id: loc.ID, safety: !cfg.DisableSafety}, nil
}

type model struct {
	s      *Synthetic
	id     string
	safety bool
	closed bool
}

func (m *model) Generate(ctx context.Context, req manager.BackendRequest, sink manager.ProgressSink) ([]image.Image, error) {
	if m.closed {
		return nil, ErrClosed
	}
	for step := 0; step < req.Steps; step++ {
		if m.s.delay > 0 {
			t := time.NewTimer(m.s.delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, ctx.Err()
			case <-t.C:
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}
		if sink != nil {
			sink.Report(manager.Progress{Step: step, TotalSteps: req.Steps})
		}
	}
	out := make([]image.Image, req.ImageCount)
	for i := range out {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = m.render(req, i)
	}
	if req.SafetyChecker && !m.safety {
		m.s.log.Debug().Str("request_id", req.ID).Msg("pipeline event=safety_unavailable")
	}
	return out, nil
}

func (m *model) Close() error {
	m.closed = true
	return nil
}

// render draws a two-colour diagonal gradient with guidance-scaled stripes.
func (m *model) render(req manager.BackendRequest, index int) image.Image {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", m.id, req.Prompt, req.NegativePrompt, req.Scheduler)
	rng := rand.New(rand.NewPCG(uint64(req.Seed), h.Sum64()^uint64(index)))
	a := color.RGBA{uint8(rng.IntN(256)), uint8(rng.IntN(256)), uint8(rng.IntN(256)), 255}
	b := color.RGBA{uint8(rng.IntN(256)), uint8(rng.IntN(256)), uint8(rng.IntN(256)), 255}
	period := 4 + int(req.Guidance*4) + rng.IntN(8)

	w, ht := m.s.width, m.s.height
	img := image.NewRGBA(image.Rect(0, 0, w, ht))
	span := w + ht - 2
	if span <= 0 {
		span = 1
	}
	for y := 0; y < ht; y++ {
		for x := 0; x < w; x++ {
			t := (x + y) * 255 / span
			c := color.RGBA{
				R: lerp(a.R, b.R, t),
				G: lerp(a.G, b.G, t),
				B: lerp(a.B, b.B, t),
				A: 255,
			}
			if ((x+2*y)/period)%2 == 1 {
				c.R, c.G, c.B = c.R/2+64, c.G/2+64, c.B/2+64
			}
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func lerp(a, b uint8, t int) uint8 {
	return uint8((int(a)*(255-t) + int(b)*t) / 255)
}
