package manager

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"slices"
	"strings"
)

// Validate checks r against the limits.
func (l Limits) Validate(r GenerationRequest) error {
	if strings.TrimSpace(r.Prompt) == "" {
		return errInvalid("prompt is required")
	}
	if r.Steps < 1 || r.Steps > l.MaxSteps {
		return errInvalid("steps %d must be between 1 and %d", r.Steps, l.MaxSteps)
	}
	if r.ImageCount < 1 || r.ImageCount > l.MaxImageCount {
		return errInvalid("image count %d must be between 1 and %d", r.ImageCount, l.MaxImageCount)
	}
	if math.IsNaN(r.Guidance) || r.Guidance < 0 || r.Guidance > l.MaxGuidance {
		return errInvalid("guidance %.2f must be between 0 and %.1f", r.Guidance, l.MaxGuidance)
	}
	if !slices.Contains(Schedulers(), r.Scheduler) {
		return errInvalid("unknown scheduler %q", r.Scheduler)
	}
	if r.Seed != nil && *r.Seed < 0 {
		return errInvalid("seed %d must be non-negative", *r.Seed)
	}
	return nil
}

// RandomSeed returns a non-negative seed from crypto/rand.
func RandomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 42
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) & math.MaxInt64)
}

// resolveSeed decides the seed once, at submission time.
func (m *Manager) resolveSeed(r GenerationRequest) int64 {
	if r.Seed != nil {
		return *r.Seed
	}
	s := m.seedFn()
	if s < 0 {
		s &= math.MaxInt64
	}
	return s
}

// frozen returns a copy of r that shares no memory with the caller.
func (r GenerationRequest) frozen(seed int64) GenerationRequest {
	out := r
	s := seed
	out.Seed = &s
	return out
}
