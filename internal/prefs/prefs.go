// Package prefs persists the last-used generation settings as YAML.
package prefs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"diffusiond/internal/common/fsutil"
	"diffusiond/pkg/types"
)

// Defaults used when nothing has been saved yet.
const (
	DefaultPrompt         = "discworld the truth, Highly detailed, Artstation, Colorful"
	DefaultNegativePrompt = "ugly, boring, bad anatomy"
	DefaultScheduler      = "dpmpp"
	DefaultGuidance       = 7.5
	DefaultSteps          = 25
	DefaultImageCount     = 1
)

// Defaults returns the initial preferences.
func Defaults() types.Preferences {
	return types.Preferences{
		Prompt:         DefaultPrompt,
		NegativePrompt: DefaultNegativePrompt,
		Scheduler:      DefaultScheduler,
		Guidance:       DefaultGuidance,
		Steps:          DefaultSteps,
		ImageCount:     DefaultImageCount,
		SafetyChecker:  true,
	}
}

// Store holds preferences in memory and mirrors every change to its file.
// A Store with an empty path never touches disk.
type Store struct {
	mu   sync.Mutex
	path string
	cur  types.Preferences
}

// Open reads path, falling back to Defaults for a missing file or missing keys.
func Open(path string) (*Store, error) {
	s := &Store{cur: Defaults()}
	if path == "" {
		return s, nil
	}
	p, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	s.path = p
	b, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(b, &s.cur); err != nil {
		return nil, err
	}
	s.cur = normalize(s.cur)
	return s, nil
}

// Path returns the backing file, or "" for an in-memory store.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the current preferences.
func (s *Store) Get() types.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// Set replaces the preferences and saves them.
func (s *Store) Set(p types.Preferences) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = normalize(p)
	return s.saveLocked()
}

// Remember records the settings of an accepted request and the model it ran on.
func (s *Store) Remember(req types.GenerateRequest, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.cur
	p.Prompt = req.Prompt
	p.NegativePrompt = req.NegativePrompt
	p.Scheduler = req.Scheduler
	p.Steps = req.Steps
	p.ImageCount = req.ImageCount
	if req.Guidance != nil {
		p.Guidance = *req.Guidance
	}
	if req.SafetyChecker != nil {
		p.SafetyChecker = *req.SafetyChecker
	}
	if model != "" {
		p.Model = model
	}
	s.cur = normalize(p)
	return s.saveLocked()
}

// RememberModel records the last loaded model.
func (s *Store) RememberModel(model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur.Model == model {
		return nil
	}
	s.cur.Model = model
	return s.saveLocked()
}

// Apply fills unset request fields from the current preferences. The prompt
// is filled only when empty; the seed is never filled.
func (s *Store) Apply(req types.GenerateRequest) types.GenerateRequest {
	p := s.Get()
	if req.Prompt == "" {
		req.Prompt = p.Prompt
	}
	if req.NegativePrompt == "" {
		req.NegativePrompt = p.NegativePrompt
	}
	if req.Scheduler == "" {
		req.Scheduler = p.Scheduler
	}
	if req.Steps == 0 {
		req.Steps = p.Steps
	}
	if req.ImageCount == 0 {
		req.ImageCount = p.ImageCount
	}
	if req.Guidance == nil {
		g := p.Guidance
		req.Guidance = &g
	}
	if req.SafetyChecker == nil {
		on := p.SafetyChecker
		req.SafetyChecker = &on
	}
	return req
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	b, err := yaml.Marshal(s.cur)
	if err != nil {
		return err
	}
	if err := fsutil.EnsureDir(filepath.Dir(s.path)); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func normalize(p types.Preferences) types.Preferences {
	d := Defaults()
	if p.Scheduler == "" {
		p.Scheduler = d.Scheduler
	}
	if p.Steps <= 0 {
		p.Steps = d.Steps
	}
	if p.ImageCount <= 0 {
		p.ImageCount = d.ImageCount
	}
	if p.Guidance < 0 {
		p.Guidance = d.Guidance
	}
	return p
}
