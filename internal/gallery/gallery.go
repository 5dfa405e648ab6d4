// Package gallery keeps recently generated images with their generation
// metadata and exports them to disk.
package gallery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
	"gopkg.in/yaml.v3"

	"diffusiond/internal/common/fsutil"
	"diffusiond/internal/manager"
	"diffusiond/internal/state"
	"diffusiond/pkg/types"
)

// ErrNotFound is returned for ids the gallery does not hold (or evicted).
var ErrNotFound = errors.New("gallery: image not found")

// DefaultCapacity bounds how many images are kept in memory.
const DefaultCapacity = 64

// Export formats.
const (
	FormatPNG  = "png"
	FormatJPEG = "jpeg"
)

type entry struct {
	meta types.GalleryEntry
	img  image.Image
}

// Options configures a Store.
type Options struct {
	Capacity  int
	ExportDir string
	Logger    *zerolog.Logger
}

// Store is a bounded, concurrency-safe image gallery. Oldest images are
// evicted first.
type Store struct {
	mu        sync.RWMutex
	capacity  int
	order     []string
	entries   map[string]*entry
	exportDir string
	log       zerolog.Logger
	now       func() time.Time
}

// New returns an empty Store.
func New(opts Options) *Store {
	s := &Store{
		capacity:  opts.Capacity,
		entries:   make(map[string]*entry),
		exportDir: opts.ExportDir,
		now:       time.Now,
	}
	if s.capacity <= 0 {
		s.capacity = DefaultCapacity
	}
	if opts.Logger != nil {
		s.log = opts.Logger.With().Str("component", "gallery").Logger()
	} else {
		s.log = zerolog.Nop()
	}
	return s
}

// Add stores every image of res and returns the new entries in index order.
func (s *Store) Add(res *manager.GenerationResult) []types.GalleryEntry {
	if res == nil {
		return nil
	}
	created := s.now().Unix()
	out := make([]types.GalleryEntry, 0, len(res.Images))
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range res.Images {
		if img.Image == nil {
			continue
		}
		b := img.Image.Bounds()
		meta := types.GalleryEntry{
			ID:             manager.ImageID(res.RequestID, img.Index),
			RequestID:      res.RequestID,
			Index:          img.Index,
			Prompt:         res.Request.Prompt,
			NegativePrompt: res.Request.NegativePrompt,
			Model:          res.ModelID,
			Scheduler:      string(res.Request.Scheduler),
			Seed:           res.Seed,
			Steps:          res.Request.Steps,
			Guidance:       res.Request.Guidance,
			Width:          b.Dx(),
			Height:         b.Dy(),
			CreatedUnix:    created,
		}
		if _, dup := s.entries[meta.ID]; !dup {
			s.order = append(s.order, meta.ID)
		}
		s.entries[meta.ID] = &entry{meta: meta, img: img.Image}
		out = append(out, meta)
	}
	for len(s.order) > s.capacity {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, evicted)
		s.log.Debug().Str("id", evicted).Msg("gallery event=evicted")
	}
	return out
}

// Collect ingests every Completed phase delivered by sub until ctx ends or
// the subscription closes. A closed subscription is not an error.
func (s *Store) Collect(ctx context.Context, sub *state.Subscription[manager.Phase]) error {
	for {
		p, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, state.ErrClosed) {
				return nil
			}
			return err
		}
		if p.Kind != manager.PhaseCompleted || p.Result == nil {
			continue
		}
		added := s.Add(p.Result)
		s.log.Info().Str("request_id", p.RequestID).Int("images", len(added)).Msg("gallery event=collected")
	}
}

// List returns the metadata of every held image, oldest first.
func (s *Store) List() []types.GalleryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.GalleryEntry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id].meta)
	}
	return out
}

// Get returns the metadata of one image.
func (s *Store) Get(id string) (types.GalleryEntry, error) {
	e, err := s.lookup(id)
	if err != nil {
		return types.GalleryEntry{}, err
	}
	return e.meta, nil
}

// Len returns the number of held images.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// PNG encodes the full-size image.
func (s *Store) PNG(id string) ([]byte, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, e.img); err != nil {
		return nil, fmt.Errorf("encode %s: %w", id, err)
	}
	return buf.Bytes(), nil
}

// Thumbnail encodes a PNG scaled to width, keeping the aspect ratio.
func (s *Store) Thumbnail(id string, width int) ([]byte, error) {
	e, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, scale(e.img, width)); err != nil {
		return nil, fmt.Errorf("encode thumbnail %s: %w", id, err)
	}
	return buf.Bytes(), nil
}

// Export writes the image and a YAML metadata sidecar into dir (the
// configured export dir when empty). Format is png (default) or jpeg.
func (s *Store) Export(id, dir, format string) (types.ExportResponse, error) {
	e, err := s.lookup(id)
	if err != nil {
		return types.ExportResponse{}, err
	}
	if dir == "" {
		dir = s.exportDir
	}
	if dir == "" {
		return types.ExportResponse{}, errors.New("gallery: no export directory configured")
	}
	dir, err = fsutil.AbsDir(dir)
	if err != nil {
		return types.ExportResponse{}, err
	}
	if err := fsutil.EnsureDir(dir); err != nil {
		return types.ExportResponse{}, err
	}
	var (
		data []byte
		ext  string
	)
	switch strings.ToLower(format) {
	case "", FormatPNG:
		ext = ".png"
		data, err = s.PNG(id)
	case FormatJPEG, "jpg":
		ext = ".jpg"
		var buf bytes.Buffer
		err = jpeg.Encode(&buf, e.img, &jpeg.Options{Quality: 92})
		data = buf.Bytes()
	default:
		return types.ExportResponse{}, fmt.Errorf("gallery: unsupported format %q", format)
	}
	if err != nil {
		return types.ExportResponse{}, err
	}
	meta, err := yaml.Marshal(sidecar{GalleryEntry: e.meta, Title: title(e.meta), Description: description(e.meta)})
	if err != nil {
		return types.ExportResponse{}, err
	}
	res := types.ExportResponse{
		ImagePath:    filepath.Join(dir, id+ext),
		MetadataPath: filepath.Join(dir, id+".yaml"),
	}
	if err := os.WriteFile(res.ImagePath, data, 0o644); err != nil {
		return types.ExportResponse{}, err
	}
	if err := os.WriteFile(res.MetadataPath, meta, 0o644); err != nil {
		return types.ExportResponse{}, err
	}
	s.log.Info().Str("id", id).Str("path", res.ImagePath).Msg("gallery event=exported")
	return res, nil
}

type sidecar struct {
	types.GalleryEntry `yaml:",inline"`
	Title              string `yaml:"title"`
	Description        string `yaml:"description"`
}

func title(m types.GalleryEntry) string {
	return fmt.Sprintf("Prompt: %s + Negative: %s", m.Prompt, m.NegativePrompt)
}

func description(m types.GalleryEntry) string {
	return fmt.Sprintf("%s Seed: %d, Model: %s, Scheduler: %s, Steps: %d, Guidance: %g, Index: %d",
		title(m), m.Seed, m.Model, m.Scheduler, m.Steps, m.Guidance, m.Index)
}

func (s *Store) lookup(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

func scale(img image.Image, width int) image.Image {
	b := img.Bounds()
	if width <= 0 || width >= b.Dx() {
		return img
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Over, nil)
	return dst
}
