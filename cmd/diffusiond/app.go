package main

import (
	"time"

	"github.com/rs/zerolog"

	"diffusiond/internal/config"
	"diffusiond/internal/gallery"
	"diffusiond/internal/manager"
	"diffusiond/internal/pipeline"
	"diffusiond/internal/prefs"
	"diffusiond/internal/registry"
)

// app is the wired object graph shared by serve and generate.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	reg     *registry.Dir
	mgr     *manager.Manager
	gallery *gallery.Store
	prefs   *prefs.Store
}

func newApp(cfg config.Config, log zerolog.Logger, pub manager.EventPublisher) (*app, error) {
	reg, err := registry.NewDir(cfg.ModelsDir)
	if err != nil {
		return nil, err
	}
	pr, err := prefs.Open(cfg.PrefsPath)
	if err != nil {
		return nil, err
	}
	policy, _ := manager.ParseLoadPolicy(cfg.LoadPolicy)
	backend := pipeline.New(pipeline.Options{
		Width:     cfg.ImageWidth,
		Height:    cfg.ImageHeight,
		StepDelay: time.Duration(cfg.StepDelayMS) * time.Millisecond,
		Logger:    &log,
	})
	mgr := manager.NewWithConfig(manager.ManagerConfig{
		Registry: reg,
		Backend:  backend,
		LoadConfig: manager.LoadConfig{
			ComputeUnits:  manager.ComputeUnits(cfg.ComputeUnits),
			DisableSafety: cfg.DisableSafety,
		},
		LoadPolicy: policy,
		Limits: manager.Limits{
			MaxSteps:      cfg.MaxSteps,
			MaxImageCount: cfg.MaxImageCount,
			MaxGuidance:   cfg.MaxGuidance,
		},
		Logger:    &log,
		Publisher: pub,
	})
	gal := gallery.New(gallery.Options{
		Capacity:  cfg.GalleryCapacity,
		ExportDir: cfg.ExportDir,
		Logger:    &log,
	})
	return &app{cfg: cfg, log: log, reg: reg, mgr: mgr, gallery: gal, prefs: pr}, nil
}

// initialModel is the configured default model, else the last one used.
func (a *app) initialModel() string {
	if a.cfg.DefaultModel != "" {
		return a.cfg.DefaultModel
	}
	return a.prefs.Get().Model
}
