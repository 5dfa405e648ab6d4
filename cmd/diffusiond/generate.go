package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"diffusiond/internal/config"
	"diffusiond/internal/manager"
	"diffusiond/pkg/types"
)

type generateOptions struct {
	model     string
	prompt    string
	negative  string
	scheduler string
	steps     int
	images    int
	guidance  float64
	seed      int64
	outDir    string
	format    string
}

func newGenerateCmd(o *rootOptions) *cobra.Command {
	g := &generateOptions{}
	cmd := &cobra.Command{
		Use:     "generate [prompt]",
		Short:   "Load a model, generate images once and export them",
		Example: "  diffusiond generate --model v1-5 --steps 20 --images 2 \"a lighthouse at dusk\"",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				g.prompt = args[0]
			}
			cfg, err := o.resolve(config.Config{})
			if err != nil {
				return err
			}
			log, closer, err := o.logger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()
			a, err := newApp(cfg, log, nil)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			defer a.mgr.Close(context.Background())

			paths, err := generateOnce(ctx, a, g, cmd.Flags().Changed("seed"), cmd.Flags().Changed("guidance"))
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&g.model, "model", "", "Model id (defaults to default_model, then the last used model)")
	f.StringVar(&g.prompt, "prompt", "", "Prompt text (defaults to the last used prompt)")
	f.StringVar(&g.negative, "negative-prompt", "", "Negative prompt")
	f.StringVar(&g.scheduler, "scheduler", "", "Scheduler: pndm|dpmpp")
	f.IntVar(&g.steps, "steps", 0, "Denoising steps")
	f.IntVar(&g.images, "images", 0, "Number of images")
	f.Float64Var(&g.guidance, "guidance", 0, "Guidance scale")
	f.Int64Var(&g.seed, "seed", 0, "Seed (random when omitted)")
	f.StringVar(&g.outDir, "out", "", "Export directory (defaults to export_dir)")
	f.StringVar(&g.format, "format", "png", "Export format: png|jpeg")
	return cmd
}

// generateOnce loads the model, runs one request and exports every image.
// It returns the exported image paths.
func generateOnce(ctx context.Context, a *app, g *generateOptions, seedSet, guidanceSet bool) ([]string, error) {
	model := strings.TrimSpace(g.model)
	if model == "" {
		model = a.initialModel()
	}
	if model == "" {
		return nil, errors.New("no model given: pass --model or set default_model")
	}

	body := types.GenerateRequest{
		Prompt:         g.prompt,
		NegativePrompt: g.negative,
		Scheduler:      g.scheduler,
		Steps:          g.steps,
		ImageCount:     g.images,
	}
	if seedSet {
		body.Seed = &g.seed
	}
	if guidanceSet {
		body.Guidance = &g.guidance
	}
	body = a.prefs.Apply(body)

	sub := a.mgr.Subscribe()
	defer sub.Close()
	if _, err := a.mgr.Load(model); err != nil {
		return nil, err
	}
	for {
		p, err := sub.Next(ctx)
		if err != nil {
			return nil, err
		}
		if p.Kind == manager.PhaseError {
			return nil, fmt.Errorf("load %s: %s", model, p.Err)
		}
		if p.Kind == manager.PhaseReady && p.ModelID == model {
			break
		}
	}

	req := manager.GenerationRequest{
		Prompt:         body.Prompt,
		NegativePrompt: body.NegativePrompt,
		Scheduler:      manager.Scheduler(strings.ToLower(body.Scheduler)),
		Steps:          body.Steps,
		ImageCount:     body.ImageCount,
		Seed:           body.Seed,
	}
	if body.Guidance != nil {
		req.Guidance = *body.Guidance
	}
	if body.SafetyChecker != nil {
		req.SafetyChecker = *body.SafetyChecker
	}
	tk, err := a.mgr.Submit(req)
	if err != nil {
		return nil, err
	}
	if err := a.prefs.Remember(body, model); err != nil {
		a.log.Warn().Err(err).Msg("prefs event=save_error")
	}
	a.log.Info().Str("request_id", tk.RequestID).Int64("seed", tk.Seed).Str("model", model).Msg("generate event=submitted")

	for {
		p, err := sub.Next(ctx)
		if err != nil {
			a.mgr.Cancel(tk.RequestID)
			return nil, err
		}
		if p.RequestID != tk.RequestID {
			continue
		}
		switch p.Kind {
		case manager.PhaseReady:
			return nil, errors.New("generation cancelled")
		case manager.PhaseRunning:
			if p.Progress != nil {
				a.log.Info().Int("step", p.Progress.Step+1).Int("steps", p.Progress.TotalSteps).Msg("generate event=progress")
			}
		case manager.PhaseFailed:
			return nil, fmt.Errorf("%s: %s", p.Code, p.Err)
		case manager.PhaseCompleted:
			return exportAll(a, p.Result, g)
		}
	}
}

func exportAll(a *app, res *manager.GenerationResult, g *generateOptions) ([]string, error) {
	var paths []string
	for _, e := range a.gallery.Add(res) {
		out, err := a.gallery.Export(e.ID, g.outDir, g.format)
		if err != nil {
			return paths, err
		}
		a.log.Info().Str("image", out.ImagePath).Str("metadata", out.MetadataPath).Msg("generate event=exported")
		paths = append(paths, out.ImagePath)
	}
	return paths, nil
}
