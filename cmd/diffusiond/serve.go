package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"diffusiond/internal/config"
	"diffusiond/internal/httpapi"
)

func newServeCmd(o *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP daemon",
		Example: "  diffusiond serve --addr :8080 --models-dir ~/Diffusion/models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(config.Config{Addr: addr})
			if err != nil {
				return err
			}
			log, closer, err := o.logger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			a, err := newApp(cfg, log, httpapi.MetricsPublisher{})
			if err != nil {
				return err
			}
			ln, err := net.Listen("tcp", cfg.Addr)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080 (defaults DIFFUSIOND_ADDR or :8080)")
	return cmd
}

// serve runs the HTTP API on ln until ctx ends, then drains requests and
// closes the manager.
func serve(ctx context.Context, a *app, ln net.Listener) error {
	httpapi.SetLogger(a.log)
	httpapi.SetMaxBodyBytes(a.cfg.MaxBodyBytes)
	httpapi.SetCORSOptions(a.cfg.CORSEnabled, a.cfg.CORSOrigins, a.cfg.CORSMethods, a.cfg.CORSHeaders)
	httpapi.SetBaseContext(ctx)

	srv := &http.Server{
		Handler: httpapi.NewMux(httpapi.Deps{
			Engine:  a.mgr,
			Models:  a.reg,
			Gallery: a.gallery,
			Prefs:   a.prefs,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	timeout := time.Duration(a.cfg.ShutdownTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// Subscribe before the first load so the gallery misses nothing.
	sub := a.mgr.Subscribe()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer sub.Close()
		if err := a.gallery.Collect(gctx, sub); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.log.Info().Str("addr", ln.Addr().String()).Str("models_dir", a.reg.Root()).Msg("diffusiond event=listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("diffusiond event=shutdown")
		sctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		if cerr := a.mgr.Close(sctx); err == nil {
			err = cerr
		}
		return err
	})

	if id := a.initialModel(); id != "" {
		if _, err := a.mgr.Load(id); err != nil {
			a.log.Warn().Err(err).Str("model", id).Msg("diffusiond event=initial_load_failed")
		}
	}
	return g.Wait()
}
