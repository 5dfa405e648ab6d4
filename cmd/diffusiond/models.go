package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"diffusiond/internal/config"
	"diffusiond/internal/registry"
)

func newModelsCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "models",
		Short:   "List the models found in the models directory",
		Example: "  diffusiond models --models-dir ~/Diffusion/models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(config.Config{})
			if err != nil {
				return err
			}
			reg, err := registry.NewDir(cfg.ModelsDir)
			if err != nil {
				return err
			}
			models, err := reg.Models()
			if err != nil {
				return err
			}
			if len(models) == 0 {
				log, closer, err := o.logger(cfg)
				if err != nil {
					return err
				}
				defer closer.Close()
				log.Warn().Str("models_dir", reg.Root()).Msg("registry event=empty")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPATH")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\n", m.ID, m.Path)
			}
			return tw.Flush()
		},
	}
}
