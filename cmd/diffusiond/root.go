package main

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"diffusiond/internal/config"
	"diffusiond/internal/logging"
	"diffusiond/internal/manager"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
	logFile    string
	modelsDir  string
	stderr     io.Writer
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{stderr: os.Stderr}
	root := &cobra.Command{
		Use:           "diffusiond",
		Short:         "Local text-to-image daemon and CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "", "Config file (.yaml, .yml, .json or .toml)")
	pf.StringVar(&o.envFile, "env-file", ".env", "Dotenv file with DIFFUSIOND_* variables (ignored when missing)")
	pf.StringVar(&o.logLevel, "log-level", "", "Log level: debug|info|warn|error|off (defaults DIFFUSIOND_LOG_LEVEL or info)")
	pf.StringVar(&o.logFormat, "log-format", "", "Log format: console|json (defaults to console on terminals)")
	pf.StringVar(&o.logFile, "log-file", "", "Also write JSON logs to this rotated file")
	pf.StringVar(&o.modelsDir, "models-dir", "", "Directory whose sub-directories are models")

	root.AddCommand(newServeCmd(o), newModelsCmd(o), newGenerateCmd(o))

	completionCmd := &cobra.Command{Use: "completion", Short: "Generate the autocompletion script for the specified shell"}
	completionCmd.AddCommand(&cobra.Command{Use: "bash", Short: "Bash completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenBashCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "zsh", Short: "Zsh completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenZshCompletion(cmd.OutOrStdout()) }})
	completionCmd.AddCommand(&cobra.Command{Use: "fish", Short: "Fish completion", RunE: func(cmd *cobra.Command, args []string) error { return root.GenFishCompletion(cmd.OutOrStdout(), true) }})
	root.AddCommand(completionCmd)
	return root
}

// resolve builds the effective config: flag > config file > environment > default.
func (o *rootOptions) resolve(over config.Config) (config.Config, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return config.Config{}, err
	}
	env, err := config.FromEnv(nil)
	if err != nil {
		return config.Config{}, err
	}
	cfg := config.Merge(config.Defaults(), env)
	if o.configPath != "" {
		file, err := config.Load(o.configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("config %s: %w", o.configPath, err)
		}
		cfg = config.Merge(cfg, file)
	}
	flags := config.Merge(config.Config{
		LogLevel:  o.logLevel,
		LogFormat: o.logFormat,
		LogFile:   o.logFile,
		ModelsDir: o.modelsDir,
	}, over)
	cfg = config.Merge(cfg, flags)
	if _, ok := manager.ParseLoadPolicy(cfg.LoadPolicy); !ok {
		return config.Config{}, fmt.Errorf("unknown load policy %q (want latest or reject)", cfg.LoadPolicy)
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg config.Config) (zerolog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Out:    o.stderr,
	})
}
