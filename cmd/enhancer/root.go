package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/polzovatel/tm-enhancer/internal/config"
)

// rootOptions holds the flags every subcommand shares.
type rootOptions struct {
	configPath string
	verbose    bool
	platform   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "enhancer",
		Short:         "Keeps a single-page app patched and adds keyboard shortcuts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := zerolog.InfoLevel
			if opts.verbose {
				level = zerolog.DebugLevel
			}
			zerolog.SetGlobalLevel(level)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv(config.EnvConfig), "path to a YAML config (built-in defaults when empty)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.platform, "platform", "", "mac or other; overrides the configured platform")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newCheckCommand(opts))
	cmd.AddCommand(newBindingsCommand(opts))
	return cmd
}

// loadConfig reads the configured file and applies --platform on top.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(strings.TrimSpace(o.configPath))
	if err != nil {
		return nil, err
	}
	if p := strings.TrimSpace(o.platform); p != "" {
		cfg.Platform = p
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
