package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/polzovatel/tm-enhancer/internal/config"
	"github.com/polzovatel/tm-enhancer/internal/dom/memdom"
	"github.com/polzovatel/tm-enhancer/internal/enhancer"
)

type checkOptions struct {
	retry  bool
	asJSON bool
	quiet  bool
}

func newCheckCommand(root *rootOptions) *cobra.Command {
	opts := &checkOptions{}
	cmd := &cobra.Command{
		Use:   "check <fixture.html>",
		Short: "Run one reconcile pass over a saved page and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, root, opts, args[0])
		},
	}
	cmd.Flags().BoolVar(&opts.retry, "retry", false, "honour retry policies instead of a single attempt per rule")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "print the summary as JSON")
	cmd.Flags().BoolVar(&opts.quiet, "no-html", false, "do not print the patched document")
	return cmd
}

func runCheck(cmd *cobra.Command, root *rootOptions, opts *checkOptions, path string) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if !opts.retry {
		singleAttempt(cfg)
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixture: %w", err)
	}
	doc, err := memdom.Parse(string(src))
	if err != nil {
		return fmt.Errorf("parse fixture: %w", err)
	}

	enh, err := enhancer.New(enhancer.Deps{
		Doc:    doc,
		Config: cfg,
		Logger: log.With().Str("comp", "enhancer").Logger(),
	})
	if err != nil {
		return err
	}
	for _, r := range enh.Reconcile(cmd.Context()) {
		log.Debug().Str("rule", r.Rule).Str("outcome", r.Result.Outcome.String()).Int("applied", r.Report.Applied).Msg("reconciled")
	}

	sum := enh.Snapshot(path)
	out := cmd.OutOrStdout()
	if opts.asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(sum.ToMap())
	}
	fmt.Fprint(out, sum.String())
	if !opts.quiet {
		html, err := doc.Render()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "DOCUMENT:")
		fmt.Fprintln(out, html)
	}
	return nil
}

// singleAttempt makes every rule try once: a saved page will not render
// anything new while we wait.
func singleAttempt(cfg *config.Config) {
	cfg.Retry.MaxAttempts = 1
	for i := range cfg.Rules {
		if cfg.Rules[i].Retry != nil {
			p := *cfg.Rules[i].Retry
			p.MaxAttempts = 1
			cfg.Rules[i].Retry = &p
		}
	}
}
