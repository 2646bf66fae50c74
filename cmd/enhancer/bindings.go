package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/polzovatel/tm-enhancer/internal/actions"
	"github.com/polzovatel/tm-enhancer/internal/dom/memdom"
	"github.com/polzovatel/tm-enhancer/internal/enhancer"
)

func newBindingsCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "bindings",
		Short: "Print the key bindings, actions and rules in effect",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			enh, err := enhancer.New(enhancer.Deps{Doc: memdom.New(), Config: cfg, Logger: zerolog.Nop()})
			if err != nil {
				return err
			}

			byName := make(map[string]actions.Descriptor)
			for _, d := range enh.Actions() {
				byName[d.Name] = d
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "PLATFORM: %s\n\nBINDINGS:\n", enh.Platform())
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, b := range enh.Bindings() {
				d := byName[b.Action]
				kind := string(d.Interaction)
				if d.IsWorkflow() {
					kind = fmt.Sprintf("workflow(%d)", len(d.Steps))
				}
				fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", b.Combo, b.Action, kind, d.Description)
			}
			w.Flush()

			fmt.Fprintln(out, "\nRULES:")
			w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, r := range enh.Registry().Rules() {
				fmt.Fprintf(w, "  %s\t%s\t%s\n", r.Name, r.Lookup.String(), r.Patch.String())
			}
			return w.Flush()
		},
	}
}
