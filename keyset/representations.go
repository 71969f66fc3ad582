package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"41.neocities.org/offline/manifest"
)

var representationsCmd = &cobra.Command{
	Use:     "representations <mpd-url>",
	Aliases: []string{"reps"},
	Short:   "List the adaptation sets and representations of a period",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, _, err := loadPeriod(cmd.Context(), cmd, args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SET\tTYPE\tID\tBANDWIDTH\tCODECS\tSIZE\tPROTECTION")
		for _, set := range p.AdaptationSets {
			for _, rep := range set.Representations {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\n",
					set.ID, set.Type, rep.ID, rep.Format.Bandwidth,
					rep.Format.Codecs, size(rep.Format), rep.Format.InitData)
			}
		}
		if rep, t, ok := manifest.PreferredRepresentation(p); ok {
			fmt.Fprintf(w, "\npreferred: %s %s\n", t, rep.ID)
		}
		return w.Flush()
	},
}

func size(f manifest.Format) string {
	if f.Width == 0 || f.Height == 0 {
		return "-"
	}
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}
