package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"hashdb/internal/deduper"
	"hashdb/internal/digest"
)

func newDedupeCmd(c *cli) *cobra.Command {
	var (
		algo string
		mode string
	)
	cmd := &cobra.Command{
		Use:   "dedupe",
		Short: "Resolve files with identical content",
		Long: `Group records that share a digest, keep the best-ranked member of each group and
dispose of the rest.

Modes:
  dry-run     print the plan and journal it, touch nothing (default)
  quarantine  move duplicates below --quarantine-dir, never overwriting
  delete      remove duplicates`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var alg digest.Algorithm
			if algo != "" {
				parsed, err := digest.Parse(algo)
				if err != nil {
					return err
				}
				alg = parsed
			}
			var m deduper.Mode
			if mode != "" {
				parsed, err := deduper.ParseMode(mode)
				if err != nil {
					return err
				}
				m = parsed
			} else {
				m = c.app.Config().DedupeMode
			}

			w := cmd.OutOrStdout()
			if m == deduper.DryRun {
				sets, err := c.app.Duplicates(cmd.Context(), alg)
				if err != nil {
					return err
				}
				printSets(w, sets)
			}

			summary, err := c.app.Dedupe(cmd.Context(), alg, m)
			printDedupeSummary(w, summary)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&algo, "algo", "", "algorithm whose digests define duplicates (default: first configured)")
	flags.StringVar(&mode, "mode", "", "dry-run, quarantine or delete (default from config)")
	flags.String("quarantine-dir", "", "destination for quarantined duplicates")
	return cmd
}

func printSets(w io.Writer, sets []deduper.Set) {
	for _, set := range sets {
		fmt.Fprintf(w, "%s %s\n", set.Algorithm, set.Digest)
		fmt.Fprintf(w, "  %s %s\n", okColor.Sprint("keep  "), set.Keeper().Path)
		for _, loser := range set.Losers() {
			fmt.Fprintf(w, "  %s %s\n", warnColor.Sprint("remove"), loser.Path)
		}
	}
}

func printDedupeSummary(w io.Writer, s deduper.Summary) {
	if s.RunID == "" {
		return
	}
	fmt.Fprintf(w, "\nRun %s (%s): %d sets, %d kept", s.RunID, s.Mode, s.Sets, s.Kept)
	if s.Mode == deduper.DryRun {
		fmt.Fprintf(w, ", %d planned, %s reclaimable", s.Planned, humanize.IBytes(uint64(s.Bytes)))
	} else {
		fmt.Fprintf(w, ", %s removed, %s reclaimed", okColor.Sprint(s.Removed), humanize.IBytes(uint64(s.Bytes)))
	}
	if s.Failed > 0 {
		fmt.Fprintf(w, ", %s failed", errorColor.Sprint(s.Failed))
	}
	fmt.Fprintln(w)
}
