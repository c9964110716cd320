package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"hashdb/internal/digest"
	"hashdb/internal/maintenance"
	"hashdb/internal/report"
)

func newCleanupCmd(c *cli) *cobra.Command {
	var opts maintenance.Options
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove records whose files no longer exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			summary, err := c.app.Cleanup(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printCleanupSummary(cmd.OutOrStdout(), summary, opts.DeleteZero)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.DeleteZero, "delete-zero", false, "also delete zero-byte files")
	return cmd
}

func printCleanupSummary(w io.Writer, s maintenance.Summary, deleteZero bool) {
	fmt.Fprintf(w, "Removed %d stale records\n", s.Removed)
	if deleteZero {
		fmt.Fprintf(w, "Zero-byte files:  %d found, %d deleted\n", s.ZeroFound, s.ZeroDeleted)
		if s.ZeroFailed > 0 {
			fmt.Fprintln(w, warnColor.Sprintf("%d zero-byte files could not be deleted", s.ZeroFailed))
		}
	} else {
		fmt.Fprintf(w, "Zero-byte files:  %d found\n", s.ZeroFound)
		for _, path := range s.ZeroPaths {
			fmt.Fprintf(w, "  %s\n", path)
		}
	}
	fmt.Fprintf(w, "Database size:    %s -> %s\n", humanize.IBytes(uint64(s.DatabaseBefore)), humanize.IBytes(uint64(s.DatabaseAfter)))
	fmt.Fprintf(w, "Run:              %s\n", s.RunID)
}

func newCompactCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Reclaim free space in the database file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.app.Compact(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), okColor.Sprint("Database compacted"))
			return nil
		},
	}
}

func newReportCmd(c *cli) *cobra.Command {
	var algo string
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize stored digests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var alg digest.Algorithm
			if algo != "" {
				parsed, err := digest.Parse(algo)
				if err != nil {
					return err
				}
				alg = parsed
			}
			summary, err := c.app.Report(cmd.Context(), alg)
			if err != nil {
				return err
			}
			return report.WriteSummary(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&algo, "algo", "", "algorithm to summarize (default: first configured)")
	return cmd
}

func newHealthCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check the database and the files it tracks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := c.app.Health(cmd.Context())
			if err != nil {
				return err
			}
			return report.WriteHealth(cmd.OutOrStdout(), health)
		},
	}
}
