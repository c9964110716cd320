package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"hashdb/internal/app"
	"hashdb/internal/digest"
	"hashdb/internal/indexer"
)

func newScanCmd(c *cli) *cobra.Command {
	var (
		algos     string
		full      bool
		workers   int
		batchSize int
	)
	cmd := &cobra.Command{
		Use:   "scan <root>",
		Short: "Index files below root",
		Long: `Walk root, hash every new or modified regular file and commit the digests.

By default only files whose modification time changed since the last scan are
hashed. Use --full to re-hash everything.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := app.ScanOptions{Full: full, Workers: workers, BatchSize: batchSize}
			if algos != "" {
				algs, err := digest.ParseList(algos)
				if err != nil {
					return err
				}
				opts.Algorithms = algs
			}

			var bar *progressbar.ProgressBar
			if !c.quiet {
				bar = newSpinner("hashing")
				opts.Progress = func(p indexer.ProgressSnapshot) {
					bar.Describe(fmt.Sprintf("hashing [%s, %s skipped]", humanize.IBytes(uint64(p.Bytes)), humanize.Comma(p.Skipped)))
					_ = bar.Set64(p.Hashed)
				}
			}

			summary, err := c.app.Scan(cmd.Context(), args[0], opts)
			if bar != nil {
				_ = bar.Finish()
			}
			printScanSummary(cmd.OutOrStdout(), summary)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&algos, "algo", "", "comma separated algorithms to compute (default from config)")
	flags.BoolVar(&full, "full", false, "re-hash every file regardless of modification time")
	flags.IntVar(&workers, "workers", 0, "number of hash workers")
	flags.IntVar(&batchSize, "batch-size", 0, "records committed per transaction")
	return cmd
}

func newSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetWidth(30),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)
}

func printScanSummary(w io.Writer, s indexer.Summary) {
	if s.Root == "" {
		return
	}
	fmt.Fprintf(w, "Root:      %s (%s)\n", s.Root, s.Mode)
	fmt.Fprintf(w, "Scanned:   %s\n", humanize.Comma(s.Scanned))
	fmt.Fprintf(w, "Hashed:    %s\n", okColor.Sprint(humanize.Comma(s.Hashed)))
	fmt.Fprintf(w, "Skipped:   %s\n", humanize.Comma(s.Skipped))
	if s.Errors == 0 {
		fmt.Fprintf(w, "Errors:    0\n")
	} else {
		fmt.Fprintf(w, "Errors:    %s\n", warnColor.Sprint(humanize.Comma(s.Errors)))
		for kind, n := range s.Diagnostics {
			fmt.Fprintf(w, "  %-16s %d\n", kind, n)
		}
		for _, failure := range multierr.Errors(s.Failures) {
			fmt.Fprintf(w, "  %s\n", failure)
		}
	}
	if !s.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Elapsed:   %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	}
}
