package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"hashdb/internal/digest"
	"hashdb/internal/verifier"
)

var outcomeColors = map[verifier.Outcome]*color.Color{
	verifier.Match:     okColor,
	verifier.Mismatch:  errorColor,
	verifier.Missing:   warnColor,
	verifier.NoDigest:  warnColor,
	verifier.ReadError: errorColor,
}

func newVerifyCmd(c *cli) *cobra.Command {
	var (
		scope        string
		algo         string
		onlyProblems bool
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-hash stored files and compare with the recorded digests",
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

			w := cmd.OutOrStdout()
			var bar *progressbar.ProgressBar
			if !c.quiet {
				bar = newSpinner("verifying")
			}
			summary, err := c.app.Verify(cmd.Context(), scope, alg, func(r verifier.Result) {
				if bar != nil {
					_ = bar.Add(1)
				}
				if onlyProblems && !r.Problem() {
					return
				}
				line := fmt.Sprintf("%-10s %s", outcomeColors[r.Outcome].Sprint(r.Outcome), r.Path)
				if r.Outcome == verifier.Mismatch {
					line += fmt.Sprintf(" (expected %s, got %s)", r.Expected, r.Actual)
				}
				if r.Err != nil && r.Outcome == verifier.ReadError {
					line += fmt.Sprintf(" (%v)", r.Err)
				}
				fmt.Fprintln(w, line)
			})
			if bar != nil {
				_ = bar.Finish()
			}

			fmt.Fprintf(w, "\nVerified %d records:", summary.Total)
			for _, outcome := range []verifier.Outcome{verifier.Match, verifier.Mismatch, verifier.Missing, verifier.NoDigest, verifier.ReadError} {
				if n := summary.Count(outcome); n > 0 {
					fmt.Fprintf(w, " %s=%d", outcomeColors[outcome].Sprint(outcome), n)
				}
			}
			fmt.Fprintln(w)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&scope, "scope", "", "only verify records at or below this path")
	flags.StringVar(&algo, "algo", "", "algorithm to verify (default: first configured)")
	flags.BoolVar(&onlyProblems, "only-problems", false, "print only results that are not MATCH")
	return cmd
}
