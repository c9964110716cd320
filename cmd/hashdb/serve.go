package main

import (
	"github.com/spf13/cobra"
)

func newServeCmd(c *cli) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only HTTP API and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.app.Serve(cmd.Context(), listen, nil)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (default from config, :8080)")
	cmd.Flags().String("roots", "", "comma separated roots scanned on request")
	return cmd
}
