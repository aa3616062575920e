package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amillerrr/kino-pipeline/internal/sharpness"
)

func newSharpestCommand() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "sharpest <image>...",
		Short: "Pick the sharpest frame by variance of the Laplacian",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if verbose {
				for _, s := range sharpness.ScoreAll(args) {
					fmt.Fprintf(cmd.ErrOrStderr(), "%12.2f  %s\n", s.Variance, s.Path)
				}
			}
			best, err := sharpness.Pick(args)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), best)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Print every candidate's score to stderr")
	return cmd
}
