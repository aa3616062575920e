package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/amillerrr/kino-pipeline/internal/storyboard"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kinoctl",
		Short:         "Operator tools for the kino storyboard pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newTimecodeCommand())
	rootCmd.AddCommand(newNormalizeCommand())
	rootCmd.AddCommand(newCandidatesCommand())
	rootCmd.AddCommand(newSharpestCommand())
	rootCmd.AddCommand(newRenderCommand())

	return rootCmd
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readStoryboards(path string) (*models.StoryboardSet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read storyboard file: %w", err)
	}
	return storyboard.Decode(raw)
}
