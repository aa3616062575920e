package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amillerrr/kino-pipeline/internal/storyboard"
	"github.com/amillerrr/kino-pipeline/internal/timecode"
)

func newNormalizeCommand() *cobra.Command {
	var fps int
	var duration float64

	cmd := &cobra.Command{
		Use:   "normalize <storyboard.json>",
		Short: "Print the normalized storyboard set and its repair count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := readStoryboards(args[0])
			if err != nil {
				return err
			}
			normalized, repaired := storyboard.Normalize(set, duration, fps)
			if err := writeJSON(cmd, normalized); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "repaired %d timecodes\n", repaired)
			return nil
		},
	}

	cmd.Flags().IntVar(&fps, "fps", timecode.DefaultFPS, "Frame rate")
	cmd.Flags().Float64Var(&duration, "duration", 0, "Media duration in seconds (0 means unknown)")
	return cmd
}

func newCandidatesCommand() *cobra.Command {
	var fps, limit int
	var duration float64
	var normalize bool

	cmd := &cobra.Command{
		Use:   "candidates <storyboard.json>",
		Short: "List deduplicated poster candidates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			set, err := readStoryboards(args[0])
			if err != nil {
				return err
			}
			candidates := storyboard.BuildPosterCandidates(set, storyboard.CandidateOptions{
				Limit:     limit,
				Normalize: normalize,
				Duration:  duration,
				FPS:       fps,
			})
			return writeJSON(cmd, candidates)
		},
	}

	cmd.Flags().IntVar(&fps, "fps", timecode.DefaultFPS, "Frame rate")
	cmd.Flags().IntVar(&limit, "limit", storyboard.DefaultPosterLimit, "Maximum number of candidates")
	cmd.Flags().Float64Var(&duration, "duration", 0, "Media duration in seconds")
	cmd.Flags().BoolVar(&normalize, "normalize", false, "Resolve timestamps against --duration before dedup")
	return cmd
}
