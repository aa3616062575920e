package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/amillerrr/kino-pipeline/internal/timecode"
)

func newTimecodeCommand() *cobra.Command {
	var fps int
	var duration float64

	cmd := &cobra.Command{
		Use:   "timecode <HH:MM:SS.FF>",
		Short: "Parse, repair and re-encode a timecode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tc := args[0]
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "input:     %s\n", tc)
			if secs, err := timecode.ToSeconds(tc, fps); err != nil {
				fmt.Fprintf(out, "strict:    invalid (%v)\n", err)
			} else {
				fmt.Fprintf(out, "strict:    %.3fs\n", secs)
			}

			resolved := timecode.Resolve(tc, duration, fps)
			fmt.Fprintf(out, "resolved:  %.3fs\n", resolved)
			fmt.Fprintf(out, "canonical: %s\n", timecode.ToTimecode(resolved, fps))
			fmt.Fprintf(out, "frames:    %d\n", timecode.ToFrames(resolved, fps))
			return nil
		},
	}

	cmd.Flags().IntVar(&fps, "fps", timecode.DefaultFPS, "Frame rate used for the frame field")
	cmd.Flags().Float64Var(&duration, "duration", 0, "Media duration in seconds (0 disables clamping and repair)")
	return cmd
}
