package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/amillerrr/kino-pipeline/internal/config"
	"github.com/amillerrr/kino-pipeline/internal/logger"
	"github.com/amillerrr/kino-pipeline/internal/render"
	"github.com/amillerrr/kino-pipeline/internal/storyboard"
	"github.com/amillerrr/kino-pipeline/internal/transcoder"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

type renderSummary struct {
	Storyboards      *models.StoryboardSet    `json:"storyboards"`
	PosterURL        string                   `json:"poster_url,omitempty"`
	Repaired         int                      `json:"repaired_timecodes"`
	SceneFailures    []string                 `json:"scene_failures,omitempty"`
	PosterCandidates []models.PosterCandidate `json:"poster_candidates,omitempty"`
}

func newRenderCommand() *cobra.Command {
	var outDir string
	var workers int
	var posters bool

	cmd := &cobra.Command{
		Use:   "render <video> <storyboard.json>",
		Short: "Render clips and thumbnails for a storyboard file without inference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if outDir == "" {
				return errors.New("--out is required")
			}
			video, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve video path: %w", err)
			}
			if _, err := os.Stat(video); err != nil {
				return fmt.Errorf("inspect video: %w", err)
			}
			set, err := readStoryboards(args[1])
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Render.Workers = workers
			}
			log := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
				Level: logger.ParseLevel(cfg.LogLevel),
			}))

			tc := transcoder.NewTranscoder(&transcoder.Config{
				FFmpegPath:       cfg.Render.FFmpegPath,
				FFprobePath:      cfg.Render.FFprobePath,
				UseNVENC:         cfg.Render.UseNVENC,
				X264Preset:       cfg.Render.Preset,
				X264CRF:          strconv.Itoa(cfg.Render.CRF),
				ThumbnailOffsets: cfg.Render.ThumbnailOffsets,
				Logger:           log,
			})
			if err := tc.CheckBinaries(); err != nil {
				return err
			}
			renderer := render.New(tc, render.Options{
				FPS:          cfg.Render.FPS,
				Workers:      cfg.Render.Workers,
				MediaBaseURL: cfg.Render.MediaBaseURL,
				Logger:       log,
			})

			ctx := cmd.Context()
			duration := tc.ProbeDuration(ctx, video)
			normalized, repaired := storyboard.Normalize(set, duration, cfg.Render.FPS)

			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return fmt.Errorf("create output directory: %w", err)
			}
			projectID := filepath.Base(filepath.Clean(outDir))
			result, err := renderer.RenderAssets(ctx, render.Job{
				ProjectID:  projectID,
				ProjectDir: outDir,
				InputPath:  video,
				Set:        normalized,
				OnBoard: func(done, total int) {
					fmt.Fprintf(cmd.ErrOrStderr(), "rendered storyboard %d/%d\n", done, total)
				},
			})
			if err != nil {
				return err
			}

			summary := renderSummary{
				Storyboards: result.Storyboards,
				PosterURL:   result.PosterURL,
				Repaired:    repaired,
			}
			for _, f := range result.Failures {
				summary.SceneFailures = append(summary.SceneFailures, f.Error())
			}

			if posters {
				candidates := storyboard.BuildPosterCandidates(result.Storyboards, storyboard.CandidateOptions{
					Limit:     cfg.Posters.CandidateLimit,
					Normalize: true,
					Duration:  duration,
					FPS:       cfg.Render.FPS,
				})
				summary.PosterCandidates, err = renderer.RenderPosterCandidates(ctx, projectID, outDir, video, candidates)
				if err != nil {
					return err
				}
			}

			return writeJSON(cmd, summary)
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "", "Output directory for clips and thumbnails")
	cmd.Flags().IntVar(&workers, "workers", 0, "Scene workers (defaults to KINO_RENDER_WORKERS)")
	cmd.Flags().BoolVar(&posters, "posters", false, "Also render poster candidate stills")
	return cmd
}
