package render

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/amillerrr/kino-pipeline/internal/logger"
	"github.com/amillerrr/kino-pipeline/internal/metrics"
	"github.com/amillerrr/kino-pipeline/internal/storyboard"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// CandidatesDir is the project-relative directory of rendered poster stills.
var CandidatesDir = path.Join(PostersDir, "candidates")

// CandidatePath returns the on-disk path of a rendered candidate.
func CandidatePath(projectDir, id string) string {
	return filepath.Join(projectDir, filepath.FromSlash(CandidatesDir), id+".webp")
}

// RenderPosterCandidates renders one still per candidate and returns the ones
// that produced a non-empty image, with ImageURL set. Candidates that fail are
// dropped.
func (r *Renderer) RenderPosterCandidates(ctx context.Context, projectID, projectDir, inputPath string, candidates []models.PosterCandidate) ([]models.PosterCandidate, error) {
	ctx, span := tracer.Start(ctx, "render-poster-candidates")
	defer span.End()

	dir := filepath.Join(projectDir, filepath.FromSlash(CandidatesDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create candidates directory: %w", err)
	}

	rendered := make([]models.PosterCandidate, 0, len(candidates))
	for i, c := range candidates {
		if c.Timestamp == "" {
			continue
		}
		if c.ID == "" {
			c.ID = storyboard.PosterID(i + 1)
		}
		dest := CandidatePath(projectDir, c.ID)
		scratch := filepath.Join(dir, c.ID+"_candidates")
		if err := r.grabBestFrame(ctx, inputPath, c.Timestamp, scratch, dest); err != nil {
			metrics.PosterCandidatesRendered.WithLabelValues("dropped").Inc()
			logger.Warn(ctx, r.log, "Poster candidate dropped",
				"project_id", projectID,
				"candidate", c.ID,
				"timestamp", c.Timestamp,
				"error", err,
			)
			continue
		}
		metrics.PosterCandidatesRendered.WithLabelValues("rendered").Inc()
		c.ImageURL = MediaURL(r.opts.MediaBaseURL, projectID, path.Join(CandidatesDir, c.ID+".webp"))
		rendered = append(rendered, c)
	}
	return rendered, nil
}
