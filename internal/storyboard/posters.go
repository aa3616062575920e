package storyboard

import (
	"fmt"

	"github.com/amillerrr/kino-pipeline/internal/timecode"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// DefaultPosterLimit caps the number of poster candidates.
const DefaultPosterLimit = 20

// CandidateOptions controls poster candidate extraction.
type CandidateOptions struct {
	Limit int
	// Normalize resolves each timestamp against Duration before dedup.
	Normalize bool
	Duration  float64
	FPS       int
}

// PosterID formats the nth (1-based) candidate id.
func PosterID(n int) string {
	return fmt.Sprintf("poster_%02d", n)
}

// BuildPosterCandidates lists deduplicated poster stills. Upstream suggestions
// come first, then each scene's thumbnail (or start) timecode. Extraction stops
// at the limit.
func BuildPosterCandidates(set *models.StoryboardSet, opts CandidateOptions) []models.PosterCandidate {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultPosterLimit
	}
	fps := opts.FPS
	if fps <= 0 {
		fps = timecode.DefaultFPS
	}

	candidates := []models.PosterCandidate{}
	if set == nil {
		return candidates
	}
	seen := make(map[string]struct{})

	add := func(ts, desc string) bool {
		if ts == "" {
			return false
		}
		if opts.Normalize {
			ts = timecode.Canonical(ts, opts.Duration, fps)
		}
		if _, dup := seen[ts]; dup {
			return false
		}
		seen[ts] = struct{}{}
		candidates = append(candidates, models.PosterCandidate{
			ID:          PosterID(len(candidates) + 1),
			Timestamp:   ts,
			Description: desc,
		})
		return len(candidates) >= limit
	}

	for _, sp := range set.PosterCandidates {
		if add(sp.Source(), sp.Description) {
			return candidates
		}
	}

	for _, board := range set.Storyboards {
		for _, sc := range board.Scenes {
			ts := sc.ThumbnailTC
			if ts == "" {
				ts = sc.StartTC
			}
			desc := sc.Description
			if desc == "" {
				desc = sc.EmotionalBeat
			}
			if add(ts, desc) {
				return candidates
			}
		}
	}

	return candidates
}
