package storyboard

import (
	"math"

	"github.com/amillerrr/kino-pipeline/internal/timecode"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// defaultClipFrames is the minimum length given to collapsed clips: one
// second or 12 frames, whichever is longer.
func defaultClipFrames(fps int) int64 {
	if fps < 12 {
		return 12
	}
	return int64(fps)
}

// Normalize repairs every scene and suggested poster timestamp against the
// media duration. A duration of 0 means unknown and disables clamping.
// The input is not modified. The returned count is the number of scenes and
// suggestions whose timecodes changed.
func Normalize(set *models.StoryboardSet, duration float64, fps int) (*models.StoryboardSet, int) {
	if fps < 1 {
		fps = 1
	}
	out := Clone(set)
	if out == nil {
		return nil, 0
	}

	repaired := 0
	for bi := range out.Storyboards {
		scenes := out.Storyboards[bi].Scenes
		for si := range scenes {
			if normalizeScene(&scenes[si], duration, fps) {
				repaired++
			}
		}
	}

	for i := range out.PosterCandidates {
		sp := &out.PosterCandidates[i]
		normalized := timecode.Canonical(sp.Source(), duration, fps)
		if sp.Timestamp != normalized {
			repaired++
		}
		sp.Timestamp = normalized
		sp.TimecodeAlias = ""
	}

	return out, repaired
}

// normalizeScene works on whole frames so that a normalized scene normalizes
// to itself.
func normalizeScene(sc *models.Scene, duration float64, fps int) bool {
	before := [3]string{sc.StartTC, sc.EndTC, sc.ThumbnailTC}
	defaultClip := defaultClipFrames(fps)

	start := timecode.ToFrames(timecode.Resolve(sc.StartTC, duration, fps), fps)
	end := timecode.ToFrames(timecode.ResolveEnd(sc.EndTC, duration, fps), fps)

	if end <= start+1 {
		end = start + defaultClip
	}
	if duration > 0 {
		if limit := timecode.ToFrames(duration, fps); end > limit {
			end = limit
		}
	}
	if end <= start+1 {
		start = max(0, end-defaultClip)
	}

	thumbSrc := sc.ThumbnailTC
	if thumbSrc == "" {
		thumbSrc = sc.StartTC
	}
	thumb := timecode.ToFrames(timecode.Resolve(thumbSrc, duration, fps), fps)
	if thumb < start || thumb > end {
		thumb = start + (end-start)/2
	}

	sc.StartTC = timecode.FramesToTimecode(start, fps)
	sc.EndTC = timecode.FramesToTimecode(end, fps)
	sc.ThumbnailTC = timecode.FramesToTimecode(thumb, fps)
	sc.DurationSeconds = round2(float64(max(end-start, 1)) / float64(fps))

	return before != [3]string{sc.StartTC, sc.EndTC, sc.ThumbnailTC}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
