package pipeline

import (
	"time"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// Progress checkpoints set at stage boundaries.
const (
	ProgressUploading  = 5
	ProgressAccepted   = 20
	ProgressInference  = 30
	ProgressGenerating = 45
	ProgressRendering  = 60
	ProgressRendered   = 90
	ProgressPosters    = 92
	ProgressFinalizing = 98
	ProgressDone       = 100
)

const (
	unknownDurationEstimate = 720
	minEstimate             = 480
	maxEstimate             = 2400
	defaultObservedEstimate = 600
	maxEstimatedProgress    = 99
)

// EstimateProcessingSeconds returns the expected run length used to
// interpolate progress: 720s when the duration is unknown, else the duration
// clamped to [480, 2400].
func EstimateProcessingSeconds(durationSeconds float64) int {
	if durationSeconds <= 0 {
		return unknownDurationEstimate
	}
	return int(max(minEstimate, min(maxEstimate, durationSeconds)))
}

// BoardProgress maps finished boards onto the rendering band [60, 90].
func BoardProgress(done, total int) int {
	if total <= 0 {
		return ProgressRendering
	}
	p := ProgressRendering + done*(ProgressRendered-ProgressRendering)/total
	return min(ProgressRendered, max(ProgressRendering, p))
}

// ObservedProgress is the progress reported to clients. While processing it
// is the larger of the last checkpoint and the time-based estimate, capped at
// 99. Otherwise it is the stored progress.
func ObservedProgress(p *models.Project, now time.Time) int {
	if p.Status != models.StatusProcessing || p.ProcessingStartedAt == nil {
		return p.Progress
	}
	estimate := p.ProcessingEstimateSeconds
	if estimate <= 0 {
		estimate = defaultObservedEstimate
	}
	elapsed := now.Sub(*p.ProcessingStartedAt).Seconds()
	estimated := min(maxEstimatedProgress, int(elapsed/float64(max(estimate, 1))*100))
	return max(p.Progress, estimated)
}
