package models

import (
	"fmt"
	"time"
)

// Patch is a partial update to a Project. Nil fields are left untouched.
// Clear flags reset the corresponding field to its zero value.
type Patch struct {
	Status                    *ProjectStatus
	Progress                  *int
	ErrorMessage              *string
	VideoFilename             *string
	DurationSeconds           *float64
	PosterURL                 *string
	ProcessingStartedAt       *time.Time
	ProcessingEstimateSeconds *int
	Storyboards               *StoryboardSet
	PosterCandidates          *[]PosterCandidate
	PosterOutputs             *[]PosterGeneration

	ClearStoryboards bool
	ClearPosters     bool

	// AppliedAt becomes the project's updated_at. Stores fill it in when zero.
	AppliedAt time.Time
}

// NewPatch returns an empty patch.
func NewPatch() *Patch {
	return &Patch{}
}

func (p *Patch) SetStatus(s ProjectStatus) *Patch {
	p.Status = &s
	return p
}

func (p *Patch) SetProgress(v int) *Patch {
	p.Progress = &v
	return p
}

// SetError records an error message. An empty string clears it.
func (p *Patch) SetError(msg string) *Patch {
	p.ErrorMessage = &msg
	return p
}

func (p *Patch) ClearError() *Patch {
	return p.SetError("")
}

func (p *Patch) SetVideoFilename(name string) *Patch {
	p.VideoFilename = &name
	return p
}

func (p *Patch) SetDuration(seconds float64) *Patch {
	p.DurationSeconds = &seconds
	return p
}

func (p *Patch) SetPosterURL(url string) *Patch {
	p.PosterURL = &url
	return p
}

// StartProcessing stamps the processing start time and the estimate used for
// observed progress.
func (p *Patch) StartProcessing(at time.Time, estimateSeconds int) *Patch {
	at = at.UTC()
	p.ProcessingStartedAt = &at
	p.ProcessingEstimateSeconds = &estimateSeconds
	return p
}

// SetStoryboards stores the rendered storyboard set. Counts are derived and the
// error message is cleared on apply.
func (p *Patch) SetStoryboards(set *StoryboardSet) *Patch {
	p.Storyboards = set
	return p
}

func (p *Patch) SetPosterCandidates(c []PosterCandidate) *Patch {
	if c == nil {
		c = []PosterCandidate{}
	}
	p.PosterCandidates = &c
	return p
}

func (p *Patch) SetPosterOutputs(o []PosterGeneration) *Patch {
	if o == nil {
		o = []PosterGeneration{}
	}
	p.PosterOutputs = &o
	return p
}

// ResetOutputs clears storyboards, counts, poster candidates, generated posters
// and the poster URL.
func (p *Patch) ResetOutputs() *Patch {
	p.ClearStoryboards = true
	p.ClearPosters = true
	return p
}

// IsEmpty reports whether the patch changes nothing.
func (p *Patch) IsEmpty() bool {
	return p.Status == nil && p.Progress == nil && p.ErrorMessage == nil &&
		p.VideoFilename == nil && p.DurationSeconds == nil && p.PosterURL == nil &&
		p.ProcessingStartedAt == nil && p.ProcessingEstimateSeconds == nil &&
		p.Storyboards == nil && p.PosterCandidates == nil && p.PosterOutputs == nil &&
		!p.ClearStoryboards && !p.ClearPosters
}

// Validate checks the patch against the Project invariants.
func (p *Patch) Validate() error {
	if p == nil || p.IsEmpty() {
		return fmt.Errorf("%w: empty patch", ErrInvalidPatch)
	}
	if p.Status != nil && !p.Status.IsValid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, *p.Status)
	}
	if p.Progress != nil && (*p.Progress < 0 || *p.Progress > 100) {
		return fmt.Errorf("%w: progress %d out of range", ErrInvalidPatch, *p.Progress)
	}
	if p.DurationSeconds != nil && *p.DurationSeconds < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalidPatch)
	}
	if p.ProcessingEstimateSeconds != nil && *p.ProcessingEstimateSeconds < 0 {
		return fmt.Errorf("%w: negative processing estimate", ErrInvalidPatch)
	}
	if p.Storyboards != nil && p.ClearStoryboards {
		return fmt.Errorf("%w: storyboards both set and cleared", ErrInvalidPatch)
	}
	if (p.PosterCandidates != nil || p.PosterOutputs != nil || p.PosterURL != nil) && p.ClearPosters {
		return fmt.Errorf("%w: posters both set and cleared", ErrInvalidPatch)
	}
	return nil
}

// Apply merges the patch into the project. Clears run before sets.
func (p *Patch) Apply(proj *Project) {
	if p.ClearStoryboards {
		proj.Storyboards = nil
		proj.StoryboardsCount = 0
		proj.FramesCount = 0
	}
	if p.ClearPosters {
		proj.PosterCandidates = nil
		proj.PosterOutputs = nil
		proj.PosterURL = ""
	}
	if p.Status != nil {
		proj.Status = *p.Status
	}
	if p.Progress != nil {
		proj.Progress = *p.Progress
	}
	if p.ErrorMessage != nil {
		proj.ErrorMessage = *p.ErrorMessage
	}
	if p.VideoFilename != nil {
		proj.VideoFilename = *p.VideoFilename
	}
	if p.DurationSeconds != nil {
		proj.DurationSeconds = *p.DurationSeconds
	}
	if p.PosterURL != nil {
		proj.PosterURL = *p.PosterURL
	}
	if p.ProcessingStartedAt != nil {
		t := *p.ProcessingStartedAt
		proj.ProcessingStartedAt = &t
	}
	if p.ProcessingEstimateSeconds != nil {
		proj.ProcessingEstimateSeconds = *p.ProcessingEstimateSeconds
	}
	if p.Storyboards != nil {
		proj.Storyboards = p.Storyboards
		proj.StoryboardsCount = len(p.Storyboards.Storyboards)
		proj.FramesCount = p.Storyboards.FramesCount()
		proj.ErrorMessage = ""
	}
	if p.PosterCandidates != nil {
		proj.PosterCandidates = *p.PosterCandidates
	}
	if p.PosterOutputs != nil {
		proj.PosterOutputs = *p.PosterOutputs
	}
	if !p.AppliedAt.IsZero() {
		proj.UpdatedAt = p.AppliedAt.UTC()
	}
}
