package models

import "time"

// ProjectStatus represents the lifecycle state of a project.
type ProjectStatus string

const (
	StatusCreated    ProjectStatus = "created"
	StatusUploading  ProjectStatus = "uploading"
	StatusProcessing ProjectStatus = "processing"
	StatusReady      ProjectStatus = "ready"
	StatusFailed     ProjectStatus = "failed"
)

// IsValid returns true if the status is a valid ProjectStatus.
func (s ProjectStatus) IsValid() bool {
	switch s {
	case StatusCreated, StatusUploading, StatusProcessing, StatusReady, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether a pipeline run has finished in this status.
func (s ProjectStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusFailed
}

// Scene is one trailer shot candidate inside a storyboard.
type Scene struct {
	SceneNumber     int     `json:"scene_number" dynamodbav:"scene_number"`
	StartTC         string  `json:"start_tc" dynamodbav:"start_tc"`
	EndTC           string  `json:"end_tc" dynamodbav:"end_tc"`
	DurationSeconds float64 `json:"duration_seconds" dynamodbav:"duration_seconds"`
	ThumbnailTC     string  `json:"thumbnail_tc" dynamodbav:"thumbnail_tc"`
	Description     string  `json:"description" dynamodbav:"description"`
	EmotionalBeat   string  `json:"emotional_beat" dynamodbav:"emotional_beat"`
	MusicIdea       string  `json:"music_idea" dynamodbav:"music_idea"`
	ClipURL         string  `json:"clip_url,omitempty" dynamodbav:"clip_url,omitempty"`
	ThumbnailURL    string  `json:"thumbnail_url,omitempty" dynamodbav:"thumbnail_url,omitempty"`
}

// Storyboard is an ordered scene sequence representing one edit variant.
type Storyboard struct {
	Name         string  `json:"name" dynamodbav:"name"`
	TargetLength string  `json:"target_length" dynamodbav:"target_length"`
	Tone         string  `json:"tone" dynamodbav:"tone"`
	Description  string  `json:"description" dynamodbav:"description"`
	Scenes       []Scene `json:"scenes" dynamodbav:"scenes"`
}

// SuggestedPoster is an upstream poster timestamp hint.
// TimecodeAlias holds the value when the generator used "timecode" or "tc"
// instead of "timestamp".
type SuggestedPoster struct {
	Timestamp     string `json:"timestamp" dynamodbav:"timestamp"`
	Description   string `json:"description,omitempty" dynamodbav:"description,omitempty"`
	TimecodeAlias string `json:"-" dynamodbav:"-"`
}

// Source returns the first non-empty timestamp field.
func (s SuggestedPoster) Source() string {
	if s.Timestamp != "" {
		return s.Timestamp
	}
	return s.TimecodeAlias
}

// StoryboardSet is the full inference result attached to a project.
type StoryboardSet struct {
	MovieTitle       string            `json:"movie_title" dynamodbav:"movie_title"`
	Duration         string            `json:"duration" dynamodbav:"duration"`
	Storyboards      []Storyboard      `json:"storyboards" dynamodbav:"storyboards"`
	PosterCandidates []SuggestedPoster `json:"poster_candidates,omitempty" dynamodbav:"poster_candidates,omitempty"`
}

// FramesCount returns the number of scenes across all storyboards.
func (s *StoryboardSet) FramesCount() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, b := range s.Storyboards {
		n += len(b.Scenes)
	}
	return n
}

// PosterCandidate is a deduplicated still that can seed poster generation.
type PosterCandidate struct {
	ID          string `json:"id" dynamodbav:"id"`
	Timestamp   string `json:"timestamp" dynamodbav:"timestamp"`
	Description string `json:"description,omitempty" dynamodbav:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty" dynamodbav:"image_url,omitempty"`
}

// PosterGeneration is one generated poster image.
type PosterGeneration struct {
	ID               string    `json:"id" dynamodbav:"id"`
	ImageURL         string    `json:"image_url" dynamodbav:"image_url"`
	Size             string    `json:"size" dynamodbav:"size"`
	Prompt           string    `json:"prompt" dynamodbav:"prompt"`
	CreatedAt        time.Time `json:"created_at" dynamodbav:"created_at"`
	SourceCandidates []string  `json:"source_candidates" dynamodbav:"source_candidates"`
}

// Project is the aggregate root tracked by the record store.
type Project struct {
	// Keys
	PK     string `json:"-" dynamodbav:"pk"`
	SK     string `json:"-" dynamodbav:"sk"`
	GSI1PK string `json:"-" dynamodbav:"gsi1pk,omitempty"`
	GSI1SK string `json:"-" dynamodbav:"gsi1sk,omitempty"`

	// Attributes
	ID                        string             `json:"id" dynamodbav:"project_id"`
	Name                      string             `json:"name" dynamodbav:"name"`
	Description               string             `json:"description,omitempty" dynamodbav:"description,omitempty"`
	VideoFilename             string             `json:"video_filename,omitempty" dynamodbav:"video_filename,omitempty"`
	DurationSeconds           float64            `json:"duration_seconds" dynamodbav:"duration_seconds"`
	PosterURL                 string             `json:"poster_url,omitempty" dynamodbav:"poster_url,omitempty"`
	Status                    ProjectStatus      `json:"status" dynamodbav:"status"`
	Progress                  int                `json:"progress" dynamodbav:"progress"`
	ErrorMessage              string             `json:"error_message,omitempty" dynamodbav:"error_message,omitempty"`
	CreatedAt                 time.Time          `json:"created_at" dynamodbav:"created_at"`
	UpdatedAt                 time.Time          `json:"updated_at" dynamodbav:"updated_at"`
	ProcessingStartedAt       *time.Time         `json:"processing_started_at,omitempty" dynamodbav:"processing_started_at,omitempty"`
	ProcessingEstimateSeconds int                `json:"processing_estimate_seconds,omitempty" dynamodbav:"processing_estimate_seconds,omitempty"`
	Storyboards               *StoryboardSet     `json:"storyboards,omitempty" dynamodbav:"storyboards,omitempty"`
	StoryboardsCount          int                `json:"storyboards_count" dynamodbav:"storyboards_count"`
	FramesCount               int                `json:"frames_count" dynamodbav:"frames_count"`
	PosterCandidates          []PosterCandidate  `json:"poster_candidates,omitempty" dynamodbav:"poster_candidates,omitempty"`
	PosterOutputs             []PosterGeneration `json:"poster_generations,omitempty" dynamodbav:"poster_outputs,omitempty"`
}

// Summary returns a copy without the heavy storyboard and poster payloads.
func (p *Project) Summary() *Project {
	cp := *p
	cp.Storyboards = nil
	cp.PosterCandidates = nil
	cp.PosterOutputs = nil
	return &cp
}

// CreateInput holds the fields accepted when a project is created.
type CreateInput struct {
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	VideoFilename   string  `json:"video_filename,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	PosterURL       string  `json:"poster_url,omitempty"`
}

// Validate checks the create input.
func (in *CreateInput) Validate() error {
	if in.Name == "" {
		return ErrMissingName
	}
	if in.DurationSeconds < 0 {
		return ErrInvalidDuration
	}
	return nil
}

// RenderJob represents a pipeline run request from SQS.
type RenderJob struct {
	JobID         string `json:"job_id"`
	ProjectID     string `json:"project_id"`
	VideoFilename string `json:"video_filename"`
	S3Key         string `json:"s3_key,omitempty"`
	Bucket        string `json:"bucket,omitempty"`
}

// Validate checks if the render job has all required fields.
func (j *RenderJob) Validate() error {
	if j.ProjectID == "" {
		return ErrMissingProjectID
	}
	if j.VideoFilename == "" {
		return ErrMissingFilename
	}
	if j.S3Key != "" && j.Bucket == "" {
		return ErrMissingBucket
	}
	return nil
}
