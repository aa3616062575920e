package models

import "errors"

// Sentinel errors for project operations.
var (
	// Validation errors
	ErrMissingProjectID = errors.New("project_id is required")
	ErrMissingFilename  = errors.New("video_filename is required")
	ErrMissingBucket    = errors.New("bucket is required")
	ErrMissingName      = errors.New("name is required")
	ErrInvalidDuration  = errors.New("duration must not be negative")
	ErrInvalidPatch     = errors.New("invalid project patch")

	// Pipeline error kinds
	ErrMalformedTimecode = errors.New("malformed timecode")
	ErrNoCandidates      = errors.New("no thumbnail candidates provided")
	ErrTranscoderFailure = errors.New("transcoder failed")
	ErrInferenceFailure  = errors.New("storyboard inference failed")
	ErrPipelineFailure   = errors.New("pipeline failed")
	ErrImageGeneration   = errors.New("poster image generation failed")

	// Processing errors
	ErrJobParseFailed = errors.New("failed to parse job")
	ErrDownloadFailed = errors.New("failed to download video")
	ErrPublishFailed  = errors.New("failed to publish assets")

	// Storage and state errors
	ErrProjectNotFound = errors.New("project not found")
	ErrPosterNotFound  = errors.New("poster not found")
	ErrInvalidStatus   = errors.New("invalid project status")
	ErrNotReady        = errors.New("project is not ready yet")
	ErrNoVideo         = errors.New("project has no video file")
	ErrVideoMissing    = errors.New("uploaded video not found; re-upload required")

	// Validation errors for uploads
	ErrInvalidFileType = errors.New("invalid file type")
	ErrFilenameTooLong = errors.New("filename too long")
)
