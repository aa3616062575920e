package worker

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/kino-pipeline/internal/storage"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// SourceFetcher downloads a staged source video.
type SourceFetcher interface {
	DownloadSource(ctx context.Context, bucket, key, dest string) (int64, error)
}

// Downloader makes a job's source video available in the local layout.
type Downloader struct {
	layout  *storage.Layout
	sources SourceFetcher
	log     *slog.Logger
}

// NewDownloader creates a new Downloader. sources may be nil.
func NewDownloader(layout *storage.Layout, sources SourceFetcher, log *slog.Logger) *Downloader {
	return &Downloader{
		layout:  layout,
		sources: sources,
		log:     log,
	}
}

// Ensure returns the local path of the job's video, downloading it from S3
// when it is missing locally and the job names a key.
func (d *Downloader) Ensure(ctx context.Context, job *models.RenderJob) (string, error) {
	videoPath := d.layout.VideoPath(job.ProjectID, job.VideoFilename)
	if d.layout.VideoExists(job.ProjectID, job.VideoFilename) {
		return videoPath, nil
	}
	if job.S3Key == "" || d.sources == nil {
		return "", models.ErrVideoMissing
	}

	ctx, span := tracer.Start(ctx, "download-video")
	defer span.End()

	if _, err := d.layout.EnsureProjectDir(job.ProjectID); err != nil {
		return "", err
	}
	written, err := d.sources.DownloadSource(ctx, job.Bucket, job.S3Key, videoPath)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", job.S3Key, err)
	}

	span.SetAttributes(attribute.Int64("video.size_bytes", written))
	d.log.InfoContext(ctx, "Downloaded video",
		"project_id", job.ProjectID,
		"size_bytes", written,
	)
	return videoPath, nil
}
