package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/kino-pipeline/internal/metrics"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

var tracer = otel.Tracer("kino-storage")

// Default timeout for s3 operations
const DefaultS3Timeout = 30 * time.Second

// Upload configuration
const (
	MaxConcurrentUploads = 20
	DefaultLinkLifetime  = 15 * time.Minute
)

// PublishedDirs are the project-relative trees mirrored to S3.
var PublishedDirs = []string{"clips", "thumbs", "posters"}

// S3API is the subset of the S3 client used by AssetStore.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// AssetStore mirrors rendered project assets and source videos to an S3
// bucket and signs media links.
type AssetStore struct {
	api     S3API
	presign *s3.PresignClient
	bucket  string
	log     *slog.Logger
}

// NewAssetStore creates an AssetStore for bucket.
func NewAssetStore(client *s3.Client, bucket string, log *slog.Logger) *AssetStore {
	return &AssetStore{
		api:     client,
		presign: s3.NewPresignClient(client),
		bucket:  bucket,
		log:     log,
	}
}

// Bucket returns the bucket name.
func (a *AssetStore) Bucket() string {
	return a.bucket
}

// AssetKey returns the object key of a project-relative asset path.
func AssetKey(projectID, rel string) string {
	return path.Join("projects", projectID, strings.TrimLeft(filepath.ToSlash(rel), "/"))
}

// SourceKey returns the object key of a project's source video.
func SourceKey(projectID, filename string) string {
	return path.Join("uploads", projectID, SafeFilename(filename))
}

// PublishProject uploads the clips, thumbs and posters trees of projectDir
// concurrently under projects/<id>/.
func (a *AssetStore) PublishProject(ctx context.Context, projectID, projectDir string) error {
	ctx, span := tracer.Start(ctx, "publish-assets")
	defer span.End()
	start := time.Now()

	// Atomic counters for thread safety
	var filesUploaded atomic.Int64
	var totalBytes atomic.Int64
	var firstErr atomic.Pointer[error]

	// Concurrency control
	sem := make(chan struct{}, MaxConcurrentUploads)
	var wg sync.WaitGroup

	for _, dir := range PublishedDirs {
		root := filepath.Join(projectDir, dir)
		if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
			continue
		}

		walkErr := filepath.Walk(root, func(filePath string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() {
				return nil
			}
			contentType, ok := assetContentType(filePath)
			if !ok {
				return nil
			}

			// Check for previous errors
			if firstErr.Load() != nil {
				return nil
			}

			// Acquire semaphore
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return fmt.Errorf("publish walk: %w", ctx.Err())
			}

			wg.Add(1)
			go func(filePath string, size int64) {
				defer wg.Done()
				defer func() { <-sem }()

				if firstErr.Load() != nil {
					return
				}

				relPath, err := filepath.Rel(projectDir, filePath)
				if err != nil {
					wrappedErr := fmt.Errorf("failed to get relative path: %w", err)
					firstErr.CompareAndSwap(nil, &wrappedErr)
					return
				}
				key := AssetKey(projectID, relPath)
				if err := a.putFile(ctx, key, filePath, contentType); err != nil {
					firstErr.CompareAndSwap(nil, &err)
					return
				}

				filesUploaded.Add(1)
				totalBytes.Add(size)
				a.log.DebugContext(ctx, "Uploaded asset", "key", key)
			}(filePath, info.Size())

			return nil
		})
		if walkErr != nil {
			wg.Wait()
			return fmt.Errorf("%w: %v", models.ErrPublishFailed, walkErr)
		}
	}

	// Wait for all uploads to complete
	wg.Wait()

	if errPtr := firstErr.Load(); errPtr != nil {
		return fmt.Errorf("%w: %v", models.ErrPublishFailed, *errPtr)
	}

	uploaded := filesUploaded.Load()
	bytes := totalBytes.Load()
	metrics.PublishDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.Int64("files.uploaded", uploaded),
		attribute.Int64("bytes.total", bytes),
	)
	a.log.InfoContext(ctx, "Asset publish complete",
		"project_id", projectID,
		"files_uploaded", uploaded,
		"total_bytes", bytes,
	)
	return nil
}

// UploadSource stores a project's source video and returns its key.
func (a *AssetStore) UploadSource(ctx context.Context, projectID, videoPath string) (string, error) {
	ctx, span := tracer.Start(ctx, "upload-source")
	defer span.End()

	key := SourceKey(projectID, filepath.Base(videoPath))
	if err := a.putFile(ctx, key, videoPath, "application/octet-stream"); err != nil {
		return "", err
	}
	return key, nil
}

// DownloadSource fetches bucket/key into dest, writing through a temporary
// file next to it.
func (a *AssetStore) DownloadSource(ctx context.Context, bucket, key, dest string) (int64, error) {
	ctx, span := tracer.Start(ctx, "download-source")
	defer span.End()
	start := time.Now()

	if bucket == "" {
		bucket = a.bucket
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create video directory: %w", err)
	}
	tmpFile, err := os.CreateTemp(filepath.Dir(dest), "download-*"+filepath.Ext(dest))
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	result, err := a.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: %v", models.ErrDownloadFailed, err)
	}
	defer result.Body.Close()

	written, err := io.Copy(tmpFile, result.Body)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return 0, fmt.Errorf("%w: write file: %v", models.ErrDownloadFailed, err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to store video: %w", err)
	}

	metrics.DownloadDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("video.size_bytes", written))
	return written, nil
}

// PresignAsset returns a time-limited GET URL for a published asset.
func (a *AssetStore) PresignAsset(ctx context.Context, projectID, rel string, lifetime time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultS3Timeout)
	defer cancel()

	if lifetime <= 0 {
		lifetime = DefaultLinkLifetime
	}
	req, err := a.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(AssetKey(projectID, rel)),
	}, func(opts *s3.PresignOptions) {
		opts.Expires = lifetime
	})
	if err != nil {
		return "", fmt.Errorf("failed to presign request: %w", err)
	}
	return req.URL, nil
}

// Ping checks that the bucket is reachable.
func (a *AssetStore) Ping(ctx context.Context) error {
	_, err := a.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(a.bucket)})
	return err
}

func (a *AssetStore) putFile(ctx context.Context, key, filePath, contentType string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer file.Close()

	_, err = a.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        file,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return nil
}

// assetContentType returns the content type of a publishable asset. Scratch
// files and anything else unknown are skipped.
func assetContentType(filePath string) (string, bool) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".mp4":
		return "video/mp4", true
	case ".webp":
		return "image/webp", true
	case ".png":
		return "image/png", true
	case ".jpg", ".jpeg":
		return "image/jpeg", true
	default:
		return "", false
	}
}
