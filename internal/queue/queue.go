// Package queue carries pipeline run requests over SQS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/kino-pipeline/internal/logger"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

var tracer = otel.Tracer("kino-queue")

// SendAPI is the part of the SQS client the producer uses.
type SendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SourceUploader copies a source video somewhere workers can fetch it.
type SourceUploader interface {
	UploadSource(ctx context.Context, projectID, videoPath string) (string, error)
	Bucket() string
}

// Producer enqueues pipeline runs. It satisfies pipeline.Dispatcher.
type Producer struct {
	client   SendAPI
	queueURL string
	sources  SourceUploader
	log      *slog.Logger
}

// NewProducer creates a Producer. sources may be nil when workers share the
// API's storage directory.
func NewProducer(client SendAPI, queueURL string, sources SourceUploader, log *slog.Logger) *Producer {
	return &Producer{
		client:   client,
		queueURL: queueURL,
		sources:  sources,
		log:      log,
	}
}

// Dispatch queues a run of project over the video at videoPath.
func (p *Producer) Dispatch(ctx context.Context, project *models.Project, videoPath string) error {
	ctx, span := tracer.Start(ctx, "enqueue-run")
	defer span.End()

	job := models.RenderJob{
		JobID:         uuid.NewString(),
		ProjectID:     project.ID,
		VideoFilename: project.VideoFilename,
	}
	if p.sources != nil {
		key, err := p.sources.UploadSource(ctx, project.ID, videoPath)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("stage source video: %w", err)
		}
		job.S3Key = key
		job.Bucket = p.sources.Bucket()
	}
	if err := job.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to queue job: %w", err)
	}

	span.SetAttributes(
		attribute.String("project.id", job.ProjectID),
		attribute.String("job.id", job.JobID),
	)
	logger.Info(ctx, p.log, "Pipeline run queued",
		"project_id", job.ProjectID,
		"job_id", job.JobID,
		"s3_key", job.S3Key,
	)
	return nil
}

// Decode parses and validates a message body.
func Decode(body *string) (*models.RenderJob, error) {
	if body == nil {
		return nil, fmt.Errorf("%w: empty message body", models.ErrJobParseFailed)
	}

	var job models.RenderJob
	if err := json.Unmarshal([]byte(*body), &job); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}

	if err := job.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrJobParseFailed, err)
	}
	return &job, nil
}
