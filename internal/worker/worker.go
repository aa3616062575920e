// Package worker consumes pipeline run jobs from SQS.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/amillerrr/kino-pipeline/internal/pipeline"
	"github.com/amillerrr/kino-pipeline/internal/queue"
	"github.com/amillerrr/kino-pipeline/internal/storage"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// SQS configuration constants
const (
	SQSMaxMessages       = 1
	SQSWaitTimeSeconds   = 20
	SQSVisibilityTimeout = 3600 // one hour; long videos render slowly
	RetryBackoffPeriod   = 5 * time.Second
)

var tracer = otel.Tracer("kino-worker")

// QueueAPI is the part of the SQS client the worker uses.
type QueueAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Runner executes one pipeline run to a terminal state.
type Runner interface {
	Execute(ctx context.Context, projectID, videoPath string) (pipeline.Result, error)
}

// Worker handles pipeline run jobs from SQS.
type Worker struct {
	sqsClient  QueueAPI
	queueURL   string
	maxJobs    int
	runner     Runner
	store      pipeline.Store
	downloader *Downloader
	log        *slog.Logger
}

// Config holds worker dependencies.
type Config struct {
	SQSClient         QueueAPI
	QueueURL          string
	MaxConcurrentJobs int
	Runner            Runner
	Store             pipeline.Store
	Layout            *storage.Layout
	// Sources fetches videos missing from the local layout. Optional.
	Sources SourceFetcher
	Logger  *slog.Logger
}

// New creates a new Worker with the given configuration.
func New(cfg *Config) *Worker {
	maxJobs := cfg.MaxConcurrentJobs
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Worker{
		sqsClient:  cfg.SQSClient,
		queueURL:   cfg.QueueURL,
		maxJobs:    maxJobs,
		runner:     cfg.Runner,
		store:      cfg.Store,
		downloader: NewDownloader(cfg.Layout, cfg.Sources, cfg.Logger),
		log:        cfg.Logger,
	}
}

// Run starts the worker and blocks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.log.InfoContext(ctx, "Starting queue polling",
		"queue_url", w.queueURL,
		"max_concurrent", w.maxJobs,
	)

	sem := make(chan struct{}, w.maxJobs)
	var wg sync.WaitGroup

messageLoop:
	for {
		select {
		case <-ctx.Done():
			break messageLoop
		default:
		}

		// Receive messages
		result, err := w.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(w.queueURL),
			MaxNumberOfMessages: SQSMaxMessages,
			WaitTimeSeconds:     SQSWaitTimeSeconds,
			VisibilityTimeout:   SQSVisibilityTimeout,
		})
		if err != nil {
			if ctx.Err() != nil {
				continue // Shutting down
			}
			w.log.ErrorContext(ctx, "Failed to receive messages", "error", err)
			select {
			case <-time.After(RetryBackoffPeriod):
			case <-ctx.Done():
			}
			continue
		}

		for _, msg := range result.Messages {
			select {
			case sem <- struct{}{}:
				wg.Add(1)
				go func(msg types.Message) {
					defer wg.Done()
					defer func() { <-sem }()
					w.handle(ctx, msg)
				}(msg)
			case <-ctx.Done():
				w.log.InfoContext(ctx, "Context cancelled, stopping message processing")
				break messageLoop
			}
		}
	}

	w.log.InfoContext(ctx, "Waiting for in-progress jobs to complete...")
	wg.Wait()
	w.log.InfoContext(ctx, "All jobs completed, shutting down")
}

// handle processes one message and deletes it once its run is terminal.
// Messages that cannot be parsed stay on the queue for redrive.
func (w *Worker) handle(ctx context.Context, msg types.Message) {
	terminal, err := w.processMessage(ctx, msg)
	if err != nil {
		w.log.ErrorContext(ctx, "Failed to process message",
			"error", err,
			"message_id", aws.ToString(msg.MessageId),
		)
	}
	if !terminal {
		return
	}
	_, delErr := w.sqsClient.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(w.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if delErr != nil {
		w.log.ErrorContext(ctx, "Failed to delete message", "error", delErr)
	}
}

func (w *Worker) processMessage(ctx context.Context, msg types.Message) (bool, error) {
	ctx, span := tracer.Start(ctx, "process-message")
	defer span.End()

	job, err := queue.Decode(msg.Body)
	if err != nil {
		return false, err
	}

	span.SetAttributes(
		attribute.String("project.id", job.ProjectID),
		attribute.String("job.id", job.JobID),
		attribute.String("video.filename", job.VideoFilename),
	)
	w.log.InfoContext(ctx, "Processing job",
		"project_id", job.ProjectID,
		"job_id", job.JobID,
		"s3_key", job.S3Key,
	)

	videoPath, err := w.downloader.Ensure(ctx, job)
	if err != nil {
		w.markFailed(ctx, job.ProjectID, err)
		return true, err
	}

	res, err := w.runner.Execute(ctx, job.ProjectID, videoPath)
	if err != nil {
		if ctx.Err() != nil {
			// Interrupted by shutdown; let the message become visible again.
			return false, fmt.Errorf("run interrupted: %w", err)
		}
		return true, err
	}

	w.log.InfoContext(ctx, "Job completed",
		"project_id", job.ProjectID,
		"job_id", job.JobID,
		"total_seconds", res.Elapsed.Seconds(),
		"scene_failures", res.SceneFailures,
	)
	return true, nil
}

func (w *Worker) markFailed(ctx context.Context, projectID string, cause error) {
	patch := models.NewPatch().
		SetStatus(models.StatusFailed).
		SetProgress(0).
		SetError(pipeline.FormatError(cause))
	if _, err := w.store.Update(context.WithoutCancel(ctx), projectID, patch); err != nil {
		w.log.ErrorContext(ctx, "Failed to mark project as failed",
			"project_id", projectID,
			"error", err,
		)
	}
}
