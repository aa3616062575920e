// Package app assembles the pipeline services shared by the kino binaries.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/amillerrr/kino-pipeline/internal/config"
	"github.com/amillerrr/kino-pipeline/internal/health"
	"github.com/amillerrr/kino-pipeline/internal/inference"
	"github.com/amillerrr/kino-pipeline/internal/pipeline"
	"github.com/amillerrr/kino-pipeline/internal/posterart"
	"github.com/amillerrr/kino-pipeline/internal/posterwall"
	"github.com/amillerrr/kino-pipeline/internal/render"
	"github.com/amillerrr/kino-pipeline/internal/storage"
	"github.com/amillerrr/kino-pipeline/internal/transcoder"
)

// AWSConfigTimeout bounds loading the shared AWS configuration.
const AWSConfigTimeout = 10 * time.Second

// Services holds the wired pipeline components.
type Services struct {
	Config      *config.Config
	Store       storage.ProjectStore
	Layout      *storage.Layout
	Transcoder  *transcoder.Transcoder
	Renderer    *render.Renderer
	Coordinator *pipeline.Coordinator
	Posters     *posterwall.Service

	// Set only when the matching AWS settings are present.
	Assets *storage.AssetStore
	SQS    *sqs.Client
}

// Build wires the store, the render stack and the coordinator from cfg.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Services, error) {
	if err := os.MkdirAll(cfg.Storage.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	var awsCfg aws.Config
	if cfg.NeedsAWS() {
		awsCtx, cancel := context.WithTimeout(ctx, AWSConfigTimeout)
		defer cancel()

		var err error
		awsCfg, err = storage.LoadAWSConfig(awsCtx, cfg.AWS.Region)
		if err != nil {
			return nil, err
		}
	}

	store, err := openStore(cfg, awsCfg)
	if err != nil {
		return nil, err
	}

	s := &Services{
		Config: cfg,
		Store:  store,
		Layout: storage.NewLayout(cfg.Storage.Dir),
	}
	if cfg.AWS.AssetBucket != "" {
		s.Assets = storage.NewAssetStore(s3.NewFromConfig(awsCfg), cfg.AWS.AssetBucket, log)
	}
	if cfg.UsesQueue() {
		s.SQS = sqs.NewFromConfig(awsCfg)
	}

	s.Transcoder = transcoder.NewTranscoder(&transcoder.Config{
		FFmpegPath:       cfg.Render.FFmpegPath,
		FFprobePath:      cfg.Render.FFprobePath,
		UseNVENC:         cfg.Render.UseNVENC,
		X264Preset:       cfg.Render.Preset,
		X264CRF:          strconv.Itoa(cfg.Render.CRF),
		ThumbnailOffsets: cfg.Render.ThumbnailOffsets,
		Logger:           log,
	})
	s.Renderer = render.New(s.Transcoder, render.Options{
		FPS:          cfg.Render.FPS,
		Workers:      cfg.Render.Workers,
		MediaBaseURL: cfg.Render.MediaBaseURL,
		Logger:       log,
	})

	if cfg.Inference.APIKey == "" {
		log.Warn("GEMINI_API_KEY is not set; storyboard inference will fail")
	}
	gemini := inference.New(inference.Config{
		APIKey:      cfg.Inference.APIKey,
		Model:       cfg.Inference.Model,
		FileTimeout: cfg.Inference.FileTimeout,
		Logger:      log,
	})

	deps := pipeline.Deps{
		Store:     store,
		Inference: gemini,
		Prober:    s.Transcoder,
		Renderer:  s.Renderer,
		Layout:    s.Layout,
	}
	if s.Assets != nil {
		deps.Publisher = s.Assets
	}
	s.Coordinator = pipeline.NewCoordinator(deps, pipeline.Config{
		FPS:                   cfg.Render.FPS,
		EagerPosterCandidates: cfg.Posters.EagerCandidates,
		PosterCandidateLimit:  cfg.Posters.CandidateLimit,
		Logger:                log,
	})

	images, err := posterImages(cfg, log)
	if err != nil {
		store.Close()
		return nil, err
	}
	s.Posters = posterwall.New(store, s.Renderer, s.Transcoder, images, s.Layout, posterwall.Config{
		FPS:            cfg.Render.FPS,
		CandidateLimit: cfg.Posters.CandidateLimit,
		MediaBaseURL:   cfg.Render.MediaBaseURL,
		Logger:         log,
	})

	return s, nil
}

func openStore(cfg *config.Config, awsCfg aws.Config) (storage.ProjectStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendDynamoDB:
		return storage.NewDynamoStore(awsCfg, cfg.AWS.DynamoDBTable)
	case config.BackendSQLite, "":
		return storage.OpenSQLite(cfg.Storage.DBPath)
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Storage.Backend)
}

// posterImages returns nil when no OpenRouter key is configured.
func posterImages(cfg *config.Config, log *slog.Logger) (posterwall.ImageGenerator, error) {
	if cfg.Posters.APIKey == "" {
		return nil, nil
	}
	if cfg.Posters.BaseURL != "" {
		if err := posterart.ValidateBaseURL(cfg.Posters.BaseURL, cfg.Posters.AllowedHosts); err != nil {
			return nil, err
		}
	}
	return posterart.New(posterart.Config{
		APIKey:        cfg.Posters.APIKey,
		Model:         cfg.Posters.Model,
		BaseURL:       cfg.Posters.BaseURL,
		MaxReferences: cfg.Posters.MaxReferences,
		Logger:        log,
	}), nil
}

// Probes returns the deep health checks for the wired components.
func (s *Services) Probes() []health.Probe {
	probes := []health.Probe{
		health.PingProbe("store", s.Store),
		health.BinaryProbe("ffmpeg", s.Config.Render.FFmpegPath),
		health.BinaryProbe("ffprobe", s.Config.Render.FFprobePath),
		health.DirProbe("storage", s.Config.Storage.Dir),
	}
	if s.Assets != nil {
		probes = append(probes, health.PingProbe("s3", s.Assets))
	}
	if s.SQS != nil {
		probes = append(probes, health.SQSProbe(s.SQS, s.Config.AWS.SQSQueueURL))
	}
	return probes
}

// Close releases the store.
func (s *Services) Close() error {
	if s.Store == nil {
		return nil
	}
	return s.Store.Close()
}
