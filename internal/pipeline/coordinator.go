// Package pipeline drives a project from upload to rendered storyboards and
// owns every status and progress transition of a run.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/amillerrr/kino-pipeline/internal/inference"
	"github.com/amillerrr/kino-pipeline/internal/logger"
	"github.com/amillerrr/kino-pipeline/internal/metrics"
	"github.com/amillerrr/kino-pipeline/internal/render"
	"github.com/amillerrr/kino-pipeline/internal/storage"
	"github.com/amillerrr/kino-pipeline/internal/storyboard"
	"github.com/amillerrr/kino-pipeline/internal/timecode"
	"github.com/amillerrr/kino-pipeline/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("kino-pipeline")

// Store is the part of the project store a run needs.
type Store interface {
	Get(ctx context.Context, id string) (*models.Project, error)
	Update(ctx context.Context, id string, patch *models.Patch) (time.Time, error)
}

// Inference produces storyboards for a video.
type Inference interface {
	UploadVideo(ctx context.Context, path string) (*inference.File, error)
	GenerateStoryboards(ctx context.Context, f *inference.File, filename string, durationSeconds float64) (*models.StoryboardSet, error)
}

// Prober reports a video's duration in seconds, 0 when unknown.
type Prober interface {
	ProbeDuration(ctx context.Context, path string) float64
}

// Renderer produces clips, thumbnails and poster candidate stills.
type Renderer interface {
	RenderAssets(ctx context.Context, job render.Job) (*render.Result, error)
	RenderPosterCandidates(ctx context.Context, projectID, projectDir, inputPath string, candidates []models.PosterCandidate) ([]models.PosterCandidate, error)
}

// Publisher mirrors a finished project's assets elsewhere.
type Publisher interface {
	PublishProject(ctx context.Context, projectID, projectDir string) error
}

// Dispatcher launches a run once a project is ready for processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, project *models.Project, videoPath string) error
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, project *models.Project, videoPath string) error

func (f DispatchFunc) Dispatch(ctx context.Context, project *models.Project, videoPath string) error {
	return f(ctx, project, videoPath)
}

// Deps are the collaborators of a Coordinator. Publisher is optional.
type Deps struct {
	Store     Store
	Inference Inference
	Prober    Prober
	Renderer  Renderer
	Layout    *storage.Layout
	Publisher Publisher
}

// Config tunes a Coordinator.
type Config struct {
	FPS                   int
	EagerPosterCandidates bool
	PosterCandidateLimit  int
	Logger                *slog.Logger
}

// Coordinator runs pipelines and applies upload and retry transitions.
type Coordinator struct {
	deps       Deps
	cfg        Config
	log        *slog.Logger
	dispatcher Dispatcher
	now        func() time.Time
	runs       sync.WaitGroup
}

// NewCoordinator creates a Coordinator. Runs start in-process until
// SetDispatcher installs another launcher.
func NewCoordinator(deps Deps, cfg Config) *Coordinator {
	if cfg.FPS <= 0 {
		cfg.FPS = timecode.DefaultFPS
	}
	if cfg.PosterCandidateLimit <= 0 {
		cfg.PosterCandidateLimit = storyboard.DefaultPosterLimit
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Coordinator{deps: deps, cfg: cfg, log: log, now: time.Now}
	c.dispatcher = DispatchFunc(func(ctx context.Context, p *models.Project, videoPath string) error {
		c.Start(context.WithoutCancel(ctx), p.ID, videoPath)
		return nil
	})
	return c
}

// SetDispatcher replaces the in-process launcher, e.g. with a queue producer.
func (c *Coordinator) SetDispatcher(d Dispatcher) {
	c.dispatcher = d
}

// Result summarizes a finished run.
type Result struct {
	Status        models.ProjectStatus
	PosterURL     string
	Repairs       int
	SceneFailures int
	Elapsed       time.Duration
}

// Run is a pipeline run executing in the background.
type Run struct {
	ProjectID string

	done   chan struct{}
	result Result
	err    error
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the run finishes.
func (r *Run) Wait() (Result, error) {
	<-r.done
	return r.result, r.err
}

// Start executes a run in a new goroutine.
func (c *Coordinator) Start(ctx context.Context, projectID, videoPath string) *Run {
	run := &Run{ProjectID: projectID, done: make(chan struct{})}
	c.runs.Add(1)
	go func() {
		defer c.runs.Done()
		defer close(run.done)
		run.result, run.err = c.Execute(ctx, projectID, videoPath)
	}()
	return run
}

// Drain waits for in-process runs started with Start, or for ctx to end.
func (c *Coordinator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs the pipeline synchronously. Any stage error moves the project
// to failed with progress 0; the error is also returned.
func (c *Coordinator) Execute(ctx context.Context, projectID, videoPath string) (Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline-run")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", projectID))

	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	log := logger.ForProject(c.log, projectID)
	started := c.now()

	res, err := c.runRecovered(ctx, log, projectID, videoPath)
	res.Elapsed = c.now().Sub(started)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordFailure()

		msg := FormatError(err)
		patch := models.NewPatch().
			SetStatus(models.StatusFailed).
			SetProgress(0).
			SetError(msg)
		if _, uerr := c.deps.Store.Update(context.WithoutCancel(ctx), projectID, patch); uerr != nil {
			logger.Error(ctx, log, "Failed to record pipeline failure", "error", uerr)
		}
		logger.Error(ctx, log, "Pipeline failed",
			"error", msg,
			"total_seconds", res.Elapsed.Seconds(),
		)
		return Result{Status: models.StatusFailed, Elapsed: res.Elapsed}, err
	}

	metrics.RecordSuccess()
	logger.Info(ctx, log, "Pipeline completed",
		"total_seconds", res.Elapsed.Seconds(),
		"repairs", res.Repairs,
		"scene_failures", res.SceneFailures,
	)
	return res, nil
}

// runRecovered turns a panic inside a stage into ErrPipelineFailure so the
// project still reaches failed.
func (c *Coordinator) runRecovered(ctx context.Context, log *slog.Logger, projectID, videoPath string) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error(ctx, log, "Pipeline run panicked", "panic", p, "stack", string(debug.Stack()))
			res, err = Result{}, fmt.Errorf("%w: panic: %v", models.ErrPipelineFailure, p)
		}
	}()
	return c.run(ctx, log, projectID, videoPath)
}

func (c *Coordinator) run(ctx context.Context, log *slog.Logger, projectID, videoPath string) (Result, error) {
	project, err := c.deps.Store.Get(ctx, projectID)
	if err != nil {
		return Result{}, err
	}
	projectDir := c.deps.Layout.ProjectDir(projectID)

	duration := project.DurationSeconds
	if duration <= 0 {
		duration = c.deps.Prober.ProbeDuration(ctx, videoPath)
		if duration > 0 {
			if err := c.update(ctx, projectID, models.NewPatch().SetDuration(duration)); err != nil {
				return Result{}, err
			}
		}
	}

	if err := c.update(ctx, projectID, models.NewPatch().SetProgress(ProgressInference).ClearError()); err != nil {
		return Result{}, err
	}

	stage := c.stage("upload")
	file, err := c.deps.Inference.UploadVideo(ctx, videoPath)
	if err != nil {
		return Result{}, err
	}
	logger.Info(ctx, log, "Inference upload finished", "upload_seconds", stage())

	if err := c.update(ctx, projectID, models.NewPatch().SetProgress(ProgressGenerating)); err != nil {
		return Result{}, err
	}

	stage = c.stage("generate")
	set, err := c.deps.Inference.GenerateStoryboards(ctx, file, filepath.Base(videoPath), duration)
	if err != nil {
		return Result{}, err
	}
	logger.Info(ctx, log, "Storyboard generation finished", "generation_seconds", stage())

	set, repairs := storyboard.Normalize(set, duration, c.cfg.FPS)
	if repairs > 0 {
		metrics.TimecodeRepairs.Add(float64(repairs))
		logger.Info(ctx, log, "Repaired scene timecodes to match source duration", "repairs", repairs)
	}

	if err := c.update(ctx, projectID, models.NewPatch().SetProgress(ProgressRendering)); err != nil {
		return Result{}, err
	}

	logger.Info(ctx, log, "Rendering scenes",
		"scenes", set.FramesCount(),
		"storyboards", len(set.Storyboards),
	)
	stage = c.stage("render")
	var boardErr error
	rendered, err := c.deps.Renderer.RenderAssets(ctx, render.Job{
		ProjectID:  projectID,
		ProjectDir: projectDir,
		InputPath:  videoPath,
		Set:        set,
		OnBoard: func(done, total int) {
			if boardErr != nil {
				return
			}
			boardErr = c.update(ctx, projectID, models.NewPatch().SetProgress(BoardProgress(done, total)))
		},
	})
	if err != nil {
		return Result{}, err
	}
	if boardErr != nil {
		return Result{}, boardErr
	}
	logger.Info(ctx, log, "Scene rendering finished",
		"render_seconds", stage(),
		"scene_failures", len(rendered.Failures),
	)

	if err := c.update(ctx, projectID, models.NewPatch().SetProgress(ProgressPosters)); err != nil {
		return Result{}, err
	}

	candidates := storyboard.BuildPosterCandidates(rendered.Storyboards, storyboard.CandidateOptions{
		Limit:     c.cfg.PosterCandidateLimit,
		Normalize: true,
		Duration:  duration,
		FPS:       c.cfg.FPS,
	})
	var stored []models.PosterCandidate
	if c.cfg.EagerPosterCandidates {
		stage = c.stage("poster_candidates")
		stored, err = c.deps.Renderer.RenderPosterCandidates(ctx, projectID, projectDir, videoPath, candidates)
		if err != nil {
			return Result{}, err
		}
		logger.Info(ctx, log, "Poster candidates rendered",
			"candidates", len(stored),
			"poster_seconds", stage(),
		)
	} else {
		logger.Info(ctx, log, "Poster candidates deferred", "candidates", len(candidates))
	}
	if err := c.update(ctx, projectID, models.NewPatch().SetPosterCandidates(stored)); err != nil {
		return Result{}, err
	}

	if err := c.update(ctx, projectID, models.NewPatch().SetProgress(ProgressFinalizing)); err != nil {
		return Result{}, err
	}

	if c.deps.Publisher != nil {
		stage = c.stage("publish")
		if err := c.deps.Publisher.PublishProject(ctx, projectID, projectDir); err != nil {
			logger.Warn(ctx, log, "Asset publishing failed", "error", err)
		} else {
			logger.Info(ctx, log, "Assets published", "publish_seconds", stage())
		}
	}

	final := models.NewPatch().
		SetStoryboards(rendered.Storyboards).
		SetStatus(models.StatusReady).
		SetProgress(ProgressDone)
	if rendered.PosterURL != "" {
		final.SetPosterURL(rendered.PosterURL)
	}
	if err := c.update(ctx, projectID, final); err != nil {
		return Result{}, err
	}

	return Result{
		Status:        models.StatusReady,
		PosterURL:     rendered.PosterURL,
		Repairs:       repairs,
		SceneFailures: len(rendered.Failures),
	}, nil
}

// stage starts timing a pipeline stage and returns a func reporting elapsed
// seconds.
func (c *Coordinator) stage(name string) func() float64 {
	start := c.now()
	return func() float64 {
		elapsed := c.now().Sub(start).Seconds()
		metrics.StageDuration.WithLabelValues(name).Observe(elapsed)
		return elapsed
	}
}

func (c *Coordinator) update(ctx context.Context, projectID string, patch *models.Patch) error {
	if _, err := c.deps.Store.Update(ctx, projectID, patch); err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// Accept stores an uploaded video, moves the project to processing and
// dispatches a run.
func (c *Coordinator) Accept(ctx context.Context, projectID, filename string, body io.Reader) (*models.Project, error) {
	name := storage.SafeFilename(filename)
	if name == "" {
		return nil, models.ErrMissingFilename
	}
	project, err := c.deps.Store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status == models.StatusProcessing || project.Status == models.StatusUploading {
		return nil, fmt.Errorf("%w: project is %s", models.ErrInvalidStatus, project.Status)
	}
	if _, err := c.deps.Layout.EnsureProjectDir(projectID); err != nil {
		return nil, err
	}

	uploading := models.NewPatch().
		SetStatus(models.StatusUploading).
		SetProgress(ProgressUploading).
		SetVideoFilename(name).
		ClearError()
	if err := c.update(ctx, projectID, uploading); err != nil {
		return nil, err
	}

	videoPath := c.deps.Layout.VideoPath(projectID, name)
	if err := writeFile(videoPath, body); err != nil {
		patch := models.NewPatch().
			SetStatus(models.StatusFailed).
			SetProgress(0).
			SetError(FormatError(err))
		if _, uerr := c.deps.Store.Update(context.WithoutCancel(ctx), projectID, patch); uerr != nil {
			logger.Error(ctx, c.log, "Failed to record upload failure", "project_id", projectID, "error", uerr)
		}
		return nil, err
	}
	metrics.UploadsCompleted.Inc()

	return c.startProcessing(ctx, project, videoPath, models.NewPatch())
}

// Retry re-runs a failed project from its stored upload.
func (c *Coordinator) Retry(ctx context.Context, projectID string) (*models.Project, error) {
	project, err := c.deps.Store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.StatusFailed {
		return nil, fmt.Errorf("%w: project is %s, not failed", models.ErrInvalidStatus, project.Status)
	}
	if project.VideoFilename == "" {
		return nil, models.ErrNoVideo
	}
	if !c.deps.Layout.VideoExists(projectID, project.VideoFilename) {
		return nil, models.ErrVideoMissing
	}

	videoPath := c.deps.Layout.VideoPath(projectID, project.VideoFilename)
	return c.startProcessing(ctx, project, videoPath, models.NewPatch().ResetOutputs())
}

func (c *Coordinator) startProcessing(ctx context.Context, project *models.Project, videoPath string, patch *models.Patch) (*models.Project, error) {
	patch.
		SetStatus(models.StatusProcessing).
		SetProgress(ProgressAccepted).
		StartProcessing(c.now(), EstimateProcessingSeconds(project.DurationSeconds)).
		ClearError()
	if err := c.update(ctx, project.ID, patch); err != nil {
		return nil, err
	}

	updated, err := c.deps.Store.Get(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if err := c.dispatcher.Dispatch(ctx, updated, videoPath); err != nil {
		fail := models.NewPatch().
			SetStatus(models.StatusFailed).
			SetProgress(0).
			SetError(FormatError(err))
		if _, uerr := c.deps.Store.Update(context.WithoutCancel(ctx), project.ID, fail); uerr != nil {
			logger.Error(ctx, c.log, "Failed to record dispatch failure", "project_id", project.ID, "error", uerr)
		}
		return nil, fmt.Errorf("dispatch run: %w", err)
	}
	logger.Info(ctx, c.log, "Processing started",
		"project_id", project.ID,
		"video", filepath.Base(videoPath),
		"estimate_seconds", EstimateProcessingSeconds(project.DurationSeconds),
	)
	return updated, nil
}

func writeFile(path string, body io.Reader) error {
	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	if _, err := io.Copy(f, body); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write upload: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("store upload: %w", err)
	}
	return nil
}
