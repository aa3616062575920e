// Package posterwall serves a project's poster candidates and the posters
// generated from them.
package posterwall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/amillerrr/kino-pipeline/internal/logger"
	"github.com/amillerrr/kino-pipeline/internal/metrics"
	"github.com/amillerrr/kino-pipeline/internal/posterart"
	"github.com/amillerrr/kino-pipeline/internal/render"
	"github.com/amillerrr/kino-pipeline/internal/storage"
	"github.com/amillerrr/kino-pipeline/internal/storyboard"
	"github.com/amillerrr/kino-pipeline/internal/timecode"
	"github.com/amillerrr/kino-pipeline/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("kino-posterwall")

// GeneratedDir is the project-relative directory of generated posters.
var GeneratedDir = path.Join(render.PostersDir, "generated")

// Store is the part of the project store the wall needs.
type Store interface {
	Get(ctx context.Context, id string) (*models.Project, error)
	Update(ctx context.Context, id string, patch *models.Patch) (time.Time, error)
}

// CandidateRenderer renders poster candidate stills.
type CandidateRenderer interface {
	RenderPosterCandidates(ctx context.Context, projectID, projectDir, inputPath string, candidates []models.PosterCandidate) ([]models.PosterCandidate, error)
}

// Prober reports a video's duration in seconds, 0 when unknown.
type Prober interface {
	ProbeDuration(ctx context.Context, path string) float64
}

// ImageGenerator turns a prompt and reference stills into poster images.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt, size string, references []string) ([][]byte, error)
}

// Config tunes a Service.
type Config struct {
	FPS            int
	CandidateLimit int
	MediaBaseURL   string
	Logger         *slog.Logger
}

// Service implements the poster wall operations.
type Service struct {
	store    Store
	renderer CandidateRenderer
	prober   Prober
	images   ImageGenerator
	layout   *storage.Layout
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

// New creates a Service. images may be nil when poster generation is not
// configured; Generate then fails with ErrImageGeneration.
func New(store Store, renderer CandidateRenderer, prober Prober, images ImageGenerator, layout *storage.Layout, cfg Config) *Service {
	if cfg.FPS <= 0 {
		cfg.FPS = timecode.DefaultFPS
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = storyboard.DefaultPosterLimit
	}
	if cfg.MediaBaseURL == "" {
		cfg.MediaBaseURL = render.DefaultMediaBaseURL
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		store:    store,
		renderer: renderer,
		prober:   prober,
		images:   images,
		layout:   layout,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// Wall is the poster wall of one project.
type Wall struct {
	ProjectID  string                    `json:"project_id"`
	Candidates []models.PosterCandidate  `json:"candidates"`
	Posters    []models.PosterGeneration `json:"posters"`
}

// GenerateRequest selects candidates and describes the poster to create.
type GenerateRequest struct {
	CandidateIDs []string `json:"candidate_ids"`
	Prompt       string   `json:"prompt,omitempty"`
	Text         string   `json:"text,omitempty"`
	Size         string   `json:"size,omitempty"`
}

// List returns the wall, rendering candidates first when a ready project has
// none stored yet.
func (s *Service) List(ctx context.Context, projectID string) (*Wall, error) {
	ctx, span := tracer.Start(ctx, "posterwall-list")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", projectID))

	project, err := s.store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.ensureCandidates(ctx, project)
	if err != nil {
		return nil, err
	}
	return newWall(projectID, candidates, project.PosterOutputs), nil
}

// Generate creates posters from the selected candidates and appends them to
// the project's poster outputs.
func (s *Service) Generate(ctx context.Context, projectID string, req GenerateRequest) (*Wall, error) {
	ctx, span := tracer.Start(ctx, "posterwall-generate")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", projectID))

	project, err := s.store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != models.StatusReady {
		return nil, models.ErrNotReady
	}
	if s.images == nil {
		return nil, fmt.Errorf("%w: poster generation is not configured", models.ErrImageGeneration)
	}

	candidates, err := s.ensureCandidates(ctx, project)
	if err != nil {
		return nil, err
	}

	var selected []models.PosterCandidate
	for _, c := range candidates {
		if slices.Contains(req.CandidateIDs, c.ID) {
			selected = append(selected, c)
		}
	}

	size := req.Size
	if size == "" {
		size = posterart.DefaultSize
	}
	prompt := posterart.BuildPrompt(posterart.PromptInput{
		Direction:  req.Prompt,
		Text:       req.Text,
		Size:       size,
		Candidates: selected,
	})

	projectDir := s.layout.ProjectDir(projectID)
	var refs []string
	sources := []string{}
	for _, c := range selected {
		if c.ID == "" {
			continue
		}
		sources = append(sources, c.ID)
		if p := render.CandidatePath(projectDir, c.ID); fileExists(p) {
			refs = append(refs, p)
		}
	}

	images, err := s.images.Generate(ctx, prompt, size, refs)
	if err != nil {
		return nil, err
	}

	generated, err := s.storeImages(projectID, projectDir, images, prompt, size, sources)
	if err != nil {
		return nil, err
	}
	posters := append(slices.Clone(project.PosterOutputs), generated...)
	if _, err := s.store.Update(ctx, projectID, models.NewPatch().SetPosterOutputs(posters)); err != nil {
		return nil, fmt.Errorf("store posters: %w", err)
	}
	metrics.PostersGenerated.Add(float64(len(generated)))
	logger.Info(ctx, s.log, "Posters generated",
		"project_id", projectID,
		"posters", len(generated),
		"references", len(refs),
	)
	return newWall(projectID, candidates, posters), nil
}

// Delete removes a generated poster. The file is removed best-effort.
func (s *Service) Delete(ctx context.Context, projectID, posterID string) (*Wall, error) {
	project, err := s.store.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(project.PosterOutputs, func(p models.PosterGeneration) bool {
		return p.ID == posterID
	})
	if idx < 0 {
		return nil, models.ErrPosterNotFound
	}

	if p, err := s.layout.Resolve(projectID, path.Join(GeneratedDir, posterID+".png")); err == nil {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn(ctx, s.log, "Failed to remove poster file", "project_id", projectID, "poster", posterID, "error", err)
		}
	}

	posters := slices.Delete(slices.Clone(project.PosterOutputs), idx, idx+1)
	if _, err := s.store.Update(ctx, projectID, models.NewPatch().SetPosterOutputs(posters)); err != nil {
		return nil, fmt.Errorf("store posters: %w", err)
	}
	return newWall(projectID, project.PosterCandidates, posters), nil
}

func (s *Service) ensureCandidates(ctx context.Context, project *models.Project) ([]models.PosterCandidate, error) {
	if len(project.PosterCandidates) > 0 || project.Status != models.StatusReady {
		return project.PosterCandidates, nil
	}
	if project.Storyboards == nil || len(project.Storyboards.Storyboards) == 0 || project.VideoFilename == "" {
		return project.PosterCandidates, nil
	}
	if !s.layout.VideoExists(project.ID, project.VideoFilename) {
		return project.PosterCandidates, nil
	}

	videoPath := s.layout.VideoPath(project.ID, project.VideoFilename)
	duration := project.DurationSeconds
	if duration <= 0 {
		duration = s.prober.ProbeDuration(ctx, videoPath)
	}
	built := storyboard.BuildPosterCandidates(project.Storyboards, storyboard.CandidateOptions{
		Limit:     s.cfg.CandidateLimit,
		Normalize: true,
		Duration:  duration,
		FPS:       s.cfg.FPS,
	})
	rendered, err := s.renderer.RenderPosterCandidates(ctx, project.ID, s.layout.ProjectDir(project.ID), videoPath, built)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.Update(ctx, project.ID, models.NewPatch().SetPosterCandidates(rendered)); err != nil {
		return nil, fmt.Errorf("store poster candidates: %w", err)
	}
	logger.Info(ctx, s.log, "Poster candidates rendered on demand",
		"project_id", project.ID,
		"built", len(built),
		"rendered", len(rendered),
	)
	return rendered, nil
}

func (s *Service) storeImages(projectID, projectDir string, images [][]byte, prompt, size string, sources []string) ([]models.PosterGeneration, error) {
	dir := filepath.Join(projectDir, filepath.FromSlash(GeneratedDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create generated posters directory: %w", err)
	}
	now := s.now().UTC()
	stamp := now.Format("20060102150405")

	out := make([]models.PosterGeneration, 0, len(images))
	for i, img := range images {
		id := fmt.Sprintf("poster_%s_%02d", stamp, i+1)
		name := id + ".png"
		if err := os.WriteFile(filepath.Join(dir, name), img, 0o644); err != nil {
			return nil, fmt.Errorf("write poster %s: %w", id, err)
		}
		out = append(out, models.PosterGeneration{
			ID:               id,
			ImageURL:         render.MediaURL(s.cfg.MediaBaseURL, projectID, path.Join(GeneratedDir, name)),
			Size:             size,
			Prompt:           prompt,
			CreatedAt:        now,
			SourceCandidates: sources,
		})
	}
	return out, nil
}

func newWall(projectID string, candidates []models.PosterCandidate, posters []models.PosterGeneration) *Wall {
	if candidates == nil {
		candidates = []models.PosterCandidate{}
	}
	if posters == nil {
		posters = []models.PosterGeneration{}
	}
	return &Wall{ProjectID: projectID, Candidates: candidates, Posters: posters}
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
