// Package render turns a normalized storyboard set into per-scene clips and
// thumbnails on local disk.
package render

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amillerrr/kino-pipeline/internal/logger"
	"github.com/amillerrr/kino-pipeline/internal/metrics"
	"github.com/amillerrr/kino-pipeline/internal/sharpness"
	"github.com/amillerrr/kino-pipeline/internal/storyboard"
	"github.com/amillerrr/kino-pipeline/internal/timecode"
	"github.com/amillerrr/kino-pipeline/internal/transcoder"
	"github.com/amillerrr/kino-pipeline/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultMediaBaseURL = "/media"

	ClipsDir   = "clips"
	ThumbsDir  = "thumbs"
	PostersDir = "posters"
)

var tracer = otel.Tracer("kino-render")

// Transcoder is the part of transcoder.Transcoder the renderer drives.
type Transcoder interface {
	ExtractClip(ctx context.Context, req transcoder.ClipRequest) error
	ExtractThumbnails(ctx context.Context, req transcoder.ThumbnailRequest) ([]string, error)
}

// Options configures a Renderer.
type Options struct {
	FPS          int
	Workers      int
	MediaBaseURL string
	Logger       *slog.Logger
}

// Renderer runs the per-scene render units for a project.
type Renderer struct {
	tc   Transcoder
	opts Options
	log  *slog.Logger
}

// New creates a Renderer. Workers below 1 run sequentially.
func New(tc Transcoder, opts Options) *Renderer {
	if opts.FPS <= 0 {
		opts.FPS = timecode.DefaultFPS
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MediaBaseURL == "" {
		opts.MediaBaseURL = DefaultMediaBaseURL
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Renderer{tc: tc, opts: opts, log: log}
}

// BoardProgressFunc is called after each storyboard finishes.
type BoardProgressFunc func(done, total int)

// SceneFailure records a render unit that produced no assets.
type SceneFailure struct {
	Board int
	Scene int
	Err   error
}

func (f SceneFailure) Error() string {
	return fmt.Sprintf("board %d scene %d: %v", f.Board, f.Scene, f.Err)
}

// Result is the outcome of RenderAssets.
type Result struct {
	Storyboards *models.StoryboardSet
	PosterURL   string
	Failures    []SceneFailure
}

// Job describes one project render.
type Job struct {
	ProjectID  string
	ProjectDir string
	InputPath  string
	Set        *models.StoryboardSet
	OnBoard    BoardProgressFunc
}

type unitResult struct {
	index    int
	clipRel  string
	thumbRel string
	err      error
}

// RenderAssets renders every scene of job.Set and returns a copy with clip and
// thumbnail URLs filled in. Scene failures are collected, never returned.
// Boards run in order; scenes within a board share a pool of Workers.
//
// PosterURL is the first non-empty thumbnail the aggregation loop observes.
// With more than one worker that order follows completion, not timecode.
func (r *Renderer) RenderAssets(ctx context.Context, job Job) (*Result, error) {
	ctx, span := tracer.Start(ctx, "render-assets")
	defer span.End()

	out := storyboard.Clone(job.Set)
	res := &Result{Storyboards: out}
	if out == nil {
		return res, nil
	}
	span.SetAttributes(
		attribute.String("project.id", job.ProjectID),
		attribute.Int("render.boards", len(out.Storyboards)),
		attribute.Int("render.workers", r.opts.Workers),
	)

	total := len(out.Storyboards)
	for bi := range out.Storyboards {
		board := &out.Storyboards[bi]
		boardNum := bi + 1
		clipDir := filepath.Join(job.ProjectDir, ClipsDir, boardDir(boardNum))
		thumbDir := filepath.Join(job.ProjectDir, ThumbsDir, boardDir(boardNum))
		for _, dir := range []string{clipDir, thumbDir} {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create render directory: %w", err)
			}
		}

		for si := range board.Scenes {
			board.Scenes[si].ClipURL = ""
			board.Scenes[si].ThumbnailURL = ""
		}

		observe := func(u unitResult) {
			sc := &board.Scenes[u.index]
			if u.err != nil {
				metrics.RecordScene(false)
				res.Failures = append(res.Failures, SceneFailure{Board: boardNum, Scene: u.index + 1, Err: u.err})
				logger.Warn(ctx, r.log, "Scene render failed",
					"project_id", job.ProjectID,
					"board", boardNum,
					"scene", u.index+1,
					"error", u.err,
				)
				return
			}
			metrics.RecordScene(true)
			sc.ClipURL = MediaURL(r.opts.MediaBaseURL, job.ProjectID, u.clipRel)
			sc.ThumbnailURL = MediaURL(r.opts.MediaBaseURL, job.ProjectID, u.thumbRel)
			if res.PosterURL == "" && nonEmpty(filepath.Join(job.ProjectDir, filepath.FromSlash(u.thumbRel))) {
				res.PosterURL = sc.ThumbnailURL
			}
		}

		scenes := append([]models.Scene(nil), board.Scenes...)
		unit := func(i int) (u unitResult) {
			defer func() {
				if p := recover(); p != nil {
					u = unitResult{index: i, err: fmt.Errorf("%w: render panic: %v", models.ErrTranscoderFailure, p)}
				}
			}()
			clipName, thumbName, err := r.renderScene(ctx, job.InputPath, clipDir, thumbDir, i+1, scenes[i])
			return unitResult{
				index:    i,
				clipRel:  path.Join(ClipsDir, boardDir(boardNum), clipName),
				thumbRel: path.Join(ThumbsDir, boardDir(boardNum), thumbName),
				err:      err,
			}
		}

		if r.opts.Workers <= 1 || len(scenes) <= 1 {
			for i := range scenes {
				observe(unit(i))
			}
		} else {
			results := make(chan unitResult, len(scenes))
			var g errgroup.Group
			g.SetLimit(r.opts.Workers)
			for i := range scenes {
				g.Go(func() error {
					results <- unit(i)
					return nil
				})
			}
			go func() {
				_ = g.Wait()
				close(results)
			}()
			for u := range results {
				observe(u)
			}
		}

		if job.OnBoard != nil {
			job.OnBoard(boardNum, total)
		}
	}

	if res.PosterURL == "" {
		res.PosterURL = firstThumbnail(out)
	}
	return res, nil
}

// renderScene is one render unit: clip, thumbnail candidates, sharpest pick.
func (r *Renderer) renderScene(ctx context.Context, input, clipDir, thumbDir string, n int, sc models.Scene) (string, string, error) {
	start := time.Now()
	defer func() {
		metrics.StageDuration.WithLabelValues("scene").Observe(time.Since(start).Seconds())
	}()

	clipName := fmt.Sprintf("scene_%02d.mp4", n)
	thumbName := fmt.Sprintf("scene_%02d.webp", n)

	err := r.tc.ExtractClip(ctx, transcoder.ClipRequest{
		InputPath:  input,
		StartTC:    sc.StartTC,
		EndTC:      sc.EndTC,
		OutputPath: filepath.Join(clipDir, clipName),
	})
	if err != nil {
		return "", "", err
	}

	tc := sc.ThumbnailTC
	if tc == "" {
		tc = sc.StartTC
	}
	scratch := filepath.Join(thumbDir, fmt.Sprintf("scene_%02d_candidates", n))
	if err := r.grabBestFrame(ctx, input, tc, scratch, filepath.Join(thumbDir, thumbName)); err != nil {
		return "", "", err
	}
	return clipName, thumbName, nil
}

// grabBestFrame extracts candidate frames around tc into scratch, copies the
// sharpest to dest and removes scratch.
func (r *Renderer) grabBestFrame(ctx context.Context, input, tc, scratch, dest string) error {
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("create scratch directory: %w", err)
	}
	defer os.RemoveAll(scratch)

	paths, err := r.tc.ExtractThumbnails(ctx, transcoder.ThumbnailRequest{
		InputPath: input,
		Timecode:  tc,
		OutputDir: scratch,
		FPS:       r.opts.FPS,
	})
	if err != nil {
		return err
	}
	best, err := sharpness.Pick(paths)
	if err != nil {
		return err
	}
	if err := copyFile(best, dest); err != nil {
		os.Remove(dest)
		return err
	}
	if !nonEmpty(dest) {
		os.Remove(dest)
		return fmt.Errorf("%w: empty thumbnail %s", models.ErrTranscoderFailure, filepath.Base(dest))
	}
	return nil
}

// MediaURL joins a project-relative asset path onto the media base URL.
func MediaURL(base, projectID, rel string) string {
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = DefaultMediaBaseURL
	}
	rel = strings.TrimLeft(strings.ReplaceAll(rel, "\\", "/"), "/")
	return base + "/" + projectID + "/" + rel
}

func boardDir(n int) string {
	return fmt.Sprintf("board_%d", n)
}

func firstThumbnail(set *models.StoryboardSet) string {
	for _, b := range set.Storyboards {
		for _, sc := range b.Scenes {
			if sc.ThumbnailURL != "" {
				return sc.ThumbnailURL
			}
		}
	}
	return ""
}

func nonEmpty(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Size() > 0
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", filepath.Base(dst), err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", filepath.Base(dst), err)
	}
	return out.Close()
}
