package posterwall

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/amillerrr/kino-pipeline/internal/render"
	"github.com/amillerrr/kino-pipeline/internal/storage"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memStore struct {
	mu       sync.Mutex
	projects map[string]*models.Project
	updates  int
}

func newMemStore(p *models.Project) *memStore {
	return &memStore{projects: map[string]*models.Project{p.ID: p}}
}

func (s *memStore) Get(_ context.Context, id string) (*models.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, models.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) Update(_ context.Context, id string, patch *models.Patch) (time.Time, error) {
	if err := patch.Validate(); err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return time.Time{}, models.ErrProjectNotFound
	}
	patch.Apply(p)
	s.updates++
	return time.Now(), nil
}

// stillRenderer writes a file for every candidate except those listed in drop.
type stillRenderer struct {
	calls int
	got   []models.PosterCandidate
	drop  map[string]bool
}

func (r *stillRenderer) RenderPosterCandidates(_ context.Context, projectID, projectDir, _ string, candidates []models.PosterCandidate) ([]models.PosterCandidate, error) {
	r.calls++
	r.got = candidates
	var out []models.PosterCandidate
	for _, c := range candidates {
		if r.drop[c.ID] {
			continue
		}
		p := render.CandidatePath(projectDir, c.ID)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(p, []byte("still "+c.ID), 0o644); err != nil {
			return nil, err
		}
		c.ImageURL = render.MediaURL("", projectID, "posters/candidates/"+c.ID+".webp")
		out = append(out, c)
	}
	return out, nil
}

type fixedProber struct {
	seconds float64
	calls   int
}

func (p *fixedProber) ProbeDuration(context.Context, string) float64 {
	p.calls++
	return p.seconds
}

type fakeImages struct {
	prompt string
	size   string
	refs   []string
	images [][]byte
	err    error
}

func (f *fakeImages) Generate(_ context.Context, prompt, size string, refs []string) ([][]byte, error) {
	f.prompt, f.size, f.refs = prompt, size, refs
	return f.images, f.err
}

func readyProject(t *testing.T, layout *storage.Layout) *models.Project {
	t.Helper()
	p := &models.Project{
		ID:            "proj_wall",
		Status:        models.StatusReady,
		Progress:      100,
		VideoFilename: "movie.mp4",
		Storyboards: &models.StoryboardSet{
			PosterCandidates: []models.SuggestedPoster{{Timestamp: "00:00:05.00", Description: "skyline"}},
			Storyboards: []models.Storyboard{{
				Name: "Teaser",
				Scenes: []models.Scene{
					{SceneNumber: 1, StartTC: "00:00:01.00", ThumbnailTC: "00:00:02.00", Description: "door"},
					{SceneNumber: 2, StartTC: "00:00:04.00", ThumbnailTC: "00:00:05.00", Description: "dup"},
					{SceneNumber: 3, StartTC: "00:00:08.00", EmotionalBeat: "dread"},
				},
			}},
		},
	}
	dir, err := layout.EnsureProjectDir(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, p.VideoFilename), []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func newService(store *memStore, r *stillRenderer, prober *fixedProber, images ImageGenerator, layout *storage.Layout) *Service {
	return New(store, r, prober, images, layout, Config{Logger: quietLogger()})
}

func TestList_RendersCandidatesOnce(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	project := readyProject(t, layout)
	store := newMemStore(project)
	r := &stillRenderer{drop: map[string]bool{"poster_02": true}}
	prober := &fixedProber{seconds: 30}
	svc := newService(store, r, prober, nil, layout)

	wall, err := svc.List(context.Background(), project.ID)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	var ids []string
	for _, c := range r.got {
		ids = append(ids, c.ID+"@"+c.Timestamp)
	}
	want := []string{"poster_01@00:00:05.00", "poster_02@00:00:02.00", "poster_03@00:00:08.00"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("built candidates = %v, want %v", ids, want)
	}
	if len(wall.Candidates) != 2 || wall.Candidates[1].ID != "poster_03" {
		t.Errorf("wall candidates = %+v", wall.Candidates)
	}
	if prober.calls != 1 {
		t.Errorf("prober calls = %d, want 1 for unknown duration", prober.calls)
	}
	if wall.Posters == nil {
		t.Error("posters should be an empty list, not nil")
	}

	if _, err := svc.List(context.Background(), project.ID); err != nil {
		t.Fatalf("second List() error = %v", err)
	}
	if r.calls != 1 {
		t.Errorf("renderer calls = %d, want stored candidates reused", r.calls)
	}
}

func TestList_SkipsRender(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *models.Project, layout *storage.Layout)
	}{
		{"not ready", func(p *models.Project, _ *storage.Layout) { p.Status = models.StatusProcessing }},
		{"no storyboards", func(p *models.Project, _ *storage.Layout) { p.Storyboards = nil }},
		{"video missing", func(p *models.Project, l *storage.Layout) { os.Remove(l.VideoPath(p.ID, p.VideoFilename)) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			layout := storage.NewLayout(t.TempDir())
			project := readyProject(t, layout)
			tt.mutate(project, layout)
			r := &stillRenderer{}
			svc := newService(newMemStore(project), r, &fixedProber{}, nil, layout)

			wall, err := svc.List(context.Background(), project.ID)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if r.calls != 0 || len(wall.Candidates) != 0 {
				t.Errorf("renderer calls = %d, candidates = %d", r.calls, len(wall.Candidates))
			}
		})
	}
}

func TestGenerate(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	project := readyProject(t, layout)
	project.DurationSeconds = 30
	store := newMemStore(project)
	images := &fakeImages{images: [][]byte{[]byte("png-1"), []byte("png-2")}}
	prober := &fixedProber{}
	svc := newService(store, &stillRenderer{}, prober, images, layout)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 9, 30, 15, 0, time.UTC) }

	wall, err := svc.Generate(context.Background(), project.ID, GenerateRequest{
		CandidateIDs: []string{"poster_03", "poster_01", "missing"},
		Prompt:       "noir",
		Text:         "KINO",
	})
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if prober.calls != 0 {
		t.Error("known duration should not be probed")
	}

	if images.size != "1024x1536" {
		t.Errorf("size = %q, want default", images.size)
	}
	for _, want := range []string{"- 00:00:05.00 - skyline", "- 00:00:08.00 - dread", `Include only this text: "KINO".`, "User direction: noir"} {
		if !strings.Contains(images.prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if len(images.refs) != 2 || filepath.Base(images.refs[0]) != "poster_01.webp" {
		t.Errorf("refs = %v", images.refs)
	}

	if len(wall.Posters) != 2 {
		t.Fatalf("posters = %d, want 2", len(wall.Posters))
	}
	first := wall.Posters[0]
	if first.ID != "poster_20260301093015_01" || first.ImageURL != "/media/proj_wall/posters/generated/poster_20260301093015_01.png" {
		t.Errorf("poster = %+v", first)
	}
	if !reflect.DeepEqual(first.SourceCandidates, []string{"poster_01", "poster_03"}) {
		t.Errorf("source candidates = %v", first.SourceCandidates)
	}
	data, err := os.ReadFile(filepath.Join(layout.ProjectDir(project.ID), "posters", "generated", "poster_20260301093015_02.png"))
	if err != nil || string(data) != "png-2" {
		t.Errorf("stored poster = %q, %v", data, err)
	}

	stored, _ := store.Get(context.Background(), project.ID)
	if len(stored.PosterOutputs) != 2 || len(stored.PosterCandidates) != 3 {
		t.Errorf("stored outputs = %d, candidates = %d", len(stored.PosterOutputs), len(stored.PosterCandidates))
	}
}

func TestGenerate_Errors(t *testing.T) {
	t.Run("not ready", func(t *testing.T) {
		layout := storage.NewLayout(t.TempDir())
		project := readyProject(t, layout)
		project.Status = models.StatusFailed
		svc := newService(newMemStore(project), &stillRenderer{}, &fixedProber{}, &fakeImages{}, layout)
		if _, err := svc.Generate(context.Background(), project.ID, GenerateRequest{}); !errors.Is(err, models.ErrNotReady) {
			t.Errorf("error = %v, want ErrNotReady", err)
		}
	})

	t.Run("image service", func(t *testing.T) {
		layout := storage.NewLayout(t.TempDir())
		project := readyProject(t, layout)
		store := newMemStore(project)
		images := &fakeImages{err: errors.Join(models.ErrImageGeneration, errors.New("IMAGE_SAFETY"))}
		svc := newService(store, &stillRenderer{}, &fixedProber{}, images, layout)
		if _, err := svc.Generate(context.Background(), project.ID, GenerateRequest{}); !errors.Is(err, models.ErrImageGeneration) {
			t.Errorf("error = %v, want ErrImageGeneration", err)
		}
		stored, _ := store.Get(context.Background(), project.ID)
		if len(stored.PosterOutputs) != 0 {
			t.Errorf("outputs = %d after failure", len(stored.PosterOutputs))
		}
	})

	t.Run("unconfigured", func(t *testing.T) {
		layout := storage.NewLayout(t.TempDir())
		project := readyProject(t, layout)
		svc := newService(newMemStore(project), &stillRenderer{}, &fixedProber{}, nil, layout)
		if _, err := svc.Generate(context.Background(), project.ID, GenerateRequest{}); !errors.Is(err, models.ErrImageGeneration) {
			t.Errorf("error = %v, want ErrImageGeneration", err)
		}
	})

	t.Run("unknown project", func(t *testing.T) {
		layout := storage.NewLayout(t.TempDir())
		project := readyProject(t, layout)
		svc := newService(newMemStore(project), &stillRenderer{}, &fixedProber{}, &fakeImages{}, layout)
		if _, err := svc.Generate(context.Background(), "proj_other", GenerateRequest{}); !errors.Is(err, models.ErrProjectNotFound) {
			t.Errorf("error = %v, want ErrProjectNotFound", err)
		}
	})
}

func TestDelete(t *testing.T) {
	layout := storage.NewLayout(t.TempDir())
	project := readyProject(t, layout)
	project.PosterOutputs = []models.PosterGeneration{{ID: "poster_a"}, {ID: "poster_b"}}
	dir := filepath.Join(layout.ProjectDir(project.ID), "posters", "generated")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(dir, "poster_a.png")
	if err := os.WriteFile(file, []byte("png"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := newMemStore(project)
	svc := newService(store, &stillRenderer{}, &fixedProber{}, nil, layout)

	wall, err := svc.Delete(context.Background(), project.ID, "poster_a")
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if len(wall.Posters) != 1 || wall.Posters[0].ID != "poster_b" {
		t.Errorf("posters = %+v", wall.Posters)
	}
	if _, err := os.Stat(file); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("poster file still present: %v", err)
	}

	// poster_b has no file on disk; the entry is still removed.
	if _, err := svc.Delete(context.Background(), project.ID, "poster_b"); err != nil {
		t.Fatalf("Delete() without file error = %v", err)
	}
	if _, err := svc.Delete(context.Background(), project.ID, "poster_b"); !errors.Is(err, models.ErrPosterNotFound) {
		t.Errorf("error = %v, want ErrPosterNotFound", err)
	}
}
