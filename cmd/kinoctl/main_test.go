package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

const storyboardFile = `{
  "movie_title": "Night Train",
  "storyboards": [
    {"name": "Teaser", "scenes": [
      {"scene_number": 1, "start_tc": "00:00:02.00", "end_tc": "00:00:05.12", "thumbnail_tc": "00:00:03.00"},
      {"scene_number": 2, "start_tc": "00:05:00.00", "end_tc": "00:05:04.00"}
    ]}
  ],
  "poster_candidates": [
    {"timestamp": "00:00:03.00", "description": "hero"}
  ]
}`

func runCommand(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeStoryboardFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "storyboard.json")
	if err := os.WriteFile(path, []byte(storyboardFile), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTimecodeCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "plain",
			args: []string{"timecode", "00:01:30.12"},
			want: []string{"strict:    90.500s", "canonical: 00:01:30.12", "frames:    2172"},
		},
		{
			name: "ambiguous repaired against duration",
			args: []string{"timecode", "01:30:12", "--duration", "120"},
			want: []string{"strict:    5412.000s", "canonical: 00:01:30.12"},
		},
		{
			name: "short media reread as minutes",
			args: []string{"timecode", "00:02:00.00", "--duration", "60"},
			want: []string{"canonical: 00:00:02.00"},
		},
		{
			name: "clamped to last frame",
			args: []string{"timecode", "00:90:00.00", "--duration", "60"},
			want: []string{"canonical: 00:00:59.23"},
		},
		{
			name: "malformed",
			args: []string{"timecode", "1:2:3:4"},
			want: []string{"strict:    invalid", "canonical: 00:00:00.00"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, _, err := runCommand(t, tt.args...)
			if err != nil {
				t.Fatalf("Execute() error = %v", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
		})
	}
}

func TestNormalizeCommand(t *testing.T) {
	path := writeStoryboardFile(t)

	out, errOut, err := runCommand(t, "normalize", path, "--duration", "60")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var set models.StoryboardSet
	if err := json.Unmarshal([]byte(out), &set); err != nil {
		t.Fatalf("output is not a storyboard set: %v\n%s", err, out)
	}
	if len(set.Storyboards) != 1 || len(set.Storyboards[0].Scenes) != 2 {
		t.Fatalf("unexpected shape: %+v", set)
	}
	late := set.Storyboards[0].Scenes[1]
	if late.StartTC >= "00:01:00.00" {
		t.Errorf("StartTC = %s, want clamped inside 60s", late.StartTC)
	}
	if !strings.Contains(errOut, "repaired") {
		t.Errorf("stderr = %q, want repair count", errOut)
	}
}

func TestCandidatesCommand(t *testing.T) {
	path := writeStoryboardFile(t)

	out, _, err := runCommand(t, "candidates", path, "--limit", "2")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	var candidates []models.PosterCandidate
	if err := json.Unmarshal([]byte(out), &candidates); err != nil {
		t.Fatalf("decode: %v\n%s", err, out)
	}
	if len(candidates) != 2 {
		t.Fatalf("len = %d, want 2: %+v", len(candidates), candidates)
	}
	if candidates[0].ID != "poster_01" || candidates[0].Timestamp != "00:00:03.00" {
		t.Errorf("first candidate = %+v", candidates[0])
	}
}

func TestCandidatesCommand_MissingFile(t *testing.T) {
	if _, _, err := runCommand(t, "candidates", filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("Execute() expected error for missing file")
	}
}

func writePNG(t *testing.T, path string, fill func(x, y int) uint8) {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: fill(x, y)})
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
}

func TestSharpestCommand(t *testing.T) {
	dir := t.TempDir()
	flat := filepath.Join(dir, "flat.png")
	checker := filepath.Join(dir, "checker.png")
	writePNG(t, flat, func(x, y int) uint8 { return 128 })
	writePNG(t, checker, func(x, y int) uint8 {
		if (x+y)%2 == 0 {
			return 255
		}
		return 0
	})

	out, errOut, err := runCommand(t, "sharpest", "-v", flat, checker)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if strings.TrimSpace(out) != checker {
		t.Errorf("sharpest = %q, want %q", strings.TrimSpace(out), checker)
	}
	if strings.Count(errOut, "\n") != 2 {
		t.Errorf("verbose scores = %q, want two lines", errOut)
	}
}

func TestRenderCommand_RequiresOut(t *testing.T) {
	path := writeStoryboardFile(t)

	_, _, err := runCommand(t, "render", path, path)
	if err == nil || !strings.Contains(err.Error(), "--out") {
		t.Fatalf("Execute() error = %v, want --out error", err)
	}
}
