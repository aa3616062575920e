package transcoder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

func TestBuildClipArgs(t *testing.T) {
	tests := []struct {
		name   string
		preset ClipPreset
		want   string
	}{
		{
			name:   "nvenc",
			preset: NVENCPreset,
			want:   "-y -ss 00:00:01.00 -to 00:00:03.12 -i in.mp4 -c:v h264_nvenc -preset p1 -tune ll -rc vbr -cq 23 -b:v 0 -c:a aac -b:a 192k out.mp4",
		},
		{
			name:   "x264 defaults",
			preset: X264Preset("", ""),
			want:   "-y -ss 00:00:01.00 -to 00:00:03.12 -i in.mp4 -c:v libx264 -preset ultrafast -crf 18 -pix_fmt yuv420p -c:a aac -b:a 192k out.mp4",
		},
		{
			name:   "x264 tuned",
			preset: X264Preset("veryfast", "23"),
			want:   "-y -ss 00:00:01.00 -to 00:00:03.12 -i in.mp4 -c:v libx264 -preset veryfast -crf 23 -pix_fmt yuv420p -c:a aac -b:a 192k out.mp4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := strings.Join(BuildClipArgs(tt.preset, "in.mp4", "00:00:01.00", "00:00:03.12", "out.mp4"), " ")
			if got != tt.want {
				t.Errorf("BuildClipArgs() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestBuildThumbnailArgs(t *testing.T) {
	got := strings.Join(BuildThumbnailArgs("in.mp4", "00:00:02.05", "thumb_p0.webp"), " ")
	want := "-y -ss 00:00:02.05 -i in.mp4 -frames:v 1 -vf scale=1280:-2 -c:v libwebp -quality 80 thumb_p0.webp"
	if got != want {
		t.Errorf("BuildThumbnailArgs() = %s, want %s", got, want)
	}
}

func TestThumbnailName(t *testing.T) {
	tests := map[int]string{
		0:  "thumb_p0.webp",
		2:  "thumb_p2.webp",
		-3: "thumb_m3.webp",
	}
	for offset, want := range tests {
		if got := ThumbnailName(offset); got != want {
			t.Errorf("ThumbnailName(%d) = %s, want %s", offset, got, want)
		}
	}
}

func TestParseThumbnailOffsets(t *testing.T) {
	tests := []struct {
		raw  string
		want []int
	}{
		{"", []int{0}},
		{"   ", []int{0}},
		{"0", []int{0}},
		{"-2,0,2", []int{-2, 0, 2}},
		{"3, 3, x, -1, 3", []int{3, -1}},
		{"a,b", []int{0}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := ParseThumbnailOffsets(tt.raw); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseThumbnailOffsets(%q) = %v, want %v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestClipPresetSelection(t *testing.T) {
	tr := NewTranscoder(&Config{UseNVENC: true})
	if tr.ClipPreset().Name != "nvenc" {
		t.Errorf("ClipPreset() = %s, want nvenc", tr.ClipPreset().Name)
	}
	tr = NewTranscoder(&Config{})
	if tr.ClipPreset().Name != "x264" {
		t.Errorf("ClipPreset() = %s, want x264", tr.ClipPreset().Name)
	}
}

// writeScript creates an executable shell script standing in for ffmpeg/ffprobe.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const touchLastArg = `for last; do :; done
printf 'frame' > "$last"
`

func TestExtractClip(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeScript(t, dir, "ffmpeg", touchLastArg)
	tr := NewTranscoder(&Config{FFmpegPath: ffmpeg, Logger: quietLogger()})

	out := filepath.Join(dir, "scene_01.mp4")
	err := tr.ExtractClip(context.Background(), ClipRequest{
		InputPath: "in.mp4", StartTC: "00:00:00.00", EndTC: "00:00:01.00", OutputPath: out,
	})
	if err != nil {
		t.Fatalf("ExtractClip() error = %v", err)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("clip not written: %v", err)
	}
}

func TestExtractClip_Failure(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		script string
	}{
		{"non-zero exit", "echo 'Error opening input' >&2\nexit 1\n"},
		{"no output", "exit 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ffmpeg := writeScript(t, dir, "ffmpeg-"+strings.ReplaceAll(tt.name, " ", "-"), tt.script)
			tr := NewTranscoder(&Config{FFmpegPath: ffmpeg, Logger: quietLogger()})
			err := tr.ExtractClip(context.Background(), ClipRequest{
				InputPath: "in.mp4", StartTC: "00:00:00.00", EndTC: "00:00:01.00",
				OutputPath: filepath.Join(dir, "missing.mp4"),
			})
			if !errors.Is(err, models.ErrTranscoderFailure) {
				t.Errorf("ExtractClip() error = %v, want ErrTranscoderFailure", err)
			}
		})
	}
}

func TestExtractThumbnails(t *testing.T) {
	dir := t.TempDir()
	ffmpeg := writeScript(t, dir, "ffmpeg", `echo "$3" >> "`+filepath.Join(dir, "seeks.log")+`"
`+touchLastArg)
	tr := NewTranscoder(&Config{FFmpegPath: ffmpeg, ThumbnailOffsets: []int{-2, 0, 2}, Logger: quietLogger()})

	outDir := filepath.Join(dir, "candidates")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatal(err)
	}
	paths, err := tr.ExtractThumbnails(context.Background(), ThumbnailRequest{
		InputPath: "in.mp4", Timecode: "00:00:00.01", OutputDir: outDir, FPS: 24,
	})
	if err != nil {
		t.Fatalf("ExtractThumbnails() error = %v", err)
	}

	want := []string{
		filepath.Join(outDir, "thumb_m2.webp"),
		filepath.Join(outDir, "thumb_p0.webp"),
		filepath.Join(outDir, "thumb_p2.webp"),
	}
	if !reflect.DeepEqual(paths, want) {
		t.Errorf("paths = %v, want %v", paths, want)
	}

	seeks, err := os.ReadFile(filepath.Join(dir, "seeks.log"))
	if err != nil {
		t.Fatal(err)
	}
	gotSeeks := strings.Fields(string(seeks))
	wantSeeks := []string{"00:00:00.00", "00:00:00.01", "00:00:00.03"}
	if !reflect.DeepEqual(gotSeeks, wantSeeks) {
		t.Errorf("seek timecodes = %v, want %v", gotSeeks, wantSeeks)
	}
}

func TestExtractThumbnails_MalformedTimecode(t *testing.T) {
	tr := NewTranscoder(&Config{Logger: quietLogger()})
	_, err := tr.ExtractThumbnails(context.Background(), ThumbnailRequest{Timecode: "soon", OutputDir: t.TempDir()})
	if !errors.Is(err, models.ErrMalformedTimecode) {
		t.Errorf("ExtractThumbnails() error = %v, want ErrMalformedTimecode", err)
	}
}

func TestProbeDuration(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name   string
		script string
		want   float64
	}{
		{"valid", "echo 12.480000\n", 12.48},
		{"not a number", "echo N/A\n", 0},
		{"failure", "exit 1\n", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ffprobe := writeScript(t, dir, "ffprobe-"+strings.ReplaceAll(tt.name, " ", "-"), tt.script)
			tr := NewTranscoder(&Config{FFprobePath: ffprobe, Logger: quietLogger()})
			if got := tr.ProbeDuration(context.Background(), "in.mp4"); got != tt.want {
				t.Errorf("ProbeDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}
