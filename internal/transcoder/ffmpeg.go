package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/amillerrr/kino-pipeline/internal/metrics"
	"github.com/amillerrr/kino-pipeline/internal/timecode"
	"github.com/amillerrr/kino-pipeline/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// stderrTailLines is how many ffmpeg stderr lines are kept for error messages.
const stderrTailLines = 8

var tracer = otel.Tracer("kino-transcoder")

// Config holds configuration for ffmpeg execution.
type Config struct {
	FFmpegPath       string
	FFprobePath      string
	UseNVENC         bool
	X264Preset       string
	X264CRF          string
	ThumbnailOffsets []int
	Logger           *slog.Logger
}

// DefaultConfig returns the default ffmpeg configuration.
func DefaultConfig(logger *slog.Logger) *Config {
	return &Config{
		FFmpegPath:       "ffmpeg",
		FFprobePath:      "ffprobe",
		X264Preset:       DefaultX264Preset,
		X264CRF:          DefaultX264CRF,
		ThumbnailOffsets: []int{0},
		Logger:           logger,
	}
}

// ClipRequest asks for [StartTC, EndTC) of InputPath to be written to OutputPath.
type ClipRequest struct {
	InputPath  string
	StartTC    string
	EndTC      string
	OutputPath string
}

// ThumbnailRequest asks for one frame per offset around Timecode, written into OutputDir.
type ThumbnailRequest struct {
	InputPath string
	Timecode  string
	OutputDir string
	Offsets   []int
	FPS       int
}

// Transcoder runs ffmpeg and ffprobe as subprocesses.
type Transcoder struct {
	config *Config
}

// NewTranscoder creates a new Transcoder with the given configuration.
func NewTranscoder(config *Config) *Transcoder {
	if config.FFmpegPath == "" {
		config.FFmpegPath = "ffmpeg"
	}
	if config.FFprobePath == "" {
		config.FFprobePath = "ffprobe"
	}
	if len(config.ThumbnailOffsets) == 0 {
		config.ThumbnailOffsets = []int{0}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Transcoder{config: config}
}

// ClipPreset returns the encoder preset selected by configuration.
func (t *Transcoder) ClipPreset() ClipPreset {
	if t.config.UseNVENC {
		return NVENCPreset
	}
	return X264Preset(t.config.X264Preset, t.config.X264CRF)
}

// ThumbnailOffsets returns the configured frame offsets.
func (t *Transcoder) ThumbnailOffsets() []int {
	return t.config.ThumbnailOffsets
}

// ExtractClip trims a clip from the input video.
func (t *Transcoder) ExtractClip(ctx context.Context, req ClipRequest) error {
	ctx, span := tracer.Start(ctx, "extract-clip")
	defer span.End()

	preset := t.ClipPreset()
	span.SetAttributes(
		attribute.String("clip.start", req.StartTC),
		attribute.String("clip.end", req.EndTC),
		attribute.String("clip.encoder", preset.Name),
	)

	args := BuildClipArgs(preset, req.InputPath, req.StartTC, req.EndTC, req.OutputPath)
	if err := t.runFFmpeg(ctx, "clip", args); err != nil {
		return err
	}
	return requireOutput(req.OutputPath)
}

// ExtractThumbnails grabs one frame per offset and returns the candidate paths
// in offset order. Offsets default to the configured ones.
func (t *Transcoder) ExtractThumbnails(ctx context.Context, req ThumbnailRequest) ([]string, error) {
	ctx, span := tracer.Start(ctx, "extract-thumbnails")
	defer span.End()

	offsets := req.Offsets
	if len(offsets) == 0 {
		offsets = t.config.ThumbnailOffsets
	}
	fps := req.FPS
	if fps <= 0 {
		fps = timecode.DefaultFPS
	}
	span.SetAttributes(
		attribute.String("thumbnail.timecode", req.Timecode),
		attribute.Int("thumbnail.candidates", len(offsets)),
	)

	base, err := timecode.ToSeconds(req.Timecode, fps)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(offsets))
	for _, off := range offsets {
		out := filepath.Join(req.OutputDir, ThumbnailName(off))
		tc := timecode.ToTimecode(base+float64(off)/float64(fps), fps)
		if err := t.runFFmpeg(ctx, "thumbnail", BuildThumbnailArgs(req.InputPath, tc, out)); err != nil {
			return paths, err
		}
		if err := requireOutput(out); err != nil {
			return paths, err
		}
		paths = append(paths, out)
	}
	return paths, nil
}

// ProbeDuration returns the media duration in seconds, or 0 when it cannot be
// determined.
func (t *Transcoder) ProbeDuration(ctx context.Context, inputPath string) float64 {
	ctx, span := tracer.Start(ctx, "ffprobe-duration")
	defer span.End()

	cmd := exec.CommandContext(ctx, t.config.FFprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=nokey=1:noprint_wrappers=1",
		inputPath,
	)
	out, err := cmd.Output()
	if err != nil {
		t.config.Logger.Warn("ffprobe failed", "path", inputPath, "error", err)
		return 0
	}
	s := strings.TrimSpace(string(out))
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 {
		t.config.Logger.Warn("ffprobe returned unparseable duration", "path", inputPath, "output", s)
		return 0
	}
	span.SetAttributes(attribute.Float64("media.duration", v))
	return v
}

// CheckBinaries verifies that ffmpeg and ffprobe can be found.
func (t *Transcoder) CheckBinaries() error {
	for _, bin := range []string{t.config.FFmpegPath, t.config.FFprobePath} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	return nil
}

// runFFmpeg executes ffmpeg with args. A non-zero exit is ErrTranscoderFailure.
func (t *Transcoder) runFFmpeg(ctx context.Context, kind string, args []string) error {
	ctx, span := tracer.Start(ctx, "ffmpeg-execute")
	defer span.End()
	span.SetAttributes(attribute.String("ffmpeg.kind", kind))

	start := time.Now()
	cmd := exec.CommandContext(ctx, t.config.FFmpegPath, args...)

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		metrics.RecordTranscoderFailure(kind)
		return fmt.Errorf("%w: start %s: %v", models.ErrTranscoderFailure, kind, err)
	}

	var (
		wg   sync.WaitGroup
		tail []string
	)
	wg.Add(2)

	go func() {
		defer wg.Done()
		tail = t.monitorOutput(ctx, stderrPipe)
	}()

	go func() {
		defer wg.Done()
		_, _ = io.Copy(io.Discard, stdoutPipe)
	}()

	cmdErr := cmd.Wait()
	wg.Wait()

	metrics.TranscoderDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	if cmdErr != nil {
		metrics.RecordTranscoderFailure(kind)
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: context canceled", models.ErrTranscoderFailure, kind)
		}
		if len(tail) > 0 {
			return fmt.Errorf("%w: %s: %v: %s", models.ErrTranscoderFailure, kind, cmdErr, strings.Join(tail, " | "))
		}
		return fmt.Errorf("%w: %s: %v", models.ErrTranscoderFailure, kind, cmdErr)
	}

	return nil
}

// monitorOutput logs ffmpeg output and returns the last few lines.
func (t *Transcoder) monitorOutput(ctx context.Context, r io.Reader) []string {
	var tail []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		tail = append(tail, line)
		if len(tail) > stderrTailLines {
			tail = tail[1:]
		}
		if ctx.Err() != nil {
			continue
		}
		if strings.Contains(line, "frame=") || strings.Contains(line, "time=") {
			t.config.Logger.Debug("FFmpeg progress", "output", line)
		} else if strings.Contains(line, "error") || strings.Contains(line, "Error") {
			t.config.Logger.Warn("FFmpeg warning", "output", line)
		}
	}
	if err := scanner.Err(); err != nil {
		t.config.Logger.Warn("FFmpeg output scanner error", "error", err)
	}
	return tail
}

// requireOutput fails when ffmpeg exited cleanly but left no file behind.
func requireOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: missing output %s", models.ErrTranscoderFailure, filepath.Base(path))
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: empty output %s", models.ErrTranscoderFailure, filepath.Base(path))
	}
	return nil
}
