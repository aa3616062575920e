package transcoder

import (
	"fmt"
	"strconv"
	"strings"
)

// ClipPreset defines the video encoder arguments for clip extraction.
type ClipPreset struct {
	Name      string
	VideoArgs []string
}

// AudioArgs are shared by every clip preset.
var AudioArgs = []string{"-c:a", "aac", "-b:a", "192k"}

// NVENCPreset is the hardware accelerated low-latency preset.
var NVENCPreset = ClipPreset{
	Name: "nvenc",
	VideoArgs: []string{
		"-c:v", "h264_nvenc",
		"-preset", "p1",
		"-tune", "ll",
		"-rc", "vbr",
		"-cq", "23",
		"-b:v", "0",
	},
}

const (
	DefaultX264Preset = "ultrafast"
	DefaultX264CRF    = "18"
)

// X264Preset returns the software encoder preset.
func X264Preset(preset, crf string) ClipPreset {
	if preset == "" {
		preset = DefaultX264Preset
	}
	if crf == "" {
		crf = DefaultX264CRF
	}
	return ClipPreset{
		Name: "x264",
		VideoArgs: []string{
			"-c:v", "libx264",
			"-preset", preset,
			"-crf", crf,
			"-pix_fmt", "yuv420p",
		},
	}
}

// Thumbnail output parameters.
const (
	ThumbnailScale   = "scale=1280:-2"
	ThumbnailCodec   = "libwebp"
	ThumbnailQuality = "80"
	ThumbnailExt     = ".webp"
)

// BuildClipArgs constructs the ffmpeg arguments that trim [start, end) into output.
func BuildClipArgs(p ClipPreset, input, startTC, endTC, output string) []string {
	args := []string{
		"-y",
		"-ss", startTC,
		"-to", endTC,
		"-i", input,
	}
	args = append(args, p.VideoArgs...)
	args = append(args, AudioArgs...)
	return append(args, output)
}

// BuildThumbnailArgs constructs the ffmpeg arguments for a single frame grab.
func BuildThumbnailArgs(input, tc, output string) []string {
	return []string{
		"-y",
		"-ss", tc,
		"-i", input,
		"-frames:v", "1",
		"-vf", ThumbnailScale,
		"-c:v", ThumbnailCodec,
		"-quality", ThumbnailQuality,
		output,
	}
}

// ThumbnailName returns the candidate file name for a frame offset,
// e.g. thumb_p0.webp, thumb_m2.webp.
func ThumbnailName(offset int) string {
	suffix := fmt.Sprintf("%+d", offset)
	suffix = strings.NewReplacer("+", "p", "-", "m").Replace(suffix)
	return "thumb_" + suffix + ThumbnailExt
}

// ParseThumbnailOffsets parses a comma separated list of frame offsets.
// Invalid entries are skipped, duplicates removed keeping first position, and
// an empty result falls back to a single zero offset.
func ParseThumbnailOffsets(raw string) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, part := range strings.Split(raw, ",") {
		tok := strings.TrimSpace(part)
		if tok == "" {
			continue
		}
		v, err := strconv.Atoi(tok)
		if err != nil {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return []int{0}
	}
	return out
}
