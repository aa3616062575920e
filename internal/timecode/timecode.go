// Package timecode converts between HH:MM:SS.FF timecodes and seconds at a
// fixed frame rate, and repairs ambiguous upstream timecodes.
package timecode

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// DefaultFPS is the frame rate used when none is configured.
const DefaultFPS = 24

// shortMediaLimit is the duration below which MM:SS:FF reinterpretation is tried.
const shortMediaLimit = 3600.0

// frameEpsilon absorbs float error so decoded timecodes re-encode to themselves.
const frameEpsilon = 1e-6

func clampFPS(fps int) int {
	if fps < 1 {
		return 1
	}
	return fps
}

// ToSeconds parses a timecode with one to three colon separated groups and an
// optional .frames suffix.
func ToSeconds(tc string, fps int) (float64, error) {
	fps = clampFPS(fps)
	parts := strings.Split(tc, ":")
	if len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", models.ErrMalformedTimecode, tc)
	}

	hours, minutes := "0", "0"
	var rest string
	switch len(parts) {
	case 3:
		hours, minutes, rest = parts[0], parts[1], parts[2]
	case 2:
		minutes, rest = parts[0], parts[1]
	default:
		rest = parts[0]
	}

	secStr, frameStr := rest, "0"
	if i := strings.Index(rest, "."); i >= 0 {
		secStr, frameStr = rest[:i], rest[i+1:]
	}

	var vals [4]int
	for i, s := range []string{hours, minutes, secStr, frameStr} {
		v, err := parseGroup(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", models.ErrMalformedTimecode, tc)
		}
		vals[i] = v
	}

	total := vals[0]*3600 + vals[1]*60 + vals[2]
	return float64(total) + float64(vals[3])/float64(fps), nil
}

func parseGroup(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty group")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("non-numeric group %q", s)
		}
	}
	return strconv.Atoi(s)
}

// ToTimecode encodes seconds as HH:MM:SS.FF. Negative input clamps to zero.
func ToTimecode(seconds float64, fps int) string {
	return FramesToTimecode(ToFrames(seconds, fps), fps)
}

// ToFrames returns floor(seconds*fps), clamping negative input to zero.
func ToFrames(seconds float64, fps int) int64 {
	fps = clampFPS(fps)
	if seconds < 0 || math.IsNaN(seconds) {
		return 0
	}
	return int64(math.Floor(seconds*float64(fps) + frameEpsilon))
}

// FramesToTimecode encodes a frame index as HH:MM:SS.FF.
func FramesToTimecode(totalFrames int64, fps int) string {
	f := int64(clampFPS(fps))
	if totalFrames < 0 {
		totalFrames = 0
	}
	frame := totalFrames % f
	totalSeconds := totalFrames / f
	sec := totalSeconds % 60
	minutes := (totalSeconds / 60) % 60
	hours := totalSeconds / 3600
	return fmt.Sprintf("%02d:%02d:%02d.%02d", hours, minutes, sec, frame)
}

// FrameDuration returns the length of one frame in seconds.
func FrameDuration(fps int) float64 {
	return 1 / float64(clampFPS(fps))
}

// parseLenient returns the non-negative value of tc, or false when it is empty
// or malformed.
func parseLenient(tc string, fps int) (float64, bool) {
	if tc == "" {
		return 0, false
	}
	v, err := ToSeconds(tc, fps)
	if err != nil {
		return 0, false
	}
	return math.Max(0, v), true
}

// MinutesSecondsFrames reads tc under the MM:SS:FF grammar. Anything after a
// dot in the frame group is ignored.
func MinutesSecondsFrames(tc string, fps int) (float64, bool) {
	parts := strings.Split(strings.TrimSpace(tc), ":")
	if len(parts) != 3 {
		return 0, false
	}
	if !allDigits(parts[0]) || !allDigits(parts[1]) {
		return 0, false
	}
	frameTok := parts[2]
	if i := strings.Index(frameTok, "."); i >= 0 {
		frameTok = frameTok[:i]
	}
	if !allDigits(frameTok) {
		return 0, false
	}

	minutes, _ := strconv.Atoi(parts[0])
	seconds, _ := strconv.Atoi(parts[1])
	frames, _ := strconv.Atoi(frameTok)
	if seconds >= 60 {
		return 0, false
	}
	v := float64(minutes*60+seconds) + float64(frames)/float64(clampFPS(fps))
	return math.Max(0, v), true
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Resolve turns an untrusted timecode into seconds within the media.
//
// Unparseable values resolve to 0. For media shorter than an hour a value past
// duration+1s is reread as MM:SS:FF and kept if that fits. With a known
// duration the result is clamped to [0, duration-1 frame] so a clip can still
// start there.
func Resolve(tc string, duration float64, fps int) float64 {
	return resolve(tc, duration, fps, math.Max(0, duration-FrameDuration(fps)))
}

// ResolveEnd is Resolve for clip end points, which may sit on the last
// instant of the media.
func ResolveEnd(tc string, duration float64, fps int) float64 {
	return resolve(tc, duration, fps, duration)
}

func resolve(tc string, duration float64, fps int, upper float64) float64 {
	parsed, ok := parseLenient(tc, fps)
	if !ok {
		return 0
	}

	if duration > 0 && duration < shortMediaLimit && parsed > duration+1 {
		if alt, ok := MinutesSecondsFrames(tc, fps); ok && alt <= duration+1 {
			parsed = alt
		}
	}

	if duration <= 0 {
		return parsed
	}
	return math.Min(math.Max(parsed, 0), upper)
}

// Canonical resolves tc and re-encodes it.
func Canonical(tc string, duration float64, fps int) string {
	return ToTimecode(Resolve(tc, duration, fps), fps)
}
