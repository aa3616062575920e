// Package sharpness picks the best focused frame among thumbnail candidates.
package sharpness

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/webp"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// Score is the focus measure of one candidate.
type Score struct {
	Path     string
	Variance float64
}

// Pick returns the candidate with the highest variance of the Laplacian.
// Candidates that fail to decode are skipped. When none decode, the largest
// file wins. Ties keep the earlier candidate.
func Pick(paths []string) (string, error) {
	if len(paths) == 0 {
		return "", models.ErrNoCandidates
	}

	best := ""
	bestScore := -1.0
	for _, p := range paths {
		v, err := LaplacianVariance(p)
		if err != nil {
			continue
		}
		if v > bestScore {
			best, bestScore = p, v
		}
	}
	if best != "" {
		return best, nil
	}
	return largest(paths)
}

func largest(paths []string) (string, error) {
	best := ""
	var bestSize int64 = -1
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.Size() > bestSize {
			best, bestSize = p, info.Size()
		}
	}
	if best == "" {
		return "", fmt.Errorf("%w: none of %d candidates readable", models.ErrNoCandidates, len(paths))
	}
	return best, nil
}

// LaplacianVariance decodes the image at path and returns the variance of its
// grayscale Laplacian (4-neighbour kernel).
func LaplacianVariance(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return Variance(img), nil
}

// Variance computes the Laplacian variance of img. Images smaller than 3x3
// score zero.
func Variance(img image.Image) float64 {
	w, h, lum := luma(img)
	if w < 3 || h < 3 {
		return 0
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			v := lum[i-w] + lum[i+w] + lum[i-1] + lum[i+1] - 4*lum[i]
			sum += v
			sumSq += v * v
			n++
		}
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

// luma returns the grayscale plane of img in row-major order.
func luma(img image.Image) (int, int, []float64) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float64, w*h)

	switch m := img.(type) {
	case *image.YCbCr:
		fillY(out, w, h, b, m)
	case *image.NYCbCrA:
		fillY(out, w, h, b, &m.YCbCr)
	case *image.Gray:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = float64(m.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray)
				out[y*w+x] = float64(g.Y)
			}
		}
	}
	return w, h, out
}

func fillY(out []float64, w, h int, b image.Rectangle, m *image.YCbCr) {
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out[y*w+x] = float64(m.Y[m.YOffset(b.Min.X+x, b.Min.Y+y)])
		}
	}
}

// ScoreAll returns the focus measure of every decodable candidate, in input order.
func ScoreAll(paths []string) []Score {
	scores := make([]Score, 0, len(paths))
	for _, p := range paths {
		v, err := LaplacianVariance(p)
		if err != nil {
			continue
		}
		scores = append(scores, Score{Path: p, Variance: v})
	}
	return scores
}
