package sharpness

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

func writePNG(t *testing.T, dir, name string, fill func(x, y int) uint8) string {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetGray(x, y, color.Gray{Y: fill(x, y)})
		}
	}
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatal(err)
	}
	return path
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func flat(_, _ int) uint8 { return 128 }

func stripes(x, _ int) uint8 {
	if (x/4)%2 == 0 {
		return 64
	}
	return 0
}

func checker(x, y int) uint8 {
	if (x+y)%2 == 0 {
		return 255
	}
	return 0
}

func TestPick(t *testing.T) {
	dir := t.TempDir()
	blurry := writePNG(t, dir, "thumb_m1.png", flat)
	soft := writePNG(t, dir, "thumb_p0.png", stripes)
	sharp := writePNG(t, dir, "thumb_p1.png", checker)
	broken := writeFile(t, dir, "thumb_p2.webp", 4096)

	tests := []struct {
		name  string
		paths []string
		want  string
	}{
		{"sharpest wins", []string{blurry, sharp, soft}, sharp},
		{"single candidate", []string{blurry}, blurry},
		{"undecodable skipped", []string{broken, soft, blurry}, soft},
		{"tie keeps first", []string{blurry, writePNG(t, dir, "flat2.png", flat)}, blurry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Pick(tt.paths)
			if err != nil {
				t.Fatalf("Pick() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Pick() = %s, want %s", filepath.Base(got), filepath.Base(tt.want))
			}
		})
	}
}

func TestPick_FallsBackToLargestFile(t *testing.T) {
	dir := t.TempDir()
	small := writeFile(t, dir, "a.webp", 10)
	big := writeFile(t, dir, "b.webp", 900)
	mid := writeFile(t, dir, "c.webp", 300)

	got, err := Pick([]string{small, big, mid})
	if err != nil {
		t.Fatalf("Pick() error = %v", err)
	}
	if got != big {
		t.Errorf("Pick() = %s, want %s", got, big)
	}
}

func TestPick_NoCandidates(t *testing.T) {
	if _, err := Pick(nil); !errors.Is(err, models.ErrNoCandidates) {
		t.Errorf("Pick(nil) error = %v, want ErrNoCandidates", err)
	}
	missing := filepath.Join(t.TempDir(), "gone.webp")
	if _, err := Pick([]string{missing}); !errors.Is(err, models.ErrNoCandidates) {
		t.Errorf("Pick(missing) error = %v, want ErrNoCandidates", err)
	}
}

func TestVariance(t *testing.T) {
	flatImg := image.NewGray(image.Rect(0, 0, 8, 8))
	if v := Variance(flatImg); v != 0 {
		t.Errorf("Variance(flat) = %v, want 0", v)
	}
	tiny := image.NewGray(image.Rect(0, 0, 2, 2))
	if v := Variance(tiny); v != 0 {
		t.Errorf("Variance(2x2) = %v, want 0", v)
	}

	ycc := image.NewYCbCr(image.Rect(0, 0, 8, 8), image.YCbCrSubsampleRatio420)
	for i := range ycc.Y {
		if i%2 == 0 {
			ycc.Y[i] = 255
		}
	}
	if v := Variance(ycc); v <= 0 {
		t.Errorf("Variance(ycbcr stripes) = %v, want > 0", v)
	}
}
