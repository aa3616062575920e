// Package posterart generates poster key art from film stills through an
// image-capable chat model.
package posterart

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// DefaultSize is the poster size requested when none is given.
const DefaultSize = "1024x1536"

const maxPromptReferences = 6

var directionLines = []string{
	"Create a premium, theatrical Hollywood movie poster based strictly on the provided film still(s).",
	"Do NOT invent new characters, faces, or props that are not visible in the stills.",
	"Preserve the identities, wardrobe, and location cues from the reference frames.",
	"Cinematic lighting, deliberate composition, dramatic contrast, and high-end key art polish.",
	"Photorealistic, no cartoon, no abstract, no surreal artifacts.",
	"Do not include any text unless explicit text is provided.",
}

// PromptInput is what the user chose on the poster wall.
type PromptInput struct {
	Direction  string
	Text       string
	Size       string
	Candidates []models.PosterCandidate
}

// BuildPrompt assembles the generation prompt.
func BuildPrompt(in PromptInput) string {
	size := in.Size
	if size == "" {
		size = DefaultSize
	}
	lines := append([]string(nil), directionLines...)
	lines = append(lines, fmt.Sprintf("Aspect ratio: %s.", SizeRatioLabel(size)))

	if text := strings.TrimSpace(in.Text); text != "" {
		lines = append(lines, `Include only this text: "`+text+`".`)
	}

	var refs []string
	for _, c := range in.Candidates {
		switch {
		case c.Description != "" && c.Timestamp != "":
			refs = append(refs, c.Timestamp+" - "+c.Description)
		case c.Description != "":
			refs = append(refs, c.Description)
		case c.Timestamp != "":
			refs = append(refs, c.Timestamp)
		}
	}
	if len(refs) > 0 {
		lines = append(lines, "Reference stills:")
		for _, r := range refs[:min(len(refs), maxPromptReferences)] {
			lines = append(lines, "- "+r)
		}
	}

	if dir := strings.TrimSpace(in.Direction); dir != "" {
		lines = append(lines, "User direction: "+dir)
	}
	return strings.Join(lines, "\n")
}

// SizeRatioLabel reduces "WxH" to "W:H" by their gcd. Unparseable sizes are
// returned unchanged.
func SizeRatioLabel(size string) string {
	w, h, ok := strings.Cut(strings.ToLower(size), "x")
	if !ok {
		return size
	}
	width, err := strconv.Atoi(strings.TrimSpace(w))
	if err != nil {
		return size
	}
	height, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || width <= 0 || height <= 0 {
		return size
	}
	d := gcd(width, height)
	return fmt.Sprintf("%d:%d", width/d, height/d)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
