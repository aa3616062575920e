// Package storyboard turns raw inference output into typed storyboards,
// repairs their timecodes and derives poster candidates.
package storyboard

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// ErrUnsupportedPayload is returned when the payload is neither an object nor a list.
var ErrUnsupportedPayload = errors.New("unsupported storyboard payload")

// Decode parses raw inference JSON into a StoryboardSet.
//
// Shape problems are coerced here and nowhere else: storyboards and scenes
// that are not objects are dropped, scalar fields are stringified, and a bare
// list is read as the storyboards array.
func Decode(raw []byte) (*models.StoryboardSet, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode storyboard json: %w", err)
	}
	return FromValue(v)
}

// FromValue coerces an already decoded JSON value.
func FromValue(v any) (*models.StoryboardSet, error) {
	root, ok := unwrapRoot(v)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedPayload, v)
	}

	set := &models.StoryboardSet{
		MovieTitle:  asString(root["movie_title"]),
		Duration:    asString(root["duration"]),
		Storyboards: []models.Storyboard{},
	}

	if boards, ok := root["storyboards"].([]any); ok {
		for _, b := range boards {
			board, ok := b.(map[string]any)
			if !ok {
				continue
			}
			set.Storyboards = append(set.Storyboards, decodeBoard(board))
		}
	}

	if raw, ok := root["poster_candidates"].([]any); ok {
		for _, e := range raw {
			entry, ok := e.(map[string]any)
			if !ok {
				continue
			}
			sp := models.SuggestedPoster{
				Timestamp:     asString(entry["timestamp"]),
				TimecodeAlias: firstString(entry, "timecode", "tc"),
				Description:   firstString(entry, "description", "reason"),
			}
			if sp.Source() == "" {
				continue
			}
			set.PosterCandidates = append(set.PosterCandidates, sp)
		}
	}

	return set, nil
}

// unwrapRoot accepts an object, a single-element list wrapping the object, or
// a bare list of storyboards.
func unwrapRoot(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case []any:
		if len(t) == 1 {
			if m, ok := t[0].(map[string]any); ok {
				for _, k := range []string{"storyboards", "movie_title", "poster_candidates"} {
					if _, has := m[k]; has {
						return m, true
					}
				}
			}
		}
		return map[string]any{"storyboards": t}, true
	}
	return nil, false
}

func decodeBoard(m map[string]any) models.Storyboard {
	board := models.Storyboard{
		Name:         asString(m["name"]),
		TargetLength: asString(m["target_length"]),
		Tone:         asString(m["tone"]),
		Description:  asString(m["description"]),
		Scenes:       []models.Scene{},
	}
	scenes, _ := m["scenes"].([]any)
	for _, s := range scenes {
		sm, ok := s.(map[string]any)
		if !ok {
			continue
		}
		scene := models.Scene{
			SceneNumber:     asInt(sm["scene_number"]),
			StartTC:         asString(sm["start_tc"]),
			EndTC:           asString(sm["end_tc"]),
			ThumbnailTC:     asString(sm["thumbnail_tc"]),
			DurationSeconds: asFloat(sm["duration_seconds"]),
			Description:     asString(sm["description"]),
			EmotionalBeat:   asString(sm["emotional_beat"]),
			MusicIdea:       asString(sm["music_idea"]),
			ClipURL:         asString(sm["clip_url"]),
			ThumbnailURL:    asString(sm["thumbnail_url"]),
		}
		if scene.SceneNumber < 1 {
			scene.SceneNumber = len(board.Scenes) + 1
		}
		board.Scenes = append(board.Scenes, scene)
	}
	return board
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := asString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	}
	return ""
}

func asInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err == nil {
			return n
		}
	}
	return 0
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err == nil {
			return f
		}
	}
	return 0
}

// Clone returns a deep copy of set.
func Clone(set *models.StoryboardSet) *models.StoryboardSet {
	if set == nil {
		return nil
	}
	out := *set
	out.Storyboards = make([]models.Storyboard, len(set.Storyboards))
	for i, b := range set.Storyboards {
		nb := b
		nb.Scenes = append([]models.Scene(nil), b.Scenes...)
		if nb.Scenes == nil {
			nb.Scenes = []models.Scene{}
		}
		out.Storyboards[i] = nb
	}
	if set.PosterCandidates != nil {
		out.PosterCandidates = append([]models.SuggestedPoster(nil), set.PosterCandidates...)
	}
	return &out
}
