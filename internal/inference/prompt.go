package inference

// StoryboardPrompt instructs the model to cut trailer storyboards from the
// uploaded film.
const StoryboardPrompt = `You are a senior trailer editor. The attached video is a full feature film.
Build 5 trailer storyboards, each with a clearly different tone (for example thriller, action, romance, mystery, character drama).

Pacing:
- Aim for roughly 150 seconds per storyboard with 20 to 30 scenes.
- About a third of the scenes are dialogue anchors of 4 to 8 seconds. Never cut a line mid-sentence.
- About a fifth are atmosphere shots of 3 to 5 seconds.
- The rest are action flashes of 1 to 2.5 seconds, saved for montages and the climax.
- Open slowly and build tension.

Timecodes:
- Every timecode must point at a real frame of this film, formatted HH:MM:SS.FF.
- end_tc is after start_tc and thumbnail_tc lies between them on the most striking frame.

Also pick 20 distinct frames that would work as a movie poster and list them in poster_candidates.

Answer with JSON only, matching the response schema.`

func responseSchema() map[string]any {
	str := map[string]any{"type": "STRING"}
	scene := map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"scene_number": map[string]any{"type": "INTEGER"},
			"cut_type": map[string]any{
				"type": "STRING",
				"enum": []string{"Dialogue Anchor", "Action Flash", "Atmosphere/Establishing", "Reaction Shot"},
			},
			"start_tc":         str,
			"end_tc":           str,
			"duration_seconds": map[string]any{"type": "NUMBER"},
			"thumbnail_tc":     str,
			"description":      str,
			"emotional_beat":   str,
			"music_idea":       str,
		},
		"required": []string{"scene_number", "start_tc", "end_tc", "duration_seconds", "thumbnail_tc", "description", "emotional_beat", "music_idea"},
	}
	board := map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"name":          str,
			"target_length": str,
			"tone":          str,
			"description":   str,
			"scenes":        map[string]any{"type": "ARRAY", "items": scene},
		},
		"required": []string{"name", "target_length", "tone", "description", "scenes"},
	}
	poster := map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"timestamp":   str,
			"description": str,
		},
		"required": []string{"timestamp", "description"},
	}
	return map[string]any{
		"type": "OBJECT",
		"properties": map[string]any{
			"movie_title":       str,
			"duration":          str,
			"storyboards":       map[string]any{"type": "ARRAY", "items": board},
			"poster_candidates": map[string]any{"type": "ARRAY", "items": poster},
		},
		"required": []string{"movie_title", "duration", "storyboards", "poster_candidates"},
	}
}
