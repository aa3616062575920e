package inference

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

const storyboardJSON = `{
  "movie_title": "detect automatically or use filename",
  "duration": "",
  "storyboards": [
    {"name": "Epic", "scenes": [
      {"scene_number": 1, "start_tc": "00:00:01.00", "end_tc": "00:00:03.00", "thumbnail_tc": "00:00:02.00", "description": "door opens"}
    ]}
  ],
  "poster_candidates": [{"timestamp": "00:00:02.00", "description": "hero"}]
}`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeVideo(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "film.mp4")
	if err := os.WriteFile(path, []byte("not really a video"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

type geminiFake struct {
	polls      atomic.Int32
	failState  bool
	genStatus  int
	genText    string
	uploadSeen atomic.Bool
}

func (g *geminiFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload/v1beta/files", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			t.Errorf("upload api key = %q", r.Header.Get("x-goog-api-key"))
		}
		if r.Header.Get("X-Goog-Upload-Protocol") != "raw" {
			t.Errorf("upload protocol = %q", r.Header.Get("X-Goog-Upload-Protocol"))
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "not really a video" {
			t.Errorf("upload body = %q", body)
		}
		g.uploadSeen.Store(true)
		w.Write([]byte(`{"file":{"name":"files/abc","uri":"https://files.example/abc","mimeType":"video/mp4","state":"PROCESSING"}}`))
	})
	mux.HandleFunc("GET /v1beta/files/abc", func(w http.ResponseWriter, r *http.Request) {
		n := g.polls.Add(1)
		state := "PROCESSING"
		if n >= 2 {
			state = "ACTIVE"
			if g.failState {
				state = "FAILED"
			}
		}
		json.NewEncoder(w).Encode(map[string]any{
			"name": "files/abc", "uri": "https://files.example/abc", "mimeType": "video/mp4", "state": state,
			"error": map[string]any{"message": "codec not supported"},
		})
	})
	mux.HandleFunc("POST /v1beta/models/test-model:generateContent", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode generate request: %v", err)
		}
		raw, _ := json.Marshal(req)
		if !strings.Contains(string(raw), "https://files.example/abc") {
			t.Errorf("generate request missing file uri: %s", raw)
		}
		if g.genStatus != 0 {
			w.WriteHeader(g.genStatus)
			w.Write([]byte(`{"error":"bad key test-key"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []any{
				map[string]any{"content": map[string]any{"parts": []any{map[string]any{"text": g.genText}}}},
			},
		})
	})
	return mux
}

func newTestClient(url string) *Client {
	return New(Config{
		APIKey:       "test-key",
		Model:        "test-model",
		BaseURL:      url,
		PollInterval: 5 * time.Millisecond,
		FileTimeout:  2 * time.Second,
		Logger:       quietLogger(),
	})
}

func TestUploadAndGenerate(t *testing.T) {
	fake := &geminiFake{genText: "```json\n" + storyboardJSON + "\n```"}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(srv.URL)
	ctx := context.Background()

	f, err := c.UploadVideo(ctx, writeVideo(t))
	if err != nil {
		t.Fatalf("UploadVideo() error = %v", err)
	}
	if f.State != StateActive {
		t.Errorf("State = %s, want ACTIVE", f.State)
	}
	if !fake.uploadSeen.Load() {
		t.Error("upload endpoint was not called")
	}

	set, err := c.GenerateStoryboards(ctx, f, "film.mp4", 95.5)
	if err != nil {
		t.Fatalf("GenerateStoryboards() error = %v", err)
	}
	if set.MovieTitle != "film.mp4" {
		t.Errorf("MovieTitle = %q, want film.mp4", set.MovieTitle)
	}
	if set.Duration != "95.50s" {
		t.Errorf("Duration = %q, want 95.50s", set.Duration)
	}
	if len(set.Storyboards) != 1 || len(set.Storyboards[0].Scenes) != 1 {
		t.Fatalf("storyboards = %+v", set.Storyboards)
	}
	if got := set.Storyboards[0].Scenes[0].StartTC; got != "00:00:01.00" {
		t.Errorf("StartTC = %s", got)
	}
	if len(set.PosterCandidates) != 1 || set.PosterCandidates[0].Timestamp != "00:00:02.00" {
		t.Errorf("PosterCandidates = %+v", set.PosterCandidates)
	}
}

func TestWaitActive_Failed(t *testing.T) {
	fake := &geminiFake{failState: true}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	_, err := newTestClient(srv.URL).UploadVideo(context.Background(), writeVideo(t))
	if !errors.Is(err, models.ErrInferenceFailure) {
		t.Fatalf("error = %v, want ErrInferenceFailure", err)
	}
	if !strings.Contains(err.Error(), "codec not supported") {
		t.Errorf("error = %v, want file error message", err)
	}
}

func TestWaitActive_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"name":"files/slow","state":"PROCESSING"}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL, PollInterval: 5 * time.Millisecond, FileTimeout: 20 * time.Millisecond, Logger: quietLogger()})
	_, err := c.WaitActive(context.Background(), &File{Name: "files/slow", State: StateProcessing})
	if !errors.Is(err, models.ErrInferenceFailure) || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("error = %v, want timeout", err)
	}
}

func TestGenerate_Errors(t *testing.T) {
	tests := []struct {
		name string
		fake *geminiFake
	}{
		{"status error", &geminiFake{genStatus: http.StatusForbidden}},
		{"not json", &geminiFake{genText: "I could not watch the film."}},
		{"wrong shape", &geminiFake{genText: `"just a string"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.fake.handler(t))
			defer srv.Close()

			f := &File{Name: "files/abc", URI: "https://files.example/abc", MimeType: "video/mp4", State: StateActive}
			_, err := newTestClient(srv.URL).GenerateStoryboards(context.Background(), f, "film.mp4", 10)
			if !errors.Is(err, models.ErrInferenceFailure) {
				t.Fatalf("error = %v, want ErrInferenceFailure", err)
			}
			if strings.Contains(err.Error(), "test-key") {
				t.Errorf("error leaks api key: %v", err)
			}
		})
	}
}

func TestMissingAPIKey(t *testing.T) {
	c := New(Config{Logger: quietLogger()})
	if _, err := c.UploadVideo(context.Background(), "film.mp4"); !errors.Is(err, models.ErrInferenceFailure) {
		t.Errorf("UploadVideo() error = %v, want ErrInferenceFailure", err)
	}
}

func TestExtractJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"raw", `{"a":1}`, `{"a":1}`, false},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, false},
		{"preface", `here you go: {"a":1} enjoy`, `{"a":1}`, false},
		{"array", `[{"name":"x"}]`, `[{"name":"x"}]`, false},
		{"empty", "  ", "", true},
		{"prose", "no json here", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSONObject(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("extractJSONObject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedactSecrets(t *testing.T) {
	got := redactSecrets(`GET /v1beta/files?key=abc123 x-goog-api-key: abc123`, "abc123")
	if strings.Contains(got, "abc123") {
		t.Errorf("redactSecrets() = %q", got)
	}
}
