// Package inference asks Gemini to storyboard an uploaded video.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/amillerrr/kino-pipeline/internal/logger"
	"github.com/amillerrr/kino-pipeline/internal/storyboard"
	"github.com/amillerrr/kino-pipeline/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultBaseURL      = "https://generativelanguage.googleapis.com"
	DefaultModel        = "gemini-3-flash-preview"
	DefaultFileTimeout  = 600 * time.Second
	DefaultPollInterval = 5 * time.Second

	generateTimeout = 10 * time.Minute
	temperature     = 0.3
)

const (
	StateProcessing = "PROCESSING"
	StateActive     = "ACTIVE"
	StateFailed     = "FAILED"
)

var tracer = otel.Tracer("kino-inference")

// Config configures the Gemini client.
type Config struct {
	APIKey       string
	Model        string
	BaseURL      string
	FileTimeout  time.Duration
	PollInterval time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client talks to the Gemini REST API.
type Client struct {
	key          string
	model        string
	baseURL      string
	fileTimeout  time.Duration
	pollInterval time.Duration
	http         *http.Client
	log          *slog.Logger
}

// File is an uploaded media file.
type File struct {
	Name     string     `json:"name"`
	URI      string     `json:"uri"`
	MimeType string     `json:"mimeType"`
	State    string     `json:"state"`
	Error    *fileError `json:"error,omitempty"`
}

type fileError struct {
	Message string `json:"message"`
}

// New creates a Client with defaults filled in.
func New(cfg Config) *Client {
	c := &Client{
		key:          cfg.APIKey,
		model:        cfg.Model,
		baseURL:      strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		fileTimeout:  cfg.FileTimeout,
		pollInterval: cfg.PollInterval,
		http:         cfg.HTTPClient,
		log:          cfg.Logger,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.fileTimeout <= 0 {
		c.fileTimeout = DefaultFileTimeout
	}
	if c.pollInterval <= 0 {
		c.pollInterval = DefaultPollInterval
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Minute}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

// UploadVideo uploads path and waits until Gemini has processed it.
func (c *Client) UploadVideo(ctx context.Context, path string) (*File, error) {
	ctx, span := tracer.Start(ctx, "gemini-upload")
	defer span.End()

	if c.key == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY is not set", models.ErrInferenceFailure)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open video: %v", models.ErrInferenceFailure, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat video: %v", models.ErrInferenceFailure, err)
	}
	span.SetAttributes(attribute.Int64("file.size", info.Size()))

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" || !strings.HasPrefix(mimeType, "video/") {
		mimeType = "video/mp4"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/v1beta/files", f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInferenceFailure, err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("X-Goog-Upload-Protocol", "raw")
	req.Header.Set("X-Goog-Upload-File-Name", filepath.Base(path))

	logger.Info(ctx, c.log, "Uploading video for storyboard inference",
		"file", filepath.Base(path),
		"bytes", info.Size(),
	)

	var out struct {
		File File `json:"file"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.File.Name == "" {
		return nil, fmt.Errorf("%w: upload returned no file name", models.ErrInferenceFailure)
	}
	return c.WaitActive(ctx, &out.File)
}

// WaitActive polls the file until it is ACTIVE, FAILED or the file timeout
// elapses. Transient lookup errors are retried.
func (c *Client) WaitActive(ctx context.Context, f *File) (*File, error) {
	if f.State == StateActive {
		return f, nil
	}
	deadline := time.Now().Add(c.fileTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		current, err := c.getFile(ctx, f.Name)
		if err == nil {
			switch current.State {
			case StateActive:
				logger.Info(ctx, c.log, "Inference file is active", "file", current.Name)
				return current, nil
			case StateFailed:
				msg := "unknown error"
				if current.Error != nil && current.Error.Message != "" {
					msg = current.Error.Message
				}
				return nil, fmt.Errorf("%w: file processing failed: %s", models.ErrInferenceFailure, msg)
			}
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: file processing timed out after %s", models.ErrInferenceFailure, c.fileTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) getFile(ctx context.Context, name string) (*File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1beta/"+name, nil)
	if err != nil {
		return nil, err
	}
	var f File
	if err := c.do(req, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// GenerateStoryboards asks the model for storyboards of an active file and
// decodes the answer. Missing or placeholder movie_title and duration fall
// back to filename and the probed duration.
func (c *Client) GenerateStoryboards(ctx context.Context, f *File, filename string, durationSeconds float64) (*models.StoryboardSet, error) {
	ctx, span := tracer.Start(ctx, "gemini-generate")
	defer span.End()
	span.SetAttributes(attribute.String("gemini.model", c.model))

	if c.key == "" {
		return nil, fmt.Errorf("%w: GEMINI_API_KEY is not set", models.ErrInferenceFailure)
	}
	f, err := c.WaitActive(ctx, f)
	if err != nil {
		return nil, err
	}

	payload := map[string]any{
		"contents": []map[string]any{
			{
				"role": "user",
				"parts": []map[string]any{
					{"file_data": map[string]any{"mime_type": f.MimeType, "file_uri": f.URI}},
					{"text": StoryboardPrompt},
				},
			},
		},
		"generationConfig": map[string]any{
			"responseMimeType": "application/json",
			"responseSchema":   responseSchema(),
			"temperature":      temperature,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInferenceFailure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	var raw struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
	}
	if err := c.do(req, &raw); err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: generation timeout after %s (model=%s)", models.ErrInferenceFailure, generateTimeout, c.model)
		}
		return nil, err
	}
	if len(raw.Candidates) == 0 {
		return nil, fmt.Errorf("%w: model returned no candidates", models.ErrInferenceFailure)
	}

	var text strings.Builder
	for _, p := range raw.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	clean, err := extractJSONObject(text.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInferenceFailure, err)
	}
	set, err := storyboard.Decode([]byte(clean))
	if err != nil {
		return nil, fmt.Errorf("%w: model output: %v", models.ErrInferenceFailure, err)
	}

	if set.MovieTitle == "" || strings.Contains(set.MovieTitle, "detect") {
		set.MovieTitle = filename
	}
	if set.Duration == "" || strings.Contains(set.Duration, "detect") {
		set.Duration = fmt.Sprintf("%.2fs", durationSeconds)
	}
	return set, nil
}

// do sends req with the API key and decodes a JSON response into out.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("x-goog-api-key", c.key)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInferenceFailure, redactSecrets(err.Error(), c.key))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rb, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return fmt.Errorf("%w: gemini status %d and read body failed: %v", models.ErrInferenceFailure, resp.StatusCode, readErr)
		}
		return fmt.Errorf("%w: gemini status %d: %s", models.ErrInferenceFailure, resp.StatusCode, truncate(redactSecrets(string(rb), c.key), 400))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", models.ErrInferenceFailure, err)
	}
	return nil
}

func extractJSONObject(s string) (string, error) {
	t := strings.TrimSpace(s)
	if t == "" {
		return "", errors.New("gemini: empty content")
	}
	if strings.HasPrefix(t, "```") {
		if i := strings.Index(t, "\n"); i >= 0 {
			t = t[i+1:]
		}
		if j := strings.LastIndex(t, "```"); j >= 0 {
			t = t[:j]
		}
		t = strings.TrimSpace(t)
	}

	// Objects and bare storyboard arrays are both accepted downstream.
	start := strings.IndexAny(t, "{[")
	if start < 0 {
		return "", fmt.Errorf("gemini: could not locate JSON in: %q", truncate(t, 200))
	}
	closer := "}"
	if t[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(t, closer)
	if end <= start {
		return "", fmt.Errorf("gemini: could not locate JSON in: %q", truncate(t, 200))
	}
	return t[start : end+1], nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	apiKeyParamRE  = regexp.MustCompile(`(?i)([?&]key=)[^&\s"]+`)
	apiKeyHeaderRE = regexp.MustCompile(`(?i)(x-goog-api-key\s*[:=]\s*)([^\n\r,;]+)`)
)

func redactSecrets(s, apiKey string) string {
	if s == "" {
		return s
	}
	out := s
	if apiKey != "" {
		out = strings.ReplaceAll(out, apiKey, "[REDACTED]")
	}
	out = apiKeyParamRE.ReplaceAllString(out, "${1}[REDACTED]")
	out = apiKeyHeaderRE.ReplaceAllString(out, "${1}[REDACTED]")
	return out
}
