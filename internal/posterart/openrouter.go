package posterart

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/amillerrr/kino-pipeline/internal/logger"
	"github.com/amillerrr/kino-pipeline/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultModel         = "google/gemini-2.5-flash-image"
	DefaultMaxReferences = 6

	requestTimeout  = 180 * time.Second
	downloadTimeout = 120 * time.Second
	maxImageBytes   = 32 << 20
)

var tracer = otel.Tracer("kino-posterart")

// Config configures the OpenRouter image client.
type Config struct {
	APIKey        string
	Model         string
	BaseURL       string
	Referer       string
	AppTitle      string
	MaxReferences int
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Client generates images through OpenRouter chat completions.
type Client struct {
	key     string
	model   string
	baseURL string
	referer string
	title   string
	maxRefs int
	http    *http.Client
	log     *slog.Logger
}

// New creates a Client with defaults filled in.
func New(cfg Config) *Client {
	c := &Client{
		key:     cfg.APIKey,
		model:   cfg.Model,
		baseURL: normalizeBaseURL(cfg.BaseURL),
		referer: cfg.Referer,
		title:   cfg.AppTitle,
		maxRefs: cfg.MaxReferences,
		http:    cfg.HTTPClient,
		log:     cfg.Logger,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.referer == "" {
		c.referer = "http://localhost"
	}
	if c.title == "" {
		c.title = "Kino"
	}
	if c.maxRefs <= 0 {
		c.maxRefs = DefaultMaxReferences
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 5 * time.Minute}
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	return c
}

// Generate sends prompt plus up to MaxReferences reference images and returns
// the image bytes from the answer. Missing reference files are skipped.
func (c *Client) Generate(ctx context.Context, prompt, size string, references []string) ([][]byte, error) {
	ctx, span := tracer.Start(ctx, "openrouter-generate")
	defer span.End()

	if c.key == "" {
		return nil, fmt.Errorf("%w: OPENROUTER_API_KEY is not set", models.ErrImageGeneration)
	}
	if size == "" {
		size = DefaultSize
	}

	content := []map[string]any{
		{"type": "text", "text": fmt.Sprintf("%s\nTarget size: %s.", prompt, size)},
	}
	attached := 0
	for _, path := range references {
		if attached >= c.maxRefs {
			break
		}
		url, err := imageDataURL(path)
		if err != nil {
			logger.Warn(ctx, c.log, "Skipping poster reference", "file", filepath.Base(path), "error", err)
			continue
		}
		content = append(content, map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": url},
		})
		attached++
	}
	span.SetAttributes(
		attribute.String("openrouter.model", c.model),
		attribute.Int("openrouter.references", attached),
	)

	payload := map[string]any{
		"model":      c.model,
		"n":          1,
		"modalities": []string{"text", "image"},
		"max_tokens": 1024,
		"messages": []map[string]any{
			{"role": "user", "content": content},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/api/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrImageGeneration, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.key)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: openrouter timeout after %s (model=%s)", models.ErrImageGeneration, requestTimeout, c.model)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrImageGeneration, redactSecrets(err.Error(), c.key))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		rb, readErr := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if readErr != nil {
			return nil, fmt.Errorf("%w: openrouter status %d and read body failed: %v", models.ErrImageGeneration, resp.StatusCode, readErr)
		}
		return nil, fmt.Errorf("%w: openrouter status %d: %s", models.ErrImageGeneration, resp.StatusCode, truncate(redactSecrets(string(rb), c.key), 400))
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", models.ErrImageGeneration, err)
	}

	images, err := c.extractChatImages(ctx, raw)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, c.log, "Poster images generated", "model", c.model, "images", len(images))
	return images, nil
}

// extractChatImages walks every place image-capable models put their output:
// message.images, content parts and data URLs inside text.
func (c *Client) extractChatImages(ctx context.Context, resp map[string]any) ([][]byte, error) {
	choices, ok := resp["choices"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: response missing choices", models.ErrImageGeneration)
	}
	for _, ch := range choices {
		choice, ok := ch.(map[string]any)
		if !ok {
			continue
		}
		if choice["finish_reason"] == "IMAGE_SAFETY" || choice["native_finish_reason"] == "IMAGE_SAFETY" {
			return nil, fmt.Errorf("%w: blocked due to IMAGE_SAFETY; try a safer prompt or deselect violent frames", models.ErrImageGeneration)
		}
	}

	var images [][]byte
	for _, ch := range choices {
		choice, ok := ch.(map[string]any)
		if !ok {
			continue
		}
		message, ok := choice["message"].(map[string]any)
		if !ok {
			continue
		}
		if parts, ok := message["images"].([]any); ok {
			for _, p := range parts {
				if part, ok := p.(map[string]any); ok {
					images = c.collectPart(ctx, images, part)
				}
			}
		}
		switch content := message["content"].(type) {
		case []any:
			for _, p := range content {
				if part, ok := p.(map[string]any); ok {
					images = c.collectPart(ctx, images, part)
				}
			}
		case string:
			images = c.collectString(ctx, images, content)
		}
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("%w: no images in chat response", models.ErrImageGeneration)
	}
	return images, nil
}

func (c *Client) collectPart(ctx context.Context, images [][]byte, part map[string]any) [][]byte {
	switch part["type"] {
	case "image_url", "output_image":
		images = c.collectValue(ctx, images, part["image_url"])
		return c.collectValue(ctx, images, part["output_image"])
	case "image":
		return c.collectValue(ctx, images, part["image"])
	case "text":
		if text, ok := part["text"].(string); ok {
			return c.collectString(ctx, images, text)
		}
		return images
	}
	images = c.collectValue(ctx, images, part["image_url"])
	images = c.collectValue(ctx, images, part["image"])
	return c.collectValue(ctx, images, part["output_image"])
}

// collectString handles text content that is a data URL or a JSON document
// carrying images.
func (c *Client) collectString(ctx context.Context, images [][]byte, content string) [][]byte {
	if strings.HasPrefix(content, "data:image") {
		return c.collectValue(ctx, images, content)
	}
	cleaned := strings.TrimSpace(content)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSpace(strings.TrimSuffix(cleaned, "```"))

	var payload map[string]any
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return images
	}
	if _, ok := payload["choices"]; ok {
		if nested, err := c.extractChatImages(ctx, payload); err == nil {
			images = append(images, nested...)
		}
		return images
	}
	for _, key := range []string{"image", "image_url", "output_image", "b64"} {
		images = c.collectValue(ctx, images, payload[key])
	}
	if list, ok := payload["images"].([]any); ok {
		for _, item := range list {
			images = c.collectValue(ctx, images, item)
		}
	}
	return images
}

func (c *Client) collectValue(ctx context.Context, images [][]byte, v any) [][]byte {
	switch val := v.(type) {
	case map[string]any:
		if url, ok := val["url"].(string); ok {
			return c.collectValue(ctx, images, url)
		}
		for _, key := range []string{"b64_json", "data", "base64", "bytes"} {
			if s, ok := val[key].(string); ok && s != "" {
				return c.collectValue(ctx, images, s)
			}
		}
	case string:
		switch {
		case val == "":
		case strings.HasPrefix(val, "data:"):
			_, encoded, _ := strings.Cut(val, ",")
			if b, err := base64.StdEncoding.DecodeString(encoded); err == nil && len(b) > 0 {
				images = append(images, b)
			}
		case strings.HasPrefix(val, "http://"), strings.HasPrefix(val, "https://"):
			b, err := c.download(ctx, val)
			if err != nil {
				logger.Warn(ctx, c.log, "Poster image download failed", "error", err)
				return images
			}
			images = append(images, b)
		default:
			if b, err := base64.StdEncoding.DecodeString(val); err == nil && len(b) > 0 {
				images = append(images, b)
			}
		}
	}
	return images
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("image download status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
}

func imageDataURL(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("empty image")
	}
	return "data:" + contentType(path) + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}

func contentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	}
	return "application/octet-stream"
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	bearerTokenRE = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._-]+\b`)
	authHeaderRE  = regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)([^\n\r,;]+)`)
	apiKeyFieldRE = regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)([^\n\r,;]+)`)
)

func redactSecrets(s, apiKey string) string {
	if s == "" {
		return s
	}
	out := s
	if apiKey != "" {
		out = strings.ReplaceAll(out, apiKey, "[REDACTED]")
	}
	out = bearerTokenRE.ReplaceAllString(out, "Bearer [REDACTED]")
	out = authHeaderRE.ReplaceAllString(out, "${1}[REDACTED]")
	out = apiKeyFieldRE.ReplaceAllString(out, "${1}[REDACTED]")
	return out
}
