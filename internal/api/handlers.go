package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/amillerrr/kino-pipeline/internal/auth"
	"github.com/amillerrr/kino-pipeline/internal/config"
	"github.com/amillerrr/kino-pipeline/internal/pipeline"
	"github.com/amillerrr/kino-pipeline/internal/posterwall"
	"github.com/amillerrr/kino-pipeline/internal/storage"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

var tracer = otel.Tracer("kino-api")

// Configuration constants
const (
	MaxFilenameLength  = 255
	MaxRequestBodySize = 1 << 20  // 1 MB
	MaxUploadSize      = 20 << 30 // 20 GB
	UploadFormField    = "file"
)

// AllowedExtensions lists the accepted video containers.
var AllowedExtensions = map[string]bool{
	".mp4":  true,
	".m4v":  true,
	".mov":  true,
	".avi":  true,
	".mkv":  true,
	".webm": true,
}

// ProjectStore is the part of the project store the API uses.
type ProjectStore interface {
	Create(ctx context.Context, in *models.CreateInput) (*models.Project, error)
	Get(ctx context.Context, id string) (*models.Project, error)
	List(ctx context.Context) ([]*models.Project, error)
	Delete(ctx context.Context, id string) error
}

// Pipeline starts runs from uploads and retries.
type Pipeline interface {
	Accept(ctx context.Context, projectID, filename string, body io.Reader) (*models.Project, error)
	Retry(ctx context.Context, projectID string) (*models.Project, error)
}

// PosterWall lists, generates and deletes posters.
type PosterWall interface {
	List(ctx context.Context, projectID string) (*posterwall.Wall, error)
	Generate(ctx context.Context, projectID string, req posterwall.GenerateRequest) (*posterwall.Wall, error)
	Delete(ctx context.Context, projectID, posterID string) (*posterwall.Wall, error)
}

// MediaSigner issues temporary links to published assets.
type MediaSigner interface {
	PresignAsset(ctx context.Context, projectID, rel string, lifetime time.Duration) (string, error)
}

// Handlers contains all HTTP handlers for the API.
type Handlers struct {
	cfg           *config.Config
	log           *slog.Logger
	store         ProjectStore
	pipeline      Pipeline
	posters       PosterWall
	layout        *storage.Layout
	media         MediaSigner
	jwtService    *auth.JWTService
	rateLimiter   *auth.RateLimiter
	origins       map[string]bool
	now           func() time.Time
	eventInterval time.Duration
}

// HandlersConfig holds dependencies for handlers.
type HandlersConfig struct {
	Config         *config.Config
	Logger         *slog.Logger
	Store          ProjectStore
	Pipeline       Pipeline
	Posters        PosterWall
	Layout         *storage.Layout
	Media          MediaSigner
	JWTService     *auth.JWTService
	RateLimiter    *auth.RateLimiter
	AllowedOrigins []string
	EventInterval  time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg *HandlersConfig) *Handlers {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	interval := cfg.EventInterval
	if interval <= 0 {
		interval = DefaultEventInterval
	}
	return &Handlers{
		cfg:           cfg.Config,
		log:           cfg.Logger,
		store:         cfg.Store,
		pipeline:      cfg.Pipeline,
		posters:       cfg.Posters,
		layout:        cfg.Layout,
		media:         cfg.Media,
		jwtService:    cfg.JWTService,
		rateLimiter:   cfg.RateLimiter,
		origins:       origins,
		now:           time.Now,
		eventInterval: interval,
	}
}

// writeJSON writes a JSON response.
func (h *Handlers) writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.ErrorContext(ctx, "Failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handlers) writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	h.writeJSON(ctx, w, status, map[string]string{"error": message})
}

// writeDomainError maps a pipeline or store error onto an HTTP status.
func (h *Handlers) writeDomainError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		trace.SpanFromContext(ctx).RecordError(err)
		h.log.ErrorContext(ctx, "Request failed", "error", err, "request_id", RequestID(ctx))
		h.writeError(ctx, w, status, "Internal server error")
		return
	}
	h.writeError(ctx, w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrProjectNotFound),
		errors.Is(err, models.ErrPosterNotFound),
		errors.Is(err, models.ErrVideoMissing):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidStatus),
		errors.Is(err, models.ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, models.ErrImageGeneration):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrNoVideo),
		errors.Is(err, models.ErrMissingFilename),
		errors.Is(err, models.ErrMissingName),
		errors.Is(err, models.ErrInvalidDuration),
		errors.Is(err, models.ErrInvalidFileType),
		errors.Is(err, models.ErrFilenameTooLong),
		errors.Is(err, storage.ErrUnsafePath):
		return http.StatusBadRequest
	}
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

// limitRequestBody wraps the request body with a size limit.
func (h *Handlers) limitRequestBody(w http.ResponseWriter, r *http.Request, limit int64) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
}

// present returns the client view of a project, with observed progress.
func (h *Handlers) present(p *models.Project) *models.Project {
	cp := *p
	cp.Progress = pipeline.ObservedProgress(p, h.now())
	return &cp
}

// LoginHandler exchanges basic credentials for a JWT.
func (h *Handlers) LoginHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientIP := auth.GetClientIP(r)

	if h.rateLimiter != nil && h.rateLimiter.IsLimited(clientIP) {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", h.rateLimiter.RetryAfter(clientIP)))
		h.writeError(ctx, w, http.StatusTooManyRequests, "Too many failed attempts")
		return
	}

	username, password, ok := r.BasicAuth()
	if !ok {
		h.writeError(ctx, w, http.StatusUnauthorized, "Missing credentials")
		return
	}

	expectedUsername, expectedPassword, err := h.cfg.GetAPICredentials()
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to get API credentials", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Server configuration error")
		return
	}

	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(expectedUsername)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(expectedPassword)) == 1
	if !userOK || !passOK {
		if h.rateLimiter != nil {
			h.rateLimiter.RecordFailure(clientIP)
		}
		h.log.WarnContext(ctx, "Failed login attempt", "username", username, "ip", clientIP)
		h.writeError(ctx, w, http.StatusUnauthorized, "Invalid credentials")
		return
	}

	token, err := h.jwtService.GenerateToken(username)
	if err != nil {
		h.log.ErrorContext(ctx, "Failed to generate token", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "Failed to generate token")
		return
	}
	if h.rateLimiter != nil {
		h.rateLimiter.Reset(clientIP)
	}

	h.log.InfoContext(ctx, "Successful login", "username", username, "ip", clientIP)
	h.writeJSON(ctx, w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(auth.TokenLifetime.Seconds()),
	})
}

// ListProjectsHandler returns project summaries, most recently updated first.
func (h *Handlers) ListProjectsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	projects, err := h.store.List(ctx)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	out := make([]*models.Project, 0, len(projects))
	for _, p := range projects {
		out = append(out, h.present(p))
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]any{"projects": out})
}

// CreateProjectHandler creates an empty project record.
func (h *Handlers) CreateProjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.limitRequestBody(w, r, MaxRequestBodySize)

	var in models.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return
	}
	in.Name = strings.TrimSpace(in.Name)

	project, err := h.store.Create(ctx, &in)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	h.log.InfoContext(ctx, "Project created", "project_id", project.ID, "request_id", RequestID(ctx))
	h.writeJSON(ctx, w, http.StatusCreated, h.present(project))
}

// GetProjectHandler returns one project with its storyboards.
func (h *Handlers) GetProjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, err := h.store.Get(ctx, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, h.present(project))
}

// DeleteProjectHandler removes the record and the project's asset directory.
func (h *Handlers) DeleteProjectHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	if err := h.store.Delete(ctx, id); err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	if err := h.layout.RemoveProject(id); err != nil {
		h.log.WarnContext(ctx, "Failed to remove project files", "project_id", id, "error", err)
	}

	h.log.InfoContext(ctx, "Project deleted", "project_id", id, "request_id", RequestID(ctx))
	w.WriteHeader(http.StatusNoContent)
}

// UploadHandler streams the multipart "file" field into the project and
// starts processing.
func (h *Handlers) UploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	ctx, span := tracer.Start(ctx, "upload-handler",
		trace.WithAttributes(
			attribute.String("project.id", id),
			attribute.String("request.id", RequestID(ctx)),
		))
	defer span.End()

	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != "multipart/form-data" {
		h.writeError(ctx, w, http.StatusBadRequest, "Expected multipart/form-data")
		return
	}
	h.limitRequestBody(w, r, MaxUploadSize)

	reader, err := r.MultipartReader()
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid multipart body")
		return
	}

	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			h.writeError(ctx, w, http.StatusBadRequest, "file field is required")
			return
		}
		if err != nil {
			span.RecordError(err)
			h.writeError(ctx, w, statusOr(err, http.StatusBadRequest), "Invalid multipart body")
			return
		}
		if part.FormName() != UploadFormField {
			part.Close()
			continue
		}

		filename := part.FileName()
		if err := validateFilename(filename); err != nil {
			part.Close()
			h.writeError(ctx, w, http.StatusBadRequest, err.Error())
			return
		}
		span.SetAttributes(attribute.String("video.filename", filename))

		project, err := h.pipeline.Accept(ctx, id, filename, part)
		part.Close()
		if err != nil {
			span.RecordError(err)
			h.writeDomainError(ctx, w, err)
			return
		}

		h.log.InfoContext(ctx, "Upload accepted",
			"project_id", id,
			"filename", project.VideoFilename,
			"request_id", RequestID(ctx),
		)
		h.writeJSON(ctx, w, http.StatusAccepted, h.present(project))
		return
	}
}

// RetryHandler re-runs a failed project.
func (h *Handlers) RetryHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	project, err := h.pipeline.Retry(ctx, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusAccepted, h.present(project))
}

func statusOr(err error, fallback int) int {
	if s := statusFor(err); s != http.StatusInternalServerError {
		return s
	}
	return fallback
}

// Validation functions

func validateFilename(filename string) error {
	name := storage.SafeFilename(filename)
	if name == "" {
		return errors.New("filename is required")
	}
	if len(name) > MaxFilenameLength {
		return models.ErrFilenameTooLong
	}

	ext := strings.ToLower(filepath.Ext(name))
	if !AllowedExtensions[ext] {
		return fmt.Errorf("%w: allowed extensions are mp4, m4v, mov, avi, mkv, webm", models.ErrInvalidFileType)
	}
	return nil
}
