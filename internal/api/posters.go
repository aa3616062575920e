package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/amillerrr/kino-pipeline/internal/posterwall"
)

// ListPostersHandler returns the project's poster wall.
func (h *Handlers) ListPostersHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.posters == nil {
		h.writeError(ctx, w, http.StatusServiceUnavailable, "Poster wall is not configured")
		return
	}

	wall, err := h.posters.List(ctx, r.PathValue("id"))
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, wall)
}

// GeneratePostersHandler creates posters from selected candidates.
func (h *Handlers) GeneratePostersHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.posters == nil {
		h.writeError(ctx, w, http.StatusServiceUnavailable, "Poster wall is not configured")
		return
	}
	h.limitRequestBody(w, r, MaxRequestBodySize)

	var req posterwall.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "Request body too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "Invalid request body")
		return
	}

	wall, err := h.posters.Generate(ctx, r.PathValue("id"), req)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusCreated, wall)
}

// DeletePosterHandler removes one generated poster.
func (h *Handlers) DeletePosterHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.posters == nil {
		h.writeError(ctx, w, http.StatusServiceUnavailable, "Poster wall is not configured")
		return
	}

	wall, err := h.posters.Delete(ctx, r.PathValue("id"), r.PathValue("poster_id"))
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, wall)
}
