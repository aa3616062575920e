package api

import (
	"errors"
	"net/http"
	"os"
	"path"
	"slices"
	"strings"

	"github.com/amillerrr/kino-pipeline/internal/storage"
)

// MediaHandler serves rendered assets from the local layout. Assets that are
// not on this host are redirected to a presigned S3 link when publishing is
// enabled.
func (h *Handlers) MediaHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, rel := r.PathValue("id"), r.PathValue("path")

	filePath, err := h.layout.Resolve(id, rel)
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, err.Error())
		return
	}

	info, err := os.Stat(filePath)
	if err == nil && !info.IsDir() {
		w.Header().Set("Cache-Control", "private, max-age=300")
		http.ServeFile(w, r, filePath)
		return
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		h.writeDomainError(ctx, w, err)
		return
	}

	top, _, _ := strings.Cut(path.Clean(rel), "/")
	if h.media == nil || !slices.Contains(storage.PublishedDirs, top) {
		h.writeError(ctx, w, http.StatusNotFound, "Media not found")
		return
	}
	url, err := h.media.PresignAsset(ctx, id, rel, storage.DefaultLinkLifetime)
	if err != nil {
		h.log.WarnContext(ctx, "Failed to presign media link", "project_id", id, "path", rel, "error", err)
		h.writeError(ctx, w, http.StatusNotFound, "Media not found")
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}
