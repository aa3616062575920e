package api

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/amillerrr/kino-pipeline/internal/pipeline"
	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// Event stream settings
const (
	DefaultEventInterval = time.Second
	eventWriteTimeout    = 10 * time.Second
)

// ProjectEvent is one status frame on the events stream.
type ProjectEvent struct {
	ProjectID        string               `json:"project_id"`
	Status           models.ProjectStatus `json:"status"`
	Progress         int                  `json:"progress"`
	ErrorMessage     string               `json:"error_message,omitempty"`
	StoryboardsCount int                  `json:"storyboards_count"`
	FramesCount      int                  `json:"frames_count"`
	PosterURL        string               `json:"poster_url,omitempty"`
	UpdatedAt        string               `json:"updated_at"`
}

func newProjectEvent(p *models.Project, now time.Time) ProjectEvent {
	return ProjectEvent{
		ProjectID:        p.ID,
		Status:           p.Status,
		Progress:         pipeline.ObservedProgress(p, now),
		ErrorMessage:     p.ErrorMessage,
		StoryboardsCount: p.StoryboardsCount,
		FramesCount:      p.FramesCount,
		PosterURL:        p.PosterURL,
		UpdatedAt:        p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func (h *Handlers) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || h.origins[origin] || h.origins["*"] {
				return true
			}
			u, err := url.Parse(origin)
			return err == nil && u.Host == r.Host
		},
	}
}

// EventsHandler streams the project's status and progress over a websocket.
// A frame is pushed whenever the observed state changes, and the socket is
// closed once the project reaches a terminal status.
func (h *Handlers) EventsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	project, err := h.store.Get(ctx, id)
	if err != nil {
		h.writeDomainError(ctx, w, err)
		return
	}

	conn, err := h.upgrader().Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.WarnContext(ctx, "Websocket upgrade failed", "project_id", id, "error", err)
		return
	}
	defer conn.Close()

	// Drain client frames so close and ping control messages are handled.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.eventInterval)
	defer ticker.Stop()

	var last *ProjectEvent
	for {
		ev := newProjectEvent(project, h.now())
		if last == nil || ev != *last {
			if err := conn.SetWriteDeadline(time.Now().Add(eventWriteTimeout)); err != nil {
				h.log.DebugContext(ctx, "Event stream deadline failed", "project_id", id, "error", err)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			last = &ev
		}

		if project.Status.IsTerminal() {
			h.closeEvents(ctx, conn, id, websocket.CloseNormalClosure, string(project.Status))
			return
		}

		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		project, err = h.store.Get(ctx, id)
		if err != nil {
			h.log.WarnContext(ctx, "Event stream lookup failed", "project_id", id, "error", err)
			h.closeEvents(ctx, conn, id, websocket.CloseInternalServerErr, "project unavailable")
			return
		}
	}
}

// closeEvents sends a close frame. The peer may already be gone.
func (h *Handlers) closeEvents(ctx context.Context, conn *websocket.Conn, id string, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(eventWriteTimeout)); err != nil {
		h.log.DebugContext(ctx, "Event stream close failed", "project_id", id, "error", err)
	}
}
