package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

// sortTimeLayout is a fixed-width UTC layout so stored timestamps sort
// chronologically as strings.
const sortTimeLayout = "2006-01-02T15:04:05.000000000Z"

// ProjectStore persists project records keyed by project id.
type ProjectStore interface {
	Create(ctx context.Context, in *models.CreateInput) (*models.Project, error)
	Get(ctx context.Context, id string) (*models.Project, error)
	// List returns summaries, most recently updated first.
	List(ctx context.Context) ([]*models.Project, error)
	// Update applies patch and returns the new updated_at.
	Update(ctx context.Context, id string, patch *models.Patch) (time.Time, error)
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// NewProjectID returns a fresh "proj_<hex10>" id.
func NewProjectID() string {
	return "proj_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}

func newProject(in *models.CreateInput, now time.Time) *models.Project {
	now = now.UTC()
	return &models.Project{
		ID:              NewProjectID(),
		Name:            in.Name,
		Description:     in.Description,
		VideoFilename:   SafeFilename(in.VideoFilename),
		DurationSeconds: in.DurationSeconds,
		PosterURL:       in.PosterURL,
		Status:          models.StatusCreated,
		Progress:        0,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func stampPatch(patch *models.Patch) time.Time {
	if patch.AppliedAt.IsZero() {
		patch.AppliedAt = time.Now().UTC()
	}
	return patch.AppliedAt.UTC()
}
