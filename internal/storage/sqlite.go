package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/amillerrr/kino-pipeline/pkg/models"
)

const (
	sqliteBusyCode          = 5
	busyRetryAttempts       = 5
	busyRetryInitialBackoff = 10 * time.Millisecond
	busyRetryMaxBackoff     = 200 * time.Millisecond
)

const projectColumns = `id, name, description, video_filename, duration_seconds, poster_url,
	status, progress, error_message, created_at, updated_at, processing_started_at,
	processing_estimate_seconds, storyboards_json, storyboards_count, frames_count,
	poster_candidates_json, poster_outputs_json`

const summaryColumns = `id, name, description, video_filename, duration_seconds, poster_url,
	status, progress, error_message, created_at, updated_at, processing_started_at,
	processing_estimate_seconds, NULL, storyboards_count, frames_count, NULL, NULL`

const createProjectsTable = `CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	video_filename TEXT,
	duration_seconds REAL NOT NULL DEFAULT 0,
	poster_url TEXT,
	status TEXT NOT NULL,
	progress INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	processing_started_at TEXT,
	processing_estimate_seconds INTEGER NOT NULL DEFAULT 0,
	storyboards_json TEXT,
	storyboards_count INTEGER NOT NULL DEFAULT 0,
	frames_count INTEGER NOT NULL DEFAULT 0,
	poster_candidates_json TEXT,
	poster_outputs_json TEXT
)`

// SQLiteStore is a ProjectStore backed by a local SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (and creates if needed) the project database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Pragmas apply per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	if _, err := db.Exec(createProjectsTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create projects table: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new project in the created state.
func (s *SQLiteStore) Create(ctx context.Context, in *models.CreateInput) (*models.Project, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	p := newProject(in, time.Now())
	err := retryOnBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO projects (id, name, description, video_filename, duration_seconds, poster_url,
				status, progress, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID,
			p.Name,
			nullableString(p.Description),
			nullableString(p.VideoFilename),
			p.DurationSeconds,
			nullableString(p.PosterURL),
			string(p.Status),
			p.Progress,
			p.CreatedAt.UTC().Format(sortTimeLayout),
			p.UpdatedAt.UTC().Format(sortTimeLayout),
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return p, nil
}

// Get fetches a full project record.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*models.Project, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrProjectNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	return p, nil
}

// List returns project summaries without storyboard or poster payloads.
func (s *SQLiteStore) List(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+summaryColumns+` FROM projects ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := []*models.Project{}
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// Update applies patch inside a transaction so concurrent patches to the
// same project do not lose fields.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch *models.Patch) (time.Time, error) {
	if err := patch.Validate(); err != nil {
		return time.Time{}, err
	}
	applied := stampPatch(patch)

	err := retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
		p, err := scanProject(row)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrProjectNotFound
		}
		if err != nil {
			return err
		}
		patch.Apply(p)
		if err := writeProject(ctx, tx, p); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, models.ErrProjectNotFound) {
		return time.Time{}, err
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("update project: %w", err)
	}
	return applied, nil
}

// Delete removes a project record.
func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	var affected int64
	err := retryOnBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if affected == 0 {
		return models.ErrProjectNotFound
	}
	return nil
}

func writeProject(ctx context.Context, tx *sql.Tx, p *models.Project) error {
	storyboards, err := marshalJSON(p.Storyboards)
	if err != nil {
		return err
	}
	candidates, err := marshalJSON(p.PosterCandidates)
	if err != nil {
		return err
	}
	outputs, err := marshalJSON(p.PosterOutputs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE projects
		 SET name = ?, description = ?, video_filename = ?, duration_seconds = ?, poster_url = ?,
		     status = ?, progress = ?, error_message = ?, updated_at = ?, processing_started_at = ?,
		     processing_estimate_seconds = ?, storyboards_json = ?, storyboards_count = ?,
		     frames_count = ?, poster_candidates_json = ?, poster_outputs_json = ?
		 WHERE id = ?`,
		p.Name,
		nullableString(p.Description),
		nullableString(p.VideoFilename),
		p.DurationSeconds,
		nullableString(p.PosterURL),
		string(p.Status),
		p.Progress,
		nullableString(p.ErrorMessage),
		p.UpdatedAt.UTC().Format(sortTimeLayout),
		nullableTime(p.ProcessingStartedAt),
		p.ProcessingEstimateSeconds,
		storyboards,
		p.StoryboardsCount,
		p.FramesCount,
		candidates,
		outputs,
		p.ID,
	)
	return err
}

func scanProject(scanner interface{ Scan(dest ...any) error }) (*models.Project, error) {
	var (
		p               models.Project
		description     sql.NullString
		videoFilename   sql.NullString
		posterURL       sql.NullString
		status          string
		errorMessage    sql.NullString
		createdRaw      string
		updatedRaw      string
		startedRaw      sql.NullString
		storyboardsJSON sql.NullString
		candidatesJSON  sql.NullString
		outputsJSON     sql.NullString
	)
	if err := scanner.Scan(
		&p.ID,
		&p.Name,
		&description,
		&videoFilename,
		&p.DurationSeconds,
		&posterURL,
		&status,
		&p.Progress,
		&errorMessage,
		&createdRaw,
		&updatedRaw,
		&startedRaw,
		&p.ProcessingEstimateSeconds,
		&storyboardsJSON,
		&p.StoryboardsCount,
		&p.FramesCount,
		&candidatesJSON,
		&outputsJSON,
	); err != nil {
		return nil, err
	}

	p.Description = description.String
	p.VideoFilename = videoFilename.String
	p.PosterURL = posterURL.String
	p.Status = models.ProjectStatus(status)
	p.ErrorMessage = errorMessage.String
	if t, err := parseTimeString(createdRaw); err == nil {
		p.CreatedAt = t
	}
	if t, err := parseTimeString(updatedRaw); err == nil {
		p.UpdatedAt = t
	}
	if startedRaw.Valid {
		if t, err := parseTimeString(startedRaw.String); err == nil {
			p.ProcessingStartedAt = &t
		}
	}

	if storyboardsJSON.Valid && storyboardsJSON.String != "" {
		var set models.StoryboardSet
		if err := json.Unmarshal([]byte(storyboardsJSON.String), &set); err != nil {
			return nil, fmt.Errorf("decode storyboards of %s: %w", p.ID, err)
		}
		p.Storyboards = &set
	}
	if candidatesJSON.Valid && candidatesJSON.String != "" {
		if err := json.Unmarshal([]byte(candidatesJSON.String), &p.PosterCandidates); err != nil {
			return nil, fmt.Errorf("decode poster candidates of %s: %w", p.ID, err)
		}
	}
	if outputsJSON.Valid && outputsJSON.String != "" {
		if err := json.Unmarshal([]byte(outputsJSON.String), &p.PosterOutputs); err != nil {
			return nil, fmt.Errorf("decode poster outputs of %s: %w", p.ID, err)
		}
	}
	return &p, nil
}

// marshalJSON stores nil values as NULL.
func marshalJSON[T any](v T) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode project payload: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var coder interface{ Code() int }
	if errors.As(err, &coder) && coder.Code() == sqliteBusyCode {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

func retryOnBusy(ctx context.Context, op func() error) error {
	delay := busyRetryInitialBackoff
	var lastErr error
	for attempt := 0; attempt < busyRetryAttempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteBusy(lastErr) || attempt == busyRetryAttempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		if next := delay * 2; next <= busyRetryMaxBackoff {
			delay = next
		}
	}
	return lastErr
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(sortTimeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}
