package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafePath is returned for media paths that escape a project directory.
var ErrUnsafePath = errors.New("unsafe media path")

// Layout maps projects to directories under a local storage root.
type Layout struct {
	Root string
}

// NewLayout returns a Layout rooted at root.
func NewLayout(root string) *Layout {
	if root == "" {
		root = "storage"
	}
	return &Layout{Root: root}
}

// ProjectDir returns the asset root of a project.
func (l *Layout) ProjectDir(projectID string) string {
	return filepath.Join(l.Root, projectID)
}

// EnsureProjectDir creates the project directory if needed.
func (l *Layout) EnsureProjectDir(projectID string) (string, error) {
	dir := l.ProjectDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create project directory: %w", err)
	}
	return dir, nil
}

// VideoPath returns where an uploaded video is stored. Only the base name of
// filename is used.
func (l *Layout) VideoPath(projectID, filename string) string {
	return filepath.Join(l.ProjectDir(projectID), SafeFilename(filename))
}

// VideoExists reports whether the uploaded video is present and non-empty.
func (l *Layout) VideoExists(projectID, filename string) bool {
	if SafeFilename(filename) == "" {
		return false
	}
	info, err := os.Stat(l.VideoPath(projectID, filename))
	return err == nil && !info.IsDir() && info.Size() > 0
}

// Resolve maps a project-relative media path to a file path, rejecting
// anything that would leave the project directory.
func (l *Layout) Resolve(projectID, rel string) (string, error) {
	rel = filepath.FromSlash(strings.TrimLeft(rel, "/"))
	if projectID == "" || !filepath.IsLocal(projectID) || rel == "" || !filepath.IsLocal(rel) {
		return "", ErrUnsafePath
	}
	return filepath.Join(l.ProjectDir(projectID), rel), nil
}

// RemoveProject deletes the project's directory tree.
func (l *Layout) RemoveProject(projectID string) error {
	if projectID == "" || !filepath.IsLocal(projectID) {
		return ErrUnsafePath
	}
	return os.RemoveAll(l.ProjectDir(projectID))
}

// SafeFilename strips any directory components from an uploaded file name.
func SafeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}
