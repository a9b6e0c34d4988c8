// Package artifact stores materialized transcription outputs on the local
// filesystem, one directory per job. Writes are staged to a temporary file
// and renamed into place so a partially written artifact is never visible
// under a handle.
package artifact

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store is a filesystem-backed artifact store rooted at a single directory.
// Handles are root-relative paths.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore creates the root directory if needed and returns a Store.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact root: %w", err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Write stores content under the job's directory and returns the handle.
// The staging file is always removed, whether the rename succeeds or not.
func (s *Store) Write(jobID int64, filename, content string) (string, error) {
	if filename == "" || strings.Contains(filename, "/") || strings.Contains(filename, "..") {
		return "", fmt.Errorf("invalid artifact filename: %q", filename)
	}

	jobDir := fmt.Sprintf("job-%d", jobID)
	if err := os.MkdirAll(filepath.Join(s.root, jobDir), 0o755); err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}

	staging := filepath.Join(s.root, ".staging-"+uuid.NewString())
	defer func() {
		if _, err := os.Stat(staging); err == nil {
			if rmErr := os.Remove(staging); rmErr != nil {
				s.logger.Warn("Failed to remove staging file",
					slog.String("path", staging),
					slog.Any("error", rmErr),
				)
			}
		}
	}()

	if err := os.WriteFile(staging, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write staging file: %w", err)
	}

	handle := filepath.Join(jobDir, filename)
	if err := os.Rename(staging, filepath.Join(s.root, handle)); err != nil {
		return "", fmt.Errorf("failed to finalize artifact: %w", err)
	}

	return handle, nil
}

// Read returns the content stored under handle.
func (s *Store) Read(handle string) (string, error) {
	path, err := s.resolve(handle)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read artifact: %w", err)
	}
	return string(data), nil
}

// RemoveJob deletes every artifact belonging to a job. Used by the
// administrative delete operation.
func (s *Store) RemoveJob(jobID int64) error {
	dir := filepath.Join(s.root, fmt.Sprintf("job-%d", jobID))
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove job artifacts: %w", err)
	}
	return nil
}

// resolve turns a handle into an absolute path, refusing anything that
// escapes the store root.
func (s *Store) resolve(handle string) (string, error) {
	if handle == "" || strings.Contains(handle, "..") {
		return "", fmt.Errorf("invalid artifact handle: %q", handle)
	}
	return filepath.Join(s.root, filepath.Clean(handle)), nil
}
