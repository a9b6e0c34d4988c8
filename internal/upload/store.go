// Package upload stores submitted audio files on the local filesystem and
// resolves the download URLs the prediction backends fetch them from.
package upload

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/scribeworks/transcribe-be/internal/domain"
)

// Store is a filesystem-backed store for uploaded audio. Handles are opaque
// file names inside the root directory; the public base URL must serve that
// directory for backends to download inputs.
type Store struct {
	root          string
	publicBaseURL string
	logger        *slog.Logger
}

// NewStore creates the upload directory if needed and returns a Store.
func NewStore(root, publicBaseURL string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("upload root directory is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload root: %w", err)
	}
	return &Store{
		root:          root,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
		logger:        logger,
	}, nil
}

// Save writes the uploaded content to disk under a fresh opaque handle and
// returns the handle and the number of bytes written.
func (s *Store) Save(filename string, r io.Reader) (string, int64, error) {
	handle := uuid.NewString() + sanitizeExt(filename)
	path := filepath.Join(s.root, handle)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}

	size, err := io.Copy(f, r)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return "", 0, fmt.Errorf("failed to store upload: %w", err)
	}

	return handle, size, nil
}

// DownloadURL resolves the publicly reachable URL for a stored upload.
func (s *Store) DownloadURL(handle string) (string, error) {
	if handle == "" || s.publicBaseURL == "" {
		return "", domain.ErrDownloadUnavailable
	}
	return s.publicBaseURL + "/" + handle, nil
}

// Open returns the stored upload file. The HTTP layer serves job audio from
// here so the public base URL can point at the API service itself.
func (s *Store) Open(handle string) (*os.File, error) {
	if handle == "" || strings.Contains(handle, "..") || strings.Contains(handle, "/") {
		return nil, fmt.Errorf("invalid upload handle: %q", handle)
	}
	return os.Open(filepath.Join(s.root, handle))
}

// Remove deletes a stored upload. Used by the administrative job delete.
func (s *Store) Remove(handle string) error {
	if handle == "" {
		return nil
	}
	if strings.Contains(handle, "..") || strings.Contains(handle, "/") {
		return fmt.Errorf("invalid upload handle: %q", handle)
	}
	if err := os.Remove(filepath.Join(s.root, handle)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove upload: %w", err)
	}
	return nil
}

// sanitizeExt keeps a short, path-safe extension from the original filename.
func sanitizeExt(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(ext) > 8 || strings.ContainsAny(ext, "/\\") {
		return ""
	}
	return ext
}
