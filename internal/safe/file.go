package safe

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// DefaultMaxFileSize is the default maximum file size for safe reads (64MB).
const DefaultMaxFileSize = 64 << 20

// ReadOptions configures the behavior of ReadFile.
type ReadOptions struct {
	// MaxSize is the maximum allowed file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// AllowSymlinks allows reading through symlinks. Default is false for security.
	AllowSymlinks bool
}

// ReadFile reads a file with security validations.
// It rejects symlinks by default to prevent file inclusion attacks,
// validates file size, and ensures only regular files are read.
func ReadFile(path string, opts *ReadOptions) ([]byte, error) {
	if opts == nil {
		opts = &ReadOptions{}
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	cleanPath := filepath.Clean(path)

	// Check file info without following symlinks.
	info, err := os.Lstat(cleanPath)
	if err != nil {
		return nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.AllowSymlinks {
			return nil, fmt.Errorf("file %q is a symlink, which is not allowed for security reasons", path)
		}
		if info, err = os.Stat(cleanPath); err != nil {
			return nil, err
		}
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path %q is not a regular file", path)
	}

	// Check file size to prevent resource exhaustion.
	if info.Size() > maxSize {
		return nil, fmt.Errorf("file exceeds maximum allowed size of %d bytes", maxSize)
	}

	return os.ReadFile(cleanPath)
}

// WriteFile atomically replaces path with data: it writes a temporary file
// in the same directory, syncs it, and renames it over path. An existing
// symlink at path is refused rather than followed.
func WriteFile(path string, data []byte, perm os.FileMode, logger zerolog.Logger) error {
	cleanPath := filepath.Clean(path)
	if info, err := os.Lstat(cleanPath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return fmt.Errorf("destination %q is a symlink, which is not allowed for security reasons", path)
	}
	if perm == 0 {
		perm = 0o600
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(cleanPath), "."+filepath.Base(cleanPath)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer RemoveFile(tmpFile, logger) // Clean up if something fails

	if _, err := tmpFile.Write(data); err != nil {
		Close(tmpFile, logger, "failed to close temp file")
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmpFile.Chmod(perm); err != nil {
		Close(tmpFile, logger, "failed to close temp file")
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		Close(tmpFile, logger, "failed to close temp file")
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), cleanPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Close closes gracefully a Closer interface, handling and logging the error.
func Close(c io.Closer, logger zerolog.Logger, msg string) {
	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg(msg)
	}
}

// RemoveFile removes gracefully a file, handling and logging the error. A
// file that is already gone is not an error.
func RemoveFile(f *os.File, logger zerolog.Logger) {
	if f == nil {
		return
	}
	if err := os.Remove(f.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Error().Err(err).Msg("failed to remove file")
	}
}
